package responses

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/angelmondragon/mesa-payments/internal/gateway"
	pkgerrors "github.com/angelmondragon/mesa-payments/pkg/errors"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/types"
)

// logDetailKeys are the provider detail entries copied onto the log line.
var logDetailKeys = []string{"provider", "provider_status"}

func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, types.SuccessEnvelope{Data: data})
}

// WriteError renders err as the error envelope. Gateway errors are mapped
// through gateway.ToAPIError and anything untyped is classified as a store
// failure, so raw driver text never reaches the client.
func WriteError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("WriteError called without an error")
	}
	typed := classify(err)
	meta := pkgerrors.MetadataFor(typed.Code())

	body := types.APIError{
		Code:      string(typed.Code()),
		Message:   typed.ClientMessage(),
		Retryable: meta.Retryable,
		RequestID: logger.RequestIDFrom(ctx),
	}
	if meta.DetailsAllowed {
		body.Details = typed.Details()
	}

	if logg != nil {
		logError(ctx, logg, err, typed, meta.HTTPStatus)
	}
	writeJSON(w, meta.HTTPStatus, types.ErrorEnvelope{Error: body})
}

func classify(err error) *pkgerrors.Error {
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}
	if typed := pkgerrors.As(gateway.ToAPIError(err)); typed != nil {
		return typed
	}
	return pkgerrors.FromStore(err)
}

func logError(ctx context.Context, logg *logger.Logger, err error, typed *pkgerrors.Error, status int) {
	fields := pkgerrors.Diagnose(err).Fields()
	fields["error_code"] = typed.Code()
	fields["status"] = status
	if details, ok := typed.Details().(map[string]any); ok {
		for _, key := range logDetailKeys {
			if v, ok := details[key]; ok {
				fields[key] = v
			}
		}
	}
	ctx = logg.WithFields(ctx, fields)
	if status >= http.StatusInternalServerError {
		logg.Error(ctx, "request.error", err)
		return
	}
	logg.Warn(ctx, "request.rejected")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	// The status line is already out; a failed encode means the client
	// went away.
	_ = json.NewEncoder(w).Encode(payload)
}
