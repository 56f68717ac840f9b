package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/mesa-payments/api/responses"
	"github.com/angelmondragon/mesa-payments/api/validators"
	pkgerrors "github.com/angelmondragon/mesa-payments/pkg/errors"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	pkgredis "github.com/angelmondragon/mesa-payments/pkg/redis"
)

const (
	defaultIdempotencyTTL  = 24 * time.Hour
	criticalIdempotencyTTL = 7 * 24 * time.Hour
	// inFlightTTL bounds how long a crashed request can block its key.
	inFlightTTL = 2 * time.Minute

	replayedHeader       = "Idempotency-Replayed"
	maxIdempotencyKeyLen = 255
)

const (
	recordPending = "pending"
	recordDone    = "done"
)

type idempotencyRule struct {
	method string
	suffix string
	ttl    time.Duration
}

// Checkouts and refunds move money and keep their replay window for a week.
var idempotencyRules = []idempotencyRule{
	{method: http.MethodPost, suffix: "/restaurants/{restaurantId}/checkouts", ttl: criticalIdempotencyTTL},
	{method: http.MethodPost, suffix: "/transactions/{transactionId}/refunds", ttl: criticalIdempotencyTTL},
	{method: http.MethodPost, suffix: "/transactions/{transactionId}/confirm", ttl: defaultIdempotencyTTL},
}

type idempotencyRecord struct {
	State       string            `json:"state"`
	Token       string            `json:"token,omitempty"`
	RequestHash string            `json:"request_hash"`
	Status      int               `json:"status,omitempty"`
	Body        string            `json:"body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Idempotency guards the money-moving routes. The first request claims the
// key with a pending marker; a duplicate that arrives while it runs gets 409
// instead of a second provider charge. Completed responses below 500 are
// replayed byte for byte with Idempotency-Replayed set. A 5xx releases the
// key so the client may retry.
func Idempotency(store pkgredis.IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pattern := routePattern(r)
			ttl, ok := routeTTL(r.Method, pattern)
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			clientKey := validators.IdempotencyKey(r)
			switch {
			case clientKey == "":
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
				return
			case len(clientKey) > maxIdempotencyKeyLen:
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header too long"))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, validators.MaxBodyBytes+1))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			requestHash := hashBody(body)
			key := store.IdempotencyKey(buildScope(r, pattern), clientKey)

			existing, err := lookupRecord(ctx, store, key)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
				return
			}
			if existing != nil {
				answerExisting(ctx, logg, w, existing, requestHash)
				return
			}

			marker, err := json.Marshal(idempotencyRecord{State: recordPending, Token: uuid.NewString(), RequestHash: requestHash})
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode idempotency marker"))
				return
			}
			claimed, err := store.SetNX(ctx, key, string(marker), inFlightTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim idempotency key"))
				return
			}
			if !claimed {
				// Lost the race to a concurrent duplicate.
				existing, err = lookupRecord(ctx, store, key)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
					return
				}
				if existing == nil {
					existing = &idempotencyRecord{State: recordPending, RequestHash: requestHash}
				}
				answerExisting(ctx, logg, w, existing, requestHash)
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(capture, r)

			// The client may have hung up; the outcome must still be recorded.
			persistCtx := context.WithoutCancel(ctx)
			status := defaultStatus(capture.status)
			if status >= http.StatusInternalServerError {
				if _, relErr := store.ReleaseIfOwner(persistCtx, key, string(marker)); relErr != nil {
					logError(persistCtx, logg, "idempotency.release_failed", relErr)
				}
				return
			}

			record := idempotencyRecord{
				State:       recordDone,
				RequestHash: requestHash,
				Status:      status,
				Body:        base64.StdEncoding.EncodeToString(capture.body.Bytes()),
			}
			if ct := capture.Header().Get("Content-Type"); ct != "" {
				record.Headers = map[string]string{"Content-Type": ct}
			}
			payload, err := json.Marshal(record)
			if err != nil {
				logError(persistCtx, logg, "idempotency.encode_failed", err)
				return
			}
			if err := store.Set(persistCtx, key, string(payload), ttl); err != nil {
				logError(persistCtx, logg, "idempotency.persist_failed", err)
			}
		})
	}
}

func answerExisting(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, record *idempotencyRecord, requestHash string) {
	switch {
	case record.RequestHash != requestHash:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
	case record.State == recordPending:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "a request with this idempotency key is still in progress"))
	default:
		writeStoredResponse(w, record)
	}
}

func lookupRecord(ctx context.Context, store pkgredis.IdempotencyStore, key string) (*idempotencyRecord, error) {
	stored, err := store.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record idempotencyRecord
	if err := json.Unmarshal([]byte(stored), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// buildScope keys records by route and resource so the same client key can
// be reused across restaurants and transactions.
func buildScope(r *http.Request, pattern string) string {
	return strings.Join([]string{
		r.Method,
		pattern,
		chi.URLParam(r, "restaurantId"),
		chi.URLParam(r, "transactionId"),
	}, "|")
}

func writeStoredResponse(w http.ResponseWriter, record *idempotencyRecord) {
	if ct := record.Headers["Content-Type"]; ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set(replayedHeader, "true")
	w.WriteHeader(record.Status)
	if decoded, err := base64.StdEncoding.DecodeString(record.Body); err == nil {
		_, _ = w.Write(decoded)
	}
}

func hashBody(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func defaultStatus(value int) int {
	if value == 0 {
		return http.StatusOK
	}
	return value
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func routeTTL(method, pattern string) (time.Duration, bool) {
	for _, rule := range idempotencyRules {
		if rule.method == method && strings.HasSuffix(pattern, rule.suffix) {
			return rule.ttl, true
		}
	}
	return 0, false
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
