package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/mesa-payments/pkg/errors"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/types"
)

func TestRequestIDAdoptsValidHeader(t *testing.T) {
	var seen string
	h := RequestID(logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "pos-terminal-7:abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "pos-terminal-7:abc", seen)
	assert.Equal(t, "pos-terminal-7:abc", rec.Header().Get(requestIDHeader))
}

func TestRequestIDReplacesUnsafeHeader(t *testing.T) {
	for name, header := range map[string]string{
		"newline":    "abc\ninjected=1",
		"too long":   strings.Repeat("a", maxRequestIDLen+1),
		"whitespace": "a b",
	} {
		t.Run(name, func(t *testing.T) {
			h := RequestID(logger.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(requestIDHeader, header)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			_, err := uuid.Parse(rec.Header().Get(requestIDHeader))
			assert.NoError(t, err)
		})
	}
}

func TestRecovererWritesInternalEnvelope(t *testing.T) {
	r := chi.NewRouter()
	logg := logger.Nop()
	r.Use(Recoverer(logg), RequestID(logg))
	r.Post("/transactions/{transactionId}/poll", func(http.ResponseWriter, *http.Request) {
		panic("nil adapter")
	})

	req := httptest.NewRequest(http.MethodPost, "/transactions/"+uuid.NewString()+"/poll", nil)
	req.Header.Set(requestIDHeader, "req-panic")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body types.ErrorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, string(pkgerrors.CodeInternal), body.Error.Code)
	assert.Equal(t, "req-panic", body.Error.RequestID)
	assert.NotContains(t, body.Error.Message, "nil adapter")
}
