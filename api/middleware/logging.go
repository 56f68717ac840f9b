package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/mesa-payments/pkg/logger"
)

// quietPrefixes are polled by health checks and scrapers; only failures are logged.
var quietPrefixes = []string{"/health/", "/metrics"}

// Logging writes one line per request with the chi route pattern, the
// gateway or transaction it touched, status and duration. Provider webhook
// deliveries are logged like any other request; their payloads are not.
func Logging(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logg == nil {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(rec, r)

			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			if quiet(r.URL.Path) && rec.status < http.StatusInternalServerError {
				return
			}

			fields := map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"bytes":       rec.bytes,
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					fields["route"] = pattern
				}
				for _, key := range routeFields {
					if v := rctx.URLParam(key); v != "" {
						fields[key] = v
					}
				}
			}
			ctx := logg.WithFields(r.Context(), fields)

			switch {
			case rec.status >= http.StatusInternalServerError:
				logg.Error(ctx, "request.failed", nil)
			case rec.status >= http.StatusBadRequest:
				logg.Warn(ctx, "request.rejected")
			default:
				logg.Info(ctx, "request.complete")
			}
		})
	}
}

func quiet(path string) bool {
	for _, prefix := range quietPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}
