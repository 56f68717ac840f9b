package middleware

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/mesa-payments/api/responses"
	pkgerrors "github.com/angelmondragon/mesa-payments/pkg/errors"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
)

// routeFields are the path parameters worth having on a panic log line.
var routeFields = []string{"gateway", "restaurantId", "transactionId"}

// Recoverer turns a handler panic into a 500 envelope. The log line carries
// the route parameters so a panic in reconciliation can be traced to a
// transaction.
func Recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err := fmt.Errorf("panic: %v", rec)
				ctx := r.Context()
				if logg != nil {
					fields := map[string]any{"panic": rec, "method": r.Method, "path": r.URL.Path}
					if rctx := chi.RouteContext(ctx); rctx != nil {
						for _, key := range routeFields {
							if v := rctx.URLParam(key); v != "" {
								fields[key] = v
							}
						}
					}
					ctx = logg.WithFields(ctx, fields)
					logg.Error(ctx, "panic.recovered", err)
				}
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "panic"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
