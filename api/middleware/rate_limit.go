package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/mesa-payments/api/responses"
	pkgerrors "github.com/angelmondragon/mesa-payments/pkg/errors"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	pkgredis "github.com/angelmondragon/mesa-payments/pkg/redis"
)

// RateLimiterStore is satisfied by the Redis client.
type RateLimiterStore interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (pkgredis.Window, error)
}

// RateLimitPolicy defines the throttling parameters for one traffic surface.
type RateLimitPolicy struct {
	name   string
	window time.Duration
	limit  int64
	// param keys the counter by a chi URL param instead of the client IP.
	param string
}

// NewRateLimitPolicy builds a policy counted per client IP.
func NewRateLimitPolicy(name string, window time.Duration, limit int) RateLimitPolicy {
	return RateLimitPolicy{
		name:   strings.ToLower(strings.TrimSpace(name)),
		window: window,
		limit:  int64(limit),
	}
}

// PerParam counts requests per value of the named URL param.
func (p RateLimitPolicy) PerParam(param string) RateLimitPolicy {
	p.param = param
	return p
}

func (p RateLimitPolicy) enabled() bool {
	return p.window > 0 && p.limit > 0
}

func (p RateLimitPolicy) normalizedName() string {
	if p.name == "" {
		return "api"
	}
	return p.name
}

func (p RateLimitPolicy) scope(r *http.Request) string {
	subject := clientIP(r)
	if p.param != "" {
		if v := chi.URLParam(r, p.param); v != "" {
			subject = v
		}
	}
	if subject == "" {
		return ""
	}
	return p.normalizedName() + ":" + subject
}

// RateLimit rejects requests over the policy's fixed window with 429.
// Provider polls go through it so a client loop cannot exhaust the
// provider's own quota.
func RateLimit(policy RateLimitPolicy, store RateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			scope := policy.scope(r)
			if scope == "" {
				next.ServeHTTP(w, r)
				return
			}

			win, err := store.FixedWindowAllow(ctx, scope, policy.limit, policy.window)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
				return
			}
			if !win.Allowed {
				if logg != nil {
					logg.Warn(logg.WithFields(ctx, map[string]any{
						"policy":         policy.normalizedName(),
						"scope":          scope,
						"attempts":       win.Count,
						"limit":          policy.limit,
						"window_seconds": int(policy.window.Seconds()),
					}), "rate_limit.blocked")
				}
				w.Header().Set("Retry-After", retryAfter(win.ResetIn, policy.window))
				responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfter is whole seconds, rounded up, until the window resets.
func retryAfter(resetIn, window time.Duration) string {
	if resetIn <= 0 {
		resetIn = window
	}
	return strconv.Itoa(int(math.Ceil(resetIn.Seconds())))
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
