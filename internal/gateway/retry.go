package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/enums"
	"github.com/angelmondragon/mesa-payments/pkg/logger"
	"github.com/angelmondragon/mesa-payments/pkg/metrics"
)

const (
	defaultCallTimeout = 20 * time.Second
	defaultRetryBase   = 250 * time.Millisecond
	defaultRetryCap    = 4 * time.Second
	retryJitterPercent = 10
)

// Caller runs outbound provider calls under the provider's timeout and
// retries ProviderUnreachable failures with capped exponential backoff.
// The timeout bounds the whole call, retries and backoff included.
// The closure must reuse the same idempotency key on every attempt.
type Caller struct {
	gateway enums.GatewayType
	policy  config.ProviderConfig
	metrics *metrics.GatewayMetrics
	logg    *logger.Logger
}

func NewCaller(gw enums.GatewayType, policy config.ProviderConfig, m *metrics.GatewayMetrics, logg *logger.Logger) *Caller {
	if policy.Timeout <= 0 {
		policy.Timeout = defaultCallTimeout
	}
	if policy.RetryBase <= 0 {
		policy.RetryBase = defaultRetryBase
	}
	if policy.RetryCap <= 0 {
		policy.RetryCap = defaultRetryCap
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Caller{gateway: gw, policy: policy, metrics: m, logg: logg}
}

func (c *Caller) backoff() retry.Backoff {
	b := retry.NewExponential(c.policy.RetryBase)
	b = retry.WithCappedDuration(c.policy.RetryCap, b)
	b = retry.WithJitterPercent(retryJitterPercent, b)
	return retry.WithMaxRetries(c.policy.MaxRetries, b)
}

// Do invokes fn until it succeeds, fails with a non-retryable error, the
// retry budget runs out or the deadline passes. Attempts share one deadline.
func (c *Caller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()

	attempt := 0
	err := retry.Do(ctx, c.backoff(), func(callCtx context.Context) error {
		attempt++
		started := time.Now()
		err := fn(callCtx)
		if err != nil && callCtx.Err() != nil && !IsKind(err, KindProviderRejected) {
			err = Unreachable(c.gateway, op, fmt.Errorf("attempt %d: %w", attempt, err))
		}
		c.metrics.ObserveCall(string(c.gateway), op, outcome(err), time.Since(started))

		if err == nil {
			return nil
		}
		if Retryable(err) {
			logCtx := c.logg.WithFields(ctx, map[string]any{
				"gateway": c.gateway,
				"op":      op,
				"attempt": attempt,
			})
			c.logg.Warn(logCtx, fmt.Sprintf("provider call failed, retrying: %v", err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && KindOf(err) == "" && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return Unreachable(c.gateway, op, err)
	}
	return err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
