package redis

import (
	"context"
	"fmt"
	"time"
)

// fixedWindowScript increments the counter and starts the window on the
// first hit in one round trip, so a crash between INCR and PEXPIRE cannot
// leave a counter that never resets.
const fixedWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Window is the outcome of one fixed-window check.
type Window struct {
	Allowed bool
	Count   int64
	// ResetIn is how long until the window rolls over; zero when unknown.
	ResetIn time.Duration
}

// FixedWindowAllow counts one hit against scope and reports whether it fits
// under limit for the current window.
func (c *Client) FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (Window, error) {
	if c.store == nil {
		return Window{}, errNotInitialized
	}
	if window <= 0 {
		return Window{}, fmt.Errorf("rate window must be positive, got %s", window)
	}
	res, err := c.store.Eval(ctx, fixedWindowScript, []string{c.RateLimitKey(scope)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("fixed window %s: %w", scope, err)
	}
	if len(res) != 2 {
		return Window{}, fmt.Errorf("fixed window %s: unexpected reply %v", scope, res)
	}
	out := Window{Count: res[0], Allowed: res[0] <= limit}
	if res[1] > 0 {
		out.ResetIn = time.Duration(res[1]) * time.Millisecond
	}
	return out, nil
}

// ReleaseIfOwner deletes key when its value still equals owner. It reports
// false when the key expired or was taken over by someone else.
func (c *Client) ReleaseIfOwner(ctx context.Context, key, owner string) (bool, error) {
	if c.store == nil {
		return false, errNotInitialized
	}
	n, err := c.store.Eval(ctx, releaseScript, []string{key}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return n == 1, nil
}
