package ratelimit

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// counterRetention is how long a per-second window counter is kept after it was created.
const counterRetention = 60 * time.Second

// Counter atomically increments the counter stored under key and returns the post-increment value.
// The counter expires ttl after its first increment.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RateLimit is a fixed one-second window limiter keyed by an arbitrary string.
type RateLimit struct {
	counter Counter
	log     *zap.Logger
	onError func()

	now func() time.Time
}

func New(counter Counter, log *zap.Logger) *RateLimit {
	return &RateLimit{
		counter: counter,
		log:     log,
		onError: func() {},
		now:     time.Now,
	}
}

// OnStoreError registers a hook invoked every time the counter store fails.
func (rl *RateLimit) OnStoreError(fn func()) {
	rl.onError = fn
}

// Allow increments the window counter for key and reports whether the request fits into limit.
// A failing counter store never rejects the request.
func (rl *RateLimit) Allow(ctx context.Context, key string, limit int) bool {
	windowKey := WindowKey(key, rl.now())

	count, err := rl.counter.Incr(ctx, windowKey, counterRetention)
	if err != nil {
		rl.onError()
		rl.log.Warn("rate counter store unavailable, allowing request",
			zap.String("key", windowKey),
			zap.Error(err),
		)

		return true
	}

	return count <= int64(limit)
}

// WindowKey returns the store key of the one-second window containing t.
func WindowKey(key string, t time.Time) string {
	return "rate:" + key + ":" + strconv.FormatInt(t.Unix(), 10)
}
