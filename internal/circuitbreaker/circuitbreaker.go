package circuitbreaker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// stateRetention is how long a breaker record outlives its cooldown in the store.
const stateRetention = time.Hour

// State is the persisted breaker record of a single key. OpenSince is zero while the breaker is closed.
type State struct {
	Errors    int   `json:"errors"`
	OpenSince int64 `json:"openSince"` // epoch ms
}

// Open reports whether the breaker was tripped, regardless of the cooldown.
func (s State) Open() bool {
	return s.OpenSince != 0
}

type Store interface {
	Load(ctx context.Context, key string) (State, error)
	Save(ctx context.Context, key string, state State, ttl time.Duration) error
}

type Config struct {
	ErrorThreshold   int
	LatencyThreshold time.Duration
	Cooldown         time.Duration
}

// Decision is the outcome of Check. Baseline is the state Record must start from.
type Decision struct {
	Allowed    bool
	Baseline   State
	RetryAfter time.Duration
}

// Hooks are optional observers of breaker events.
type Hooks struct {
	OnTrip       func(key string)
	OnStoreError func(op string)
}

// CircuitBreaker is a two-state (closed/open) breaker whose state lives in a shared Store.
// Reads and writes are not transactional; concurrent updates of one key may lose increments.
type CircuitBreaker struct {
	store Store
	cfg   Config
	hooks Hooks
	log   *zap.Logger

	now func() time.Time
}

func New(store Store, cfg Config, log *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		store: store,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

func (b *CircuitBreaker) SetHooks(hooks Hooks) {
	b.hooks = hooks
}

// Check loads the state of key and decides whether an upstream call may be attempted.
// An unreadable store is treated as a closed breaker.
func (b *CircuitBreaker) Check(ctx context.Context, key string) Decision {
	state, err := b.store.Load(ctx, storeKey(key))
	if err != nil {
		b.storeError("load")
		b.log.Warn("breaker store unavailable, treating breaker as closed",
			zap.String("key", key),
			zap.Error(err),
		)

		return Decision{Allowed: true}
	}

	if !state.Open() {
		return Decision{Allowed: true, Baseline: state}
	}

	elapsed := b.now().Sub(time.UnixMilli(state.OpenSince))
	if elapsed < b.cfg.Cooldown {
		return Decision{
			Allowed:    false,
			Baseline:   state,
			RetryAfter: b.cfg.Cooldown - elapsed,
		}
	}

	b.log.Debug("breaker cooldown elapsed, allowing trial request", zap.String("key", key))

	return Decision{Allowed: true, Baseline: State{}}
}

// IsFailure classifies a completed upstream call.
func (b *CircuitBreaker) IsFailure(status int, latency time.Duration) bool {
	return status >= 500 || latency > b.cfg.LatencyThreshold
}

// Record applies the outcome of an upstream call to baseline and persists the result.
// Write failures are logged and otherwise ignored.
func (b *CircuitBreaker) Record(ctx context.Context, key string, baseline State, status int, latency time.Duration) State {
	next := baseline

	if b.IsFailure(status, latency) {
		next.Errors++

		if next.Errors >= b.cfg.ErrorThreshold && !next.Open() {
			next.OpenSince = b.now().UnixMilli()

			b.log.Warn("breaker tripped open",
				zap.String("key", key),
				zap.Int("errors", next.Errors),
				zap.Duration("cooldown", b.cfg.Cooldown),
			)

			if b.hooks.OnTrip != nil {
				b.hooks.OnTrip(key)
			}
		}
	} else if next.Errors > 0 {
		next.Errors--
	}

	if err := b.store.Save(ctx, storeKey(key), next, b.cfg.Cooldown+stateRetention); err != nil {
		b.storeError("save")
		b.log.Warn("cannot persist breaker state",
			zap.String("key", key),
			zap.Error(err),
		)
	}

	return next
}

func (b *CircuitBreaker) storeError(op string) {
	if b.hooks.OnStoreError != nil {
		b.hooks.OnStoreError(op)
	}
}

func storeKey(key string) string {
	return "breaker:" + key
}
