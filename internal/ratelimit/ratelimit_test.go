package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type failingCounter struct{}

func (failingCounter) Incr(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRateLimit_CapsPerSecond(t *testing.T) {
	const limit = 5

	counter := NewMemoryCounter()
	rl := New(counter, zap.NewNop())

	now := time.Unix(1_700_000_000, 100)
	rl.now = fixedClock(now)
	counter.now = fixedClock(now)

	allowed := 0
	for i := 0; i < limit+1; i++ {
		if rl.Allow(context.Background(), "/proxy", limit) {
			allowed++
		}
	}

	if allowed != limit {
		t.Fatalf("expected %d allowed requests, got %d", limit, allowed)
	}

	if rl.Allow(context.Background(), "/proxy", limit) {
		t.Fatal("expected request over the limit to be rejected")
	}

	next := now.Add(time.Second)
	rl.now = fixedClock(next)
	counter.now = fixedClock(next)

	if !rl.Allow(context.Background(), "/proxy", limit) {
		t.Fatal("expected first request of the next second to be allowed")
	}
}

func TestRateLimit_KeysAreIndependent(t *testing.T) {
	rl := New(NewMemoryCounter(), zap.NewNop())
	rl.now = fixedClock(time.Unix(1_700_000_000, 0))

	if !rl.Allow(context.Background(), "/a", 1) {
		t.Fatal("expected /a to be allowed")
	}

	if !rl.Allow(context.Background(), "/b", 1) {
		t.Fatal("expected /b to be allowed")
	}

	if rl.Allow(context.Background(), "/a", 1) {
		t.Fatal("expected second /a request to be rejected")
	}
}

func TestRateLimit_FailsOpen(t *testing.T) {
	rl := New(failingCounter{}, zap.NewNop())

	var failures atomic.Int32
	rl.OnStoreError(func() { failures.Add(1) })

	for i := 0; i < 3; i++ {
		if !rl.Allow(context.Background(), "/proxy", 1) {
			t.Fatal("expected limiter to allow when the store fails")
		}
	}

	if got := failures.Load(); got != 3 {
		t.Fatalf("expected 3 store failures, got %d", got)
	}
}

func TestRateLimit_Concurrent(t *testing.T) {
	const (
		limit   = 50
		callers = 200
	)

	rl := New(NewMemoryCounter(), zap.NewNop())
	rl.now = fixedClock(time.Unix(1_700_000_000, 0))

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if rl.Allow(context.Background(), "/proxy", limit) {
				allowed.Add(1)
			}
		}()
	}

	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Fatalf("expected exactly %d allowed, got %d", limit, got)
	}
}

func TestWindowKey(t *testing.T) {
	got := WindowKey("/proxy", time.Unix(1_700_000_000, 999_000_000))
	if got != "rate:/proxy:1700000000" {
		t.Fatalf("unexpected window key %q", got)
	}
}

func TestMemoryCounter_Cleanup(t *testing.T) {
	counter := NewMemoryCounter()

	now := time.Unix(1_700_000_000, 0)
	counter.now = fixedClock(now)

	if _, err := counter.Incr(context.Background(), "a", time.Second); err != nil {
		t.Fatal(err)
	}

	if _, err := counter.Incr(context.Background(), "b", time.Minute); err != nil {
		t.Fatal(err)
	}

	counter.now = fixedClock(now.Add(2 * time.Second))
	counter.cleanup()

	if got := counter.Len(); got != 1 {
		t.Fatalf("expected 1 live counter after cleanup, got %d", got)
	}
}

func TestMemoryCounter_Stopped(t *testing.T) {
	counter := NewMemoryCounter()

	if err := counter.Start(); err != nil {
		t.Fatal(err)
	}

	if err := counter.Stop(); err != nil {
		t.Fatal(err)
	}

	// Second stop is a no-op.
	if err := counter.Stop(); err != nil {
		t.Fatal(err)
	}

	if _, err := counter.Incr(context.Background(), "a", time.Second); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
