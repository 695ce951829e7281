package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

const cleanupEvery = 10 * time.Second

var ErrStopped = errors.New("memory counter is stopped")

type entry struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounter is a process-local Counter. It only bounds traffic of a single process.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*entry

	stopCh  chan struct{}
	stopped bool

	now func() time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Start runs the background cleanup of expired counters until Stop is called.
func (m *MemoryCounter) Start() error {
	go func() {
		ticker := time.NewTicker(cleanupEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.cleanup()
			case <-m.stopCh:
				return
			}
		}
	}()

	return nil
}

func (m *MemoryCounter) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}

	close(m.stopCh)
	m.stopped = true

	return nil
}

func (m *MemoryCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return 0, ErrStopped
	}

	now := m.now()

	ent, ok := m.entries[key]
	if !ok || !now.Before(ent.expiresAt) {
		ent = &entry{expiresAt: now.Add(ttl)}
		m.entries[key] = ent
	}

	ent.count++

	return ent.count, nil
}

// Len returns the number of live counters.
func (m *MemoryCounter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

func (m *MemoryCounter) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	for key, ent := range m.entries {
		if !now.Before(ent.expiresAt) {
			delete(m.entries, key)
		}
	}
}
