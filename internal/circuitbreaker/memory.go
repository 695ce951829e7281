package circuitbreaker

import (
	"context"
	"sync"
	"time"
)

type record struct {
	state     State
	expiresAt time.Time
}

// MemoryStore keeps breaker state in process memory. Expired records load as closed.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]record

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]record),
		now:     time.Now,
	}
}

func (m *MemoryStore) Load(_ context.Context, key string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok || !m.now().Before(rec.expiresAt) {
		return State{}, nil
	}

	return rec.state, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, state State, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[key] = record{
		state:     state,
		expiresAt: m.now().Add(ttl),
	}

	return nil
}
