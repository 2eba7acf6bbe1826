package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps documents in process memory. Used by tests and dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*ActionState
	saves  int
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{states: make(map[string]*ActionState)}
}

func (m *MemoryStore) Load(_ context.Context, key string) (*ActionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[key].Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, key string, state *ActionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = state.Clone()
	m.saves++
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, key string, status Status) error {
	return clearVia(ctx, m, key, status)
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryStore) Close() error { return nil }
