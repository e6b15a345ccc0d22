package replay

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps claims in a map. Its uniqueness only holds within one
// process, so it is for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]Claim
	calls  int
	err    error
}

// NewMemoryStore creates an empty in-memory replay store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]Claim)}
}

func (m *MemoryStore) begin() error {
	m.calls++
	return m.err
}

func (m *MemoryStore) Insert(_ context.Context, c *Claim) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return false, err
	}
	if _, ok := m.claims[c.TxHash]; ok {
		return false, nil
	}
	m.claims[c.TxHash] = *c
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, hash string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return nil, err
	}
	c, ok := m.claims[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) Delete(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return err
	}
	delete(m.claims, hash)
	return nil
}

func (m *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return 0, err
	}
	var n int64
	for h, c := range m.claims {
		if c.ProcessedAt.Before(cutoff) {
			delete(m.claims, h)
			n++
		}
	}
	return n, nil
}

// Calls returns how many store operations have run.
func (m *MemoryStore) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// FailWith makes every subsequent operation return err.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
