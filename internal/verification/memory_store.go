package verification

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory code store for demo/development mode.
type MemoryStore struct {
	mu    sync.Mutex
	codes map[string]*Code
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[string]*Code)}
}

func (m *MemoryStore) Upsert(ctx context.Context, code *Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *code
	m.codes[code.OrderID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, orderID string) (*Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.codes[orderID]
	if !ok {
		return nil, nil
	}
	cp := *code
	return &cp, nil
}

func (m *MemoryStore) MarkConsumed(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.codes[orderID]
	if !ok {
		return ErrInvalidCode
	}
	if code.ConsumedAt != nil {
		return ErrAlreadyConsumed
	}
	now := time.Now()
	code.ConsumedAt = &now
	return nil
}
