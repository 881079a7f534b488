package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func clone(o *Order) *Order {
	cp := *o
	if o.CancelDeadline != nil {
		t := *o.CancelDeadline
		cp.CancelDeadline = &t
	}
	if o.StartedAt != nil {
		t := *o.StartedAt
		cp.StartedAt = &t
	}
	cp.RatingPhotos = append([]string(nil), o.RatingPhotos...)
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = clone(o)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return clone(o), nil
}

func (m *MemoryStore) UpdateCAS(ctx context.Context, o *Order, expectedStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if stored.Status != expectedStatus {
		return ErrConcurrentModification
	}
	o.UpdatedAt = time.Now()
	m.orders[o.ID] = clone(o)
	return nil
}

func (m *MemoryStore) GetByPaymentRef(ctx context.Context, ref string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.PaymentReference == ref {
			return clone(o), nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Order
	for _, o := range m.orders {
		if o.BuyerID == userID || o.ProviderID == userID {
			result = append(result, clone(o))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
