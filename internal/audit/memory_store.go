package audit

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory audit trail for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, listingID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Event
	for i := len(m.events) - 1; i >= 0 && len(result) < limit; i-- {
		if m.events[i].ListingID == listingID {
			cp := *m.events[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}
