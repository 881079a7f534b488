package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/hirelane/hirelane/internal/idgen"
	"github.com/hirelane/hirelane/internal/money"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets   map[string]*Wallet // providerID+":"+currency
	entries   []*Entry
	settled   map[string]bool // orderID with a settlement_release entry
	penalized map[string]bool // orderID with a penalty entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]*Wallet),
		settled:   make(map[string]bool),
		penalized: make(map[string]bool),
	}
}

func key(providerID, currency string) string { return providerID + ":" + currency }

// getOrCreateLocked provisions a wallet; caller must hold m.mu.
func (m *MemoryStore) getOrCreateLocked(providerID, currency string) *Wallet {
	w, ok := m.wallets[key(providerID, currency)]
	if !ok {
		now := time.Now()
		w = &Wallet{
			ID:         idgen.WithPrefix("wal_"),
			ProviderID: providerID,
			Currency:   currency,
			Balance:    "0.00",
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		m.wallets[key(providerID, currency)] = w
	}
	return w
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, providerID, currency string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.getOrCreateLocked(providerID, currency)
	return &cp, nil
}

func (m *MemoryStore) Get(ctx context.Context, providerID, currency string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[key(providerID, currency)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, providerID, currency, entryType, amount, orderID, description string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entryType == EntrySettlementRelease {
		if m.settled[orderID] {
			return nil, ErrAlreadySettled
		}
		m.settled[orderID] = true
	}
	if entryType == EntryPenalty {
		if m.penalized[orderID] {
			return nil, ErrAlreadySettled
		}
		m.penalized[orderID] = true
	}

	w := m.getOrCreateLocked(providerID, currency)
	w.Balance = money.Add(w.Balance, amount)
	w.UpdatedAt = time.Now()

	e := &Entry{
		ID:           idgen.WithPrefix("wle_"),
		WalletID:     w.ID,
		Type:         entryType,
		Amount:       amount,
		OrderID:      orderID,
		Description:  description,
		BalanceAfter: w.Balance,
		CreatedAt:    time.Now(),
	}
	m.entries = append(m.entries, e)
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Debit(ctx context.Context, providerID, currency, entryType, amount, orderID, description string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[key(providerID, currency)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if money.Cmp(w.Balance, amount) < 0 {
		return nil, ErrInsufficientFunds
	}
	w.Balance = money.Sub(w.Balance, amount)
	w.UpdatedAt = time.Now()

	e := &Entry{
		ID:           idgen.WithPrefix("wle_"),
		WalletID:     w.ID,
		Type:         entryType,
		Amount:       "-" + amount,
		OrderID:      orderID,
		Description:  description,
		BalanceAfter: w.Balance,
		CreatedAt:    time.Now(),
	}
	m.entries = append(m.entries, e)
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) History(ctx context.Context, providerID, currency string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[key(providerID, currency)]
	if !ok {
		return nil, nil
	}
	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].WalletID == w.ID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Wallets(ctx context.Context) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SumEntries(ctx context.Context, walletID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := "0.00"
	for _, e := range m.entries {
		if e.WalletID == walletID {
			sum = money.Add(sum, e.Amount)
		}
	}
	return sum, nil
}

func (m *MemoryStore) SetBalance(ctx context.Context, walletID, balance string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.wallets {
		if w.ID == walletID {
			w.Balance = balance
			w.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrWalletNotFound
}
