package credits

import (
	"context"
	"sync"
	"time"

	"github.com/hirelane/hirelane/internal/idgen"
)

// MemoryStore is an in-memory credits store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	subs     map[string]*Subscription
	entries  []*LedgerEntry
	idemKeys map[string]*LedgerEntry
	bonuses  map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		subs:     make(map[string]*Subscription),
		idemKeys: make(map[string]*LedgerEntry),
		bonuses:  make(map[string]bool),
	}
}

func (m *MemoryStore) accountLocked(userID string) *Account {
	acct, ok := m.accounts[userID]
	if !ok {
		acct = &Account{UserID: userID, UpdatedAt: time.Now()}
		m.accounts[userID] = acct
	}
	return acct
}

func (m *MemoryStore) appendLocked(e *LedgerEntry) *LedgerEntry {
	e.ID = idgen.WithPrefix("cle_")
	e.CreatedAt = time.Now()
	m.entries = append(m.entries, e)
	if e.IdempotencyKey != "" {
		m.idemKeys[e.IdempotencyKey] = e
	}
	cp := *e
	return &cp
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acct, ok := m.accounts[userID]; ok {
		cp := *acct
		return &cp, nil
	}
	return &Account{UserID: userID, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) AddPurchased(ctx context.Context, userID string, amount int64, entryType, reference, idemKey, paymentRef string) (*LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entryType == EntrySignupBonus {
		if m.bonuses[userID] {
			return nil, ErrBonusAlreadyGranted
		}
		m.bonuses[userID] = true
	}

	acct := m.accountLocked(userID)
	acct.Purchased += amount
	acct.UpdatedAt = time.Now()

	return m.appendLocked(&LedgerEntry{
		UserID:         userID,
		Type:           entryType,
		CreditsType:    SourcePurchased,
		Amount:         amount,
		Reference:      reference,
		IdempotencyKey: idemKey,
		PaymentRef:     paymentRef,
		BalanceAfter:   acct.Purchased,
	}), nil
}

func (m *MemoryStore) DebitPurchased(ctx context.Context, userID string, amount int64, entryType, reference string) (*LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok || acct.Purchased < amount {
		return nil, ErrInsufficientCredits
	}
	acct.Purchased -= amount
	acct.UpdatedAt = time.Now()

	return m.appendLocked(&LedgerEntry{
		UserID:       userID,
		Type:         entryType,
		CreditsType:  SourcePurchased,
		Amount:       -amount,
		Reference:    reference,
		BalanceAfter: acct.Purchased,
	}), nil
}

func (m *MemoryStore) DebitSubscription(ctx context.Context, userID string, amount int64, entryType, reference string) (*LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[userID]
	if !ok || !sub.Active(time.Now()) {
		return nil, ErrSubscriptionNotFound
	}
	if sub.Credits < amount {
		return nil, ErrInsufficientCredits
	}
	sub.Credits -= amount
	sub.UpdatedAt = time.Now()

	return m.appendLocked(&LedgerEntry{
		UserID:       userID,
		Type:         entryType,
		CreditsType:  SourceSubscription,
		Amount:       -amount,
		Reference:    reference,
		BalanceAfter: sub.Credits,
	}), nil
}

func (m *MemoryStore) ConsumeListingQuota(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[userID]
	if !ok || !sub.Active(time.Now()) {
		return ErrSubscriptionNotFound
	}
	if sub.ListingQuota < 1 {
		return ErrInsufficientCredits
	}
	sub.ListingQuota--
	sub.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[userID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) GrantSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *sub
	cp.UpdatedAt = time.Now()
	m.subs[sub.UserID] = &cp
	return nil
}

func (m *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.idemKeys[key]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*LedgerEntry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}
