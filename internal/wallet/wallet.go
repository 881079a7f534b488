// Package wallet manages provider wallets as append-only ledgers.
//
// The ledger is the source of truth: a wallet's balance is the sum of its
// entries, and the cached balance column exists only to make debit gating and
// reads cheap. Reconcile re-derives cached balances from the log and the log
// always wins.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hirelane/hirelane/internal/logging"
	"github.com/hirelane/hirelane/internal/money"
	"github.com/hirelane/hirelane/internal/payments"
)

var (
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAlreadySettled is returned when a settlement for an order has
	// already been recorded. The ledger is not touched a second time.
	ErrAlreadySettled = errors.New("order already settled")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// Entry types appearing in the wallet ledger.
const (
	EntrySettlementRelease = "settlement_release" // provider earnings on order completion
	EntryPenalty           = "penalty"            // provider share of a forfeited deposit
	EntryPayout            = "payout"             // withdrawal to the provider's bank account
	EntryAdjustment        = "adjustment"         // manual correction, incl. payout compensation
)

// Wallet is a provider's balance in a single currency, auto-provisioned on
// first credit.
type Wallet struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"providerId"`
	Currency   string    `json:"currency"`
	Balance    string    `json:"balance"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Entry is one immutable ledger line. Entries are never updated or deleted.
type Entry struct {
	ID           string    `json:"id"`
	WalletID     string    `json:"walletId"`
	Type         string    `json:"type"`
	Amount       string    `json:"amount"` // signed: credits positive, debits negative
	OrderID      string    `json:"orderId,omitempty"`
	Description  string    `json:"description,omitempty"`
	BalanceAfter string    `json:"balanceAfter"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Drift is one wallet whose cached balance disagreed with its ledger sum.
type Drift struct {
	WalletID string `json:"walletId"`
	Cached   string `json:"cached"`
	Derived  string `json:"derived"`
}

// Store persists wallets and their ledgers. Credit and Debit append an entry
// and adjust the cached balance in one atomic step; Debit fails with
// ErrInsufficientFunds instead of ever driving a balance negative.
type Store interface {
	GetOrCreate(ctx context.Context, providerID, currency string) (*Wallet, error)
	Get(ctx context.Context, providerID, currency string) (*Wallet, error)
	// Credit appends a positive entry. Settlement and penalty entries are
	// unique per order: when orderID already has one of the same type,
	// Credit returns ErrAlreadySettled without writing.
	Credit(ctx context.Context, providerID, currency, entryType, amount, orderID, description string) (*Entry, error)
	// Debit appends a negative entry iff balance >= amount.
	Debit(ctx context.Context, providerID, currency, entryType, amount, orderID, description string) (*Entry, error)
	History(ctx context.Context, providerID, currency string, limit int) ([]*Entry, error)
	// Wallets lists every wallet (reconciliation sweep).
	Wallets(ctx context.Context) ([]*Wallet, error)
	// SumEntries derives a wallet's balance from its ledger.
	SumEntries(ctx context.Context, walletID string) (string, error)
	// SetBalance overwrites the cached balance (reconciliation only).
	SetBalance(ctx context.Context, walletID, balance string) error
}

// Service wraps the store with validation and the withdrawal flow.
type Service struct {
	store   Store
	gateway payments.Gateway
}

func NewService(store Store, gateway payments.Gateway) *Service {
	return &Service{store: store, gateway: gateway}
}

func (s *Service) Get(ctx context.Context, providerID, currency string) (*Wallet, error) {
	return s.store.GetOrCreate(ctx, providerID, currency)
}

func (s *Service) History(ctx context.Context, providerID, currency string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.History(ctx, providerID, currency, limit)
}

// Settle credits the provider's payout for an order. Exactly one
// settlement_release entry can exist per order; a second call returns
// ErrAlreadySettled and leaves the ledger untouched.
func (s *Service) Settle(ctx context.Context, providerID, currency, orderID, amount string) (*Entry, error) {
	if !money.IsPositive(amount) {
		return nil, fmt.Errorf("%w: settlement amount %q", ErrInvalidAmount, amount)
	}
	return s.store.Credit(ctx, providerID, currency, EntrySettlementRelease, amount, orderID, "order settlement")
}

// Penalty credits the provider's no-show share of a forfeited deposit.
// Exactly one penalty entry can exist per order; a second call returns
// ErrAlreadySettled, which lets a stalled forfeiture be re-driven safely.
func (s *Service) Penalty(ctx context.Context, providerID, currency, orderID, amount string) (*Entry, error) {
	if !money.IsPositive(amount) {
		return nil, fmt.Errorf("%w: penalty amount %q", ErrInvalidAmount, amount)
	}
	return s.store.Credit(ctx, providerID, currency, EntryPenalty, amount, orderID, "forfeited deposit share")
}

// Withdraw debits the wallet and pays out through the gateway. The debit is
// taken first so concurrent withdrawals cannot overdraw; if the payout then
// fails, the debit is compensated with an adjustment entry.
func (s *Service) Withdraw(ctx context.Context, providerID, currency, amount, destinationAccount string) (*Entry, error) {
	if !money.IsPositive(amount) {
		return nil, fmt.Errorf("%w: withdrawal amount %q", ErrInvalidAmount, amount)
	}
	entry, err := s.store.Debit(ctx, providerID, currency, EntryPayout, amount, "", "payout to "+destinationAccount)
	if err != nil {
		return nil, err
	}

	if _, err := s.gateway.Transfer(ctx, amount, currency, destinationAccount, map[string]string{
		"providerId": providerID,
		"entryId":    entry.ID,
	}); err != nil {
		// Put the funds back. If the compensation also fails the drift is
		// recoverable via Reconcile, but it needs an operator's eyes.
		if _, cerr := s.store.Credit(ctx, providerID, currency, EntryAdjustment, amount, "", "withdrawal reversal "+entry.ID); cerr != nil {
			logging.L(ctx).Error("CRITICAL: withdrawal compensation failed",
				"provider_id", providerID,
				"entry_id", entry.ID,
				"amount", amount,
				"error", cerr)
		}
		return nil, err
	}
	return entry, nil
}

// Reconcile recomputes every cached balance from the ledger. Where the two
// disagree the ledger wins and the cached value is overwritten.
func (s *Service) Reconcile(ctx context.Context) ([]Drift, error) {
	wallets, err := s.store.Wallets(ctx)
	if err != nil {
		return nil, err
	}
	var drifts []Drift
	for _, w := range wallets {
		derived, err := s.store.SumEntries(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		if money.Cmp(derived, w.Balance) == 0 {
			continue
		}
		logging.L(ctx).Warn("wallet balance drift",
			"wallet_id", w.ID,
			"cached", w.Balance,
			"derived", derived)
		if err := s.store.SetBalance(ctx, w.ID, derived); err != nil {
			return nil, err
		}
		drifts = append(drifts, Drift{WalletID: w.ID, Cached: w.Balance, Derived: derived})
	}
	return drifts, nil
}
