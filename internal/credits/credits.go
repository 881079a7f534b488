// Package credits implements the consumption engine for quotes and listings.
//
// Spending resolves against sources in a fixed order: the subscription's
// listing quota (listings only), then subscription credits, then purchased
// credits. A consumption is satisfied from exactly one source and writes
// exactly one ledger entry; quota decrements write none, since quota is not a
// credits balance. Purchased balances can never go negative: every debit is
// an atomic conditional decrement.
package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hirelane/hirelane/internal/logging"
	"github.com/hirelane/hirelane/internal/money"
	"github.com/hirelane/hirelane/internal/payments"
	"github.com/hirelane/hirelane/internal/retry"
)

var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrUnknownPlan          = errors.New("unknown subscription plan")
	ErrInvalidAmount        = errors.New("invalid credits amount")
	// ErrBonusAlreadyGranted marks a second signup bonus attempt at the
	// store layer; the service absorbs it into an idempotent no-op.
	ErrBonusAlreadyGranted = errors.New("signup bonus already granted")
)

// Credits sources recorded on ledger entries.
const (
	SourceSubscription = "subscription"
	SourcePurchased    = "purchased"
)

// Ledger entry types.
const (
	EntryQuote       = "quote"
	EntryListing     = "listing"
	EntryPurchase    = "purchase"
	EntrySignupBonus = "signup_bonus"
)

// Account holds a user's purchased credits balance.
type Account struct {
	UserID    string    `json:"userId"`
	Purchased int64     `json:"purchased"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Subscription holds a user's plan allowance for the current period.
type Subscription struct {
	UserID       string    `json:"userId"`
	Plan         string    `json:"plan"`
	Credits      int64     `json:"credits"`
	ListingQuota int64     `json:"listingQuota"`
	RenewsAt     time.Time `json:"renewsAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Active reports whether the subscription period is still running. A lapsed
// subscription serves no credits and no quota; consumption falls through to
// purchased credits until the plan is renewed.
func (s *Subscription) Active(now time.Time) bool {
	return now.Before(s.RenewsAt)
}

// LedgerEntry is one immutable credits ledger line.
type LedgerEntry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Type           string    `json:"type"`
	CreditsType    string    `json:"creditsType"` // subscription or purchased
	Amount         int64     `json:"amount"`      // signed
	Reference      string    `json:"reference,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	PaymentRef     string    `json:"paymentRef,omitempty"`
	BalanceAfter   int64     `json:"balanceAfter"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Plan is a subscription tier's monthly allowance.
type Plan struct {
	Name         string `json:"name"`
	Credits      int64  `json:"credits"`
	ListingQuota int64  `json:"listingQuota"`
	PeriodDays   int    `json:"periodDays"`
}

// Plans are the subscription tiers on offer.
var Plans = map[string]Plan{
	"starter":  {Name: "starter", Credits: 50, ListingQuota: 5, PeriodDays: 30},
	"pro":      {Name: "pro", Credits: 200, ListingQuota: 20, PeriodDays: 30},
	"business": {Name: "business", Credits: 1000, ListingQuota: 100, PeriodDays: 30},
}

// Store persists credits accounts, subscriptions, and the ledger.
type Store interface {
	GetAccount(ctx context.Context, userID string) (*Account, error)
	// AddPurchased appends a positive purchased-credits entry. For
	// EntrySignupBonus a second grant returns ErrBonusAlreadyGranted.
	AddPurchased(ctx context.Context, userID string, amount int64, entryType, reference, idemKey, paymentRef string) (*LedgerEntry, error)
	// DebitPurchased decrements iff purchased >= amount.
	DebitPurchased(ctx context.Context, userID string, amount int64, entryType, reference string) (*LedgerEntry, error)
	// DebitSubscription decrements subscription credits iff enough remain.
	DebitSubscription(ctx context.Context, userID string, amount int64, entryType, reference string) (*LedgerEntry, error)
	// ConsumeListingQuota decrements the listing quota iff it is positive.
	// No ledger entry is written.
	ConsumeListingQuota(ctx context.Context, userID string) error
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
	// GrantSubscription replaces the user's allowance for a new period.
	// Quota and subscription credits are plan state, not a credits debit,
	// so no ledger entry is written.
	GrantSubscription(ctx context.Context, sub *Subscription) error
	// GetByIdempotencyKey returns the entry recorded under key, nil if none.
	GetByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error)
	History(ctx context.Context, userID string, limit int) ([]*LedgerEntry, error)
}

// Config carries the pricing and recharge knobs the service needs.
type Config struct {
	QuoteCostDefault  int
	ListingCost       int
	CreditsPerUnit    int // credits bought per major currency unit
	RechargeCurrency  string
	AutoRecharge      bool
	AutoRechargeFloor int64
	AutoRechargeTopUp int64
	SignupBonus       bool
	SignupBonusAmount int64
}

// Pricing resolves configurable price keys, falling back to a default.
// Category-specific quote costs live under "credits.cost.quote.<category>".
type Pricing interface {
	GetInt(key string, def int) int
}

// Service implements the consumption and recharge flows.
type Service struct {
	store   Store
	gateway payments.Gateway
	pricing Pricing
	cfg     Config

	rechargeInFlight sync.Map // userID -> struct{}, collapses concurrent auto-recharges
}

func NewService(store Store, gateway payments.Gateway, pricing Pricing, cfg Config) *Service {
	return &Service{store: store, gateway: gateway, pricing: pricing, cfg: cfg}
}

// Summary bundles the account with its subscription for reads. Total is
// purchased plus subscription credits; listing quota is reported separately
// since it is not a credits balance.
type Summary struct {
	Account      *Account      `json:"account"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Total        int64         `json:"total"`
}

func (s *Service) Get(ctx context.Context, userID string) (*Summary, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum := &Summary{Account: acct, Total: acct.Purchased}
	sub, err := s.store.GetSubscription(ctx, userID)
	if err == nil {
		sum.Subscription = sub
		// Lapsed allowances are reported but never counted as spendable.
		if sub.Active(time.Now()) {
			sum.Total += sub.Credits
		}
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}
	return sum, nil
}

func (s *Service) History(ctx context.Context, userID string, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.History(ctx, userID, limit)
}

// ConsumeForQuote spends the quote cost for a category: subscription credits
// first, then purchased. The category price falls back to the global default
// when no category-specific price is configured.
func (s *Service) ConsumeForQuote(ctx context.Context, userID, category, quoteID string) (*LedgerEntry, error) {
	cost := int64(s.pricing.GetInt("credits.cost.quote."+category, s.cfg.QuoteCostDefault))
	if cost <= 0 {
		return nil, fmt.Errorf("%w: quote cost %d", ErrInvalidAmount, cost)
	}
	entry, err := s.consume(ctx, userID, cost, EntryQuote, quoteID)
	if err != nil {
		return nil, err
	}
	s.maybeAutoRecharge(userID)
	return entry, nil
}

// ConsumeForListing spends the listing publication cost. The subscription's
// listing quota is tried first and costs no credits; past the quota the
// normal credits resolution applies. A quota consumption returns a nil entry.
func (s *Service) ConsumeForListing(ctx context.Context, userID, listingID string) (*LedgerEntry, error) {
	err := s.store.ConsumeListingQuota(ctx, userID)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, ErrInsufficientCredits) && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	cost := int64(s.pricing.GetInt("credits.cost.listing", s.cfg.ListingCost))
	if cost <= 0 {
		return nil, fmt.Errorf("%w: listing cost %d", ErrInvalidAmount, cost)
	}
	entry, err := s.consume(ctx, userID, cost, EntryListing, listingID)
	if err != nil {
		return nil, err
	}
	s.maybeAutoRecharge(userID)
	return entry, nil
}

// consume resolves one debit against subscription credits, then purchased.
// The stores treat an expired subscription as absent, so a lapsed plan lands
// here on the purchased branch like any unsubscribed user.
func (s *Service) consume(ctx context.Context, userID string, amount int64, entryType, reference string) (*LedgerEntry, error) {
	entry, err := s.store.DebitSubscription(ctx, userID, amount, entryType, reference)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrInsufficientCredits) && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}
	return s.store.DebitPurchased(ctx, userID, amount, entryType, reference)
}

// Recharge buys purchased credits with real money. The idempotency key makes
// the whole operation replayable: a key seen before returns the recorded
// entry without charging again.
func (s *Service) Recharge(ctx context.Context, userID string, creditAmount int64, idemKey string) (*LedgerEntry, bool, error) {
	if creditAmount <= 0 {
		return nil, false, fmt.Errorf("%w: %d", ErrInvalidAmount, creditAmount)
	}
	if s.cfg.CreditsPerUnit <= 0 {
		return nil, false, fmt.Errorf("credits per unit misconfigured: %d", s.cfg.CreditsPerUnit)
	}
	if idemKey != "" {
		if prev, err := s.store.GetByIdempotencyKey(ctx, idemKey); err != nil {
			return nil, false, err
		} else if prev != nil {
			return prev, true, nil
		}
	}

	// Convert credits to a charge at the configured rate, rounding to the
	// nearest minor unit (5 credits at 3/unit is 1.67, not 1.66).
	perUnit := int64(s.cfg.CreditsPerUnit)
	charge := money.FromMinor((creditAmount*100 + perUnit/2) / perUnit)
	res, err := s.gateway.CreateImmediateCharge(ctx, charge, s.cfg.RechargeCurrency, userID, map[string]string{
		"userId":         userID,
		"credits":        fmt.Sprintf("%d", creditAmount),
		"idempotencyKey": idemKey,
	})
	if err != nil {
		return nil, false, err
	}

	entry, err := s.store.AddPurchased(ctx, userID, creditAmount, EntryPurchase, "", idemKey, res.Ref)
	if err != nil {
		// Charged but not recorded. Leave the payment in place and let the
		// replay path resolve it; an operator can refund from the payment ref.
		logging.L(ctx).Error("CRITICAL: recharge charged but not recorded",
			"user_id", userID,
			"payment_ref", res.Ref,
			"credits", creditAmount,
			"error", err)
		return nil, false, err
	}
	return entry, false, nil
}

// GrantSignupBonus credits the one-time signup bonus. Granting twice is a
// no-op, not an error.
func (s *Service) GrantSignupBonus(ctx context.Context, userID string) (*LedgerEntry, error) {
	if !s.cfg.SignupBonus || s.cfg.SignupBonusAmount <= 0 {
		return nil, nil
	}
	entry, err := s.store.AddPurchased(ctx, userID, s.cfg.SignupBonusAmount, EntrySignupBonus, "", "", "")
	if errors.Is(err, ErrBonusAlreadyGranted) {
		return nil, nil
	}
	return entry, err
}

// Subscribe starts or renews a plan, replacing the remaining allowance with
// the plan's full grant.
func (s *Service) Subscribe(ctx context.Context, userID, planName string) (*Subscription, error) {
	plan, ok := Plans[planName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, planName)
	}
	sub := &Subscription{
		UserID:       userID,
		Plan:         plan.Name,
		Credits:      plan.Credits,
		ListingQuota: plan.ListingQuota,
		RenewsAt:     time.Now().AddDate(0, 0, plan.PeriodDays),
	}
	if err := s.store.GrantSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// maybeAutoRecharge tops up purchased credits in the background when the
// balance falls under the floor. Failures are logged, never propagated:
// the consumption that triggered the check has already succeeded.
func (s *Service) maybeAutoRecharge(userID string) {
	if !s.cfg.AutoRecharge || s.cfg.AutoRechargeTopUp <= 0 {
		return
	}
	if _, loaded := s.rechargeInFlight.LoadOrStore(userID, struct{}{}); loaded {
		return
	}
	go func() {
		defer s.rechargeInFlight.Delete(userID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		acct, err := s.store.GetAccount(ctx, userID)
		if err != nil || acct.Purchased >= s.cfg.AutoRechargeFloor {
			return
		}
		idemKey := fmt.Sprintf("auto_%s_%d", userID, time.Now().UnixNano())
		err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
			_, _, err := s.Recharge(ctx, userID, s.cfg.AutoRechargeTopUp, idemKey)
			if errors.Is(err, ErrInvalidAmount) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			logging.L(ctx).Warn("auto-recharge failed",
				"user_id", userID,
				"top_up", s.cfg.AutoRechargeTopUp,
				"error", err)
		}
	}()
}
