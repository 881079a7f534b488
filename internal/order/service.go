package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hirelane/hirelane/internal/idgen"
	"github.com/hirelane/hirelane/internal/logging"
	"github.com/hirelane/hirelane/internal/metrics"
	"github.com/hirelane/hirelane/internal/money"
	"github.com/hirelane/hirelane/internal/notify"
	"github.com/hirelane/hirelane/internal/payments"
	"github.com/hirelane/hirelane/internal/traces"
	"github.com/hirelane/hirelane/internal/validation"
	"github.com/hirelane/hirelane/internal/verification"
	"github.com/hirelane/hirelane/internal/wallet"
)

// Config carries the settlement knobs.
type Config struct {
	// PlatformFeeBPS is the platform's cut of the order total at settlement.
	PlatformFeeBPS int
	// ForfeitPlatformBPS is the platform's share of a forfeited deposit;
	// the provider receives the remainder as no-show compensation.
	ForfeitPlatformBPS int
	CurrencyAllowed    func(string) bool
}

// Service drives the order state machine. Multi-step transitions are
// serialized per order with an in-process lock; the status CAS in the store
// remains the authority across processes.
type Service struct {
	store   Store
	gateway payments.Gateway
	wallets *wallet.Service
	codes   *verification.Service
	emitter *notify.Emitter
	cfg     Config

	orderLock sync.Map // orderID -> *sync.Mutex
}

func NewService(store Store, gateway payments.Gateway, wallets *wallet.Service, codes *verification.Service, emitter *notify.Emitter, cfg Config) *Service {
	if cfg.CurrencyAllowed == nil {
		cfg.CurrencyAllowed = func(string) bool { return true }
	}
	return &Service{
		store:   store,
		gateway: gateway,
		wallets: wallets,
		codes:   codes,
		emitter: emitter,
		cfg:     cfg,
	}
}

func (s *Service) lock(orderID string) *sync.Mutex {
	mu, _ := s.orderLock.LoadOrStore(orderID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create validates the checkout request, reserves the deposit at the
// gateway, and persists the order. A hold (standard, simple_custom) leaves
// the order in auth_hold awaiting confirmation; an immediate charge
// (complex_custom) goes straight to captured with no regret period.
func (s *Service) Create(ctx context.Context, buyerID string, req *CreateRequest) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.create", traces.UserID(buyerID))
	defer span.End()

	deposit, rate, err := req.validate(s.cfg.CurrencyAllowed)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	o := &Order{
		ID:                idgen.WithPrefix("ord_"),
		ServiceType:       req.ServiceType,
		BuyerID:           buyerID,
		ProviderID:        req.ProviderID,
		TotalAmount:       req.TotalAmount,
		DepositAmount:     deposit,
		DepositRate:       rate,
		Currency:          req.Currency,
		Status:            StatusCreated,
		RegretPeriodHours: req.RegretPeriodHours,
		ReceiptEmail:      req.ReceiptEmail,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	meta := map[string]string{"orderId": o.ID, "buyerId": buyerID}
	if o.holdBased() {
		res, err := s.gateway.CreateHold(ctx, deposit, o.Currency, buyerID, meta)
		if err != nil {
			return nil, err
		}
		o.PaymentReference = res.Ref
		o.Status = StatusAuthHold
	} else {
		res, err := s.gateway.CreateImmediateCharge(ctx, deposit, o.Currency, buyerID, meta)
		if err != nil {
			return nil, err
		}
		o.PaymentReference = res.Ref
		o.FundsCaptured = true
		o.Status = StatusCaptured
	}

	if err := s.store.Create(ctx, o); err != nil {
		// Funds are reserved but the order is not recorded: release them.
		s.compensatePayment(ctx, o)
		return nil, fmt.Errorf("create order: %w", err)
	}

	metrics.RecordOrderTransition(o.Status)
	s.emitter.Emit(o.ProviderID, notify.TplOrderCreated, map[string]string{
		"orderId": o.ID,
		"amount":  o.TotalAmount,
	})
	return o, nil
}

// compensatePayment undoes the deposit reservation after a store failure.
// One retry; if both attempts fail the money is stuck at the gateway and an
// operator must intervene.
func (s *Service) compensatePayment(ctx context.Context, o *Order) {
	undo := func() error {
		if o.FundsCaptured {
			_, err := s.gateway.Refund(ctx, o.PaymentReference, "")
			return err
		}
		return s.gateway.Cancel(ctx, o.PaymentReference)
	}
	err := undo()
	if err != nil {
		err = undo()
	}
	if err != nil {
		logging.L(ctx).Error("CRITICAL: payment compensation failed",
			"order_id", o.ID,
			"payment_ref", o.PaymentReference,
			"amount", o.DepositAmount,
			"error", err)
	}
}

// Get returns an order to one of its parties.
func (s *Service) Get(ctx context.Context, orderID, userID string, admin bool) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !admin && userID != o.BuyerID && userID != o.ProviderID {
		return nil, ErrForbidden
	}
	return o, nil
}

func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ConfirmDeposit moves auth_hold to captured once the hold is confirmed,
// starting the regret-period clock.
func (s *Service) ConfirmDeposit(ctx context.Context, orderID string) (*Order, error) {
	mu := s.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusAuthHold {
		return nil, fmt.Errorf("%w: confirm deposit from %s", ErrInvalidTransition, o.Status)
	}

	o.Status = StatusCaptured
	if o.RegretPeriodHours > 0 {
		deadline := time.Now().Add(time.Duration(o.RegretPeriodHours) * time.Hour)
		o.CancelDeadline = &deadline
	}
	if err := s.store.UpdateCAS(ctx, o, StatusAuthHold); err != nil {
		return nil, err
	}
	metrics.RecordOrderTransition(StatusCaptured)
	return o, nil
}

// ConfirmDepositByRef is the webhook path: the gateway reports the hold for
// a payment reference is ready.
func (s *Service) ConfirmDepositByRef(ctx context.Context, paymentRef string) (*Order, error) {
	o, err := s.store.GetByPaymentRef(ctx, paymentRef)
	if err != nil {
		return nil, err
	}
	return s.ConfirmDeposit(ctx, o.ID)
}

// withinRegret reports whether a buyer cancellation is still free.
func withinRegret(o *Order, now time.Time) bool {
	if o.CancelDeadline != nil {
		return now.Before(*o.CancelDeadline)
	}
	// No deadline set: free until the hold is confirmed, or, for orders
	// without a regret period, until the service starts.
	return o.StartedAt == nil
}

// Cancel is the buyer cancellation. Inside the regret window (or pre-start
// when no regret period applies) the deposit is fully released and no funds
// move. Outside it the deposit is forfeited: the platform keeps its
// configured share and the provider is compensated with a single penalty
// wallet entry.
func (s *Service) Cancel(ctx context.Context, orderID, buyerID string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.cancel", traces.OrderID(orderID), traces.UserID(buyerID))
	defer span.End()

	mu := s.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	if o.Status == StatusCancelledForfeit {
		// A forfeiture whose penalty entry never landed; re-drive it.
		return s.forfeit(ctx, o)
	}
	if o.IsTerminal() {
		return nil, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, o.Status)
	}
	prev := o.Status

	if withinRegret(o, time.Now()) {
		if o.FundsCaptured {
			if _, err := s.gateway.Refund(ctx, o.PaymentReference, ""); err != nil {
				return nil, err
			}
		} else {
			if err := s.gateway.Cancel(ctx, o.PaymentReference); err != nil {
				return nil, err
			}
		}
		o.Status = StatusCancelled
		if err := s.store.UpdateCAS(ctx, o, prev); err != nil {
			return nil, err
		}
		metrics.RecordOrderTransition(StatusCancelled)
		s.emitter.Emit(o.ProviderID, notify.TplOrderCancelled, map[string]string{"orderId": o.ID})
		return o, nil
	}

	// Forfeiture: the deposit must actually move, so capture the hold.
	if !o.FundsCaptured {
		if _, err := s.gateway.Capture(ctx, o.PaymentReference); err != nil {
			return nil, err
		}
		o.FundsCaptured = true
	}
	o.Status = StatusCancelledForfeit
	if err := s.store.UpdateCAS(ctx, o, prev); err != nil {
		return nil, err
	}
	metrics.RecordOrderTransition(StatusCancelledForfeit)
	return s.forfeit(ctx, o)
}

// forfeit records the provider's share of a forfeited deposit. The penalty
// entry is idempotent, so the sequence can be re-driven from
// cancelled_forfeit until the split is on the ledger: a failure here returns
// the error and a later Cancel of the same order retries it.
func (s *Service) forfeit(ctx context.Context, o *Order) (*Order, error) {
	platformShare := money.ShareBPS(o.DepositAmount, s.cfg.ForfeitPlatformBPS)
	providerShare := money.Sub(o.DepositAmount, platformShare)
	if money.IsPositive(providerShare) {
		_, err := s.wallets.Penalty(ctx, o.ProviderID, o.Currency, o.ID, providerShare)
		if err != nil && !errors.Is(err, wallet.ErrAlreadySettled) {
			logging.L(ctx).Error("CRITICAL: forfeiture penalty credit failed",
				"order_id", o.ID,
				"provider_id", o.ProviderID,
				"amount", providerShare,
				"error", err)
			return nil, err
		}
	}
	s.emitter.Emit(o.ProviderID, notify.TplDepositForfeited, map[string]string{
		"orderId": o.ID,
		"amount":  providerShare,
	})
	return o, nil
}

// CancelByProvider always refunds the buyer in full; a provider can never
// profit from their own cancellation.
func (s *Service) CancelByProvider(ctx context.Context, orderID, providerID string) (*Order, error) {
	mu := s.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.ProviderID != providerID {
		return nil, ErrForbidden
	}
	if o.IsTerminal() {
		return nil, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, o.Status)
	}
	prev := o.Status

	if o.FundsCaptured {
		if _, err := s.gateway.Refund(ctx, o.PaymentReference, ""); err != nil {
			return nil, err
		}
	} else {
		if err := s.gateway.Cancel(ctx, o.PaymentReference); err != nil {
			return nil, err
		}
	}
	o.Status = StatusCancelledByProvider
	if err := s.store.UpdateCAS(ctx, o, prev); err != nil {
		return nil, err
	}
	metrics.RecordOrderTransition(StatusCancelledByProvider)
	s.emitter.Emit(o.BuyerID, notify.TplOrderCancelled, map[string]string{"orderId": o.ID})
	return o, nil
}

// Start is the provider beginning the work: captured → in_progress. A
// verification code is issued and delivered to the buyer out-of-band; the
// provider never sees it.
func (s *Service) Start(ctx context.Context, orderID, providerID string) (*Order, error) {
	mu := s.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.ProviderID != providerID {
		return nil, ErrForbidden
	}
	if o.Status != StatusCaptured {
		return nil, fmt.Errorf("%w: start from %s", ErrInvalidTransition, o.Status)
	}

	code, err := s.codes.Issue(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("issue verification code: %w", err)
	}

	now := time.Now()
	o.StartedAt = &now
	o.Status = StatusInProgress
	if err := s.store.UpdateCAS(ctx, o, StatusCaptured); err != nil {
		return nil, err
	}
	metrics.RecordOrderTransition(StatusInProgress)
	s.emitter.Emit(o.BuyerID, notify.TplOrderStarted, map[string]string{
		"orderId": o.ID,
		"code":    code,
	})
	return o, nil
}

// SubmitCompletion is the provider requesting acceptance:
// in_progress → pending_verification.
func (s *Service) SubmitCompletion(ctx context.Context, orderID, providerID string) (*Order, error) {
	mu := s.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.ProviderID != providerID {
		return nil, ErrForbidden
	}
	if o.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: submit completion from %s", ErrInvalidTransition, o.Status)
	}

	o.Status = StatusPendingVerification
	if err := s.store.UpdateCAS(ctx, o, StatusInProgress); err != nil {
		return nil, err
	}
	metrics.RecordOrderTransition(StatusPendingVerification)
	return o, nil
}

// Verify consumes the buyer's code: pending_verification → verified.
func (s *Service) Verify(ctx context.Context, orderID, buyerID, code string) (*Order, error) {
	mu := s.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	if o.Status != StatusPendingVerification {
		return nil, fmt.Errorf("%w: verify from %s", ErrInvalidTransition, o.Status)
	}

	if err := s.codes.Consume(ctx, o.ID, code); err != nil {
		return nil, err
	}

	o.Status = StatusVerified
	if err := s.store.UpdateCAS(ctx, o, StatusPendingVerification); err != nil {
		return nil, err
	}
	metrics.RecordOrderTransition(StatusVerified)
	s.emitter.Emit(o.ProviderID, notify.TplOrderVerified, map[string]string{"orderId": o.ID})
	return o, nil
}

// Rework sends the order back to the provider. The previous code is
// invalidated by issuing a fresh one; the loop ends back at in_progress.
func (s *Service) Rework(ctx context.Context, orderID, buyerID string) (*Order, error) {
	mu := s.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	switch o.Status {
	case StatusPendingVerification:
		o.Status = StatusRework
		if err := s.store.UpdateCAS(ctx, o, StatusPendingVerification); err != nil {
			return nil, err
		}
		metrics.RecordOrderTransition(StatusRework)
	case StatusRework:
		// Re-driving a rework that stalled before reaching in_progress.
	default:
		return nil, fmt.Errorf("%w: rework from %s", ErrInvalidTransition, o.Status)
	}

	code, err := s.codes.Issue(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("rotate verification code: %w", err)
	}

	o.Status = StatusInProgress
	if err := s.store.UpdateCAS(ctx, o, StatusRework); err != nil {
		return nil, err
	}
	metrics.RecordOrderTransition(StatusInProgress)
	s.emitter.Emit(o.BuyerID, notify.TplOrderRework, map[string]string{
		"orderId": o.ID,
		"code":    code,
	})
	return o, nil
}

// Rate records the buyer's rating and finalizes the order: the hold is
// captured, the provider is settled for the order total minus the platform
// fee, and the order completes. The operation is re-drivable: a gateway
// failure leaves the order in rated and a retry picks up where it stopped.
func (s *Service) Rate(ctx context.Context, orderID, buyerID string, rating int, comment string, photos []string) (*Order, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: rating %d out of [1,5]", ErrValidation, rating)
	}
	if len(comment) > validation.MaxCommentLength {
		return nil, fmt.Errorf("%w: comment exceeds %d characters", ErrValidation, validation.MaxCommentLength)
	}
	comment = validation.SanitizeString(comment, validation.MaxCommentLength)

	mu := s.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrForbidden
	}

	switch o.Status {
	case StatusVerified:
		o.Rating = rating
		o.RatingComment = comment
		o.RatingPhotos = photos
		o.Status = StatusRated
		if err := s.store.UpdateCAS(ctx, o, StatusVerified); err != nil {
			return nil, err
		}
		metrics.RecordOrderTransition(StatusRated)
	case StatusRated:
		// Retry of a settlement that failed at the gateway.
	default:
		return nil, fmt.Errorf("%w: rate from %s", ErrInvalidTransition, o.Status)
	}

	return s.settle(ctx, o)
}

// settle captures any outstanding hold, releases the provider payout, and
// completes the order. Each step is idempotent so the whole sequence can be
// re-driven from rated.
func (s *Service) settle(ctx context.Context, o *Order) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.settle",
		traces.OrderID(o.ID), traces.Reference(o.PaymentReference), traces.Amount(o.TotalAmount))
	defer span.End()

	if !o.FundsCaptured {
		if _, err := s.gateway.Capture(ctx, o.PaymentReference); err != nil {
			return nil, err
		}
		o.FundsCaptured = true
		if err := s.store.UpdateCAS(ctx, o, StatusRated); err != nil {
			return nil, err
		}
	}

	// Payout = deposit + remaining balance - platform fee, which is the
	// order total net of the fee.
	fee := money.ShareBPS(o.TotalAmount, s.cfg.PlatformFeeBPS)
	payout := money.Sub(o.TotalAmount, fee)
	_, err := s.wallets.Settle(ctx, o.ProviderID, o.Currency, o.ID, payout)
	if err != nil && !errors.Is(err, wallet.ErrAlreadySettled) {
		return nil, err
	}
	metrics.RecordSettlement(payout)

	o.Status = StatusCompleted
	if err := s.store.UpdateCAS(ctx, o, StatusRated); err != nil {
		return nil, err
	}
	metrics.RecordOrderTransition(StatusCompleted)
	s.emitter.Emit(o.ProviderID, notify.TplSettlementReleased, map[string]string{
		"orderId": o.ID,
		"amount":  payout,
	})
	s.emitter.Emit(o.BuyerID, notify.TplOrderCompleted, map[string]string{"orderId": o.ID})
	if o.ReceiptEmail != "" {
		s.emitter.EmitTransactional(o.ReceiptEmail, map[string]string{
			"orderId":  o.ID,
			"total":    o.TotalAmount,
			"currency": o.Currency,
		})
	}
	return o, nil
}
