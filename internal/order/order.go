// Package order owns the order lifecycle: authorization hold, deposit
// capture, in-progress verification, rating, and settlement. Orders are
// mutated only through the state machine's transitions, each guarded by a
// compare-and-swap on status, and are never deleted.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hirelane/hirelane/internal/money"
	"github.com/hirelane/hirelane/internal/validation"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrValidation    = errors.New("validation error")
	// ErrInvalidTransition is returned when the requested transition is not
	// legal from the order's current status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConcurrentModification is returned when the status CAS loses to a
	// concurrent transition; the caller should refetch and retry.
	ErrConcurrentModification = errors.New("order modified concurrently")
	ErrForbidden              = errors.New("not allowed for this user")
)

// Service types.
const (
	TypeStandard      = "standard"
	TypeSimpleCustom  = "simple_custom"
	TypeComplexCustom = "complex_custom"
)

// Order statuses.
const (
	StatusCreated             = "created"
	StatusAuthHold            = "auth_hold"
	StatusCaptured            = "captured"
	StatusInProgress          = "in_progress"
	StatusPendingVerification = "pending_verification"
	StatusVerified            = "verified"
	StatusRework              = "rework"
	StatusRated               = "rated"
	StatusCompleted           = "completed"
	StatusCancelled           = "cancelled"
	StatusCancelledByProvider = "cancelled_by_provider"
	StatusCancelledForfeit    = "cancelled_forfeit"
)

// Order is a buyer's booking of a provider's service.
type Order struct {
	ID                string     `json:"id"`
	ServiceType       string     `json:"serviceType"`
	BuyerID           string     `json:"buyerId"`
	ProviderID        string     `json:"providerId"`
	TotalAmount       string     `json:"totalAmount"`
	DepositAmount     string     `json:"depositAmount"`
	DepositRate       int        `json:"depositRate"` // percent, 0-100
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	RegretPeriodHours int        `json:"regretPeriodHours"`
	CancelDeadline    *time.Time `json:"cancelDeadline,omitempty"`
	PaymentReference  string     `json:"paymentReference,omitempty"`
	// ReceiptEmail, when set, receives a transactional receipt at settlement.
	ReceiptEmail string `json:"receiptEmail,omitempty"`
	// FundsCaptured tracks whether the deposit has actually been captured
	// at the gateway, so a retried settlement does not capture twice.
	FundsCaptured bool      `json:"fundsCaptured"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	Rating        int        `json:"rating,omitempty"`
	RatingComment string     `json:"ratingComment,omitempty"`
	RatingPhotos  []string   `json:"ratingPhotos,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// IsTerminal reports whether no further transitions are possible.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusCompleted, StatusCancelled, StatusCancelledByProvider, StatusCancelledForfeit:
		return true
	}
	return false
}

// holdBased reports whether the deposit is a manual-capture hold rather
// than an immediate charge.
func (o *Order) holdBased() bool {
	return o.ServiceType != TypeComplexCustom
}

// CreateRequest is the checkout input. Exactly one of depositRate and
// depositAmount is authoritative; the other is derived.
type CreateRequest struct {
	ServiceType       string   `json:"serviceType" binding:"required"`
	ProviderID        string   `json:"providerId" binding:"required"`
	TotalAmount       string   `json:"totalAmount" binding:"required"`
	DepositRate       *int     `json:"depositRate,omitempty"`
	DepositAmount     string   `json:"depositAmount,omitempty"`
	Currency          string   `json:"currency" binding:"required"`
	RegretPeriodHours int      `json:"regretPeriodHours"`
	ReceiptEmail      string   `json:"receiptEmail,omitempty"`
}

// validate checks the request and resolves the deposit. Runs once at the
// boundary; deeper layers trust the resulting Order.
func (r *CreateRequest) validate(currencyAllowed func(string) bool) (deposit string, rate int, err error) {
	switch r.ServiceType {
	case TypeStandard, TypeSimpleCustom, TypeComplexCustom:
	default:
		return "", 0, fmt.Errorf("%w: serviceType %q", ErrValidation, r.ServiceType)
	}
	if !money.IsPositive(r.TotalAmount) {
		return "", 0, fmt.Errorf("%w: totalAmount %q must be positive", ErrValidation, r.TotalAmount)
	}
	r.Currency = validation.SanitizeCurrency(r.Currency)
	if !validation.IsValidCurrencyCode(r.Currency) {
		return "", 0, fmt.Errorf("%w: currency %q is not an ISO code", ErrValidation, r.Currency)
	}
	if !currencyAllowed(r.Currency) {
		return "", 0, fmt.Errorf("%w: currency %q not allowed", ErrValidation, r.Currency)
	}
	if r.ReceiptEmail != "" {
		r.ReceiptEmail = validation.SanitizeString(r.ReceiptEmail, validation.MaxStringLength)
		if !strings.Contains(r.ReceiptEmail, "@") {
			return "", 0, fmt.Errorf("%w: receiptEmail %q", ErrValidation, r.ReceiptEmail)
		}
	}
	if r.RegretPeriodHours < 0 || r.RegretPeriodHours > 168 {
		return "", 0, fmt.Errorf("%w: regretPeriodHours %d out of [0,168]", ErrValidation, r.RegretPeriodHours)
	}

	switch {
	case r.DepositRate != nil && r.DepositAmount != "":
		return "", 0, fmt.Errorf("%w: depositRate and depositAmount are mutually exclusive", ErrValidation)
	case r.DepositRate != nil:
		rate = *r.DepositRate
		if rate < 0 || rate > 100 {
			return "", 0, fmt.Errorf("%w: depositRate %d out of [0,100]", ErrValidation, rate)
		}
		deposit = money.PercentOf(r.TotalAmount, rate)
	case r.DepositAmount != "":
		deposit = r.DepositAmount
		if !money.IsValid(deposit) {
			return "", 0, fmt.Errorf("%w: depositAmount %q", ErrValidation, deposit)
		}
		if money.Cmp(deposit, r.TotalAmount) > 0 {
			return "", 0, fmt.Errorf("%w: depositAmount exceeds totalAmount", ErrValidation)
		}
		rate = derivedRate(deposit, r.TotalAmount)
	default:
		return "", 0, fmt.Errorf("%w: one of depositRate or depositAmount is required", ErrValidation)
	}
	if !money.IsPositive(deposit) {
		return "", 0, fmt.Errorf("%w: deposit resolves to zero", ErrValidation)
	}
	return deposit, rate, nil
}

func derivedRate(deposit, total string) int {
	d, _ := money.ToMinor(deposit)
	t, _ := money.ToMinor(total)
	if t == 0 {
		return 0
	}
	return int((d*100 + t/2) / t)
}

// Store persists orders. UpdateCAS writes the mutable fields only when the
// stored status still equals expectedStatus; a lost race surfaces as
// ErrConcurrentModification.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	UpdateCAS(ctx context.Context, o *Order, expectedStatus string) error
	GetByPaymentRef(ctx context.Context, ref string) (*Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error)
}
