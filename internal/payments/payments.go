// Package payments defines the payment gateway boundary of the engine.
//
// The engine never talks to a processor directly: the Order State Machine and
// the Credits Engine drive this Gateway interface, which is implemented by a
// Stripe adapter in production and an in-memory mock in demo mode. Monetary
// amounts cross this boundary as the engine's decimal strings; each adapter
// owns the conversion to the processor's integer minor units.
package payments

import (
	"context"
	"errors"
	"fmt"
)

// ErrSignatureInvalid is returned when a webhook payload fails verification.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// GatewayError wraps any upstream processor failure. Callers treat it as
// retryable: the triggering transition is abandoned and may be re-driven
// with the stored payment reference.
type GatewayError struct {
	Op  string // gateway operation that failed
	Ref string // payment reference, if one exists
	Err error
}

func (e *GatewayError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("payment gateway %s failed for %s: %v", e.Op, e.Ref, e.Err)
	}
	return fmt.Sprintf("payment gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Payment statuses reported by the gateway.
const (
	StatusRequiresCapture = "requires_capture" // hold placed, awaiting capture
	StatusPending         = "pending"          // awaiting confirmation (async methods)
	StatusSucceeded       = "succeeded"
	StatusCanceled        = "canceled"
)

// PaymentResult is returned by hold and immediate-charge creation.
type PaymentResult struct {
	Ref          string `json:"ref"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Status       string `json:"status"`
}

// CaptureResult is returned by Capture.
type CaptureResult struct {
	Status         string `json:"status"`
	AmountCaptured string `json:"amountCaptured"`
}

// RefundResult is returned by Refund.
type RefundResult struct {
	RefundRef string `json:"refundRef"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
}

// TransferResult is returned by Transfer.
type TransferResult struct {
	TransferRef string `json:"transferRef"`
	Amount      string `json:"amount"`
}

// Event is a verified webhook event.
type Event struct {
	ID   string
	Type string
	Ref  string // payment reference the event concerns, if any
	Raw  []byte
}

// Webhook event types the engine reacts to.
const (
	EventHoldReady     = "payment.hold_ready"     // hold confirmed, funds reserved
	EventChargeSucceed = "payment.charge_succeed" // immediate charge settled
	EventChargeFailed  = "payment.charge_failed"
)

// Gateway abstracts the external payment processor.
//
// All operations honor ctx cancellation; a processor timeout surfaces as a
// *GatewayError and leaves the caller free to retry with the same reference.
type Gateway interface {
	// CreateHold places a manual-capture authorization for amount.
	CreateHold(ctx context.Context, amount, currency, customerRef string, metadata map[string]string) (*PaymentResult, error)
	// CreateImmediateCharge charges amount right away (no hold phase).
	CreateImmediateCharge(ctx context.Context, amount, currency, customerRef string, metadata map[string]string) (*PaymentResult, error)
	// Capture converts a hold into an actual transfer of funds.
	Capture(ctx context.Context, ref string) (*CaptureResult, error)
	// Cancel releases a hold without moving funds.
	Cancel(ctx context.Context, ref string) error
	// Refund returns captured funds; amount "" refunds in full.
	Refund(ctx context.Context, ref, amount string) (*RefundResult, error)
	// Transfer pays out to an external account (provider withdrawals).
	Transfer(ctx context.Context, amount, currency, destinationAccount string, metadata map[string]string) (*TransferResult, error)
	// VerifyWebhookSignature authenticates a webhook payload before any
	// payment-status event is trusted.
	VerifyWebhookSignature(payload []byte, signature string) (*Event, error)
}
