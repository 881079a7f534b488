package payments

import (
	"context"
	"errors"

	"github.com/hirelane/hirelane/internal/circuitbreaker"
)

// breakerKey groups all processor calls under one circuit: when the
// processor is down it is down for every operation.
const breakerKey = "gateway"

// ErrCircuitOpen is the cause carried by GatewayError while the breaker
// rejects calls. Callers treat it like any other gateway failure: abandon
// the transition and retry later.
var ErrCircuitOpen = errors.New("payment gateway circuit open")

// BreakerGateway wraps a Gateway with a circuit breaker. Webhook signature
// verification is local work and bypasses the breaker.
type BreakerGateway struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
}

func NewBreakerGateway(next Gateway, breaker *circuitbreaker.Breaker) *BreakerGateway {
	return &BreakerGateway{next: next, breaker: breaker}
}

func (b *BreakerGateway) do(op string, fn func() error) error {
	if !b.breaker.Allow(breakerKey) {
		return &GatewayError{Op: op, Err: ErrCircuitOpen}
	}
	err := fn()
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		b.breaker.RecordFailure(breakerKey)
		return err
	}
	b.breaker.RecordSuccess(breakerKey)
	return err
}

func (b *BreakerGateway) CreateHold(ctx context.Context, amount, currency, customerRef string, metadata map[string]string) (*PaymentResult, error) {
	var res *PaymentResult
	err := b.do("create_hold", func() (err error) {
		res, err = b.next.CreateHold(ctx, amount, currency, customerRef, metadata)
		return err
	})
	return res, err
}

func (b *BreakerGateway) CreateImmediateCharge(ctx context.Context, amount, currency, customerRef string, metadata map[string]string) (*PaymentResult, error) {
	var res *PaymentResult
	err := b.do("create_charge", func() (err error) {
		res, err = b.next.CreateImmediateCharge(ctx, amount, currency, customerRef, metadata)
		return err
	})
	return res, err
}

func (b *BreakerGateway) Capture(ctx context.Context, ref string) (*CaptureResult, error) {
	var res *CaptureResult
	err := b.do("capture", func() (err error) {
		res, err = b.next.Capture(ctx, ref)
		return err
	})
	return res, err
}

func (b *BreakerGateway) Cancel(ctx context.Context, ref string) error {
	return b.do("cancel", func() error { return b.next.Cancel(ctx, ref) })
}

func (b *BreakerGateway) Refund(ctx context.Context, ref, amount string) (*RefundResult, error) {
	var res *RefundResult
	err := b.do("refund", func() (err error) {
		res, err = b.next.Refund(ctx, ref, amount)
		return err
	})
	return res, err
}

func (b *BreakerGateway) Transfer(ctx context.Context, amount, currency, destinationAccount string, metadata map[string]string) (*TransferResult, error) {
	var res *TransferResult
	err := b.do("transfer", func() (err error) {
		res, err = b.next.Transfer(ctx, amount, currency, destinationAccount, metadata)
		return err
	})
	return res, err
}

func (b *BreakerGateway) VerifyWebhookSignature(payload []byte, signature string) (*Event, error) {
	return b.next.VerifyWebhookSignature(payload, signature)
}
