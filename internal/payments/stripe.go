package payments

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/hirelane/hirelane/internal/money"
)

// StripeGateway implements Gateway on Stripe PaymentIntents. Deposit holds
// are manual-capture intents; captures and cancels act on the stored intent
// ID, so a retried transition reuses the same reference.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

// NewStripeGateway builds a gateway with the given secret key and webhook
// signing secret.
func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api, webhookSecret: webhookSecret}
}

func (g *StripeGateway) CreateHold(ctx context.Context, amount, currency, customerRef string, metadata map[string]string) (*PaymentResult, error) {
	return g.createIntent(ctx, "create_hold", amount, currency, customerRef, metadata, true)
}

func (g *StripeGateway) CreateImmediateCharge(ctx context.Context, amount, currency, customerRef string, metadata map[string]string) (*PaymentResult, error) {
	return g.createIntent(ctx, "create_charge", amount, currency, customerRef, metadata, false)
}

func (g *StripeGateway) createIntent(ctx context.Context, op, amount, currency, customerRef string, metadata map[string]string, manualCapture bool) (*PaymentResult, error) {
	minor, ok := money.ToMinor(amount)
	if !ok || minor <= 0 {
		return nil, &GatewayError{Op: op, Err: fmt.Errorf("invalid amount %q", amount)}
	}
	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(minor),
		Currency: stripe.String(strings.ToLower(currency)),
	}
	if manualCapture {
		params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	}
	if customerRef != "" {
		params.Customer = stripe.String(customerRef)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, &GatewayError{Op: op, Err: err}
	}
	return &PaymentResult{
		Ref:          pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       intentStatus(pi.Status),
	}, nil
}

func (g *StripeGateway) Capture(ctx context.Context, ref string) (*CaptureResult, error) {
	pi, err := g.api.PaymentIntents.Capture(ref, &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, &GatewayError{Op: "capture", Ref: ref, Err: err}
	}
	return &CaptureResult{
		Status:         intentStatus(pi.Status),
		AmountCaptured: money.FromMinor(pi.AmountReceived),
	}, nil
}

func (g *StripeGateway) Cancel(ctx context.Context, ref string) error {
	_, err := g.api.PaymentIntents.Cancel(ref, &stripe.PaymentIntentCancelParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return &GatewayError{Op: "cancel", Ref: ref, Err: err}
	}
	return nil
}

func (g *StripeGateway) Refund(ctx context.Context, ref, amount string) (*RefundResult, error) {
	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(ref),
	}
	if amount != "" {
		minor, ok := money.ToMinor(amount)
		if !ok || minor <= 0 {
			return nil, &GatewayError{Op: "refund", Ref: ref, Err: fmt.Errorf("invalid amount %q", amount)}
		}
		params.Amount = stripe.Int64(minor)
	}
	r, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, &GatewayError{Op: "refund", Ref: ref, Err: err}
	}
	return &RefundResult{
		RefundRef: r.ID,
		Status:    string(r.Status),
		Amount:    money.FromMinor(r.Amount),
	}, nil
}

func (g *StripeGateway) Transfer(ctx context.Context, amount, currency, destinationAccount string, metadata map[string]string) (*TransferResult, error) {
	minor, ok := money.ToMinor(amount)
	if !ok || minor <= 0 {
		return nil, &GatewayError{Op: "transfer", Err: fmt.Errorf("invalid amount %q", amount)}
	}
	params := &stripe.TransferParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(minor),
		Currency:    stripe.String(strings.ToLower(currency)),
		Destination: stripe.String(destinationAccount),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return nil, &GatewayError{Op: "transfer", Err: err}
	}
	return &TransferResult{
		TransferRef: tr.ID,
		Amount:      money.FromMinor(tr.Amount),
	}, nil
}

func (g *StripeGateway) VerifyWebhookSignature(payload []byte, signature string) (*Event, error) {
	ev, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	out := &Event{ID: ev.ID, Raw: ev.Data.Raw}
	switch ev.Type {
	case "payment_intent.amount_capturable_updated":
		out.Type = EventHoldReady
	case "payment_intent.succeeded":
		out.Type = EventChargeSucceed
	case "payment_intent.payment_failed":
		out.Type = EventChargeFailed
	default:
		out.Type = string(ev.Type)
	}
	if obj, ok := ev.Data.Object["id"].(string); ok {
		out.Ref = obj
	}
	return out, nil
}

func intentStatus(s stripe.PaymentIntentStatus) string {
	switch s {
	case stripe.PaymentIntentStatusRequiresCapture:
		return StatusRequiresCapture
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusCanceled
	default:
		return StatusPending
	}
}
