package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hirelane/hirelane/internal/idgen"
	"github.com/hirelane/hirelane/internal/money"
)

type mockIntent struct {
	amount   string
	currency string
	status   string
}

// MockGateway is an in-memory Gateway used when no processor keys are
// configured. Holds and captures follow the real status transitions so the
// order flow can be exercised end to end without Stripe.
type MockGateway struct {
	mu      sync.Mutex
	intents map[string]*mockIntent
	secret  string

	// FailNext forces the next operation to return a GatewayError.
	FailNext bool
}

func NewMockGateway() *MockGateway {
	return &MockGateway{intents: make(map[string]*mockIntent), secret: "mock_whsec"}
}

func (g *MockGateway) fail(op, ref string) error {
	if g.FailNext {
		g.FailNext = false
		return &GatewayError{Op: op, Ref: ref, Err: fmt.Errorf("simulated processor outage")}
	}
	return nil
}

func (g *MockGateway) CreateHold(ctx context.Context, amount, currency, customerRef string, metadata map[string]string) (*PaymentResult, error) {
	return g.create("create_hold", amount, currency, StatusRequiresCapture)
}

func (g *MockGateway) CreateImmediateCharge(ctx context.Context, amount, currency, customerRef string, metadata map[string]string) (*PaymentResult, error) {
	return g.create("create_charge", amount, currency, StatusSucceeded)
}

func (g *MockGateway) create(op, amount, currency, status string) (*PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(op, ""); err != nil {
		return nil, err
	}
	if !money.IsPositive(amount) {
		return nil, &GatewayError{Op: op, Err: fmt.Errorf("invalid amount %q", amount)}
	}
	ref := idgen.WithPrefix("pi_mock_")
	g.intents[ref] = &mockIntent{amount: amount, currency: currency, status: status}
	return &PaymentResult{Ref: ref, ClientSecret: ref + "_secret", Status: status}, nil
}

func (g *MockGateway) Capture(ctx context.Context, ref string) (*CaptureResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("capture", ref); err != nil {
		return nil, err
	}
	in, ok := g.intents[ref]
	if !ok {
		return nil, &GatewayError{Op: "capture", Ref: ref, Err: fmt.Errorf("unknown payment")}
	}
	if in.status != StatusRequiresCapture {
		return nil, &GatewayError{Op: "capture", Ref: ref, Err: fmt.Errorf("not capturable in status %s", in.status)}
	}
	in.status = StatusSucceeded
	return &CaptureResult{Status: StatusSucceeded, AmountCaptured: in.amount}, nil
}

func (g *MockGateway) Cancel(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("cancel", ref); err != nil {
		return err
	}
	in, ok := g.intents[ref]
	if !ok {
		return &GatewayError{Op: "cancel", Ref: ref, Err: fmt.Errorf("unknown payment")}
	}
	if in.status != StatusRequiresCapture {
		return &GatewayError{Op: "cancel", Ref: ref, Err: fmt.Errorf("not cancelable in status %s", in.status)}
	}
	in.status = StatusCanceled
	return nil
}

func (g *MockGateway) Refund(ctx context.Context, ref, amount string) (*RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("refund", ref); err != nil {
		return nil, err
	}
	in, ok := g.intents[ref]
	if !ok {
		return nil, &GatewayError{Op: "refund", Ref: ref, Err: fmt.Errorf("unknown payment")}
	}
	if in.status != StatusSucceeded {
		return nil, &GatewayError{Op: "refund", Ref: ref, Err: fmt.Errorf("not refundable in status %s", in.status)}
	}
	if amount == "" {
		amount = in.amount
	}
	if money.Cmp(amount, in.amount) > 0 {
		return nil, &GatewayError{Op: "refund", Ref: ref, Err: fmt.Errorf("refund exceeds charge")}
	}
	return &RefundResult{RefundRef: idgen.WithPrefix("re_mock_"), Status: StatusSucceeded, Amount: amount}, nil
}

func (g *MockGateway) Transfer(ctx context.Context, amount, currency, destinationAccount string, metadata map[string]string) (*TransferResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("transfer", ""); err != nil {
		return nil, err
	}
	if !money.IsPositive(amount) {
		return nil, &GatewayError{Op: "transfer", Err: fmt.Errorf("invalid amount %q", amount)}
	}
	return &TransferResult{TransferRef: idgen.WithPrefix("tr_mock_"), Amount: amount}, nil
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature over the payload.
// SignPayload produces matching signatures for tests and local tooling.
func (g *MockGateway) VerifyWebhookSignature(payload []byte, signature string) (*Event, error) {
	if g.SignPayload(payload) != signature {
		return nil, ErrSignatureInvalid
	}
	var ev struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Ref  string `json:"ref"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return &Event{ID: ev.ID, Type: ev.Type, Ref: ev.Ref, Raw: payload}, nil
}

// SignPayload returns the signature VerifyWebhookSignature expects.
func (g *MockGateway) SignPayload(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Status reports the current status of a payment reference (test helper).
func (g *MockGateway) Status(ref string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[ref]
	if !ok {
		return ""
	}
	return in.status
}

// Amount reports the amount charged under a payment reference (test helper).
func (g *MockGateway) Amount(ref string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[ref]
	if !ok {
		return ""
	}
	return in.amount
}
