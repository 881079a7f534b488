package order

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hirelane/hirelane/internal/notify"
	"github.com/hirelane/hirelane/internal/payments"
	"github.com/hirelane/hirelane/internal/verification"
	"github.com/hirelane/hirelane/internal/wallet"
)

type fixture struct {
	svc     *Service
	store   *MemoryStore
	gateway *payments.MockGateway
	wallets *wallet.Service
	codes   *verification.Service
	mailer  *captureMailer
}

// captureMailer records transactional emails sent during a test.
type captureMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *captureMailer) SendTransactional(ctx context.Context, email string, variables map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, email)
	return nil
}

func (m *captureMailer) delivered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := payments.NewMockGateway()
	ws := wallet.NewService(wallet.NewMemoryStore(), gw)
	codes := verification.NewService(verification.NewMemoryStore(), time.Hour)
	store := NewMemoryStore()
	mailer := &captureMailer{}
	svc := NewService(store, gw, ws, codes, notify.NewEmitter(nil, mailer), Config{
		PlatformFeeBPS:     1000, // 10%
		ForfeitPlatformBPS: 5000, // 50/50 split
		CurrencyAllowed: func(c string) bool {
			return c == "SEK" || c == "EUR"
		},
	})
	return &fixture{svc: svc, store: store, gateway: gw, wallets: ws, codes: codes, mailer: mailer}
}

func (f *fixture) create(t *testing.T, serviceType string, regretHours int) *Order {
	t.Helper()
	rate := 30
	o, err := f.svc.Create(context.Background(), "buyer1", &CreateRequest{
		ServiceType:       serviceType,
		ProviderID:        "prov1",
		TotalAmount:       "200.00",
		DepositRate:       &rate,
		Currency:          "SEK",
		RegretPeriodHours: regretHours,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return o
}

// rotateCode re-issues the order's verification code so the test knows the
// plaintext. Issue is an upsert, so the previous code is invalidated exactly
// as it would be on a rework.
func (f *fixture) rotateCode(t *testing.T, orderID string) string {
	t.Helper()
	code, err := f.codes.Issue(context.Background(), orderID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return code
}

func TestCreateHoldDerivesDeposit(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, TypeStandard, 24)

	if o.Status != StatusAuthHold {
		t.Fatalf("status = %s, want %s", o.Status, StatusAuthHold)
	}
	if o.DepositAmount != "60.00" {
		t.Errorf("deposit = %s, want 60.00", o.DepositAmount)
	}
	if o.PaymentReference == "" {
		t.Error("expected a payment reference")
	}
	if o.FundsCaptured {
		t.Error("hold must not be marked captured")
	}
	if got := f.gateway.Status(o.PaymentReference); got != payments.StatusRequiresCapture {
		t.Errorf("gateway status = %s, want %s", got, payments.StatusRequiresCapture)
	}
}

func TestCreateDerivesRateFromAmount(t *testing.T) {
	f := newFixture(t)
	o, err := f.svc.Create(context.Background(), "buyer1", &CreateRequest{
		ServiceType:   TypeStandard,
		ProviderID:    "prov1",
		TotalAmount:   "200.00",
		DepositAmount: "50.00",
		Currency:      "SEK",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if o.DepositRate != 25 {
		t.Errorf("rate = %d, want 25", o.DepositRate)
	}
}

func TestCreateNormalizesCurrencyCase(t *testing.T) {
	f := newFixture(t)
	rate := 30
	o, err := f.svc.Create(context.Background(), "buyer1", &CreateRequest{
		ServiceType: TypeStandard,
		ProviderID:  "prov1",
		TotalAmount: "200.00",
		DepositRate: &rate,
		Currency:    " sek ",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if o.Currency != "SEK" {
		t.Errorf("currency = %q, want SEK", o.Currency)
	}
}

func TestCreateRejectsMalformedCurrency(t *testing.T) {
	f := newFixture(t)
	rate := 30
	for _, cur := range []string{"KRONOR", "S3K", "S"} {
		_, err := f.svc.Create(context.Background(), "buyer1", &CreateRequest{
			ServiceType: TypeStandard,
			ProviderID:  "prov1",
			TotalAmount: "200.00",
			DepositRate: &rate,
			Currency:    cur,
		})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("currency %q: err = %v, want ErrValidation", cur, err)
		}
	}
}

func TestCreateRejectsMalformedReceiptEmail(t *testing.T) {
	f := newFixture(t)
	rate := 30
	_, err := f.svc.Create(context.Background(), "buyer1", &CreateRequest{
		ServiceType:  TypeStandard,
		ProviderID:   "prov1",
		TotalAmount:  "200.00",
		DepositRate:  &rate,
		Currency:     "SEK",
		ReceiptEmail: "not-an-address",
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestCreateComplexCustomChargesImmediately(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, TypeComplexCustom, 0)

	if o.Status != StatusCaptured {
		t.Fatalf("status = %s, want %s", o.Status, StatusCaptured)
	}
	if !o.FundsCaptured {
		t.Error("immediate charge must mark funds captured")
	}
	if got := f.gateway.Status(o.PaymentReference); got != payments.StatusSucceeded {
		t.Errorf("gateway status = %s, want %s", got, payments.StatusSucceeded)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	rate := 30
	badRate := 150
	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"unknown service type", CreateRequest{ServiceType: "rush", ProviderID: "p", TotalAmount: "10.00", DepositRate: &rate, Currency: "SEK"}},
		{"zero total", CreateRequest{ServiceType: TypeStandard, ProviderID: "p", TotalAmount: "0.00", DepositRate: &rate, Currency: "SEK"}},
		{"negative total", CreateRequest{ServiceType: TypeStandard, ProviderID: "p", TotalAmount: "-5.00", DepositRate: &rate, Currency: "SEK"}},
		{"currency not allowed", CreateRequest{ServiceType: TypeStandard, ProviderID: "p", TotalAmount: "10.00", DepositRate: &rate, Currency: "USD"}},
		{"rate out of range", CreateRequest{ServiceType: TypeStandard, ProviderID: "p", TotalAmount: "10.00", DepositRate: &badRate, Currency: "SEK"}},
		{"rate and amount both set", CreateRequest{ServiceType: TypeStandard, ProviderID: "p", TotalAmount: "10.00", DepositRate: &rate, DepositAmount: "3.00", Currency: "SEK"}},
		{"neither rate nor amount", CreateRequest{ServiceType: TypeStandard, ProviderID: "p", TotalAmount: "10.00", Currency: "SEK"}},
		{"deposit exceeds total", CreateRequest{ServiceType: TypeStandard, ProviderID: "p", TotalAmount: "10.00", DepositAmount: "20.00", Currency: "SEK"}},
		{"regret period too long", CreateRequest{ServiceType: TypeStandard, ProviderID: "p", TotalAmount: "10.00", DepositRate: &rate, Currency: "SEK", RegretPeriodHours: 200}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			if _, err := f.svc.Create(context.Background(), "buyer1", &req); !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreateGatewayFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.gateway.FailNext = true
	rate := 30
	_, err := f.svc.Create(context.Background(), "buyer1", &CreateRequest{
		ServiceType: TypeStandard,
		ProviderID:  "prov1",
		TotalAmount: "200.00",
		DepositRate: &rate,
		Currency:    "SEK",
	})
	var ge *payments.GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want GatewayError", err)
	}
	orders, err := f.svc.ListByUser(context.Background(), "buyer1", 10)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("stored %d orders after gateway failure, want 0", len(orders))
	}
}

func TestFullLifecycleSettlesProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, TypeStandard, 0)

	o, err := f.svc.ConfirmDeposit(ctx, o.ID)
	if err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if o.Status != StatusCaptured {
		t.Fatalf("status = %s, want %s", o.Status, StatusCaptured)
	}
	if o.CancelDeadline != nil {
		t.Error("no regret period: deadline must stay unset")
	}

	if _, err := f.svc.Start(ctx, o.ID, "prov1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.svc.SubmitCompletion(ctx, o.ID, "prov1"); err != nil {
		t.Fatalf("SubmitCompletion: %v", err)
	}

	code := f.rotateCode(t, o.ID)
	if _, err := f.svc.Verify(ctx, o.ID, "buyer1", code); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	o, err = f.svc.Rate(ctx, o.ID, "buyer1", 5, "great work", nil)
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if o.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", o.Status, StatusCompleted)
	}
	if o.Rating != 5 {
		t.Errorf("rating = %d, want 5", o.Rating)
	}

	// 200.00 total minus the 10% platform fee.
	w, err := f.wallets.Get(ctx, "prov1", "SEK")
	if err != nil {
		t.Fatalf("wallet Get: %v", err)
	}
	if w.Balance != "180.00" {
		t.Errorf("provider balance = %s, want 180.00", w.Balance)
	}
	entries, err := f.wallets.History(ctx, "prov1", "SEK", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].Type != wallet.EntrySettlementRelease {
		t.Errorf("entry type = %s, want %s", entries[0].Type, wallet.EntrySettlementRelease)
	}
	if entries[0].Amount != "180.00" {
		t.Errorf("entry amount = %s, want 180.00", entries[0].Amount)
	}
}

func TestRateRetriesAfterGatewayFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, TypeStandard, 0)
	if _, err := f.svc.ConfirmDeposit(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, o.ID, "prov1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SubmitCompletion(ctx, o.ID, "prov1"); err != nil {
		t.Fatal(err)
	}
	code := f.rotateCode(t, o.ID)
	if _, err := f.svc.Verify(ctx, o.ID, "buyer1", code); err != nil {
		t.Fatal(err)
	}

	// The capture fails; the rating is recorded but settlement does not run.
	f.gateway.FailNext = true
	if _, err := f.svc.Rate(ctx, o.ID, "buyer1", 4, "", nil); err == nil {
		t.Fatal("expected gateway failure")
	}
	got, err := f.svc.Get(ctx, o.ID, "buyer1", false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRated {
		t.Fatalf("status after failed settle = %s, want %s", got.Status, StatusRated)
	}
	if entries, _ := f.wallets.History(ctx, "prov1", "SEK", 10); len(entries) != 0 {
		t.Fatalf("ledger entries after failed settle = %d, want 0", len(entries))
	}

	// Retry re-drives the settlement with the stored payment reference.
	got, err = f.svc.Rate(ctx, o.ID, "buyer1", 4, "", nil)
	if err != nil {
		t.Fatalf("retry Rate: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", got.Status, StatusCompleted)
	}
	entries, _ := f.wallets.History(ctx, "prov1", "SEK", 10)
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want exactly 1", len(entries))
	}
	if got.Rating != 4 {
		t.Errorf("rating = %d, want 4", got.Rating)
	}
}

func TestCancelWithinRegretReleasesHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, TypeStandard, 24)
	if _, err := f.svc.ConfirmDeposit(ctx, o.ID); err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.Cancel(ctx, o.ID, "buyer1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", got.Status, StatusCancelled)
	}
	if gs := f.gateway.Status(o.PaymentReference); gs != payments.StatusCanceled {
		t.Errorf("gateway status = %s, want %s", gs, payments.StatusCanceled)
	}
	if entries, _ := f.wallets.History(ctx, "prov1", "SEK", 10); len(entries) != 0 {
		t.Errorf("free cancellation wrote %d ledger entries, want 0", len(entries))
	}
}

func TestCancelPastDeadlineForfeitsDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, TypeStandard, 24)
	if _, err := f.svc.ConfirmDeposit(ctx, o.ID); err != nil {
		t.Fatal(err)
	}

	// Age the order past its deadline.
	stored, err := f.store.Get(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	stored.CancelDeadline = &past
	if err := f.store.UpdateCAS(ctx, stored, StatusCaptured); err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.Cancel(ctx, o.ID, "buyer1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != StatusCancelledForfeit {
		t.Fatalf("status = %s, want %s", got.Status, StatusCancelledForfeit)
	}
	// Deposit 60.00, 50/50 split: provider is compensated 30.00 in exactly
	// one penalty entry.
	entries, _ := f.wallets.History(ctx, "prov1", "SEK", 10)
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].Type != wallet.EntryPenalty {
		t.Errorf("entry type = %s, want %s", entries[0].Type, wallet.EntryPenalty)
	}
	if entries[0].Amount != "30.00" {
		t.Errorf("entry amount = %s, want 30.00", entries[0].Amount)
	}
	if gs := f.gateway.Status(o.PaymentReference); gs != payments.StatusSucceeded {
		t.Errorf("forfeited hold should be captured, gateway status = %s", gs)
	}
}

func TestCancelAfterStartForfeits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, TypeStandard, 0)
	if _, err := f.svc.ConfirmDeposit(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, o.ID, "prov1"); err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.Cancel(ctx, o.ID, "buyer1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != StatusCancelledForfeit {
		t.Fatalf("status = %s, want %s", got.Status, StatusCancelledForfeit)
	}
}

func TestProviderCancelAlwaysRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, TypeStandard, 0)
	if _, err := f.svc.ConfirmDeposit(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, o.ID, "prov1"); err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.CancelByProvider(ctx, o.ID, "prov1")
	if err != nil {
		t.Fatalf("CancelByProvider: %v", err)
	}
	if got.Status != StatusCancelledByProvider {
		t.Fatalf("status = %s, want %s", got.Status, StatusCancelledByProvider)
	}
	if entries, _ := f.wallets.History(ctx, "prov1", "SEK", 10); len(entries) != 0 {
		t.Errorf("provider cancellation wrote %d ledger entries, want 0", len(entries))
	}
}

func TestVerifyRejectsWrongCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, TypeStandard, 0)
	if _, err := f.svc.ConfirmDeposit(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, o.ID, "prov1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SubmitCompletion(ctx, o.ID, "prov1"); err != nil {
		t.Fatal(err)
	}
	code := f.rotateCode(t, o.ID)
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	if _, err := f.svc.Verify(ctx, o.ID, "buyer1", wrong); !errors.Is(err, verification.ErrInvalidCode) {
		t.Fatalf("err = %v, want ErrInvalidCode", err)
	}
	got, _ := f.svc.Get(ctx, o.ID, "buyer1", false)
	if got.Status != StatusPendingVerification {
		t.Fatalf("status = %s, want %s", got.Status, StatusPendingVerification)
	}
}

func TestReworkRotatesCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, TypeStandard, 0)
	if _, err := f.svc.ConfirmDeposit(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, o.ID, "prov1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SubmitCompletion(ctx, o.ID, "prov1"); err != nil {
		t.Fatal(err)
	}
	oldCode := f.rotateCode(t, o.ID)

	got, err := f.svc.Rework(ctx, o.ID, "buyer1")
	if err != nil {
		t.Fatalf("Rework: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("status = %s, want %s", got.Status, StatusInProgress)
	}

	// The pre-rework code must no longer verify.
	if _, err := f.svc.SubmitCompletion(ctx, o.ID, "prov1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Verify(ctx, o.ID, "buyer1", oldCode); !errors.Is(err, verification.ErrInvalidCode) {
		t.Fatalf("err = %v, want ErrInvalidCode for the rotated-out code", err)
	}
	code := f.rotateCode(t, o.ID)
	if _, err := f.svc.Verify(ctx, o.ID, "buyer1", code); err != nil {
		t.Fatalf("Verify with fresh code: %v", err)
	}
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, TypeStandard, 24)

	if _, err := f.svc.Get(ctx, o.ID, "stranger", false); !errors.Is(err, ErrForbidden) {
		t.Errorf("Get by stranger: err = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.Get(ctx, o.ID, "stranger", true); err != nil {
		t.Errorf("Get by admin: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, o.ID, "prov1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Cancel by provider: err = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.CancelByProvider(ctx, o.ID, "buyer1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("CancelByProvider by buyer: err = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.Start(ctx, o.ID, "buyer1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Start by buyer: err = %v, want ErrForbidden", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, TypeStandard, 0)

	// Still auth_hold: work cannot start, verification cannot happen.
	if _, err := f.svc.Start(ctx, o.ID, "prov1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Start from auth_hold: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.svc.Verify(ctx, o.ID, "buyer1", "123456"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Verify from auth_hold: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.svc.Rate(ctx, o.ID, "buyer1", 5, "", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Rate from auth_hold: err = %v, want ErrInvalidTransition", err)
	}

	// Terminal orders reject everything.
	if _, err := f.svc.Cancel(ctx, o.ID, "buyer1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Cancel(ctx, o.ID, "buyer1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Cancel twice: err = %v, want ErrInvalidTransition", err)
	}
}

func TestRateValidatesRange(t *testing.T) {
	f := newFixture(t)
	for _, r := range []int{0, -1, 6} {
		if _, err := f.svc.Rate(context.Background(), "ord_x", "buyer1", r, "", nil); !errors.Is(err, ErrValidation) {
			t.Errorf("Rate(%d): err = %v, want ErrValidation", r, err)
		}
	}
}

func TestRateRejectsOverlongComment(t *testing.T) {
	f := newFixture(t)
	comment := strings.Repeat("x", 2001)
	if _, err := f.svc.Rate(context.Background(), "ord_x", "buyer1", 5, comment, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestMemoryStoreCAS(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, TypeStandard, 0)

	stale, err := f.store.Get(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	stale.Status = StatusCaptured
	if err := f.store.UpdateCAS(ctx, stale, StatusCaptured); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("err = %v, want ErrConcurrentModification", err)
	}
}

func TestConfirmDepositByRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t, TypeStandard, 24)

	got, err := f.svc.ConfirmDepositByRef(ctx, o.PaymentReference)
	if err != nil {
		t.Fatalf("ConfirmDepositByRef: %v", err)
	}
	if got.Status != StatusCaptured {
		t.Fatalf("status = %s, want %s", got.Status, StatusCaptured)
	}
	if got.CancelDeadline == nil {
		t.Error("regret period set: deadline must be recorded")
	}
	if _, err := f.svc.ConfirmDepositByRef(ctx, "pi_unknown"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("unknown ref: err = %v, want ErrOrderNotFound", err)
	}
}

func TestRateSendsReceiptEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rate := 30
	o, err := f.svc.Create(ctx, "buyer1", &CreateRequest{
		ServiceType:  TypeStandard,
		ProviderID:   "prov1",
		TotalAmount:  "200.00",
		DepositRate:  &rate,
		Currency:     "SEK",
		ReceiptEmail: "buyer@example.com",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.svc.ConfirmDeposit(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, o.ID, "prov1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.SubmitCompletion(ctx, o.ID, "prov1"); err != nil {
		t.Fatal(err)
	}
	code := f.rotateCode(t, o.ID)
	if _, err := f.svc.Verify(ctx, o.ID, "buyer1", code); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Rate(ctx, o.ID, "buyer1", 5, "", nil); err != nil {
		t.Fatalf("Rate: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(f.mailer.delivered()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("receipt email not delivered in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.mailer.delivered()[0]; got != "buyer@example.com" {
		t.Errorf("receipt sent to %s", got)
	}
}

// flakyWalletStore fails a configured number of credits before behaving
// normally again.
type flakyWalletStore struct {
	wallet.Store
	failCredits int
}

func (s *flakyWalletStore) Credit(ctx context.Context, providerID, currency, entryType, amount, orderID, description string) (*wallet.Entry, error) {
	if s.failCredits > 0 {
		s.failCredits--
		return nil, errors.New("ledger unavailable")
	}
	return s.Store.Credit(ctx, providerID, currency, entryType, amount, orderID, description)
}

func TestCancelForfeitRedrivesPenalty(t *testing.T) {
	ctx := context.Background()
	gw := payments.NewMockGateway()
	flaky := &flakyWalletStore{Store: wallet.NewMemoryStore()}
	ws := wallet.NewService(flaky, gw)
	codes := verification.NewService(verification.NewMemoryStore(), time.Hour)
	store := NewMemoryStore()
	svc := NewService(store, gw, ws, codes, notify.NewEmitter(nil, nil), Config{
		PlatformFeeBPS:     1000,
		ForfeitPlatformBPS: 5000,
		CurrencyAllowed:    func(c string) bool { return c == "SEK" },
	})

	rate := 30
	o, err := svc.Create(ctx, "buyer1", &CreateRequest{
		ServiceType:       TypeStandard,
		ProviderID:        "prov1",
		TotalAmount:       "200.00",
		DepositRate:       &rate,
		Currency:          "SEK",
		RegretPeriodHours: 24,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.ConfirmDeposit(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	stored, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	stored.CancelDeadline = &past
	if err := store.UpdateCAS(ctx, stored, StatusCaptured); err != nil {
		t.Fatal(err)
	}

	// The penalty credit fails: the order is forfeited but the provider's
	// share is not yet on the ledger.
	flaky.failCredits = 1
	if _, err := svc.Cancel(ctx, o.ID, "buyer1"); err == nil {
		t.Fatal("expected ledger failure")
	}
	got, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCancelledForfeit {
		t.Fatalf("status = %s, want %s", got.Status, StatusCancelledForfeit)
	}
	if entries, _ := ws.History(ctx, "prov1", "SEK", 10); len(entries) != 0 {
		t.Fatalf("ledger entries after failed penalty = %d, want 0", len(entries))
	}

	// Retrying the cancellation records the share.
	if _, err := svc.Cancel(ctx, o.ID, "buyer1"); err != nil {
		t.Fatalf("retry Cancel: %v", err)
	}
	entries, _ := ws.History(ctx, "prov1", "SEK", 10)
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].Type != wallet.EntryPenalty || entries[0].Amount != "30.00" {
		t.Errorf("entry = %s %s, want penalty 30.00", entries[0].Type, entries[0].Amount)
	}

	// A further retry is a no-op: the penalty entry is unique per order.
	if _, err := svc.Cancel(ctx, o.ID, "buyer1"); err != nil {
		t.Fatalf("idempotent Cancel: %v", err)
	}
	if entries, _ := ws.History(ctx, "prov1", "SEK", 10); len(entries) != 1 {
		t.Fatalf("ledger entries after re-drive = %d, want exactly 1", len(entries))
	}
}
