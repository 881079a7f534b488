package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingSender captures deliveries and can fail the first n attempts.
type recordingSender struct {
	mu       sync.Mutex
	sent     []string
	failures int
}

func (r *recordingSender) SendTemplateMessage(ctx context.Context, userID, template string, data map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("delivery failed")
	}
	r.sent = append(r.sent, userID+":"+template)
	return nil
}

func (r *recordingSender) delivered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

// recordingMailer captures transactional emails and can fail the first n
// attempts.
type recordingMailer struct {
	mu       sync.Mutex
	sent     []string
	failures int
}

func (r *recordingMailer) SendTransactional(ctx context.Context, email string, variables map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("delivery failed")
	}
	r.sent = append(r.sent, email)
	return nil
}

func (r *recordingMailer) delivered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEmitDelivers(t *testing.T) {
	sender := &recordingSender{}
	e := NewEmitter(sender, nil)

	e.Emit("user_1", TplOrderCreated, map[string]string{"orderId": "ord_1"})
	waitFor(t, func() bool { return len(sender.delivered()) == 1 })

	if got := sender.delivered()[0]; got != "user_1:order_created" {
		t.Errorf("delivered = %s", got)
	}
}

func TestEmitRetriesTransientFailure(t *testing.T) {
	sender := &recordingSender{failures: 2}
	e := NewEmitter(sender, nil)

	e.Emit("user_1", TplOrderCompleted, nil)
	waitFor(t, func() bool { return len(sender.delivered()) == 1 })
}

func TestEmitTransactionalDelivers(t *testing.T) {
	mailer := &recordingMailer{}
	e := NewEmitter(nil, mailer)

	e.EmitTransactional("buyer@example.com", map[string]string{"orderId": "ord_1", "total": "200.00"})
	waitFor(t, func() bool { return len(mailer.delivered()) == 1 })

	if got := mailer.delivered()[0]; got != "buyer@example.com" {
		t.Errorf("delivered to %s", got)
	}
}

func TestEmitTransactionalRetriesTransientFailure(t *testing.T) {
	mailer := &recordingMailer{failures: 2}
	e := NewEmitter(nil, mailer)

	e.EmitTransactional("buyer@example.com", nil)
	waitFor(t, func() bool { return len(mailer.delivered()) == 1 })
}

func TestEmitNeverBlocksCaller(t *testing.T) {
	sender := &recordingSender{failures: 100}
	e := NewEmitter(sender, nil)

	done := make(chan struct{})
	go func() {
		e.Emit("user_1", TplOrderCancelled, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked the caller")
	}
}
