// Package notify dispatches user-facing notifications for order and payment
// events. Dispatch is fire-and-forget: a notification failure is logged and
// retried in the background, and never fails the operation that emitted it.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/hirelane/hirelane/internal/logging"
	"github.com/hirelane/hirelane/internal/retry"
)

// Notification templates emitted by the engine.
const (
	TplOrderCreated       = "order_created"
	TplOrderStarted       = "order_started"
	TplOrderVerified      = "order_verified"
	TplOrderRework        = "order_rework"
	TplOrderCompleted     = "order_completed"
	TplOrderCancelled     = "order_cancelled"
	TplDepositForfeited   = "deposit_forfeited"
	TplSettlementReleased = "settlement_released"
	TplCreditsLow         = "credits_low"
)

// TemplateSender delivers a templated message to a user. Implemented by the
// external messaging collaborator; LogSender stands in everywhere else.
type TemplateSender interface {
	SendTemplateMessage(ctx context.Context, userID, template string, data map[string]string) error
}

// TransactionalSender delivers a transactional email to an address, for
// recipients identified by email rather than user ID (order receipts go to
// whatever address the buyer gave at checkout). LogMailer stands in when no
// email provider is configured.
type TransactionalSender interface {
	SendTransactional(ctx context.Context, email string, variables map[string]string) error
}

// LogSender writes notifications to the log instead of delivering them.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) SendTemplateMessage(ctx context.Context, userID, template string, data map[string]string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"user_id", userID,
		"template", template,
		"data", data)
	return nil
}

// LogMailer writes transactional emails to the log instead of sending them.
type LogMailer struct {
	Logger *slog.Logger
}

func (s *LogMailer) SendTransactional(ctx context.Context, email string, variables map[string]string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("transactional email",
		"email", email,
		"variables", variables)
	return nil
}

// Emitter dispatches notifications asynchronously with bounded retries.
type Emitter struct {
	sender TemplateSender
	mailer TransactionalSender
}

func NewEmitter(sender TemplateSender, mailer TransactionalSender) *Emitter {
	if sender == nil {
		sender = &LogSender{}
	}
	if mailer == nil {
		mailer = &LogMailer{}
	}
	return &Emitter{sender: sender, mailer: mailer}
}

// Emit sends a templated notification in the background.
func (e *Emitter) Emit(userID, template string, data map[string]string) {
	e.dispatch("template", template, func(ctx context.Context) error {
		return e.sender.SendTemplateMessage(ctx, userID, template, data)
	})
}

// EmitTransactional sends a transactional email in the background.
func (e *Emitter) EmitTransactional(email string, variables map[string]string) {
	e.dispatch("transactional", email, func(ctx context.Context) error {
		return e.mailer.SendTransactional(ctx, email, variables)
	})
}

// dispatch runs a delivery in the background. The caller's context is
// deliberately not used: the triggering request may finish long before
// delivery does.
func (e *Emitter) dispatch(kind, target string, send func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
			return send(ctx)
		})
		if err != nil {
			logging.L(ctx).Warn("notification delivery failed",
				"kind", kind,
				"target", target,
				"error", err)
		}
	}()
}
