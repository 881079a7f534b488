// Package audit records listing lifecycle events in an append-only trail.
// Events are never updated or removed; the newest event is the listing's
// current moderation state.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hirelane/hirelane/internal/idgen"
)

var (
	ErrInvalidAction = errors.New("invalid audit action")
	// ErrInvalidReason is returned when an event carries a reason category
	// outside the fixed set, or a rejection carries none at all.
	ErrInvalidReason = errors.New("invalid reason category")
)

// Well-known actions. The set is open: any lifecycle transition may be
// recorded under its own action name, these are just the ones the
// moderation flow writes.
const (
	ActionApproved  = "approved"
	ActionRejected  = "rejected"
	ActionSubmitted = "submitted"
	ActionPaused    = "paused"
	ActionResumed   = "resumed"
	ActionArchived  = "archived"
)

// Reason categories for rejections. The set is closed: free-form reasons go
// in the note, never in the category.
var ReasonCategories = map[string]bool{
	"qualification": true,
	"content":       true,
	"pricing":       true,
	"description":   true,
	"images":        true,
	"duplicate":     true,
	"other":         true,
}

// Event is one immutable lifecycle event.
type Event struct {
	ID             string            `json:"id"`
	ListingID      string            `json:"listingId"`
	RecordID       string            `json:"recordId,omitempty"`
	ActorID        string            `json:"actorId"`
	ActorRole      string            `json:"actorRole,omitempty"`
	Action         string            `json:"action"`
	PreviousStatus string            `json:"previousStatus,omitempty"`
	NewStatus      string            `json:"newStatus,omitempty"`
	ReasonCategory string            `json:"reasonCategory,omitempty"`
	Note           string            `json:"note,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Decision is the input to Record: who did what to which listing, and the
// status transition it caused.
type Decision struct {
	ListingID      string
	RecordID       string
	ActorID        string
	ActorRole      string
	Action         string
	PreviousStatus string
	NewStatus      string
	ReasonCategory string
	Note           string
	Metadata       map[string]string
}

// Store appends and reads the trail.
type Store interface {
	Append(ctx context.Context, event *Event) error
	History(ctx context.Context, listingID string, limit int) ([]*Event, error)
}

// Service validates decisions before they are appended.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Record appends a lifecycle event. Rejections must name a reason category;
// every other action may carry one only if it is in the fixed set.
func (s *Service) Record(ctx context.Context, d Decision) (*Event, error) {
	if d.Action == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAction)
	}
	if d.Action == ActionRejected && d.ReasonCategory == "" {
		return nil, fmt.Errorf("%w: rejection requires a category", ErrInvalidReason)
	}
	if d.ReasonCategory != "" && !ReasonCategories[d.ReasonCategory] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, d.ReasonCategory)
	}

	event := &Event{
		ID:             idgen.WithPrefix("aud_"),
		ListingID:      d.ListingID,
		RecordID:       d.RecordID,
		ActorID:        d.ActorID,
		ActorRole:      d.ActorRole,
		Action:         d.Action,
		PreviousStatus: d.PreviousStatus,
		NewStatus:      d.NewStatus,
		ReasonCategory: d.ReasonCategory,
		Note:           d.Note,
		Metadata:       d.Metadata,
		CreatedAt:      time.Now(),
	}
	if err := s.store.Append(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// History returns a listing's trail, newest first.
func (s *Service) History(ctx context.Context, listingID string, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.History(ctx, listingID, limit)
}
