package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists the audit trail. The table is append-only; the
// migration revokes UPDATE and DELETE.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, event *Event) error {
	var meta []byte
	if len(event.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, listing_id, record_id, actor_id, actor_role, action,
			previous_status, new_status, reason_category, note, metadata, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6,
			NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12)`,
		event.ID, event.ListingID, event.RecordID, event.ActorID, event.ActorRole, event.Action,
		event.PreviousStatus, event.NewStatus, event.ReasonCategory, event.Note, meta, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, listingID string, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, listing_id, COALESCE(record_id, ''), actor_id, COALESCE(actor_role, ''), action,
			COALESCE(previous_status, ''), COALESCE(new_status, ''), COALESCE(reason_category, ''),
			note, metadata, created_at
		FROM audit_log
		WHERE listing_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		listingID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit history: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var meta []byte
		if err := rows.Scan(&e.ID, &e.ListingID, &e.RecordID, &e.ActorID, &e.ActorRole, &e.Action,
			&e.PreviousStatus, &e.NewStatus, &e.ReasonCategory, &e.Note, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
