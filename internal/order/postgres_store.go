package order

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists orders. Status changes go through UpdateCAS, whose
// WHERE status = expected clause is the cross-process transition guard.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `
	id, service_type, buyer_id, provider_id, total_amount::text, deposit_amount::text,
	deposit_rate, currency, status, regret_period_hours, cancel_deadline,
	COALESCE(payment_reference, ''), COALESCE(receipt_email, ''), funds_captured, started_at,
	COALESCE(rating, 0), COALESCE(rating_comment, ''), rating_photos, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
			(id, service_type, buyer_id, provider_id, total_amount, deposit_amount,
			 deposit_rate, currency, status, regret_period_hours, cancel_deadline,
			 payment_reference, receipt_email, funds_captured, started_at, rating, rating_comment,
			 rating_photos, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11,
		        NULLIF($12, ''), NULLIF($13, ''), $14, $15, NULLIF($16, 0), NULLIF($17, ''), $18, $19, $20)`,
		o.ID, o.ServiceType, o.BuyerID, o.ProviderID, o.TotalAmount, o.DepositAmount,
		o.DepositRate, o.Currency, o.Status, o.RegretPeriodHours, o.CancelDeadline,
		o.PaymentReference, o.ReceiptEmail, o.FundsCaptured, o.StartedAt, o.Rating, o.RatingComment,
		pq.Array(o.RatingPhotos), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) scan(row *sql.Row) (*Order, error) {
	o := &Order{}
	var cancelDeadline, startedAt sql.NullTime
	var photos pq.StringArray
	err := row.Scan(
		&o.ID, &o.ServiceType, &o.BuyerID, &o.ProviderID, &o.TotalAmount, &o.DepositAmount,
		&o.DepositRate, &o.Currency, &o.Status, &o.RegretPeriodHours, &cancelDeadline,
		&o.PaymentReference, &o.ReceiptEmail, &o.FundsCaptured, &startedAt,
		&o.Rating, &o.RatingComment, &photos, &o.CreatedAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if cancelDeadline.Valid {
		o.CancelDeadline = &cancelDeadline.Time
	}
	if startedAt.Valid {
		o.StartedAt = &startedAt.Time
	}
	o.RatingPhotos = photos
	return o, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (s *PostgresStore) GetByPaymentRef(ctx context.Context, ref string) (*Order, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_reference = $1`, ref))
}

func (s *PostgresStore) UpdateCAS(ctx context.Context, o *Order, expectedStatus string) error {
	o.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $2, cancel_deadline = $3, payment_reference = NULLIF($4, ''),
			funds_captured = $5, started_at = $6, rating = NULLIF($7, 0),
			rating_comment = NULLIF($8, ''), rating_photos = $9, updated_at = $10
		WHERE id = $1 AND status = $11`,
		o.ID, o.Status, o.CancelDeadline, o.PaymentReference,
		o.FundsCaptured, o.StartedAt, o.Rating, o.RatingComment,
		pq.Array(o.RatingPhotos), o.UpdatedAt, expectedStatus,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, o.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check order: %w", err)
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrConcurrentModification
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE buyer_id = $1 OR provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o := &Order{}
		var cancelDeadline, startedAt sql.NullTime
		var photos pq.StringArray
		if err := rows.Scan(
			&o.ID, &o.ServiceType, &o.BuyerID, &o.ProviderID, &o.TotalAmount, &o.DepositAmount,
			&o.DepositRate, &o.Currency, &o.Status, &o.RegretPeriodHours, &cancelDeadline,
			&o.PaymentReference, &o.ReceiptEmail, &o.FundsCaptured, &startedAt,
			&o.Rating, &o.RatingComment, &photos, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if cancelDeadline.Valid {
			o.CancelDeadline = &cancelDeadline.Time
		}
		if startedAt.Valid {
			o.StartedAt = &startedAt.Time
		}
		o.RatingPhotos = photos
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
