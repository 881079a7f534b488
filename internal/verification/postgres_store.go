package verification

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists verification codes, one active row per order.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Upsert(ctx context.Context, code *Code) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_codes (order_id, code_hash, expires_at, consumed_at, created_at)
		VALUES ($1, $2, $3, NULL, $4)
		ON CONFLICT (order_id)
		DO UPDATE SET code_hash = $2, expires_at = $3, consumed_at = NULL, created_at = $4`,
		code.OrderID, code.CodeHash, code.ExpiresAt, code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert code: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, orderID string) (*Code, error) {
	code := &Code{OrderID: orderID}
	var consumedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT code_hash, expires_at, consumed_at, created_at
		FROM verification_codes WHERE order_id = $1`,
		orderID,
	).Scan(&code.CodeHash, &code.ExpiresAt, &consumedAt, &code.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get code: %w", err)
	}
	if consumedAt.Valid {
		code.ConsumedAt = &consumedAt.Time
	}
	return code, nil
}

func (s *PostgresStore) MarkConsumed(ctx context.Context, orderID string) error {
	// consumed_at IS NULL in the WHERE clause makes the consume atomic:
	// exactly one concurrent caller wins.
	res, err := s.db.ExecContext(ctx, `
		UPDATE verification_codes SET consumed_at = NOW()
		WHERE order_id = $1 AND consumed_at IS NULL`,
		orderID,
	)
	if err != nil {
		return fmt.Errorf("mark consumed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyConsumed
	}
	return nil
}
