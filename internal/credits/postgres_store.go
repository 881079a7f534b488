package credits

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hirelane/hirelane/internal/idgen"
)

// PostgresStore persists credits accounts, subscriptions, and the ledger.
// Debits are conditional decrements guarded in the WHERE clause so a
// purchased balance can never go negative under concurrency.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	acct := &Account{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT purchased, updated_at FROM credits_accounts WHERE user_id = $1`,
		userID,
	).Scan(&acct.Purchased, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return &Account{UserID: userID, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}

func (s *PostgresStore) AddPurchased(ctx context.Context, userID string, amount int64, entryType, reference, idemKey, paymentRef string) (*LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin add tx: %w", err)
	}
	defer tx.Rollback()

	var balanceAfter int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credits_accounts (user_id, purchased, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET purchased = credits_accounts.purchased + $2, updated_at = NOW()
		RETURNING purchased`,
		userID, amount,
	).Scan(&balanceAfter)
	if err != nil {
		return nil, fmt.Errorf("add purchased: %w", err)
	}

	e := &LedgerEntry{
		ID:             idgen.WithPrefix("cle_"),
		UserID:         userID,
		Type:           entryType,
		CreditsType:    SourcePurchased,
		Amount:         amount,
		Reference:      reference,
		IdempotencyKey: idemKey,
		PaymentRef:     paymentRef,
		BalanceAfter:   balanceAfter,
		CreatedAt:      time.Now(),
	}
	if err := s.insertEntry(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit add: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) DebitPurchased(ctx context.Context, userID string, amount int64, entryType, reference string) (*LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback()

	var balanceAfter int64
	err = tx.QueryRowContext(ctx, `
		UPDATE credits_accounts
		SET purchased = purchased - $2, updated_at = NOW()
		WHERE user_id = $1 AND purchased >= $2
		RETURNING purchased`,
		userID, amount,
	).Scan(&balanceAfter)
	if err == sql.ErrNoRows {
		return nil, ErrInsufficientCredits
	}
	if err != nil {
		return nil, fmt.Errorf("debit purchased: %w", err)
	}

	e := &LedgerEntry{
		ID:           idgen.WithPrefix("cle_"),
		UserID:       userID,
		Type:         entryType,
		CreditsType:  SourcePurchased,
		Amount:       -amount,
		Reference:    reference,
		BalanceAfter: balanceAfter,
		CreatedAt:    time.Now(),
	}
	if err := s.insertEntry(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) DebitSubscription(ctx context.Context, userID string, amount int64, entryType, reference string) (*LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback()

	// The renews_at guard keeps a lapsed subscription from serving credits:
	// an expired row reads as no subscription at all.
	var balanceAfter int64
	err = tx.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET credits = credits - $2, updated_at = NOW()
		WHERE user_id = $1 AND credits >= $2 AND renews_at > NOW()
		RETURNING credits`,
		userID, amount,
	).Scan(&balanceAfter)
	if err == sql.ErrNoRows {
		var active bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM subscriptions WHERE user_id = $1 AND renews_at > NOW())`, userID,
		).Scan(&active); err != nil {
			return nil, fmt.Errorf("check subscription: %w", err)
		}
		if !active {
			return nil, ErrSubscriptionNotFound
		}
		return nil, ErrInsufficientCredits
	}
	if err != nil {
		return nil, fmt.Errorf("debit subscription: %w", err)
	}

	e := &LedgerEntry{
		ID:           idgen.WithPrefix("cle_"),
		UserID:       userID,
		Type:         entryType,
		CreditsType:  SourceSubscription,
		Amount:       -amount,
		Reference:    reference,
		BalanceAfter: balanceAfter,
		CreatedAt:    time.Now(),
	}
	if err := s.insertEntry(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ConsumeListingQuota(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET listing_quota = listing_quota - 1, updated_at = NOW()
		WHERE user_id = $1 AND listing_quota >= 1 AND renews_at > NOW()`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("consume quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var active bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM subscriptions WHERE user_id = $1 AND renews_at > NOW())`, userID,
		).Scan(&active); err != nil {
			return fmt.Errorf("check subscription: %w", err)
		}
		if !active {
			return ErrSubscriptionNotFound
		}
		return ErrInsufficientCredits
	}
	return nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub := &Subscription{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT plan, credits, listing_quota, renews_at, updated_at
		FROM subscriptions WHERE user_id = $1`,
		userID,
	).Scan(&sub.Plan, &sub.Credits, &sub.ListingQuota, &sub.RenewsAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) GrantSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, plan, credits, listing_quota, renews_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET plan = $2, credits = $3, listing_quota = $4, renews_at = $5, updated_at = NOW()`,
		sub.UserID, sub.Plan, sub.Credits, sub.ListingQuota, sub.RenewsAt,
	)
	if err != nil {
		return fmt.Errorf("grant subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error) {
	e := &LedgerEntry{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, credits_type, amount, COALESCE(reference, ''),
		       COALESCE(idempotency_key, ''), COALESCE(payment_ref, ''), balance_after, created_at
		FROM credits_ledger WHERE idempotency_key = $1`,
		key,
	).Scan(&e.ID, &e.UserID, &e.Type, &e.CreditsType, &e.Amount, &e.Reference,
		&e.IdempotencyKey, &e.PaymentRef, &e.BalanceAfter, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by idempotency key: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, credits_type, amount, COALESCE(reference, ''),
		       COALESCE(idempotency_key, ''), COALESCE(payment_ref, ''), balance_after, created_at
		FROM credits_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		e := &LedgerEntry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.CreditsType, &e.Amount, &e.Reference,
			&e.IdempotencyKey, &e.PaymentRef, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) insertEntry(ctx context.Context, tx *sql.Tx, e *LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credits_ledger
			(id, user_id, type, credits_type, amount, reference, idempotency_key, payment_ref, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10)`,
		e.ID, e.UserID, e.Type, e.CreditsType, e.Amount, e.Reference, e.IdempotencyKey, e.PaymentRef, e.BalanceAfter, e.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Unique violations: replayed idempotency key, or the partial
			// index on signup_bonus entries.
			if e.Type == EntrySignupBonus {
				return ErrBonusAlreadyGranted
			}
			return fmt.Errorf("duplicate idempotency key %q", e.IdempotencyKey)
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
