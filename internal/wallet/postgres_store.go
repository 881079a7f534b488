package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hirelane/hirelane/internal/idgen"
)

// PostgresStore persists wallets and their ledgers in Postgres. Every
// balance change appends the ledger row and updates the cached balance in a
// single serializable transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, providerID, currency string) (*Wallet, error) {
	w := &Wallet{ID: idgen.WithPrefix("wal_"), ProviderID: providerID, Currency: currency}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO wallets (id, provider_id, currency, balance, created_at, updated_at)
		VALUES ($1, $2, $3, 0, NOW(), NOW())
		ON CONFLICT (provider_id, currency) DO UPDATE SET updated_at = wallets.updated_at
		RETURNING id, balance::text, created_at, updated_at`,
		w.ID, providerID, currency,
	).Scan(&w.ID, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get or create wallet: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) Get(ctx context.Context, providerID, currency string) (*Wallet, error) {
	w := &Wallet{ProviderID: providerID, Currency: currency}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, balance::text, created_at, updated_at
		FROM wallets WHERE provider_id = $1 AND currency = $2`,
		providerID, currency,
	).Scan(&w.ID, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) Credit(ctx context.Context, providerID, currency, entryType, amount, orderID, description string) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	var walletID, balanceAfter string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO wallets (id, provider_id, currency, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, NOW(), NOW())
		ON CONFLICT (provider_id, currency)
		DO UPDATE SET balance = wallets.balance + $4::numeric, updated_at = NOW()
		RETURNING id, balance::text`,
		idgen.WithPrefix("wal_"), providerID, currency, amount,
	).Scan(&walletID, &balanceAfter)
	if err != nil {
		return nil, fmt.Errorf("credit wallet: %w", err)
	}

	e := &Entry{
		ID:           idgen.WithPrefix("wle_"),
		WalletID:     walletID,
		Type:         entryType,
		Amount:       amount,
		OrderID:      orderID,
		Description:  description,
		BalanceAfter: balanceAfter,
		CreatedAt:    time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_ledger (id, wallet_id, type, amount, order_id, description, balance_after, created_at)
		VALUES ($1, $2, $3, $4::numeric, NULLIF($5, ''), $6, $7::numeric, $8)`,
		e.ID, e.WalletID, e.Type, e.Amount, e.OrderID, e.Description, e.BalanceAfter, e.CreatedAt,
	)
	if err != nil {
		// The partial unique indexes on settlement_release and penalty
		// entries make a second credit of either type for the same order
		// a 23505.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrAlreadySettled
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit credit: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Debit(ctx context.Context, providerID, currency, entryType, amount, orderID, description string) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback()

	// The balance guard is in the WHERE clause: zero rows means either the
	// wallet is missing or the funds are not there, never a negative balance.
	var walletID, balanceAfter string
	err = tx.QueryRowContext(ctx, `
		UPDATE wallets
		SET balance = balance - $3::numeric, updated_at = NOW()
		WHERE provider_id = $1 AND currency = $2 AND balance >= $3::numeric
		RETURNING id, balance::text`,
		providerID, currency, amount,
	).Scan(&walletID, &balanceAfter)
	if err == sql.ErrNoRows {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM wallets WHERE provider_id = $1 AND currency = $2)`,
			providerID, currency,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check wallet: %w", err)
		}
		if !exists {
			return nil, ErrWalletNotFound
		}
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, fmt.Errorf("debit wallet: %w", err)
	}

	e := &Entry{
		ID:           idgen.WithPrefix("wle_"),
		WalletID:     walletID,
		Type:         entryType,
		Amount:       "-" + amount,
		OrderID:      orderID,
		Description:  description,
		BalanceAfter: balanceAfter,
		CreatedAt:    time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_ledger (id, wallet_id, type, amount, order_id, description, balance_after, created_at)
		VALUES ($1, $2, $3, $4::numeric, NULLIF($5, ''), $6, $7::numeric, $8)`,
		e.ID, e.WalletID, e.Type, e.Amount, e.OrderID, e.Description, e.BalanceAfter, e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) History(ctx context.Context, providerID, currency string, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.wallet_id, e.type, e.amount::text, COALESCE(e.order_id, ''), e.description, e.balance_after::text, e.created_at
		FROM wallet_ledger e
		JOIN wallets w ON w.id = e.wallet_id
		WHERE w.provider_id = $1 AND w.currency = $2
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT $3`,
		providerID, currency, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.WalletID, &e.Type, &e.Amount, &e.OrderID, &e.Description, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Wallets(ctx context.Context) ([]*Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, currency, balance::text, created_at, updated_at FROM wallets`)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*Wallet
	for rows.Next() {
		w := &Wallet{}
		if err := rows.Scan(&w.ID, &w.ProviderID, &w.Currency, &w.Balance, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (s *PostgresStore) SumEntries(ctx context.Context, walletID string) (string, error) {
	var sum string
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM wallet_ledger WHERE wallet_id = $1`,
		walletID,
	).Scan(&sum)
	if err != nil {
		return "", fmt.Errorf("sum entries: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) SetBalance(ctx context.Context, walletID, balance string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE wallets SET balance = $2::numeric, updated_at = NOW() WHERE id = $1`,
		walletID, balance,
	)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWalletNotFound
	}
	return nil
}
