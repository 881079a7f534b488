package wallet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirelane/hirelane/internal/testutil"
)

func TestPostgresSettlementIdempotency(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	first, err := store.Credit(ctx, "prov1", "USD", EntrySettlementRelease, "180.00", "ord_settle1", "order settlement")
	require.NoError(t, err)
	assert.Equal(t, "180.00", first.BalanceAfter)

	// The partial unique index makes a second settlement for the same
	// order a no-op error, not a second entry.
	_, err = store.Credit(ctx, "prov1", "USD", EntrySettlementRelease, "180.00", "ord_settle1", "order settlement")
	assert.ErrorIs(t, err, ErrAlreadySettled)

	w, err := store.Get(ctx, "prov1", "USD")
	require.NoError(t, err)
	assert.Equal(t, "180.00", w.Balance)

	entries, err := store.History(ctx, "prov1", "USD", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPostgresConditionalDebit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	_, err := store.Credit(ctx, "prov2", "USD", EntrySettlementRelease, "50.00", "ord_settle2", "order settlement")
	require.NoError(t, err)

	// Overdraft attempts never go through.
	_, err = store.Debit(ctx, "prov2", "USD", EntryPayout, "60.00", "", "withdrawal")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	entry, err := store.Debit(ctx, "prov2", "USD", EntryPayout, "30.00", "", "withdrawal")
	require.NoError(t, err)
	assert.Equal(t, "-30.00", entry.Amount)
	assert.Equal(t, "20.00", entry.BalanceAfter)

	// Balance stays derivable from the log.
	w, err := store.Get(ctx, "prov2", "USD")
	require.NoError(t, err)
	derived, err := store.SumEntries(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Balance, derived)

	_, err = store.Debit(ctx, "nobody", "USD", EntryPayout, "10.00", "", "withdrawal")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestPostgresPenaltyIdempotency(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	first, err := store.Credit(ctx, "prov3", "USD", EntryPenalty, "30.00", "ord_forfeit1", "forfeited deposit share")
	require.NoError(t, err)
	assert.Equal(t, "30.00", first.BalanceAfter)

	// A re-driven forfeiture must not credit the share twice.
	_, err = store.Credit(ctx, "prov3", "USD", EntryPenalty, "30.00", "ord_forfeit1", "forfeited deposit share")
	assert.ErrorIs(t, err, ErrAlreadySettled)

	w, err := store.Get(ctx, "prov3", "USD")
	require.NoError(t, err)
	assert.Equal(t, "30.00", w.Balance)

	entries, err := store.History(ctx, "prov3", "USD", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
