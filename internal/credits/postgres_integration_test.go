package credits

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirelane/hirelane/internal/testutil"
)

func TestPostgresSignupBonusOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	entry, err := store.AddPurchased(ctx, "user1", 20, EntrySignupBonus, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(20), entry.BalanceAfter)

	_, err = store.AddPurchased(ctx, "user1", 20, EntrySignupBonus, "", "", "")
	assert.ErrorIs(t, err, ErrBonusAlreadyGranted)

	acct, err := store.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), acct.Purchased)
}

func TestPostgresRechargeIdempotencyKey(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	entry, err := store.AddPurchased(ctx, "user2", 100, EntryPurchase, "", "key-1", "pi_test_1")
	require.NoError(t, err)

	recorded, err := store.GetByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, recorded)
	assert.Equal(t, entry.ID, recorded.ID)

	// A replay of the same key is a unique violation at the store level;
	// the service returns the recorded entry instead of retrying the charge.
	_, err = store.AddPurchased(ctx, "user2", 100, EntryPurchase, "", "key-1", "pi_test_1")
	assert.Error(t, err)

	entries, err := store.History(ctx, "user2", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPostgresSubscriptionDebits(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.GrantSubscription(ctx, &Subscription{
		UserID:       "user3",
		Plan:         "starter",
		Credits:      50,
		ListingQuota: 2,
		RenewsAt:     time.Now().Add(30 * 24 * time.Hour),
	}))

	entry, err := store.DebitSubscription(ctx, "user3", 5, EntryQuote, "q_1")
	require.NoError(t, err)
	assert.Equal(t, SourceSubscription, entry.CreditsType)
	assert.Equal(t, int64(45), entry.BalanceAfter)

	_, err = store.DebitSubscription(ctx, "user3", 100, EntryQuote, "q_2")
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	// Quota decrements write no ledger entry.
	require.NoError(t, store.ConsumeListingQuota(ctx, "user3"))
	require.NoError(t, store.ConsumeListingQuota(ctx, "user3"))
	assert.ErrorIs(t, store.ConsumeListingQuota(ctx, "user3"), ErrInsufficientCredits)

	entries, err := store.History(ctx, "user3", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPostgresExpiredSubscriptionServesNothing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.GrantSubscription(ctx, &Subscription{
		UserID:       "user4",
		Plan:         "starter",
		Credits:      50,
		ListingQuota: 5,
		RenewsAt:     time.Now().Add(-time.Hour),
	}))

	_, err := store.DebitSubscription(ctx, "user4", 5, EntryQuote, "q_1")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.ErrorIs(t, store.ConsumeListingQuota(ctx, "user4"), ErrSubscriptionNotFound)

	sub, err := store.GetSubscription(ctx, "user4")
	require.NoError(t, err)
	assert.Equal(t, int64(50), sub.Credits)
	assert.Equal(t, int64(5), sub.ListingQuota)
}
