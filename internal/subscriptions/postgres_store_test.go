//go:build integration

package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chatgate/internal/accounts"
	"github.com/mbd888/chatgate/internal/testutil"
)

func seedAccount(t *testing.T, store *accounts.PostgresStore, id string, now time.Time) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &accounts.Account{
		ID: id, Username: id, AccessStatus: accounts.AccessEnabled, DisabledReason: accounts.ReasonNone,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func pgSubscription(id, account, txn string, start, end time.Time) *Subscription {
	return &Subscription{
		ID: id, AccountID: account, Type: TypeMonthly,
		AmountPaid: decimal.RequireFromString("12.500000"), Currency: "EUR",
		PaymentMethod: MethodPayPal, ExternalTransactionID: txn,
		WindowStart: start, WindowEnd: end, Status: StatusActive,
		CreatedAt: start, UpdatedAt: start,
	}
}

func TestPostgresStore_CreateAndLookup(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	seedAccount(t, accounts.NewPostgresStore(db), "acct_pg_s1", now)
	store := NewPostgresStore(db)

	s := pgSubscription("sub_pg1", "acct_pg_s1", "txn_pg1", now, now.AddDate(0, 1, 0))
	require.NoError(t, store.Create(ctx, s))
	assert.ErrorIs(t, store.Create(ctx, pgSubscription("sub_pg2", "acct_pg_s1", "txn_pg1", now, now.AddDate(0, 1, 0))),
		ErrDuplicateTransaction)

	got, err := store.GetByTransactionID(ctx, "txn_pg1")
	require.NoError(t, err)
	assert.Equal(t, "sub_pg1", got.ID)
	assert.True(t, got.AmountPaid.Equal(decimal.RequireFromString("12.5")))

	active, err := store.ActiveForAccount(ctx, "acct_pg_s1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "sub_pg1", active.ID)

	_, err = store.ActiveForAccount(ctx, "acct_pg_s1", now.AddDate(0, 2, 0))
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestPostgresStore_StatusAndSweeps(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	seedAccount(t, accounts.NewPostgresStore(db), "acct_pg_s2", now)
	store := NewPostgresStore(db)

	require.NoError(t, store.Create(ctx, pgSubscription("sub_soon", "acct_pg_s2", "txn_soon", now.AddDate(0, -1, 0), now.Add(48*time.Hour))))
	require.NoError(t, store.Create(ctx, pgSubscription("sub_gone", "acct_pg_s2", "txn_gone", now.AddDate(0, -2, 0), now.Add(-time.Hour))))

	expiring, err := store.ListExpiring(ctx, now, now.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "sub_soon", expiring[0].ID)

	lapsed, err := store.ListLapsed(ctx, now)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)
	assert.Equal(t, "sub_gone", lapsed[0].ID)

	updated, err := store.UpdateStatus(ctx, "sub_gone", StatusActive, StatusExpired)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, updated.Status)

	_, err = store.UpdateStatus(ctx, "sub_gone", StatusActive, StatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = store.UpdateStatus(ctx, "sub_missing", StatusActive, StatusCancelled)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	all, err := store.List(ctx, ListFilter{AccountID: "acct_pg_s2", Status: StatusActive})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
