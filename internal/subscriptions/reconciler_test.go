package subscriptions

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chatgate/internal/accounts"
	"github.com/mbd888/chatgate/internal/notify"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type observed struct {
	mu      sync.Mutex
	changes []bool
}

func (o *observed) EntitlementChanged(_ string, premium bool, _ time.Time) {
	o.mu.Lock()
	o.changes = append(o.changes, premium)
	o.mu.Unlock()
}

type fixture struct {
	r        *Reconciler
	subs     *MemoryStore
	accounts *accounts.MemoryStore
	notices  *notify.Service
	clock    *clock
	observed *observed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		subs:     NewMemoryStore(),
		accounts: accounts.NewMemoryStore(),
		clock:    &clock{t: testNow},
		observed: &observed{},
	}
	f.notices = notify.NewService(notify.NewMemoryStore(), nil, logger)
	f.r = NewReconciler(f.subs, f.accounts, f.notices, logger,
		WithClock(f.clock.Now), WithObserver(f.observed))
	for _, id := range []string{"acct_a", "acct_b"} {
		require.NoError(t, f.accounts.Create(context.Background(), &accounts.Account{
			ID: id, AccessStatus: accounts.AccessEnabled, DisabledReason: accounts.ReasonNone,
			CreatedAt: testNow, UpdatedAt: testNow,
		}))
	}
	return f
}

func (f *fixture) payment(account, txn string, start, end time.Time) *Subscription {
	return &Subscription{
		AccountID:             account,
		Type:                  TypeMonthly,
		AmountPaid:            decimal.RequireFromString("9.99"),
		Currency:              "USD",
		PaymentMethod:         MethodStripe,
		ExternalTransactionID: txn,
		WindowStart:           start,
		WindowEnd:             end,
	}
}

func TestNewWindow(t *testing.T) {
	start := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	_, end, err := NewWindow(TypeMonthly, start)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), end, "AddDate normalises Feb 31")

	_, end, err = NewWindow(TypeYearly, start)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC), end)

	_, _, err = NewWindow("weekly", start)
	assert.ErrorIs(t, err, ErrInvalidSubscription)
}

func TestValidate(t *testing.T) {
	s := &Subscription{AccountID: "acct_a", Type: TypeMonthly, Currency: "USD", PaymentMethod: MethodManual,
		ExternalTransactionID: "txn", WindowStart: testNow, WindowEnd: testNow}
	err := s.Validate()
	require.ErrorIs(t, err, ErrInvalidSubscription)
	assert.Contains(t, err.Error(), "window end")

	s.WindowEnd = testNow.Add(time.Hour)
	assert.NoError(t, s.Validate())

	s.AmountPaid = decimal.NewFromInt(-1)
	assert.ErrorIs(t, s.Validate(), ErrInvalidSubscription)
}

// A payment makes the account entitled immediately.
func TestOnSubscriptionCreated_EntitlesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entitled, err := f.r.IsEntitled(ctx, "acct_a")
	require.NoError(t, err)
	assert.False(t, entitled)

	s, err := f.r.OnSubscriptionCreated(ctx, f.payment("acct_a", "txn_1", testNow.Add(-time.Hour), testNow.AddDate(0, 1, 0)))
	require.NoError(t, err)
	assert.Contains(t, s.ID, IDPrefix)
	assert.Equal(t, StatusActive, s.Status)

	entitled, err = f.r.IsEntitled(ctx, "acct_a")
	require.NoError(t, err)
	assert.True(t, entitled)

	a, _ := f.accounts.Get(ctx, "acct_a")
	assert.True(t, a.Premium)
	assert.Equal(t, s.WindowEnd, a.PremiumExpiresAt)
	assert.Equal(t, []bool{true}, f.observed.changes)
}

func TestOnSubscriptionCreated_DefaultsWindowFromType(t *testing.T) {
	f := newFixture(t)
	p := f.payment("acct_a", "txn_1", time.Time{}, time.Time{})
	p.Type = TypeYearly

	s, err := f.r.OnSubscriptionCreated(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, testNow, s.WindowStart)
	assert.Equal(t, testNow.AddDate(1, 0, 0), s.WindowEnd)
}

func TestOnSubscriptionCreated_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.r.OnSubscriptionCreated(ctx, f.payment("acct_a", "txn_1", testNow, testNow.AddDate(0, 1, 0)))
	require.NoError(t, err)
	second, err := f.r.OnSubscriptionCreated(ctx, f.payment("acct_a", "txn_1", testNow, testNow.AddDate(0, 1, 0)))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := f.r.ListForAccount(ctx, "acct_a")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = f.r.OnSubscriptionCreated(ctx, f.payment("acct_b", "txn_1", testNow, testNow.AddDate(0, 1, 0)))
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
}

func TestOnSubscriptionCreated_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.r.OnSubscriptionCreated(context.Background(), f.payment("acct_zz", "txn_1", testNow, testNow.Add(time.Hour)))
	assert.ErrorIs(t, err, accounts.ErrAccountNotFound)
}

func TestEntitlementBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	end := testNow.Add(time.Second)
	_, err := f.r.OnSubscriptionCreated(ctx, f.payment("acct_a", "txn_1", testNow.AddDate(0, -1, 0), end))
	require.NoError(t, err)

	entitled, err := f.r.IsEntitled(ctx, "acct_a")
	require.NoError(t, err)
	assert.True(t, entitled, "one second before the end")

	f.clock.Set(end.Add(time.Second))
	entitled, err = f.r.IsEntitled(ctx, "acct_a")
	require.NoError(t, err)
	assert.False(t, entitled, "one second after the end")

	a, _ := f.accounts.Get(ctx, "acct_a")
	assert.False(t, a.Premium)
	assert.True(t, a.PremiumExpiresAt.IsZero())
}

func TestIsEntitled_FutureWindowEntitlesWhenItOpens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := testNow.Add(time.Minute)
	_, err := f.r.OnSubscriptionCreated(ctx, f.payment("acct_a", "txn_1", start, start.AddDate(0, 1, 0)))
	require.NoError(t, err)

	entitled, err := f.r.IsEntitled(ctx, "acct_a")
	require.NoError(t, err)
	assert.False(t, entitled, "window not open yet")

	a, _ := f.accounts.Get(ctx, "acct_a")
	assert.False(t, a.Premium)
	assert.Equal(t, testNow, a.PremiumCheckedAt)

	f.clock.Set(start.Add(time.Second))
	entitled, err = f.r.IsEntitled(ctx, "acct_a")
	require.NoError(t, err)
	assert.True(t, entitled, "a fresh not-premium cache must not hide an opened window")

	a, _ = f.accounts.Get(ctx, "acct_a")
	assert.True(t, a.Premium)
	assert.Equal(t, start.AddDate(0, 1, 0), a.PremiumExpiresAt)
}

func TestIsEntitled_Privileged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.accounts.Update(ctx, "acct_b", accounts.GroupProfile, func(a *accounts.Account) (bool, error) {
		a.Privileged = true
		return true, nil
	})
	require.NoError(t, err)

	entitled, err := f.r.IsEntitled(ctx, "acct_b")
	require.NoError(t, err)
	assert.True(t, entitled)
}

func TestIsEntitled_ConcurrentCallersAgree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.subs.Create(ctx, &Subscription{
		ID: "sub_direct", AccountID: "acct_a", Type: TypeMonthly, Currency: "USD", PaymentMethod: MethodManual,
		ExternalTransactionID: "txn_direct", WindowStart: testNow.Add(-time.Hour), WindowEnd: testNow.Add(time.Hour),
		Status: StatusActive, CreatedAt: testNow,
	}))

	var wg sync.WaitGroup
	results := make([]bool, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := f.r.IsEntitled(ctx, "acct_a")
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()
	for _, ok := range results {
		assert.True(t, ok)
	}
}

func TestUpdateStatus_RefundRemovesEntitlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.r.OnSubscriptionCreated(ctx, f.payment("acct_a", "txn_1", testNow, testNow.AddDate(0, 1, 0)))
	require.NoError(t, err)

	_, err = f.r.UpdateStatusByTransaction(ctx, "txn_1", StatusRefunded)
	require.NoError(t, err)

	a, _ := f.accounts.Get(ctx, "acct_a")
	assert.False(t, a.Premium)

	_, err = f.r.UpdateStatus(ctx, s.ID, StatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.r.UpdateStatus(ctx, s.ID, StatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSweepExpiringSoon_RecordsNoticeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.r.OnSubscriptionCreated(ctx, f.payment("acct_a", "txn_soon", testNow.AddDate(0, -1, 0), testNow.Add(50*time.Hour)))
	require.NoError(t, err)
	_, err = f.r.OnSubscriptionCreated(ctx, f.payment("acct_b", "txn_later", testNow, testNow.AddDate(0, 1, 0)))
	require.NoError(t, err)

	res, err := f.r.SweepExpiringSoon(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Recomputed: 1, Notified: 1}, res)

	res, err = f.r.SweepExpiringSoon(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Notified)

	pending, _, _, err := f.notices.List(ctx, "acct_a", true, "", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].DaysLeft)
}

func TestExpireLapsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.r.OnSubscriptionCreated(ctx, f.payment("acct_a", "txn_1", testNow.Add(-48*time.Hour), testNow.Add(time.Hour)))
	require.NoError(t, err)

	f.clock.Set(testNow.Add(2 * time.Hour))
	res, err := f.r.ExpireLapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	got, _ := f.r.Get(ctx, s.ID)
	assert.Equal(t, StatusExpired, got.Status)
	a, _ := f.accounts.Get(ctx, "acct_a")
	assert.False(t, a.Premium)
	assert.Equal(t, []bool{true, false}, f.observed.changes)
}

func TestDaysUntilExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.r.OnSubscriptionCreated(ctx, f.payment("acct_a", "txn_1", testNow, testNow.Add(36*time.Hour)))
	require.NoError(t, err)

	days, err := f.r.DaysUntilExpiry(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, days)

	f.clock.Set(testNow.Add(40 * time.Hour))
	days, err = f.r.DaysUntilExpiry(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, days)

	_, err = f.r.DaysUntilExpiry(ctx, "sub_missing")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestList_Paged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, txn := range []string{"t1", "t2", "t3"} {
		f.clock.Set(testNow.Add(time.Duration(i) * time.Minute))
		_, err := f.r.OnSubscriptionCreated(ctx, f.payment("acct_a", txn, testNow, testNow.AddDate(0, 1, 0)))
		require.NoError(t, err)
	}

	page, next, more, err := f.r.List(ctx, ListFilter{AccountID: "acct_a", Limit: 2}, "")
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.True(t, more)
	assert.Equal(t, "t3", page[0].ExternalTransactionID)

	rest, _, more, err := f.r.List(ctx, ListFilter{AccountID: "acct_a", Limit: 2}, next)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	assert.False(t, more)
}
