package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chatgate/internal/faults"
	"github.com/mbd888/chatgate/internal/pagination"
)

func newTestAccount(id string, createdAt time.Time) *Account {
	return &Account{
		ID:             id,
		Username:       "user-" + id,
		AccessStatus:   AccessEnabled,
		DisabledReason: ReasonNone,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Create(ctx, newTestAccount("acct_1", now)))
	assert.ErrorIs(t, store.Create(ctx, newTestAccount("acct_1", now)), ErrAccountExists)

	got, err := store.Get(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "user-acct_1", got.Username)

	got.UsageCount = 42
	got.UsagePeriod = "2026-04"
	require.NoError(t, store.Save(ctx, got))

	again, err := store.Get(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), again.UsageCount)

	// Returned values are copies.
	again.UsageCount = 999
	fresh, _ := store.Get(ctx, "acct_1")
	assert.Equal(t, int64(42), fresh.UsageCount)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.ErrorIs(t, err, faults.ErrNotFound)

	assert.ErrorIs(t, store.Save(ctx, newTestAccount("missing", time.Now())), ErrAccountNotFound)

	_, _, err = store.Update(ctx, "missing", GroupAccess, func(a *Account) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMemoryStore_SaveRejectsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newTestAccount("acct_1", time.Now())))

	bad := newTestAccount("acct_1", time.Now())
	bad.DisabledReason = ReasonUsageLimit
	assert.ErrorIs(t, store.Save(ctx, bad), faults.ErrInvariantViolation)
}

func TestMemoryStore_UpdateWritesOnlyItsGroup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newTestAccount("acct_1", time.Now())))

	// A mutator that touches fields outside its group must not leak them.
	_, changed, err := store.Update(ctx, "acct_1", GroupUsage, func(a *Account) (bool, error) {
		a.UsageCount = 10
		a.UsagePeriod = "2026-04"
		a.Username = "sneaky"
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, changed)

	got, _ := store.Get(ctx, "acct_1")
	assert.Equal(t, int64(10), got.UsageCount)
	assert.Equal(t, "user-acct_1", got.Username)
}

func TestMemoryStore_UpdateNoChangeSkipsWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	created := time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, newTestAccount("acct_1", created)))

	_, changed, err := store.Update(ctx, "acct_1", GroupAccess, func(a *Account) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)
	assert.False(t, changed)

	got, _ := store.Get(ctx, "acct_1")
	assert.Equal(t, created, got.UpdatedAt)
}

func TestMemoryStore_UpdatePropagatesMutatorError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newTestAccount("acct_1", time.Now())))

	boom := errors.New("boom")
	_, _, err := store.Update(ctx, "acct_1", GroupAccess, func(a *Account) (bool, error) {
		a.Disable(ReasonUsageLimit)
		return true, boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := store.Get(ctx, "acct_1")
	assert.True(t, got.Enabled())
}

func TestMemoryStore_UpdateRejectsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newTestAccount("acct_1", time.Now())))

	_, _, err := store.Update(ctx, "acct_1", GroupAccess, func(a *Account) (bool, error) {
		a.DisabledReason = ReasonUsageLimit // still enabled
		return true, nil
	})
	assert.ErrorIs(t, err, faults.ErrInvariantViolation)
}

func TestMemoryStore_ConcurrentGroupsDoNotClobber(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, newTestAccount("acct_1", time.Now())))

	var wg sync.WaitGroup
	const n = 50
	wg.Add(2 * n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, err := store.Update(ctx, "acct_1", GroupUsage, func(a *Account) (bool, error) {
				a.UsageCount++
				a.UsagePeriod = "2026-04"
				return true, nil
			})
			assert.NoError(t, err)
		}()
		go func(i int) {
			defer wg.Done()
			_, _, err := store.Update(ctx, "acct_1", GroupAccess, func(a *Account) (bool, error) {
				if i%2 == 0 {
					a.Disable(ReasonUsageLimit)
				} else {
					a.Enable()
				}
				return true, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.UsageCount, "every usage increment survives interleaved access writes")
	assert.NoError(t, got.Validate())
}

func TestMemoryStore_ListFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		a := newTestAccount(fmt.Sprintf("acct_%d", i), base.Add(time.Duration(i)*time.Minute))
		if i%2 == 0 {
			a.Disable(ReasonUsageLimit)
		}
		require.NoError(t, store.Create(ctx, a))
	}
	manual := newTestAccount("acct_m", base.Add(10*time.Minute))
	manual.Disable(ReasonManual)
	require.NoError(t, store.Create(ctx, manual))

	disabled, err := store.List(ctx, DisabledForUsageFilter())
	require.NoError(t, err)
	require.Len(t, disabled, 3)
	assert.Equal(t, "acct_4", disabled[0].ID, "newest first")

	enabled, err := store.List(ctx, EnabledFilter())
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	first, err := store.List(ctx, Filter{Status: AccessDisabled, Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, []string{"acct_m", "acct_4"}, []string{first[0].ID, first[1].ID})

	cursor := &pagination.Cursor{CreatedAt: first[1].CreatedAt, ID: first[1].ID}
	rest, err := store.List(ctx, Filter{Status: AccessDisabled, After: cursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"acct_2", "acct_0"}, []string{rest[0].ID, rest[1].ID})
}
