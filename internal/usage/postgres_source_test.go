//go:build integration

package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chatgate/internal/testutil"
)

func TestPostgresSource_Counts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	insert := func(account string, userClass bool, at time.Time) {
		_, err := db.ExecContext(ctx,
			`INSERT INTO chat_history (account_id, user_class, created_at) VALUES ($1, $2, $3)`,
			account, userClass, at)
		require.NoError(t, err)
	}
	insert("acct_a", true, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	insert("acct_a", true, time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC))
	insert("acct_a", false, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	insert("acct_a", true, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	insert("acct_b", true, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))

	src := NewPostgresSource(db, time.UTC)

	n, err := src.Count(ctx, "acct_a", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err := src.CountAll(ctx, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"acct_a": 2, "acct_b": 1}, all)
}
