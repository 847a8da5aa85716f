package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu      sync.Mutex
	notices []*Notice
}

func (c *capturePublisher) PublishNotice(n *Notice) {
	c.mu.Lock()
	c.notices = append(c.notices, n)
	c.mu.Unlock()
}

func newTestService() (*Service, *capturePublisher) {
	pub := &capturePublisher{}
	svc := NewService(NewMemoryStore(), pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, pub
}

func expiring(sub string, at time.Time) Notice {
	return Notice{
		Kind:           KindExpiringSoon,
		AccountID:      "acct_1",
		SubscriptionID: sub,
		ExpiresAt:      at,
		DaysLeft:       3,
	}
}

func TestRecord_DeduplicatesPerSubscription(t *testing.T) {
	svc, pub := newTestService()
	ctx := context.Background()
	end := time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC)

	created, err := svc.Record(ctx, expiring("sub_1", end))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.Record(ctx, expiring("sub_1", end))
	require.NoError(t, err)
	assert.False(t, created)

	created, err = svc.Record(ctx, expiring("sub_2", end))
	require.NoError(t, err)
	assert.True(t, created)

	assert.Len(t, pub.notices, 2)
	assert.Contains(t, pub.notices[0].ID, IDPrefix)
}

func TestRecord_RejectsIncompleteNotice(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Record(context.Background(), Notice{Kind: KindExpiringSoon})
	assert.ErrorIs(t, err, ErrInvalidNotice)
}

func TestListAndMarkDelivered(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, sub := range []string{"sub_a", "sub_b", "sub_c"} {
		n := expiring(sub, base)
		n.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		_, err := svc.Record(ctx, n)
		require.NoError(t, err)
	}

	page, next, more, err := svc.List(ctx, "", true, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, more)
	assert.Equal(t, "sub_c", page[0].SubscriptionID)

	rest, _, more, err := svc.List(ctx, "", true, next, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.False(t, more)
	assert.Equal(t, "sub_a", rest[0].SubscriptionID)

	require.NoError(t, svc.MarkDelivered(ctx, page[0].ID))
	pending, _, _, err := svc.List(ctx, "", true, "", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	assert.ErrorIs(t, svc.MarkDelivered(ctx, "ntc_missing"), ErrNoticeNotFound)
}
