package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/chatgate/internal/idgen"
	"github.com/mbd888/chatgate/internal/metrics"
	"github.com/mbd888/chatgate/internal/pagination"
)

// Publisher receives newly recorded notices.
type Publisher interface {
	PublishNotice(n *Notice)
}

// Service records and lists notices.
type Service struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a notice service. publisher may be nil.
func NewService(store Store, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{store: store, publisher: publisher, logger: logger, now: time.Now}
}

// Record writes n to the outbox unless an equivalent notice exists. It
// reports whether a new notice was written.
func (s *Service) Record(ctx context.Context, n Notice) (bool, error) {
	if err := n.validate(); err != nil {
		return false, err
	}
	if n.ID == "" {
		n.ID = idgen.WithPrefix(IDPrefix)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}

	created, err := s.store.Record(ctx, &n)
	if err != nil || !created {
		return false, err
	}

	metrics.NoticesRecordedTotal.WithLabelValues(string(n.Kind)).Inc()
	s.logger.Info("notice recorded",
		"notice", n.ID, "kind", n.Kind, "account", n.AccountID, "subscription", n.SubscriptionID)
	if s.publisher != nil {
		s.publisher.PublishNotice(&n)
	}
	return true, nil
}

// List pages through notices, newest first.
func (s *Service) List(ctx context.Context, accountID string, pendingOnly bool, cursor string, limit int) ([]*Notice, string, bool, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	items, err := s.store.List(ctx, Filter{AccountID: accountID, Pending: pendingOnly, After: after, Limit: limit + 1})
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(items, limit, func(n *Notice) (time.Time, string) {
		return n.CreatedAt, n.ID
	})
	return page, next, more, nil
}

// MarkDelivered records that a notice was handed off. Repeated calls keep
// the first delivery time.
func (s *Service) MarkDelivered(ctx context.Context, id string) error {
	return s.store.MarkDelivered(ctx, id, s.now())
}
