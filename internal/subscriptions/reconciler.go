package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/chatgate/internal/accounts"
	"github.com/mbd888/chatgate/internal/idgen"
	"github.com/mbd888/chatgate/internal/metrics"
	"github.com/mbd888/chatgate/internal/notify"
	"github.com/mbd888/chatgate/internal/pagination"
	"github.com/mbd888/chatgate/internal/traces"
)

// NoticeRecorder writes outbox notices.
type NoticeRecorder interface {
	Record(ctx context.Context, n notify.Notice) (bool, error)
}

// EntitlementObserver is told when an account's premium flag flips.
type EntitlementObserver interface {
	EntitlementChanged(accountID string, premium bool, expiresAt time.Time)
}

// SweepResult summarises a subscription sweep.
type SweepResult struct {
	Scanned    int `json:"scanned"`
	Recomputed int `json:"recomputed"`
	Notified   int `json:"notified"`
	Expired    int `json:"expired"`
	Failed     int `json:"failed"`
}

// Reconciler keeps the premium cache on accounts consistent with the
// subscription records.
type Reconciler struct {
	subs     Store
	accounts accounts.Store
	notices  NoticeRecorder
	observer EntitlementObserver
	logger   *slog.Logger
	now      func() time.Time
	flight   singleflight.Group
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithObserver registers an entitlement observer.
func WithObserver(o EntitlementObserver) Option {
	return func(r *Reconciler) { r.observer = o }
}

// NewReconciler creates a Reconciler. notices may be nil, in which case
// sweeps do not record notices.
func NewReconciler(subs Store, accts accounts.Store, notices NoticeRecorder, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		subs:     subs,
		accounts: accts,
		notices:  notices,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the subscription store.
func (r *Reconciler) Store() Store {
	return r.subs
}

// IsEntitled reports whether the account is exempt from the usage limit by
// premium. Privileged accounts always are. A cached premium answer within
// its expiry is trusted; a "not premium" cache never is, so a window that
// has just opened is seen at once. The recompute runs once per account
// across concurrent callers.
func (r *Reconciler) IsEntitled(ctx context.Context, accountID string) (bool, error) {
	a, err := r.accounts.Get(ctx, accountID)
	if err != nil {
		return false, err
	}
	if a.Privileged {
		return true, nil
	}

	now := r.now()
	if a.PremiumCached(now) {
		return true, nil
	}

	v, err, _ := r.flight.Do(accountID, func() (interface{}, error) {
		return r.Recompute(ctx, accountID)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Recompute derives the premium cache from the active subscription covering
// now and writes it to the account's entitlement fields.
func (r *Reconciler) Recompute(ctx context.Context, accountID string) (bool, error) {
	now := r.now()

	active, err := r.subs.ActiveForAccount(ctx, accountID, now)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		metrics.EntitlementRecomputeTotal.WithLabelValues("error").Inc()
		return false, err
	}

	var before bool
	updated, _, err := r.accounts.Update(ctx, accountID, accounts.GroupEntitlement, func(a *accounts.Account) (bool, error) {
		before = a.Premium
		a.PremiumCheckedAt = now
		if active != nil {
			a.Premium = true
			a.PremiumExpiresAt = active.WindowEnd
		} else {
			a.Premium = false
			a.PremiumExpiresAt = time.Time{}
		}
		return true, nil
	})
	if err != nil {
		metrics.EntitlementRecomputeTotal.WithLabelValues("error").Inc()
		return false, err
	}

	if updated.Premium {
		metrics.EntitlementRecomputeTotal.WithLabelValues("premium").Inc()
	} else {
		metrics.EntitlementRecomputeTotal.WithLabelValues("free").Inc()
	}
	if before != updated.Premium {
		r.logger.Info("entitlement changed", "account", accountID, "premium", updated.Premium,
			"expiresAt", updated.PremiumExpiresAt)
		if r.observer != nil {
			r.observer.EntitlementChanged(accountID, updated.Premium, updated.PremiumExpiresAt)
		}
	}
	return updated.Premium, nil
}

// OnSubscriptionCreated records a paid subscription and refreshes the
// owner's entitlement. Replaying the same external transaction returns the
// stored record without creating another.
func (r *Reconciler) OnSubscriptionCreated(ctx context.Context, s *Subscription) (*Subscription, error) {
	now := r.now()
	if s.Status == "" {
		s.Status = StatusActive
	}
	if s.WindowStart.IsZero() {
		s.WindowStart = now
	}
	if s.WindowEnd.IsZero() {
		var err error
		if s.WindowStart, s.WindowEnd, err = NewWindow(s.Type, s.WindowStart); err != nil {
			return nil, err
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Status != StatusActive {
		return nil, fmt.Errorf("%w: new subscriptions must be active", ErrInvalidSubscription)
	}
	if _, err := r.accounts.Get(ctx, s.AccountID); err != nil {
		return nil, err
	}

	if existing, err := r.replay(ctx, s); existing != nil || err != nil {
		return existing, err
	}

	if s.ID == "" {
		s.ID = idgen.WithPrefix(IDPrefix)
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	if err := r.subs.Create(ctx, s); err != nil {
		if errors.Is(err, ErrDuplicateTransaction) {
			// Lost a race with a concurrent delivery of the same payment.
			if existing, rerr := r.replay(ctx, s); existing != nil || rerr != nil {
				return existing, rerr
			}
		}
		return nil, err
	}

	r.logger.Info("subscription recorded",
		"subscription", s.ID, "account", s.AccountID, "type", s.Type,
		"amount", s.AmountPaid.StringFixed(2), "currency", s.Currency, "windowEnd", s.WindowEnd)

	if _, err := r.Recompute(ctx, s.AccountID); err != nil {
		return s, fmt.Errorf("recompute entitlement: %w", err)
	}
	return s, nil
}

// replay returns the stored subscription for s's transaction, if any.
func (r *Reconciler) replay(ctx context.Context, s *Subscription) (*Subscription, error) {
	existing, err := r.subs.GetByTransactionID(ctx, s.ExternalTransactionID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.AccountID != s.AccountID {
		return nil, ErrDuplicateTransaction
	}
	r.logger.Info("duplicate payment ignored", "subscription", existing.ID, "transaction", s.ExternalTransactionID)
	return existing, nil
}

// SweepExpiringSoon refreshes the owners of subscriptions ending within
// withinDays and records one expiry notice per subscription.
func (r *Reconciler) SweepExpiringSoon(ctx context.Context, withinDays int) (SweepResult, error) {
	ctx, span := traces.StartSpan(ctx, "subscriptions.SweepExpiringSoon", attribute.Int("within_days", withinDays))
	defer span.End()

	now := r.now()
	subs, err := r.subs.ListExpiring(ctx, now, now.AddDate(0, 0, withinDays))
	if err != nil {
		traces.Fail(span, err)
		return SweepResult{}, err
	}

	result := SweepResult{Scanned: len(subs)}
	for _, s := range subs {
		if _, err := r.Recompute(ctx, s.AccountID); err != nil {
			result.Failed++
			r.logger.Warn("entitlement recompute failed", "account", s.AccountID, "subscription", s.ID, "error", err)
			continue
		}
		result.Recomputed++

		if r.notices == nil {
			continue
		}
		created, err := r.notices.Record(ctx, notify.Notice{
			Kind:           notify.KindExpiringSoon,
			AccountID:      s.AccountID,
			SubscriptionID: s.ID,
			ExpiresAt:      s.WindowEnd,
			DaysLeft:       daysBetween(now, s.WindowEnd),
		})
		if err != nil {
			result.Failed++
			r.logger.Warn("expiry notice failed", "subscription", s.ID, "error", err)
			continue
		}
		if created {
			result.Notified++
		}
	}

	traces.Outcome(span, result.Scanned, result.Notified, result.Failed)
	r.logger.Info("expiry sweep complete", "scanned", result.Scanned, "changed", result.Notified, "failed", result.Failed)
	return result, nil
}

// ExpireLapsed marks active subscriptions whose window has ended as expired
// and refreshes their owners.
func (r *Reconciler) ExpireLapsed(ctx context.Context) (SweepResult, error) {
	now := r.now()
	lapsed, err := r.subs.ListLapsed(ctx, now)
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Scanned: len(lapsed)}
	for _, s := range lapsed {
		if _, err := r.subs.UpdateStatus(ctx, s.ID, StatusActive, StatusExpired); err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				result.Failed++
				r.logger.Warn("expire subscription failed", "subscription", s.ID, "error", err)
			}
			continue
		}
		result.Expired++

		if _, err := r.Recompute(ctx, s.AccountID); err != nil {
			result.Failed++
			r.logger.Warn("entitlement recompute failed", "account", s.AccountID, "error", err)
			continue
		}
		result.Recomputed++

		if r.notices != nil {
			if _, err := r.notices.Record(ctx, notify.Notice{
				Kind:           notify.KindExpired,
				AccountID:      s.AccountID,
				SubscriptionID: s.ID,
				ExpiresAt:      s.WindowEnd,
			}); err != nil {
				r.logger.Warn("expired notice failed", "subscription", s.ID, "error", err)
			}
		}
	}

	r.logger.Info("lapsed subscriptions expired", "scanned", result.Scanned, "changed", result.Expired, "failed", result.Failed)
	return result, nil
}

// UpdateStatus ends an active subscription (cancel, refund, expire) and
// refreshes the owner's entitlement.
func (r *Reconciler) UpdateStatus(ctx context.Context, id string, to Status) (*Subscription, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("%w: cannot move to %q", ErrInvalidTransition, to)
	}
	s, err := r.subs.UpdateStatus(ctx, id, StatusActive, to)
	if err != nil {
		return nil, err
	}
	r.logger.Info("subscription ended", "subscription", id, "account", s.AccountID, "status", to)
	if _, err := r.Recompute(ctx, s.AccountID); err != nil {
		return s, fmt.Errorf("recompute entitlement: %w", err)
	}
	return s, nil
}

// UpdateStatusByTransaction is UpdateStatus keyed by external transaction id.
func (r *Reconciler) UpdateStatusByTransaction(ctx context.Context, txnID string, to Status) (*Subscription, error) {
	s, err := r.subs.GetByTransactionID(ctx, txnID)
	if err != nil {
		return nil, err
	}
	return r.UpdateStatus(ctx, s.ID, to)
}

// DaysUntilExpiry returns the whole days left on a subscription, rounded up.
// Ended or inactive subscriptions report 0.
func (r *Reconciler) DaysUntilExpiry(ctx context.Context, id string) (int, error) {
	s, err := r.subs.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	now := r.now()
	if s.Status != StatusActive || !s.WindowEnd.After(now) {
		return 0, nil
	}
	return daysBetween(now, s.WindowEnd), nil
}

// ValidateTransaction returns the subscription recorded for an external
// transaction, or ErrSubscriptionNotFound.
func (r *Reconciler) ValidateTransaction(ctx context.Context, txnID string) (*Subscription, error) {
	return r.subs.GetByTransactionID(ctx, txnID)
}

// Get returns one subscription.
func (r *Reconciler) Get(ctx context.Context, id string) (*Subscription, error) {
	return r.subs.Get(ctx, id)
}

// List pages through subscriptions, newest first.
func (r *Reconciler) List(ctx context.Context, f ListFilter, cursor string) ([]*Subscription, string, bool, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	f.After = after
	f.Limit = limit + 1
	items, err := r.subs.List(ctx, f)
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(items, limit, func(s *Subscription) (time.Time, string) {
		return s.CreatedAt, s.ID
	})
	return page, next, more, nil
}

// ListForAccount returns every subscription of one account, newest first.
func (r *Reconciler) ListForAccount(ctx context.Context, accountID string) ([]*Subscription, error) {
	return r.subs.List(ctx, ListFilter{AccountID: accountID})
}

func daysBetween(from, to time.Time) int {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}
