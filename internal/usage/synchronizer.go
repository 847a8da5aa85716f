package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/chatgate/internal/accounts"
	"github.com/mbd888/chatgate/internal/faults"
	"github.com/mbd888/chatgate/internal/metrics"
	"github.com/mbd888/chatgate/internal/traces"
)

// DefaultTimeout bounds a single source call.
const DefaultTimeout = 5 * time.Second

// SyncResult summarises a bulk synchronisation.
type SyncResult struct {
	Period   string `json:"period"`
	Accounts int    `json:"accounts"`
	Updated  int    `json:"updated"`
	Failed   int    `json:"failed"`
}

// Synchronizer copies Source counts onto the usage field group of accounts.
type Synchronizer struct {
	accounts accounts.Store
	source   Source
	logger   *slog.Logger
	timeout  time.Duration
	loc      *time.Location
	now      func() time.Time
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithTimeout sets the per-call source timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLocation sets the time zone that period boundaries are computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Synchronizer) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(store accounts.Store, source Source, logger *slog.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		accounts: store,
		source:   source,
		logger:   logger,
		timeout:  DefaultTimeout,
		loc:      time.UTC,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Period returns the current period key.
func (s *Synchronizer) Period() string {
	return PeriodOf(s.now(), s.loc)
}

// Location returns the time zone periods are computed in.
func (s *Synchronizer) Location() *time.Location {
	return s.loc
}

// Source returns the configured source.
func (s *Synchronizer) Source() Source {
	return s.source
}

// SyncOne refreshes one account's counter from the source and returns the
// count written. On a source failure the stored counter is left as is.
func (s *Synchronizer) SyncOne(ctx context.Context, accountID string) (int64, error) {
	period := s.Period()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	count, err := s.source.Count(callCtx, accountID, period)
	cancel()
	if err != nil {
		metrics.UsageSyncTotal.WithLabelValues("one", "source_error").Inc()
		return 0, faults.Transient("usage.count", err)
	}
	if count < 0 {
		metrics.UsageSyncTotal.WithLabelValues("one", "invalid").Inc()
		return 0, faults.Invariant("source returned negative usage %d for %s", count, accountID)
	}

	if _, _, err := s.accounts.Update(ctx, accountID, accounts.GroupUsage, setUsage(count, period)); err != nil {
		metrics.UsageSyncTotal.WithLabelValues("one", "store_error").Inc()
		return 0, err
	}
	metrics.UsageSyncTotal.WithLabelValues("one", "ok").Inc()
	return count, nil
}

// SyncAll fetches every count for the current period in one source call and
// writes it onto every stored account. Accounts the source does not mention
// are set to zero. Per-account write failures are counted, not fatal.
func (s *Synchronizer) SyncAll(ctx context.Context) (SyncResult, error) {
	period := s.Period()
	ctx, span := traces.StartSpan(ctx, "usage.SyncAll", traces.Period(period))
	defer span.End()

	result := SyncResult{Period: period}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	counts, err := s.source.CountAll(callCtx, period)
	cancel()
	if err != nil {
		metrics.UsageSyncTotal.WithLabelValues("all", "source_error").Inc()
		traces.Fail(span, err)
		return result, faults.Transient("usage.count_all", err)
	}

	all, err := s.accounts.List(ctx, accounts.Filter{})
	if err != nil {
		metrics.UsageSyncTotal.WithLabelValues("all", "store_error").Inc()
		return result, err
	}
	result.Accounts = len(all)

	for _, a := range all {
		count := counts[a.ID]
		if count < 0 {
			result.Failed++
			s.logger.Warn("negative usage from source", "account", a.ID, "count", count)
			continue
		}
		_, changed, err := s.accounts.Update(ctx, a.ID, accounts.GroupUsage, setUsage(count, period))
		if err != nil {
			result.Failed++
			s.logger.Warn("usage sync failed", "account", a.ID, "error", err)
			continue
		}
		if changed {
			result.Updated++
		}
	}

	traces.Outcome(span, result.Accounts, result.Updated, result.Failed)
	metrics.UsageSyncTotal.WithLabelValues("all", "ok").Inc()
	s.logger.Info("usage sync complete",
		"period", period, "scanned", result.Accounts, "changed", result.Updated, "failed", result.Failed)
	return result, nil
}

// RollPeriod zeroes the counter of every account still carrying an earlier
// period. It is the monthly boundary reset and does not consult the source.
func (s *Synchronizer) RollPeriod(ctx context.Context) (SyncResult, error) {
	period := s.Period()
	result := SyncResult{Period: period}

	stale, err := s.accounts.List(ctx, accounts.Filter{StalePeriod: period})
	if err != nil {
		return result, err
	}
	result.Accounts = len(stale)

	for _, a := range stale {
		_, changed, err := s.accounts.Update(ctx, a.ID, accounts.GroupUsage, func(a *accounts.Account) (bool, error) {
			if a.UsagePeriod == period {
				return false, nil // synced since the snapshot
			}
			a.UsageCount = 0
			a.UsagePeriod = period
			return true, nil
		})
		if err != nil {
			result.Failed++
			s.logger.Warn("period roll failed", "account", a.ID, "error", err)
			continue
		}
		if changed {
			result.Updated++
		}
	}

	s.logger.Info("usage period rolled",
		"period", period, "scanned", result.Accounts, "changed", result.Updated, "failed", result.Failed)
	return result, nil
}

func setUsage(count int64, period string) accounts.Mutator {
	return func(a *accounts.Account) (bool, error) {
		if a.UsageCount == count && a.UsagePeriod == period {
			return false, nil
		}
		a.UsageCount = count
		a.UsagePeriod = period
		return true, nil
	}
}
