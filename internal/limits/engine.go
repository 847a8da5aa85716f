package limits

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/chatgate/internal/accounts"
	"github.com/mbd888/chatgate/internal/faults"
	"github.com/mbd888/chatgate/internal/metrics"
	"github.com/mbd888/chatgate/internal/traces"
	"github.com/mbd888/chatgate/internal/usage"
)

// LimitSource yields the current global limit. A value <= 0 means unset.
// An unset or unparseable parameter is reported as faults.ErrConfigInvalid.
type LimitSource interface {
	CurrentLimit(ctx context.Context) (int64, error)
}

// EntitlementChecker reports whether an account currently holds premium.
type EntitlementChecker interface {
	IsEntitled(ctx context.Context, accountID string) (bool, error)
}

// Direction classifies a limit change.
type Direction string

const (
	DirectionNone    Direction = "none"
	DirectionRaised  Direction = "raised"
	DirectionLowered Direction = "lowered"
	DirectionUnset   Direction = "unset"
)

// Classify compares an old and new limit. An unset limit is unlimited.
func Classify(oldLimit, newLimit int64) Direction {
	oldUnset, newUnset := Unset(oldLimit), Unset(newLimit)
	switch {
	case oldUnset && newUnset, oldLimit == newLimit:
		return DirectionNone
	case newUnset:
		return DirectionUnset
	case oldUnset, newLimit < oldLimit:
		return DirectionLowered
	default:
		return DirectionRaised
	}
}

// Change is one account flipped by a bulk pass.
type Change struct {
	AccountID string   `json:"accountId"`
	Decision  Decision `json:"decision"`
}

// Result summarises a bulk pass.
type Result struct {
	Direction Direction `json:"direction,omitempty"`
	Scanned   int       `json:"scanned"`
	Changed   []Change  `json:"changed"`
	Failed    int       `json:"failed"`
}

// Engine applies limit decisions to stored accounts.
type Engine struct {
	accounts    accounts.Store
	limit       LimitSource
	entitlement EntitlementChecker
	transitions *accounts.TransitionRecorder
	logger      *slog.Logger
	loc         *time.Location
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocation sets the time zone used for period keys.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTransitions routes committed flips through r.
func WithTransitions(r *accounts.TransitionRecorder) Option {
	return func(e *Engine) { e.transitions = r }
}

// NewEngine creates an Engine.
func NewEngine(store accounts.Store, limit LimitSource, entitlement EntitlementChecker, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		accounts:    store,
		limit:       limit,
		entitlement: entitlement,
		logger:      logger,
		loc:         time.UTC,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) period() string {
	return usage.PeriodOf(e.now(), e.loc)
}

// EvaluateOne enforces the current limit on one account. With no limit
// configured nothing is enforced. A failing entitlement lookup is returned
// as a transient error and the account is left as is.
func (e *Engine) EvaluateOne(ctx context.Context, accountID string) (Decision, error) {
	limit, err := e.limit.CurrentLimit(ctx)
	if errors.Is(err, faults.ErrConfigInvalid) {
		e.logger.Debug("limit not configured, enforcement skipped", "account", accountID, "error", err)
		return Keep, nil
	}
	if err != nil {
		return Keep, faults.Transient("limits.current_limit", err)
	}
	if Unset(limit) {
		return Keep, nil
	}

	period := e.period()
	snapshot, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return Keep, err
	}

	planned := Decide(snapshot, limit, period)
	if planned == Keep {
		return Keep, nil
	}

	entitled := false
	if planned == Disable {
		entitled, err = e.entitlement.IsEntitled(ctx, accountID)
		if err != nil {
			return Keep, faults.Transient("limits.entitlement", err)
		}
		if entitled {
			return Keep, nil
		}
	}

	var decided Decision
	var before accounts.AccessStatus
	updated, changed, err := e.accounts.Update(ctx, accountID, accounts.GroupAccess, func(a *accounts.Account) (bool, error) {
		before = a.AccessStatus
		decided = Decide(a, limit, period)
		if decided == Disable && entitled {
			decided = Keep
		}
		if decided == Disable && planned != Disable {
			// Usage moved past the limit since the snapshot; entitlement was
			// not checked for it, the next report will.
			decided = Keep
		}
		return apply(a, decided)
	})
	if err != nil {
		return Keep, err
	}
	if !changed {
		return Keep, nil
	}

	e.transitions.Record(before, updated, accounts.TriggerReport)
	e.logger.Info("account access changed by usage",
		"account", accountID, "decision", decided, "usage", updated.EffectiveUsage(period), "limit", limit)
	return decided, nil
}

// EvaluateAllForNewLimit re-evaluates the accounts a limit change can affect.
// A raised (or unset) limit re-enables usage-disabled accounts now within it;
// a lowered limit disables enabled accounts now over it. Equal limits touch
// nothing. Accounts are selected from one snapshot; each write re-checks the
// fresh row.
func (e *Engine) EvaluateAllForNewLimit(ctx context.Context, oldLimit, newLimit int64) (Result, error) {
	dir := Classify(oldLimit, newLimit)
	result := Result{Direction: dir}
	if dir == DirectionNone {
		return result, nil
	}
	metrics.LimitChangesTotal.WithLabelValues(string(dir)).Inc()

	attrs := append(traces.Limits(oldLimit, newLimit), attribute.String("direction", string(dir)))
	ctx, span := traces.StartSpan(ctx, "limits.EvaluateAllForNewLimit", attrs...)
	defer span.End()

	var err error
	switch dir {
	case DirectionRaised, DirectionUnset:
		result, err = e.reenableWithin(ctx, newLimit, accounts.TriggerLimitChange, result)
	case DirectionLowered:
		result, err = e.disableOver(ctx, newLimit, result)
	}
	if err != nil {
		traces.Fail(span, err)
		return result, err
	}

	traces.Outcome(span, result.Scanned, len(result.Changed), result.Failed)
	e.logger.Info("limit change applied",
		"old", oldLimit, "new", newLimit, "direction", dir,
		"scanned", result.Scanned, "changed", len(result.Changed), "failed", result.Failed)
	return result, nil
}

// ReenableAll re-enables every usage-disabled account regardless of usage.
// It runs at the start of each period.
func (e *Engine) ReenableAll(ctx context.Context) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "limits.ReenableAll")
	defer span.End()

	result, err := e.reenableWithin(ctx, 0, accounts.TriggerMonthlyReset, Result{})
	if err != nil {
		traces.Fail(span, err)
		return result, err
	}
	traces.Outcome(span, result.Scanned, len(result.Changed), result.Failed)
	e.logger.Info("usage disables reset",
		"scanned", result.Scanned, "changed", len(result.Changed), "failed", result.Failed)
	return result, nil
}

// Lift re-enables one account if, and only if, it is disabled for usage.
// It is used when a payment makes the account premium.
func (e *Engine) Lift(ctx context.Context, accountID string) (bool, error) {
	updated, changed, err := e.accounts.Update(ctx, accountID, accounts.GroupAccess, func(a *accounts.Account) (bool, error) {
		if !a.DisabledForUsage() {
			return false, nil
		}
		return reenable(a)
	})
	if err != nil || !changed {
		return false, err
	}
	e.transitions.Record(accounts.AccessDisabled, updated, accounts.TriggerPayment)
	e.logger.Info("usage disable lifted", "account", accountID)
	return true, nil
}

// reenableWithin re-enables usage-disabled accounts whose usage is within
// limit. An unset limit re-enables all of them.
func (e *Engine) reenableWithin(ctx context.Context, limit int64, trigger accounts.Trigger, result Result) (Result, error) {
	period := e.period()
	snapshot, err := e.accounts.List(ctx, accounts.DisabledForUsageFilter())
	if err != nil {
		return result, err
	}
	result.Scanned = len(snapshot)

	for _, s := range snapshot {
		if !Unset(limit) && s.EffectiveUsage(period) > limit {
			continue
		}
		updated, changed, err := e.accounts.Update(ctx, s.ID, accounts.GroupAccess, func(a *accounts.Account) (bool, error) {
			if !Unset(limit) && a.EffectiveUsage(period) > limit {
				return false, nil
			}
			return reenable(a)
		})
		if err != nil {
			result.Failed++
			e.logger.Warn("re-enable failed", "account", s.ID, "error", err)
			continue
		}
		if changed {
			e.transitions.Record(accounts.AccessDisabled, updated, trigger)
			result.Changed = append(result.Changed, Change{AccountID: s.ID, Decision: Enable})
		}
	}
	return result, nil
}

// disableOver disables enabled, non-privileged, non-entitled accounts whose
// usage exceeds limit.
func (e *Engine) disableOver(ctx context.Context, limit int64, result Result) (Result, error) {
	period := e.period()
	notPrivileged := false
	filter := accounts.EnabledFilter()
	filter.Privileged = &notPrivileged

	snapshot, err := e.accounts.List(ctx, filter)
	if err != nil {
		return result, err
	}
	result.Scanned = len(snapshot)

	for _, s := range snapshot {
		if s.EffectiveUsage(period) <= limit {
			continue
		}
		entitled, err := e.entitlement.IsEntitled(ctx, s.ID)
		if err != nil {
			result.Failed++
			e.logger.Warn("entitlement check failed, account left enabled", "account", s.ID, "error", err)
			continue
		}
		if entitled {
			continue
		}
		updated, changed, err := e.accounts.Update(ctx, s.ID, accounts.GroupAccess, func(a *accounts.Account) (bool, error) {
			if a.Privileged || a.EffectiveUsage(period) <= limit {
				return false, nil
			}
			return apply(a, Disable)
		})
		if err != nil {
			result.Failed++
			e.logger.Warn("disable failed", "account", s.ID, "error", err)
			continue
		}
		if changed {
			e.transitions.Record(accounts.AccessEnabled, updated, accounts.TriggerLimitChange)
			result.Changed = append(result.Changed, Change{AccountID: s.ID, Decision: Disable})
		}
	}
	return result, nil
}
