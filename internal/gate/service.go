// Package gate wires the reconciliation components to their triggers: usage
// reports, payment confirmations, limit changes and scheduled jobs.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/chatgate/internal/limits"
	"github.com/mbd888/chatgate/internal/params"
	"github.com/mbd888/chatgate/internal/subscriptions"
	"github.com/mbd888/chatgate/internal/usage"
)

// LimitPublisher is told about every applied limit change.
type LimitPublisher interface {
	LimitChanged(msg params.LimitChanged, changed, failed int)
}

// Report is one chat usage report from the chat service.
type Report struct {
	AccountID string    `json:"accountId" binding:"required"`
	UserClass bool      `json:"userClass"`
	Timestamp time.Time `json:"timestamp"`
}

// ReportOutcome says what a report led to. Failures are recorded here and
// logged, never returned.
type ReportOutcome struct {
	AccountID string          `json:"accountId"`
	Usage     int64           `json:"usage"`
	Synced    bool            `json:"synced"`
	Decision  limits.Decision `json:"decision,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// PaymentOutcome is the result of a confirmed payment.
type PaymentOutcome struct {
	Subscription *subscriptions.Subscription `json:"subscription"`
	Lifted       bool                        `json:"lifted"`
}

// Service is the change propagator.
type Service struct {
	usage     *usage.Synchronizer
	engine    *limits.Engine
	subs      *subscriptions.Reconciler
	stripe    *subscriptions.StripeWebhook
	publisher LimitPublisher
	logger    *slog.Logger
	now       func() time.Time
}

var _ params.LimitListener = (*Service)(nil)

// NewService creates the propagator.
func NewService(syncer *usage.Synchronizer, engine *limits.Engine, subs *subscriptions.Reconciler, logger *slog.Logger) *Service {
	return &Service{
		usage:  syncer,
		engine: engine,
		subs:   subs,
		logger: logger,
		now:    time.Now,
	}
}

// WithStripe enables the Stripe webhook.
func (s *Service) WithStripe(w *subscriptions.StripeWebhook) *Service {
	s.stripe = w
	return s
}

// WithPublisher sets where applied limit changes are announced.
func (s *Service) WithPublisher(p LimitPublisher) *Service {
	s.publisher = p
	return s
}

// ReportUsage refreshes the reporting account's counter and, for countable
// chats, enforces the limit on it. When the usage source accepts reports
// directly the chat is recorded first.
func (s *Service) ReportUsage(ctx context.Context, r Report) ReportOutcome {
	out := ReportOutcome{AccountID: r.AccountID}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}

	if rec, ok := s.usage.Source().(usage.Recorder); ok && r.UserClass {
		if err := rec.Record(ctx, r.AccountID, r.Timestamp); err != nil {
			s.logger.Warn("usage record failed", "account", r.AccountID, "error", err)
		}
	}

	count, err := s.usage.SyncOne(ctx, r.AccountID)
	if err != nil {
		usageReports.WithLabelValues("sync_failed").Inc()
		s.logger.Warn("usage sync failed", "account", r.AccountID, "error", err)
		out.Error = err.Error()
		return out
	}
	out.Usage = count
	out.Synced = true

	if !r.UserClass {
		usageReports.WithLabelValues("synced").Inc()
		return out
	}

	decision, err := s.engine.EvaluateOne(ctx, r.AccountID)
	if err != nil {
		usageReports.WithLabelValues("evaluate_failed").Inc()
		s.logger.Warn("limit evaluation failed", "account", r.AccountID, "error", err)
		out.Error = err.Error()
		return out
	}
	usageReports.WithLabelValues("evaluated").Inc()
	out.Decision = decision
	return out
}

// ConfirmPayment records a paid subscription and, when it is already in
// force, lifts a usage disable on the account.
func (s *Service) ConfirmPayment(ctx context.Context, p subscriptions.Payment) (*PaymentOutcome, error) {
	return s.confirm(ctx, p, "api")
}

func (s *Service) confirm(ctx context.Context, p subscriptions.Payment, source string) (*PaymentOutcome, error) {
	sub, err := s.subs.OnSubscriptionCreated(ctx, p.Subscription())
	if sub == nil {
		paymentsConfirmed.WithLabelValues(source, "rejected").Inc()
		return nil, err
	}
	if err != nil {
		// Stored, but the entitlement refresh failed; the next check retries it.
		s.logger.Warn("payment stored, entitlement refresh failed",
			"subscription", sub.ID, "account", sub.AccountID, "error", err)
	}

	out := &PaymentOutcome{Subscription: sub}
	if sub.ActiveAt(s.now()) {
		lifted, err := s.engine.Lift(ctx, sub.AccountID)
		if err != nil {
			paymentsConfirmed.WithLabelValues(source, "lift_failed").Inc()
			return out, fmt.Errorf("lift usage disable: %w", err)
		}
		out.Lifted = lifted
	}
	paymentsConfirmed.WithLabelValues(source, "ok").Inc()
	return out, nil
}

// HandleStripe verifies and applies one Stripe webhook delivery.
func (s *Service) HandleStripe(ctx context.Context, payload []byte, signature string) (*subscriptions.StripeAction, error) {
	if s.stripe == nil {
		return nil, subscriptions.ErrStripeNotConfigured
	}
	action, err := s.stripe.Parse(payload, signature)
	if err != nil {
		return nil, err
	}

	switch action.Kind {
	case subscriptions.StripePayment:
		if _, err := s.confirm(ctx, *action.Payment, "stripe"); err != nil {
			return action, err
		}
	case subscriptions.StripeRefund:
		_, err := s.subs.UpdateStatusByTransaction(ctx, action.RefundTxn, subscriptions.StatusRefunded)
		switch {
		case errors.Is(err, subscriptions.ErrSubscriptionNotFound), errors.Is(err, subscriptions.ErrInvalidTransition):
			s.logger.Info("stripe refund ignored", "event", action.EventID, "transaction", action.RefundTxn, "reason", err)
		case err != nil:
			return action, err
		}
	default:
		s.logger.Debug("stripe event ignored", "event", action.EventID, "type", action.EventType)
	}
	return action, nil
}

// HandleLimitChanged applies a change of the global limit to every affected
// account.
func (s *Service) HandleLimitChanged(ctx context.Context, msg params.LimitChanged) error {
	result, err := s.engine.EvaluateAllForNewLimit(ctx, msg.Old, msg.New)
	if s.publisher != nil {
		s.publisher.LimitChanged(msg, len(result.Changed), result.Failed)
	}
	return err
}

// MonthlyResetResult summarises a period rollover.
type MonthlyResetResult struct {
	Period    string           `json:"period"`
	Rolled    usage.SyncResult `json:"rolled"`
	Reenabled limits.Result    `json:"reenabled"`
}

// MonthlyReset zeroes counters left over from the previous period and
// re-enables every usage-disabled account.
func (s *Service) MonthlyReset(ctx context.Context) (MonthlyResetResult, error) {
	out := MonthlyResetResult{Period: s.usage.Period()}
	rolled, err := s.usage.RollPeriod(ctx)
	out.Rolled = rolled
	if err != nil {
		return out, fmt.Errorf("roll period: %w", err)
	}
	reenabled, err := s.engine.ReenableAll(ctx)
	out.Reenabled = reenabled
	if err != nil {
		return out, fmt.Errorf("re-enable: %w", err)
	}
	return out, nil
}

// ExpirySweepResult summarises an expiry sweep.
type ExpirySweepResult struct {
	Lapsed   subscriptions.SweepResult `json:"lapsed"`
	Expiring subscriptions.SweepResult `json:"expiring"`
}

// ExpirySweep expires lapsed subscriptions, then refreshes and notifies the
// owners of those ending within noticeDays.
func (s *Service) ExpirySweep(ctx context.Context, noticeDays int) (ExpirySweepResult, error) {
	var out ExpirySweepResult
	lapsed, err := s.subs.ExpireLapsed(ctx)
	out.Lapsed = lapsed
	if err != nil {
		return out, fmt.Errorf("expire lapsed: %w", err)
	}
	expiring, err := s.subs.SweepExpiringSoon(ctx, noticeDays)
	out.Expiring = expiring
	if err != nil {
		return out, fmt.Errorf("sweep expiring: %w", err)
	}
	return out, nil
}

// UsageSync refreshes every account's counter.
func (s *Service) UsageSync(ctx context.Context) (usage.SyncResult, error) {
	return s.usage.SyncAll(ctx)
}
