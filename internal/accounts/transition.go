package accounts

import (
	"time"

	"github.com/mbd888/chatgate/internal/metrics"
)

// Trigger names what caused an access status flip.
type Trigger string

const (
	TriggerReport       Trigger = "report"
	TriggerLimitChange  Trigger = "limit_change"
	TriggerMonthlyReset Trigger = "monthly_reset"
	TriggerPayment      Trigger = "payment"
	TriggerManual       Trigger = "manual"
	TriggerPrivileged   Trigger = "privileged"
)

// Transition describes one access status flip that was written to the store.
type Transition struct {
	AccountID string         `json:"accountId"`
	From      AccessStatus   `json:"from"`
	To        AccessStatus   `json:"to"`
	Reason    DisabledReason `json:"reason"`
	Trigger   Trigger        `json:"trigger"`
	At        time.Time      `json:"at"`
}

// Observer is told about every committed transition.
type Observer interface {
	AccountTransitioned(t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(t Transition)

func (f ObserverFunc) AccountTransitioned(t Transition) { f(t) }

// TransitionRecorder counts transitions and forwards them to an optional
// observer. A nil recorder still counts.
type TransitionRecorder struct {
	observer Observer
}

// NewTransitionRecorder creates a recorder. observer may be nil.
func NewTransitionRecorder(observer Observer) *TransitionRecorder {
	return &TransitionRecorder{observer: observer}
}

// Record reports a committed flip of a from before to after.
func (r *TransitionRecorder) Record(before AccessStatus, after *Account, trigger Trigger) {
	if before == after.AccessStatus {
		return
	}
	metrics.AccountTransitionsTotal.WithLabelValues(string(after.AccessStatus), string(trigger)).Inc()
	if r == nil || r.observer == nil {
		return
	}
	r.observer.AccountTransitioned(Transition{
		AccountID: after.ID,
		From:      before,
		To:        after.AccessStatus,
		Reason:    after.DisabledReason,
		Trigger:   trigger,
		At:        after.UpdatedAt,
	})
}
