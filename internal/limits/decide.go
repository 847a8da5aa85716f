// Package limits enforces the global monthly chat limit on accounts.
package limits

import (
	"github.com/mbd888/chatgate/internal/accounts"
	"github.com/mbd888/chatgate/internal/faults"
)

// Decision is the outcome of evaluating one account against a limit.
type Decision string

const (
	Keep    Decision = "keep"
	Disable Decision = "disable"
	Enable  Decision = "enable"
)

// Unset reports whether limit means "no limit".
func Unset(limit int64) bool {
	return limit <= 0
}

// Decide returns what enforcement should do with a for limit in period.
// It does not consider premium entitlement; callers skip entitled accounts
// before acting on Disable.
//
// Only usage-limit disables are ever reversed. Privileged accounts are never
// disabled and a stray usage disable on one is lifted.
func Decide(a *accounts.Account, limit int64, period string) Decision {
	if a.ManuallyDisabled() {
		return Keep
	}
	if a.Privileged {
		if a.DisabledForUsage() {
			return Enable
		}
		return Keep
	}
	if Unset(limit) {
		return Keep
	}

	usage := a.EffectiveUsage(period)
	switch {
	case usage > limit && a.Enabled():
		return Disable
	case usage <= limit && a.DisabledForUsage():
		return Enable
	default:
		return Keep
	}
}

// apply performs d on a. Enabling anything other than a usage disable is refused.
func apply(a *accounts.Account, d Decision) (bool, error) {
	switch d {
	case Disable:
		if !a.Enabled() {
			return false, nil
		}
		a.Disable(accounts.ReasonUsageLimit)
		return true, nil
	case Enable:
		return reenable(a)
	default:
		return false, nil
	}
}

func reenable(a *accounts.Account) (bool, error) {
	if a.Enabled() {
		return false, nil
	}
	if !a.DisabledForUsage() {
		return false, errNotUsageDisabled(a)
	}
	a.Enable()
	return true, nil
}

func errNotUsageDisabled(a *accounts.Account) error {
	return faults.Invariant("account %s is disabled for %s, not usage", a.ID, a.DisabledReason)
}
