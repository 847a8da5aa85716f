// Package accounts holds the per-account gate state: access status, the
// mirrored usage counter and the cached premium entitlement.
//
// Fields are grouped so independent writers (usage sync, limit enforcement,
// entitlement recompute) can update their own group atomically without
// clobbering each other. See Store.Update.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/chatgate/internal/faults"
	"github.com/mbd888/chatgate/internal/pagination"
)

var (
	ErrAccountNotFound = fmt.Errorf("account %w", faults.ErrNotFound)
	ErrAccountExists   = errors.New("account already exists")
	ErrInvalidStatus   = errors.New("invalid access status")
)

// IDPrefix is prepended to generated account ids.
const IDPrefix = "acct_"

// AccessStatus is whether an account may keep using the chat service.
type AccessStatus string

const (
	AccessEnabled  AccessStatus = "enabled"
	AccessDisabled AccessStatus = "disabled"
)

// DisabledReason tags why an account is disabled. New reasons can be added
// without touching enforcement, which only ever manages ReasonUsageLimit.
type DisabledReason string

const (
	ReasonNone       DisabledReason = "none"
	ReasonManual     DisabledReason = "manually_disabled"
	ReasonUsageLimit DisabledReason = "usage_limit_exceeded"
)

// FieldGroup names a set of columns that is read, decided on and written as a unit.
type FieldGroup string

const (
	GroupUsage       FieldGroup = "usage"       // UsageCount, UsagePeriod
	GroupAccess      FieldGroup = "access"      // AccessStatus, DisabledReason
	GroupEntitlement FieldGroup = "entitlement" // Premium, PremiumExpiresAt, PremiumCheckedAt
	GroupProfile     FieldGroup = "profile"     // Username, Privileged
)

// Account is the gate state of one tenant account.
type Account struct {
	ID               string         `json:"id"`
	Username         string         `json:"username"`
	AccessStatus     AccessStatus   `json:"accessStatus"`
	DisabledReason   DisabledReason `json:"disabledReason"`
	UsageCount       int64          `json:"usageCount"`
	UsagePeriod      string         `json:"usagePeriod"`
	Privileged       bool           `json:"privileged"`
	Premium          bool           `json:"premium"`
	PremiumExpiresAt time.Time      `json:"premiumExpiresAt,omitempty"`
	PremiumCheckedAt time.Time      `json:"premiumCheckedAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Enabled reports whether the account is enabled.
func (a *Account) Enabled() bool {
	return a.AccessStatus == AccessEnabled
}

// DisabledForUsage reports whether the account is disabled solely because it
// went over the usage limit.
func (a *Account) DisabledForUsage() bool {
	return a.AccessStatus == AccessDisabled && a.DisabledReason == ReasonUsageLimit
}

// ManuallyDisabled reports whether the account is disabled for any reason
// other than usage. Enforcement never touches such accounts.
func (a *Account) ManuallyDisabled() bool {
	return a.AccessStatus == AccessDisabled && a.DisabledReason != ReasonUsageLimit
}

// EffectiveUsage returns the usage count for period, or 0 when the stored
// counter belongs to an earlier period.
func (a *Account) EffectiveUsage(period string) int64 {
	if a.UsagePeriod != period {
		return 0
	}
	return a.UsageCount
}

// PremiumCached reports whether the entitlement cache says premium at now.
func (a *Account) PremiumCached(now time.Time) bool {
	return a.Premium && !a.PremiumExpiresAt.IsZero() && now.Before(a.PremiumExpiresAt)
}

// Disable marks the account disabled with reason.
func (a *Account) Disable(reason DisabledReason) {
	a.AccessStatus = AccessDisabled
	a.DisabledReason = reason
}

// Enable marks the account enabled and clears the reason.
func (a *Account) Enable() {
	a.AccessStatus = AccessEnabled
	a.DisabledReason = ReasonNone
}

// Validate checks the state invariants every write must hold.
func (a *Account) Validate() error {
	switch a.AccessStatus {
	case AccessEnabled:
		if a.DisabledReason != ReasonNone {
			return faults.Invariant("account %s is enabled with reason %s", a.ID, a.DisabledReason)
		}
	case AccessDisabled:
		if a.DisabledReason == ReasonNone || a.DisabledReason == "" {
			return faults.Invariant("account %s is disabled without a reason", a.ID)
		}
	default:
		return faults.Invariant("account %s has unknown status %q", a.ID, a.AccessStatus)
	}
	if a.UsageCount < 0 {
		return faults.Invariant("account %s has negative usage %d", a.ID, a.UsageCount)
	}
	if a.Premium {
		if a.PremiumExpiresAt.IsZero() {
			return faults.Invariant("account %s is premium without expiry", a.ID)
		}
		if a.PremiumExpiresAt.Before(a.PremiumCheckedAt) {
			return faults.Invariant("account %s is premium with expiry before last check", a.ID)
		}
	}
	return nil
}

// applyGroup copies the fields of group from src onto dst.
func applyGroup(dst, src *Account, group FieldGroup) {
	switch group {
	case GroupUsage:
		dst.UsageCount = src.UsageCount
		dst.UsagePeriod = src.UsagePeriod
	case GroupAccess:
		dst.AccessStatus = src.AccessStatus
		dst.DisabledReason = src.DisabledReason
	case GroupEntitlement:
		dst.Premium = src.Premium
		dst.PremiumExpiresAt = src.PremiumExpiresAt
		dst.PremiumCheckedAt = src.PremiumCheckedAt
	case GroupProfile:
		dst.Username = src.Username
		dst.Privileged = src.Privileged
	}
}

func validGroup(group FieldGroup) bool {
	switch group {
	case GroupUsage, GroupAccess, GroupEntitlement, GroupProfile:
		return true
	}
	return false
}

// Filter selects accounts for List. Zero-valued fields match everything.
type Filter struct {
	Status     AccessStatus
	Reason     DisabledReason
	Privileged *bool
	// StalePeriod matches accounts whose UsagePeriod differs from it.
	StalePeriod string
	// After continues a listing ordered by (CreatedAt, ID) descending.
	After *pagination.Cursor
	// Limit caps the result; 0 means no cap.
	Limit int
}

// Matches reports whether a satisfies the filter (ignoring After and Limit).
func (f Filter) Matches(a *Account) bool {
	if f.Status != "" && a.AccessStatus != f.Status {
		return false
	}
	if f.Reason != "" && a.DisabledReason != f.Reason {
		return false
	}
	if f.Privileged != nil && a.Privileged != *f.Privileged {
		return false
	}
	if f.StalePeriod != "" && a.UsagePeriod == f.StalePeriod {
		return false
	}
	return true
}

// DisabledForUsageFilter selects accounts disabled by the usage limit.
func DisabledForUsageFilter() Filter {
	return Filter{Status: AccessDisabled, Reason: ReasonUsageLimit}
}

// EnabledFilter selects enabled accounts.
func EnabledFilter() Filter {
	return Filter{Status: AccessEnabled}
}

// Mutator changes an account in place and reports whether anything changed.
// Returning changed=false skips the write.
type Mutator func(a *Account) (changed bool, err error)

// Store persists accounts.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	List(ctx context.Context, f Filter) ([]*Account, error)
	// Save writes every field of an existing account. It is the full-row
	// path for administrative repair and data import; it takes no group lock,
	// so service code writing live state goes through Update instead.
	Save(ctx context.Context, a *Account) error
	// Update runs fn on the current state of one account and persists only
	// the fields of group, atomically with respect to other writers of the
	// same group. It returns the account as fn left it.
	Update(ctx context.Context, id string, group FieldGroup, fn Mutator) (*Account, bool, error)
}
