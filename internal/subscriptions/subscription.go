// Package subscriptions owns premium subscription records and derives the
// premium entitlement cached on each account.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/chatgate/internal/faults"
	"github.com/mbd888/chatgate/internal/pagination"
)

var (
	ErrSubscriptionNotFound = fmt.Errorf("subscription %w", faults.ErrNotFound)
	ErrDuplicateTransaction = errors.New("transaction already recorded for another account")
	ErrInvalidSubscription  = errors.New("invalid subscription")
	ErrInvalidTransition    = errors.New("invalid subscription status transition")
)

// IDPrefix is prepended to generated subscription ids.
const IDPrefix = "sub_"

// Type is the billing period of a subscription.
type Type string

const (
	TypeMonthly Type = "monthly"
	TypeYearly  Type = "yearly"
)

// PaymentMethod is how a subscription was paid for.
type PaymentMethod string

const (
	MethodStripe PaymentMethod = "stripe"
	MethodPayPal PaymentMethod = "paypal"
	MethodWeChat PaymentMethod = "wechat"
	MethodAlipay PaymentMethod = "alipay"
	MethodManual PaymentMethod = "manual"
)

func (m PaymentMethod) valid() bool {
	switch m {
	case MethodStripe, MethodPayPal, MethodWeChat, MethodAlipay, MethodManual:
		return true
	}
	return false
}

// Status is the lifecycle state of a subscription. Only active moves, and
// only to one of the terminal states.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusExpired, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Subscription is one paid premium window.
type Subscription struct {
	ID                    string          `json:"id"`
	AccountID             string          `json:"accountId"`
	Type                  Type            `json:"type"`
	AmountPaid            decimal.Decimal `json:"amountPaid"`
	Currency              string          `json:"currency"`
	PaymentMethod         PaymentMethod   `json:"paymentMethod"`
	ExternalTransactionID string          `json:"externalTransactionId"`
	WindowStart           time.Time       `json:"windowStart"`
	WindowEnd             time.Time       `json:"windowEnd"`
	Status                Status          `json:"status"`
	AutoRenew             bool            `json:"autoRenew"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// ActiveAt reports whether the subscription grants premium at now. Both
// window ends are inclusive.
func (s *Subscription) ActiveAt(now time.Time) bool {
	return s.Status == StatusActive && !now.Before(s.WindowStart) && !now.After(s.WindowEnd)
}

// Validate checks the fields a new subscription must carry.
func (s *Subscription) Validate() error {
	var problems []string
	if s.AccountID == "" {
		problems = append(problems, "accountId is required")
	}
	if s.Type != TypeMonthly && s.Type != TypeYearly {
		problems = append(problems, fmt.Sprintf("unknown type %q", s.Type))
	}
	if !s.PaymentMethod.valid() {
		problems = append(problems, fmt.Sprintf("unknown payment method %q", s.PaymentMethod))
	}
	if strings.TrimSpace(s.ExternalTransactionID) == "" {
		problems = append(problems, "externalTransactionId is required")
	}
	if s.AmountPaid.IsNegative() {
		problems = append(problems, "amountPaid must not be negative")
	}
	if len(s.Currency) != 3 {
		problems = append(problems, "currency must be a 3-letter code")
	}
	if s.WindowStart.IsZero() || !s.WindowEnd.After(s.WindowStart) {
		problems = append(problems, "window end must be after window start")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSubscription, strings.Join(problems, "; "))
	}
	return nil
}

// NewWindow returns the window a subscription of type t bought at start covers.
func NewWindow(t Type, start time.Time) (time.Time, time.Time, error) {
	switch t {
	case TypeMonthly:
		return start, start.AddDate(0, 1, 0), nil
	case TypeYearly:
		return start, start.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: unknown type %q", ErrInvalidSubscription, t)
	}
}

// ListFilter selects subscriptions for List.
type ListFilter struct {
	AccountID string
	Status    Status
	Type      Type
	After     *pagination.Cursor
	Limit     int
}

func (f ListFilter) matches(s *Subscription) bool {
	if f.AccountID != "" && s.AccountID != f.AccountID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Type != "" && s.Type != f.Type {
		return false
	}
	return f.After.Admits(s.CreatedAt, s.ID)
}

// Store persists subscriptions.
type Store interface {
	// Create inserts s. A second record with the same ExternalTransactionID
	// fails with ErrDuplicateTransaction.
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByTransactionID(ctx context.Context, txnID string) (*Subscription, error)
	// ActiveForAccount returns the active subscription covering now with the
	// latest window end, or ErrSubscriptionNotFound.
	ActiveForAccount(ctx context.Context, accountID string, now time.Time) (*Subscription, error)
	// ListExpiring returns active subscriptions whose window ends in [from, to].
	ListExpiring(ctx context.Context, from, to time.Time) ([]*Subscription, error)
	// ListLapsed returns subscriptions still marked active whose window ended before now.
	ListLapsed(ctx context.Context, now time.Time) ([]*Subscription, error)
	// UpdateStatus moves a subscription from one status to another. It fails
	// with ErrInvalidTransition if the stored status is not from.
	UpdateStatus(ctx context.Context, id string, from, to Status) (*Subscription, error)
	List(ctx context.Context, f ListFilter) ([]*Subscription, error)
}
