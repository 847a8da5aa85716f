// Package notify is the outbox for account notices. Notices are recorded once
// per (kind, subscription) and published to the admin feed; delivering them
// to end users is left to whatever drains the outbox.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/chatgate/internal/faults"
	"github.com/mbd888/chatgate/internal/pagination"
)

var (
	ErrNoticeNotFound = fmt.Errorf("notice %w", faults.ErrNotFound)
	ErrInvalidNotice  = errors.New("invalid notice")
)

// IDPrefix is prepended to generated notice ids.
const IDPrefix = "ntc_"

// Kind names what a notice is about.
type Kind string

const (
	KindExpiringSoon Kind = "subscription_expiring"
	KindExpired      Kind = "subscription_expired"
)

// Notice is one outbox entry.
type Notice struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	AccountID      string    `json:"accountId"`
	SubscriptionID string    `json:"subscriptionId"`
	ExpiresAt      time.Time `json:"expiresAt"`
	DaysLeft       int       `json:"daysLeft"`
	CreatedAt      time.Time `json:"createdAt"`
	DeliveredAt    time.Time `json:"deliveredAt,omitempty"`
}

// Delivered reports whether the notice has been handed off.
func (n *Notice) Delivered() bool {
	return !n.DeliveredAt.IsZero()
}

func (n *Notice) validate() error {
	if n.Kind == "" || n.AccountID == "" || n.SubscriptionID == "" {
		return fmt.Errorf("%w: kind, accountId and subscriptionId are required", ErrInvalidNotice)
	}
	return nil
}

// Filter selects notices for List.
type Filter struct {
	AccountID string
	Pending   bool
	After     *pagination.Cursor
	Limit     int
}

func (f Filter) matches(n *Notice) bool {
	if f.AccountID != "" && n.AccountID != f.AccountID {
		return false
	}
	if f.Pending && n.Delivered() {
		return false
	}
	return f.After.Admits(n.CreatedAt, n.ID)
}

// Store persists notices.
type Store interface {
	// Record inserts n unless a notice of the same kind already exists for
	// the subscription. It reports whether n was inserted.
	Record(ctx context.Context, n *Notice) (bool, error)
	List(ctx context.Context, f Filter) ([]*Notice, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
}
