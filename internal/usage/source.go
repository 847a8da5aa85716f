// Package usage mirrors the authoritative monthly chat counts onto accounts.
//
// The counter on an account is a cache. The Source is the truth; a failed
// or slow Source leaves the cache untouched and surfaces a transient error.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/chatgate/internal/faults"
)

// PeriodLayout formats a period key ("2026-03").
const PeriodLayout = "2006-01"

// Source returns authoritative usage counts for a period.
type Source interface {
	// Count returns the number of countable chats accountID made in period.
	Count(ctx context.Context, accountID, period string) (int64, error)
	// CountAll returns counts for every account with activity in period.
	// Accounts absent from the map made no countable chats.
	CountAll(ctx context.Context, period string) (map[string]int64, error)
}

// Recorder is implemented by sources that can take a usage report directly.
type Recorder interface {
	Record(ctx context.Context, accountID string, at time.Time) error
}

// PeriodOf returns the period key containing t in loc.
func PeriodOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(PeriodLayout)
}

// PeriodBounds returns the half-open interval [start, end) covered by period in loc.
func PeriodBounds(period string, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation(PeriodLayout, period, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("period %q: %w", period, faults.ErrConfigInvalid)
	}
	return start, start.AddDate(0, 1, 0), nil
}
