package usage

import (
	"context"
	"sync"
	"time"
)

// MemorySource keeps counts in memory. It is the source for development
// runs without a database, and records usage reports itself.
type MemorySource struct {
	mu     sync.RWMutex
	counts map[string]map[string]int64 // period -> account -> count
	loc    *time.Location
}

var (
	_ Source   = (*MemorySource)(nil)
	_ Recorder = (*MemorySource)(nil)
)

// NewMemorySource creates an empty source.
func NewMemorySource(loc *time.Location) *MemorySource {
	if loc == nil {
		loc = time.UTC
	}
	return &MemorySource{counts: make(map[string]map[string]int64), loc: loc}
}

// Record counts one chat by accountID at time at.
func (m *MemorySource) Record(_ context.Context, accountID string, at time.Time) error {
	period := PeriodOf(at, m.loc)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts[period] == nil {
		m.counts[period] = make(map[string]int64)
	}
	m.counts[period][accountID]++
	return nil
}

// Set overwrites the count for accountID in period.
func (m *MemorySource) Set(accountID, period string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts[period] == nil {
		m.counts[period] = make(map[string]int64)
	}
	m.counts[period][accountID] = n
}

func (m *MemorySource) Count(ctx context.Context, accountID, period string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[period][accountID], nil
}

func (m *MemorySource) CountAll(ctx context.Context, period string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.counts[period]))
	for id, n := range m.counts[period] {
		out[id] = n
	}
	return out, nil
}
