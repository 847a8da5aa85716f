package subscriptions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory subscription store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	subs  map[string]*Subscription
	byTxn map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:  make(map[string]*Subscription),
		byTxn: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byTxn[s.ExternalTransactionID]; ok {
		return ErrDuplicateTransaction
	}
	cp := *s
	m.subs[s.ID] = &cp
	m.byTxn[s.ExternalTransactionID] = s.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByTransactionID(ctx context.Context, txnID string) (*Subscription, error) {
	m.mu.RLock()
	id, ok := m.byTxn[txnID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) ActiveForAccount(_ context.Context, accountID string, now time.Time) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Subscription
	for _, s := range m.subs {
		if s.AccountID != accountID || !s.ActiveAt(now) {
			continue
		}
		if best == nil || s.WindowEnd.After(best.WindowEnd) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrSubscriptionNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) ListExpiring(_ context.Context, from, to time.Time) ([]*Subscription, error) {
	return m.collect(func(s *Subscription) bool {
		return s.Status == StatusActive && !s.WindowEnd.Before(from) && !s.WindowEnd.After(to)
	}), nil
}

func (m *MemoryStore) ListLapsed(_ context.Context, now time.Time) ([]*Subscription, error) {
	return m.collect(func(s *Subscription) bool {
		return s.Status == StatusActive && s.WindowEnd.Before(now)
	}), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if s.Status != from {
		return nil, ErrInvalidTransition
	}
	s.Status = to
	s.UpdatedAt = time.Now()
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Subscription, error) {
	out := m.collect(f.matches)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// collect returns copies of matching subscriptions, newest first.
func (m *MemoryStore) collect(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Subscription
	for _, s := range m.subs {
		if keep(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
