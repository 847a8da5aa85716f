package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory notice store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	notices map[string]*Notice
	keys    map[string]string // kind|subscription -> id
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notices: make(map[string]*Notice),
		keys:    make(map[string]string),
	}
}

func dedupeKey(n *Notice) string {
	return string(n.Kind) + "|" + n.SubscriptionID
}

func (m *MemoryStore) Record(_ context.Context, n *Notice) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dedupeKey(n)
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	cp := *n
	m.notices[n.ID] = &cp
	m.keys[key] = n.ID
	return true, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Notice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notice
	for _, n := range m.notices {
		if f.matches(n) {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkDelivered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notices[id]
	if !ok {
		return ErrNoticeNotFound
	}
	if n.DeliveredAt.IsZero() {
		n.DeliveredAt = at
	}
	return nil
}
