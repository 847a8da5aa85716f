package accounts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/chatgate/internal/syncutil"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory account store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	groups   *syncutil.KeyedMutex // serializes Update per (account, group)
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		groups:   syncutil.NewKeyedMutex(0),
	}
}

func (m *MemoryStore) Create(ctx context.Context, a *Account) error {
	if err := a.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.ID]; ok {
		return ErrAccountExists
	}
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Account, error) {
	m.mu.RLock()
	result := make([]*Account, 0)
	for _, a := range m.accounts {
		if !f.Matches(a) || !f.After.Admits(a.CreatedAt, a.ID) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Save(ctx context.Context, a *Account) error {
	if err := a.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.ID]; !ok {
		return ErrAccountNotFound
	}
	cp := *a
	cp.UpdatedAt = time.Now()
	m.accounts[a.ID] = &cp
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, group FieldGroup, fn Mutator) (*Account, bool, error) {
	if !validGroup(group) {
		return nil, false, fmt.Errorf("unknown field group %q", group)
	}

	unlock, err := m.groups.LockContext(ctx, id+"|"+string(group))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	changed, err := fn(current)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return current, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.accounts[id]
	if !ok {
		return nil, false, ErrAccountNotFound
	}
	merged := *stored
	applyGroup(&merged, current, group)
	if err := merged.Validate(); err != nil {
		return nil, false, err
	}
	merged.UpdatedAt = time.Now()
	m.accounts[id] = &merged

	out := merged
	return &out, true, nil
}
