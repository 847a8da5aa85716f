package params

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory parameter store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	params map[string]*Param
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding the given params.
func NewMemoryStore(seed ...*Param) *MemoryStore {
	m := &MemoryStore{params: make(map[string]*Param)}
	for _, p := range seed {
		cp := *p
		m.params[p.Key] = &cp
	}
	return m
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Param, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.params[key]
	if !ok {
		return nil, ErrParamNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, query string) ([]*Param, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Param
	for _, p := range m.params {
		if query == "" || strings.Contains(p.Key, query) || strings.Contains(p.Remark, query) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, p *Param) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.params[p.Key] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.params[key]; !ok {
		return ErrParamNotFound
	}
	delete(m.params, key)
	return nil
}
