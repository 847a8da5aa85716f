// Package auth authenticates callers of the chatgate API.
//
// Authentication model:
//   - Ingest endpoints (usage reports, payment confirmations): API key issued
//     to a named client such as the chat service or the payment gateway
//   - Admin endpoints (params, accounts, jobs, keys): shared admin secret
//   - Stripe webhook: payload signature, checked by the subscriptions package
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/chatgate/internal/faults"
	"github.com/mbd888/chatgate/internal/idgen"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = fmt.Errorf("API key %w", faults.ErrNotFound)
	ErrInvalidClient = errors.New("client name is required")
)

// KeyPrefix starts every raw key.
const KeyPrefix = "cgk_"

// APIKey is the stored half of an issued key.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	Client    string     `json:"client"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	Get(ctx context.Context, id string) (*APIKey, error)
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	// List returns keys of client, or every key when client is empty.
	List(ctx context.Context, client string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager issues and checks API keys.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey issues a key for client. The raw key is returned once; only
// its hash is stored. A positive ttl sets an expiry.
func (m *Manager) GenerateKey(ctx context.Context, client, name string, ttl time.Duration) (string, *APIKey, error) {
	client = strings.ToLower(strings.TrimSpace(client))
	if client == "" {
		return "", nil, ErrInvalidClient
	}

	rawKey := KeyPrefix + idgen.Hex(16) + idgen.Hex(16)
	key := &APIKey{
		ID:        idgen.WithPrefix("key_"),
		Hash:      hashKey(rawKey),
		Client:    client,
		Name:      strings.TrimSpace(name),
		CreatedAt: m.now(),
	}
	if ttl > 0 {
		exp := key.CreatedAt.Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey checks a raw key, with or without a "Bearer " prefix.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if key.Revoked || (key.ExpiresAt != nil && now.After(*key.ExpiresAt)) {
		return nil, ErrInvalidAPIKey
	}

	// Last-used is advisory; a failed write does not fail the request.
	touched := *key
	touched.LastUsed = now
	_ = m.store.Update(ctx, &touched)
	return key, nil
}

// ListKeys returns the keys of client, or all keys when client is empty.
func (m *Manager) ListKeys(ctx context.Context, client string) ([]*APIKey, error) {
	return m.store.List(ctx, strings.ToLower(strings.TrimSpace(client)))
}

// RevokeKey revokes a key by id. Revoking twice is not an error.
func (m *Manager) RevokeKey(ctx context.Context, id string) (*APIKey, error) {
	key, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.Revoked {
		return key, nil
	}
	key.Revoked = true
	if err := m.store.Update(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) List(_ context.Context, client string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if client == "" || k.Client == client {
			cp := *k
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	existing.LastUsed = key.LastUsed
	existing.Revoked = key.Revoked
	return nil
}
