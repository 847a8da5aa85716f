package params

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/chatgate/internal/faults"
	"github.com/mbd888/chatgate/internal/syncutil"
	"github.com/mbd888/chatgate/internal/traces"
)

// ErrPropagation is returned by Set when the value was saved but the limit
// change handler failed.
var ErrPropagation = errors.New("limit change propagation failed")

// LimitChanged is sent once per effective change of max_chat_count.
type LimitChanged struct {
	Old int64 `json:"old"`
	New int64 `json:"new"`
}

// LimitListener receives limit changes.
type LimitListener interface {
	HandleLimitChanged(ctx context.Context, msg LimitChanged) error
}

// SetRequest is the body of a parameter write. An empty Kind keeps the
// stored kind, or defaults to string for a new key.
type SetRequest struct {
	Kind   Kind   `json:"kind"`
	Value  string `json:"value" binding:"required"`
	Schema string `json:"schema"`
	Remark string `json:"remark"`
}

// Service reads and writes parameters through the live cache.
type Service struct {
	store    Store
	cache    LiveCache
	logger   *slog.Logger
	listener LimitListener
	locks    *syncutil.KeyedMutex
	now      func() time.Time
}

// NewService creates a parameter service.
func NewService(store Store, cache LiveCache, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		cache:  cache,
		logger: logger,
		locks:  syncutil.NewKeyedMutex(16),
		now:    time.Now,
	}
}

// OnLimitChanged registers the handler for limit changes, replacing any
// previous one.
func (s *Service) OnLimitChanged(l LimitListener) {
	s.listener = l
}

// Get returns the stored parameter.
func (s *Service) Get(ctx context.Context, key string) (*Param, error) {
	return s.store.Get(ctx, key)
}

// List returns parameters matching query.
func (s *Service) List(ctx context.Context, query string) ([]*Param, error) {
	return s.store.List(ctx, strings.TrimSpace(query))
}

// Value returns the current value of key, preferring the live cache and
// filling it on a miss.
func (s *Service) Value(ctx context.Context, key string) (string, error) {
	v, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("param cache read failed", "key", key, "error", err)
	} else if ok {
		return v, nil
	}

	p, err := s.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if err := s.cache.Set(ctx, key, p.Value); err != nil {
		s.logger.Warn("param cache fill failed", "key", key, "error", err)
	}
	return p.Value, nil
}

// CurrentLimit returns max_chat_count. An unset or non-integer value is
// faults.ErrConfigInvalid; a storage failure is transient.
func (s *Service) CurrentLimit(ctx context.Context) (int64, error) {
	v, err := s.Value(ctx, KeyMaxChatCount)
	if errors.Is(err, ErrParamNotFound) {
		return 0, fmt.Errorf("%w: %s is not set", faults.ErrConfigInvalid, KeyMaxChatCount)
	}
	if err != nil {
		return 0, faults.Transient("params.current_limit", err)
	}
	p := Param{Key: KeyMaxChatCount, Value: v}
	return p.Int()
}

// Warm loads every stored parameter into the live cache.
func (s *Service) Warm(ctx context.Context) error {
	all, err := s.store.List(ctx, "")
	if err != nil {
		return err
	}
	for _, p := range all {
		if err := s.cache.Set(ctx, p.Key, p.Value); err != nil {
			return fmt.Errorf("warm %s: %w", p.Key, err)
		}
	}
	s.logger.Info("param cache warmed", "count", len(all))
	return nil
}

// Set validates and stores a parameter, then refreshes the live cache. When
// max_chat_count changes to a different integer the registered listener is
// told the old and new limit. Writes to one key are serialized.
func (s *Service) Set(ctx context.Context, key string, req SetRequest) (*Param, error) {
	key = strings.TrimSpace(key)
	unlock, err := s.locks.LockContext(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrParamNotFound) {
		return nil, err
	}

	p := &Param{
		Key:       key,
		Kind:      req.Kind,
		Value:     strings.TrimSpace(req.Value),
		Schema:    req.Schema,
		Remark:    req.Remark,
		UpdatedAt: s.now(),
	}
	if existing != nil {
		if p.Kind == "" {
			p.Kind = existing.Kind
		}
		if p.Schema == "" && p.Kind == existing.Kind {
			p.Schema = existing.Schema
		}
		if p.Remark == "" {
			p.Remark = existing.Remark
		}
	}
	if p.Kind == "" {
		p.Kind = KindString
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if key == KeyMaxChatCount {
		if p.Kind != KindNumber {
			return nil, fmt.Errorf("%w: %s must be a number", ErrInvalidValue, key)
		}
		if _, err := p.Int(); err != nil {
			return nil, err
		}
	}

	// Read the previous value before it is overwritten.
	old, oldErr := s.Value(ctx, key)

	if err := s.store.Put(ctx, p); err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, p.Value); err != nil {
		s.logger.Warn("param cache update failed, evicting", "key", key, "error", err)
		_ = s.cache.Delete(ctx, key)
	}
	s.logger.Info("param updated", "key", key, "kind", p.Kind)

	if key != KeyMaxChatCount || oldErr != nil {
		return p, nil
	}
	return p, s.propagate(ctx, old, p)
}

func (s *Service) propagate(ctx context.Context, old string, p *Param) error {
	prev := Param{Key: p.Key, Value: old}
	oldLimit, err := prev.Int()
	if err != nil {
		s.logger.Warn("previous limit unparseable, no propagation", "value", old)
		return nil
	}
	newLimit, _ := p.Int()
	if oldLimit == newLimit {
		return nil
	}

	msg := LimitChanged{Old: oldLimit, New: newLimit}
	if s.listener == nil {
		s.logger.Warn("limit changed with no listener registered", "old", msg.Old, "new", msg.New)
		return nil
	}

	ctx, span := traces.StartSpan(ctx, "params.LimitChanged", traces.Limits(msg.Old, msg.New)...)
	defer span.End()

	if err := s.listener.HandleLimitChanged(ctx, msg); err != nil {
		traces.Fail(span, err)
		s.logger.Error("limit change propagation failed", "old", msg.Old, "new", msg.New, "error", err)
		return fmt.Errorf("%w: %v", ErrPropagation, err)
	}
	return nil
}

// Delete removes a parameter. Protected keys are refused.
func (s *Service) Delete(ctx context.Context, key string) error {
	if protected[key] {
		return fmt.Errorf("%w: %s", ErrProtected, key)
	}
	unlock, err := s.locks.LockContext(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn("param cache delete failed", "key", key, "error", err)
	}
	s.logger.Info("param deleted", "key", key)
	return nil
}
