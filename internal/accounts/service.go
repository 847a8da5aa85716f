package accounts

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/chatgate/internal/idgen"
	"github.com/mbd888/chatgate/internal/pagination"
)

// Service exposes the administrative account operations. Enforcement and
// entitlement logic live in the limits and subscriptions packages.
type Service struct {
	store       Store
	logger      *slog.Logger
	transitions *TransitionRecorder
	now         func() time.Time
}

// NewService creates a new account service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// WithTransitions routes manual status flips through r.
func (s *Service) WithTransitions(r *TransitionRecorder) *Service {
	s.transitions = r
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// Register creates an enabled account with zeroed usage.
func (s *Service) Register(ctx context.Context, username string, privileged bool) (*Account, error) {
	now := s.now()
	a := &Account{
		ID:             idgen.WithPrefix(IDPrefix),
		Username:       strings.TrimSpace(username),
		AccessStatus:   AccessEnabled,
		DisabledReason: ReasonNone,
		Privileged:     privileged,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("account registered", "account", a.ID, "privileged", privileged)
	return a, nil
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.store.Get(ctx, id)
}

// ListDisabled pages through disabled accounts, optionally narrowed to one reason.
func (s *Service) ListDisabled(ctx context.Context, reason DisabledReason, cursor string, limit int) ([]*Account, string, bool, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	items, err := s.store.List(ctx, Filter{
		Status: AccessDisabled,
		Reason: reason,
		After:  after,
		Limit:  limit + 1,
	})
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(items, limit, func(a *Account) (time.Time, string) {
		return a.CreatedAt, a.ID
	})
	return page, next, more, nil
}

// ChangeStatus is the manual enable/disable used by operators. A manual
// disable takes precedence over a usage disable; a manual enable clears any reason.
func (s *Service) ChangeStatus(ctx context.Context, id string, status AccessStatus) (*Account, error) {
	if status != AccessEnabled && status != AccessDisabled {
		return nil, ErrInvalidStatus
	}
	var before AccessStatus
	a, changed, err := s.store.Update(ctx, id, GroupAccess, func(a *Account) (bool, error) {
		before = a.AccessStatus
		if status == AccessEnabled {
			if a.Enabled() {
				return false, nil
			}
			a.Enable()
			return true, nil
		}
		if a.AccessStatus == AccessDisabled && a.DisabledReason == ReasonManual {
			return false, nil
		}
		a.Disable(ReasonManual)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.transitions.Record(before, a, TriggerManual)
		s.logger.Info("account status changed manually", "account", id, "status", status)
	}
	return a, nil
}

// SetPrivileged flips the privileged flag. Granting privilege also lifts a
// usage disable, since privileged accounts are never limit-disabled.
func (s *Service) SetPrivileged(ctx context.Context, id string, privileged bool) (*Account, error) {
	a, _, err := s.store.Update(ctx, id, GroupProfile, func(a *Account) (bool, error) {
		if a.Privileged == privileged {
			return false, nil
		}
		a.Privileged = privileged
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !privileged || !a.DisabledForUsage() {
		return a, nil
	}

	a, changed, err := s.store.Update(ctx, id, GroupAccess, func(a *Account) (bool, error) {
		if !a.DisabledForUsage() {
			return false, nil
		}
		a.Enable()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.transitions.Record(AccessDisabled, a, TriggerPrivileged)
		s.logger.Info("usage disable lifted for privileged account", "account", id)
	}
	return a, nil
}
