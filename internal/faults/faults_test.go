package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransient_WrapsAndUnwraps(t *testing.T) {
	base := errors.New("connection refused")
	err := Transient("usage.count", base)

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "usage.count")
}

func TestTransient_NilStaysNil(t *testing.T) {
	assert.NoError(t, Transient("op", nil))
	assert.False(t, IsTransient(nil))
}

func TestTransient_NoDoubleWrap(t *testing.T) {
	err := Transient("outer", Transient("inner", errors.New("boom")))
	var te *TransientError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, "inner", te.Op)
}

func TestIsTransient_DeadlineExceeded(t *testing.T) {
	err := fmt.Errorf("fetch: %w", context.DeadlineExceeded)
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(errors.New("bad request")))
}

func TestClassesMatchThroughDomainSentinels(t *testing.T) {
	errThingNotFound := fmt.Errorf("thing %w", ErrNotFound)
	wrapped := fmt.Errorf("load: %w", errThingNotFound)

	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.ErrorIs(t, wrapped, errThingNotFound)

	inv := Invariant("account %s is %s", "acct_1", "manually_disabled")
	assert.ErrorIs(t, inv, ErrInvariantViolation)
	assert.Contains(t, inv.Error(), "acct_1")
}
