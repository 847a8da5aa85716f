package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chatgate/internal/accounts"
	"github.com/mbd888/chatgate/internal/faults"
)

func acct(usage int64, status accounts.AccessStatus, reason accounts.DisabledReason) *accounts.Account {
	return &accounts.Account{
		ID:             "acct_x",
		AccessStatus:   status,
		DisabledReason: reason,
		UsageCount:     usage,
		UsagePeriod:    "2026-03",
	}
}

func TestDecide(t *testing.T) {
	enabled := func(u int64) *accounts.Account { return acct(u, accounts.AccessEnabled, accounts.ReasonNone) }
	usageOff := func(u int64) *accounts.Account {
		return acct(u, accounts.AccessDisabled, accounts.ReasonUsageLimit)
	}

	tests := []struct {
		name  string
		a     *accounts.Account
		limit int64
		want  Decision
	}{
		{"under limit stays", enabled(50), 100, Keep},
		{"at limit stays", enabled(100), 100, Keep},
		{"over limit disables", enabled(101), 100, Disable},
		{"disabled within limit enables", usageOff(100), 100, Enable},
		{"disabled over limit stays", usageOff(150), 100, Keep},
		{"unset limit never disables", enabled(1_000_000), 0, Keep},
		{"negative limit is unset", enabled(5), -1, Keep},
		{"manual disable untouched", acct(0, accounts.AccessDisabled, accounts.ReasonManual), 100, Keep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.a, tt.limit, "2026-03"))
		})
	}
}

func TestDecide_StalePeriodCountsAsZero(t *testing.T) {
	a := acct(500, accounts.AccessDisabled, accounts.ReasonUsageLimit)
	a.UsagePeriod = "2026-02"
	assert.Equal(t, Enable, Decide(a, 100, "2026-03"))
}

func TestDecide_Privileged(t *testing.T) {
	a := acct(10_000, accounts.AccessEnabled, accounts.ReasonNone)
	a.Privileged = true
	assert.Equal(t, Keep, Decide(a, 1, "2026-03"))

	a.Disable(accounts.ReasonUsageLimit)
	assert.Equal(t, Enable, Decide(a, 1, "2026-03"), "stray usage disable is lifted")
}

func TestApply_RefusesToEnableManualDisable(t *testing.T) {
	a := acct(0, accounts.AccessDisabled, accounts.ReasonManual)
	changed, err := apply(a, Enable)
	require.ErrorIs(t, err, faults.ErrInvariantViolation)
	assert.False(t, changed)
	assert.Equal(t, accounts.ReasonManual, a.DisabledReason)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, DirectionNone, Classify(100, 100))
	assert.Equal(t, DirectionNone, Classify(0, -1))
	assert.Equal(t, DirectionRaised, Classify(100, 150))
	assert.Equal(t, DirectionLowered, Classify(150, 100))
	assert.Equal(t, DirectionLowered, Classify(0, 100), "unset old limit is unlimited")
	assert.Equal(t, DirectionUnset, Classify(100, 0))
}
