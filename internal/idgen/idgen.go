// Package idgen generates opaque identifiers for accounts, subscriptions and notices.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 24 hex chars taken from a random UUID
// (e.g. "acct_", "sub_", "ntc_").
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns a random hex string of the given byte length (max 16).
func Hex(numBytes int) string {
	if numBytes <= 0 {
		return ""
	}
	if numBytes > 16 {
		numBytes = 16
	}
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return raw[:numBytes*2]
}
