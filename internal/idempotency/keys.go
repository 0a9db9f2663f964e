// Package idempotency builds the keys the rail uses to collapse retried
// requests into one logical operation.
package idempotency

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	separator = "_"
	// MaxKeyLen matches the rail's limit on idempotency key length.
	MaxKeyLen = 255
)

var (
	ErrEmptyKey   = errors.New("idempotency key is required")
	ErrKeyTooLong = errors.New("idempotency key exceeds 255 bytes")
)

// Deterministic derives a stable key from a scope and business key parts,
// e.g. Deterministic("payout", payeeID, "2026-W42") -> payout_<payee>_2026-W42.
// Re-running the same period after a crash yields the same keys.
func Deterministic(scope string, parts ...string) string {
	clean := make([]string, 0, len(parts)+1)
	clean = append(clean, normalize(scope))
	for _, p := range parts {
		clean = append(clean, normalize(p))
	}
	return strings.Join(clean, separator)
}

// Random returns a fresh key for one-off actions without a natural business key.
func Random(scope string) string {
	return normalize(scope) + separator + uuid.NewString()
}

// Validate checks a client-supplied key.
func Validate(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if len(key) > MaxKeyLen {
		return ErrKeyTooLong
	}
	return nil
}

// normalize keeps parts from bleeding into each other: the separator and
// whitespace inside a part become '-'.
func normalize(part string) string {
	part = strings.TrimSpace(part)
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', ' ', '\t', '\n', '\r':
			return '-'
		}
		return r
	}, part)
}
