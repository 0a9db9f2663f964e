package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MaxStatementDescriptorLen is the rail's hard limit on descriptor length.
const MaxStatementDescriptorLen = 22

// NewAmount validates a minor-unit amount.
func NewAmount(op string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, Validation(op, "amount must be a positive integer in minor currency units")
	}
	return amount, nil
}

// AmountFromDecimal converts an amount decoded at the API boundary into minor
// units, rejecting fractional and non-positive values.
func AmountFromDecimal(op string, d decimal.Decimal) (int64, error) {
	if !d.IsInteger() {
		return 0, Validation(op, "amount must be a whole number of minor currency units")
	}
	if !d.IsPositive() {
		return 0, Validation(op, "amount must be a positive integer in minor currency units")
	}
	if d.GreaterThan(decimal.NewFromInt(1<<53)) {
		return 0, Validation(op, "amount too large")
	}
	return d.IntPart(), nil
}

// NormalizeCurrency lowercases and checks a three-letter ISO code.
func NormalizeCurrency(op, currency string) (string, error) {
	c := strings.ToLower(strings.TrimSpace(currency))
	if len(c) != 3 {
		return "", Validation(op, "currency must be a three-letter ISO code")
	}
	for _, r := range c {
		if r < 'a' || r > 'z' {
			return "", Validation(op, "currency must be a three-letter ISO code")
		}
	}
	return c, nil
}

// SanitizeStatementDescriptor strips angle brackets and caps the length.
func SanitizeStatementDescriptor(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '<' || r == '>' {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > MaxStatementDescriptorLen {
		s = strings.TrimSpace(string(r[:MaxStatementDescriptorLen]))
	}
	return s
}
