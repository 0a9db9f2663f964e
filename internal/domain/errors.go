package domain

import (
	"errors"
	"fmt"
)

// Kind classifies every error the engine surfaces. It is set where the error
// is produced and never inferred from message text.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindDuplicate
	KindNotFound
	KindInsufficientFunds
	KindCapabilityNotMet
	KindTransient
	KindSignature
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDuplicate:
		return "duplicate_operation"
	case KindNotFound:
		return "resource_not_found"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindCapabilityNotMet:
		return "capability_not_met"
	case KindTransient:
		return "transient_rail_error"
	case KindSignature:
		return "signature"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is the engine's tagged error. Message is safe to show to end users;
// Err holds the underlying cause for logs and is never rendered by Error().
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Code    string
	Err     error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind against the sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is(err, domain.ErrValidation) style checks.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
)

var defaultMessages = map[Kind]string{
	KindInternal:          "internal error, please contact support",
	KindValidation:        "invalid request",
	KindDuplicate:         "operation already processed",
	KindNotFound:          "resource not found",
	KindInsufficientFunds: "insufficient funds, retry later",
	KindCapabilityNotMet:  "account not eligible for payouts",
	KindTransient:         "payment provider unavailable, retry later",
	KindSignature:         "invalid signature",
	KindConflict:          "operation not allowed in current state",
}

// E builds an *Error. An empty message falls back to the generic message for
// the kind.
func E(kind Kind, op, msg string, cause error) *Error {
	if msg == "" {
		msg = defaultMessages[kind]
	}
	return &Error{Kind: kind, Op: op, Message: msg, Err: cause}
}

func Validation(op, msg string) *Error { return E(KindValidation, op, msg, nil) }

// KindOf extracts the Kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is worth another attempt under the same
// idempotency key.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// PublicMessage returns the coarse user-facing text for err.
func PublicMessage(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return defaultMessages[KindInternal]
}
