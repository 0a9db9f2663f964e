// Package rail is the boundary to the external payment processor. The
// engine depends only on the Client interface; StripeClient is the
// production adapter.
package rail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

type TransferParams struct {
	Amount         int64
	Currency       string
	Destination    string
	Metadata       map[string]string
	IdempotencyKey string
}

type Transfer struct {
	ID             string
	Amount         int64
	AmountReversed int64
	Currency       string
	Destination    string
	Group          string
	Metadata       map[string]string
	Created        time.Time
}

type PayoutParams struct {
	AccountID           string
	Amount              int64
	Currency            string
	StatementDescriptor string
	Metadata            map[string]string
	IdempotencyKey      string
}

type Payout struct {
	ID             string
	AccountID      string
	Amount         int64
	Currency       string
	Status         string
	FailureMessage string
}

type ReversalParams struct {
	TransferID string
	// Amount of zero reverses the full remaining amount.
	Amount         int64
	Reason         string
	IdempotencyKey string
}

type Reversal struct {
	ID         string
	TransferID string
	Amount     int64
	// TotalReversed is the transfer's reversed total after this reversal,
	// zero when the rail did not report it.
	TotalReversed int64
	// Full is true when nothing of the transfer is left unreversed.
	Full bool
}

type ListTransfersParams struct {
	Destination string
	CreatedFrom time.Time
	CreatedTo   time.Time
	Cursor      string
	Limit       int64
}

type TransferPage struct {
	Transfers  []Transfer
	HasMore    bool
	NextCursor string
}

// Client is the subset of the rail the engine consumes. Mutating calls carry
// an idempotency key; duplicate requests surface as KindDuplicate errors.
type Client interface {
	CreateTransfer(ctx context.Context, p TransferParams) (*Transfer, error)
	// FindTransferByKey returns nil, nil when no transfer was created under key.
	FindTransferByKey(ctx context.Context, key string) (*Transfer, error)
	CreatePayout(ctx context.Context, p PayoutParams) (*Payout, error)
	// FindPayoutByKey returns nil, nil when accountID has no payout tagged
	// with key.
	FindPayoutByKey(ctx context.Context, accountID, key string) (*Payout, error)
	ReverseTransfer(ctx context.Context, p ReversalParams) (*Reversal, error)
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	ListTransfers(ctx context.Context, p ListTransfersParams) (*TransferPage, error)
}

// WebhookVerifier authenticates raw webhook payloads.
type WebhookVerifier interface {
	VerifyWebhookSignature(payload []byte, header string) error
}

// Error is a classified rail failure. Code is the rail's own error code and
// is meant for logs only.
type Error struct {
	Kind domain.Kind
	Code string
	// OutcomeUnknown is set when the request may have been applied despite
	// the error (timeouts, connection resets, 5xx).
	OutcomeUnknown bool
	Err            error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rail %s (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("rail %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err. Unclassified errors are treated as a
// transient failure with unknown outcome.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Kind: domain.KindTransient, OutcomeUnknown: true, Err: err}
}

// contextError classifies cancellations and deadlines, which always leave the
// remote outcome unknown.
func contextError(ctx context.Context, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return &Error{Kind: domain.KindTransient, Code: "timeout", OutcomeUnknown: true, Err: err}
	}
	return nil
}
