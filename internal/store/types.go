package store

import (
	"time"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

// TransferUpdate carries the optional columns written alongside a status
// transition. Empty fields leave the stored value untouched, except
// FailureReason which is always overwritten.
type TransferUpdate struct {
	RailID        string
	FailureReason string
}

// Credit is one idempotent balance credit, keyed by the id of the thing that
// caused it (transfer rail id, payment id).
type Credit struct {
	OwnerID  string
	SourceID string
	Amount   int64
	Currency string
}

// EventRecord is the stored state of a webhook delivery.
type EventRecord struct {
	EventID         string
	Type            string
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
	ProcessingError string
}

func notFound(what string, cause error) error {
	return domain.E(domain.KindNotFound, "ledger", what+" not found", cause)
}

func statusStrings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
