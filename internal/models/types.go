package models

import (
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

// TransferRequest is the payload for a one-off transfer. Amounts are in minor
// units; decimals are accepted on the wire and rejected if fractional.
type TransferRequest struct {
	Destination string            `json:"destination"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// TransferResponse is the canonical response structure.
type TransferResponse struct {
	Transfer *domain.Transfer `json:"transfer"`
	Replayed bool             `json:"replayed"`
}

type ReversalRequest struct {
	// Amount is optional; zero reverses whatever is left.
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason,omitempty"`
}

type PayoutRequest struct {
	AccountID           string          `json:"account_id"`
	TransferID          string          `json:"transfer_id,omitempty"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	StatementDescriptor string          `json:"statement_descriptor,omitempty"`
	Period              string          `json:"period,omitempty"`
}

// BatchItem mirrors domain.BatchItem with a wire amount.
type BatchItem struct {
	ID             string            `json:"id"`
	Destination    string            `json:"destination"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// BatchRequest overrides the configured defaults when the optional fields
// are set.
type BatchRequest struct {
	Items            []BatchItem      `json:"items"`
	ConcurrencyLimit int              `json:"concurrency_limit,omitempty"`
	MinimumAmount    *decimal.Decimal `json:"minimum_amount,omitempty"`
	Period           string           `json:"period,omitempty"`
}

type Payee struct {
	PayeeID     string          `json:"payee_id"`
	Destination string          `json:"destination,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty"`
}

// WeeklyRequest pays every payee's earnings for one ISO week. An empty
// period means the week before the current one.
type WeeklyRequest struct {
	Period           string           `json:"period,omitempty"`
	Payees           []Payee          `json:"payees"`
	ConcurrencyLimit int              `json:"concurrency_limit,omitempty"`
	MinimumAmount    *decimal.Decimal `json:"minimum_amount,omitempty"`
}

// BatchItemResult is domain.BatchItemResult with the error rendered.
type BatchItemResult struct {
	ID       string                 `json:"id"`
	Status   domain.BatchItemStatus `json:"status"`
	Attempts int                    `json:"attempts"`
	Transfer *domain.Transfer       `json:"transfer,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Kind     string                 `json:"error_kind,omitempty"`
}

type BatchResponse struct {
	Period           string            `json:"period,omitempty"`
	ConcurrencyLimit int               `json:"concurrency_limit"`
	Succeeded        int               `json:"succeeded"`
	Failed           int               `json:"failed"`
	Skipped          int               `json:"skipped"`
	Results          []BatchItemResult `json:"results"`
}

// NewBatchResponse renders run, replacing item errors by their public text.
func NewBatchResponse(run *domain.BatchRun) BatchResponse {
	resp := BatchResponse{
		Period:           run.Period,
		ConcurrencyLimit: run.ConcurrencyLimit,
		Succeeded:        run.Succeeded,
		Failed:           run.Failed,
		Skipped:          run.Skipped,
		Results:          make([]BatchItemResult, 0, len(run.Results)),
	}
	for _, r := range run.Results {
		item := BatchItemResult{ID: r.ID, Status: r.Status, Attempts: r.Attempts, Transfer: r.Transfer}
		if r.Err != nil {
			item.Error = domain.PublicMessage(r.Err)
			item.Kind = domain.KindOf(r.Err).String()
		}
		resp.Results = append(resp.Results, item)
	}
	return resp
}

type WebhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
