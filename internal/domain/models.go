package domain

import (
	"encoding/json"
	"time"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferInFlight  TransferStatus = "in_flight"
	TransferSucceeded TransferStatus = "succeeded"
	TransferFailed    TransferStatus = "failed"
	TransferReversed  TransferStatus = "reversed"
)

type PayoutStatus string

const (
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
	PayoutCancelled  PayoutStatus = "cancelled"
)

type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountPending AccountStatus = "pending"
)

// AccountType mirrors the rail's connected account flavours. Standard
// accounts manage their own payouts and cannot be paid out directly.
type AccountType string

const (
	AccountTypeStandard AccountType = "standard"
	AccountTypeExpress  AccountType = "express"
	AccountTypeCustom   AccountType = "custom"
)

// Transfer moves funds from the platform balance to a payee account.
type Transfer struct {
	ID             int64             `json:"id"`
	RailID         string            `json:"rail_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Destination    string            `json:"destination"`
	Status         TransferStatus    `json:"status"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	AmountReversed int64             `json:"amount_reversed,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Payout is money leaving a connected account for its bank destination.
type Payout struct {
	ID                  int64        `json:"id"`
	RailID              string       `json:"rail_id,omitempty"`
	IdempotencyKey      string       `json:"idempotency_key"`
	AccountID           string       `json:"account_id"`
	TransferID          string       `json:"transfer_id,omitempty"`
	Amount              int64        `json:"amount"`
	Currency            string       `json:"currency"`
	Status              PayoutStatus `json:"status"`
	StatementDescriptor string       `json:"statement_descriptor,omitempty"`
	PeriodStart         time.Time    `json:"period_start,omitempty"`
	PeriodEnd           time.Time    `json:"period_end,omitempty"`
	FailureReason       string       `json:"failure_reason,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Account is a payee's connected sub-account on the rail.
type Account struct {
	ID               string        `json:"id"`
	PayeeID          string        `json:"payee_id,omitempty"`
	Type             AccountType   `json:"type"`
	ChargesEnabled   bool          `json:"charges_enabled"`
	PayoutsEnabled   bool          `json:"payouts_enabled"`
	DetailsSubmitted bool          `json:"details_submitted"`
	Requirements     []string      `json:"requirements"`
	Status           AccountStatus `json:"status"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// CapabilitiesMet reports whether every capability flag is set.
func (a *Account) CapabilitiesMet() bool {
	return a.ChargesEnabled && a.PayoutsEnabled && a.DetailsSubmitted
}

// DeriveStatus recomputes Status from the raw capability fields.
func (a *Account) DeriveStatus() AccountStatus {
	if a.CapabilitiesMet() && len(a.Requirements) == 0 {
		a.Status = AccountActive
	} else {
		a.Status = AccountPending
	}
	return a.Status
}

type Dispute struct {
	RailID    string    `json:"rail_id"`
	PaymentID string    `json:"payment_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WebhookEvent is a verified inbound notification envelope.
type WebhookEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Account    string          `json:"account,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

type BatchItemStatus string

const (
	ItemSucceeded BatchItemStatus = "succeeded"
	ItemFailed    BatchItemStatus = "failed"
	ItemSkipped   BatchItemStatus = "skipped"
)

// BatchItem is one disbursement request inside a batch run.
type BatchItem struct {
	ID             string            `json:"id"`
	Destination    string            `json:"destination"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type BatchItemResult struct {
	ID       string          `json:"id"`
	Status   BatchItemStatus `json:"status"`
	Attempts int             `json:"attempts"`
	Transfer *Transfer       `json:"transfer,omitempty"`
	Err      error           `json:"-"`
}

// BatchRun is the execution context of one bulk disbursement. It is never
// persisted; its effects live on in the transfer rows.
type BatchRun struct {
	Period           string            `json:"period,omitempty"`
	ConcurrencyLimit int               `json:"concurrency_limit"`
	Results          []BatchItemResult `json:"results"`
	Succeeded        int               `json:"succeeded"`
	Failed           int               `json:"failed"`
	Skipped          int               `json:"skipped"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
}

// Tally recomputes the aggregate counts from Results.
func (r *BatchRun) Tally() {
	r.Succeeded, r.Failed, r.Skipped = 0, 0, 0
	for _, res := range r.Results {
		switch res.Status {
		case ItemSucceeded:
			r.Succeeded++
		case ItemFailed:
			r.Failed++
		case ItemSkipped:
			r.Skipped++
		}
	}
}

// PayoutSummary is the total transferred to an account within a window.
type PayoutSummary struct {
	AccountID string    `json:"account_id"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Total     int64     `json:"total"`
	Count     int       `json:"count"`
	Pages     int       `json:"pages"`
}
