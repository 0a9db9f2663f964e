package rail

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

const (
	metadataReasonKey    = "reason"
	MetadataPayoutKey    = "payout_key"
	defaultPageSize      = 100
	payoutLookupPageSize = 100
)

// StripeClient adapts Stripe Connect to Client. Each instance owns its API
// client, so no package-level stripe.Key is set.
type StripeClient struct {
	api              *client.API
	webhookSecret    string
	webhookTolerance time.Duration
	logger           zerolog.Logger
}

func NewStripeClient(secretKey, webhookSecret string, tolerance time.Duration, logger zerolog.Logger) *StripeClient {
	return &StripeClient{
		api:              client.New(secretKey, nil),
		webhookSecret:    webhookSecret,
		webhookTolerance: tolerance,
		logger:           logger.With().Str("component", "stripe_rail").Logger(),
	}
}

func (c *StripeClient) CreateTransfer(ctx context.Context, p TransferParams) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(p.Amount),
		Currency:      stripe.String(p.Currency),
		Destination:   stripe.String(p.Destination),
		TransferGroup: stripe.String(p.IdempotencyKey),
		Metadata:      p.Metadata,
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)

	t, err := c.api.Transfers.New(params)
	if err != nil {
		return nil, c.classify(ctx, "create_transfer", err)
	}
	return TransferFromStripe(t), nil
}

// FindTransferByKey relies on CreateTransfer tagging every transfer with its
// idempotency key as the transfer group.
func (c *StripeClient) FindTransferByKey(ctx context.Context, key string) (*Transfer, error) {
	params := &stripe.TransferListParams{TransferGroup: stripe.String(key)}
	params.Limit = stripe.Int64(1)
	params.Single = true
	params.Context = ctx

	it := c.api.Transfers.List(params)
	if it.Next() {
		return TransferFromStripe(it.Transfer()), nil
	}
	if err := it.Err(); err != nil {
		return nil, c.classify(ctx, "find_transfer", err)
	}
	return nil, nil
}

func (c *StripeClient) CreatePayout(ctx context.Context, p PayoutParams) (*Payout, error) {
	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
		Metadata: p.Metadata,
	}
	if p.StatementDescriptor != "" {
		params.StatementDescriptor = stripe.String(p.StatementDescriptor)
	}
	params.Context = ctx
	params.SetStripeAccount(p.AccountID)
	params.SetIdempotencyKey(p.IdempotencyKey)

	po, err := c.api.Payouts.New(params)
	if err != nil {
		return nil, c.classify(ctx, "create_payout", err)
	}
	return payoutFromStripe(po, p.AccountID), nil
}

// FindPayoutByKey scans the account's most recent payouts for the
// payout_key metadata CreatePayout callers attach.
func (c *StripeClient) FindPayoutByKey(ctx context.Context, accountID, key string) (*Payout, error) {
	params := &stripe.PayoutListParams{}
	params.Limit = stripe.Int64(payoutLookupPageSize)
	params.Single = true
	params.Context = ctx
	params.SetStripeAccount(accountID)

	it := c.api.Payouts.List(params)
	for it.Next() {
		if po := it.Payout(); po.Metadata[MetadataPayoutKey] == key {
			return payoutFromStripe(po, accountID), nil
		}
	}
	if err := it.Err(); err != nil {
		return nil, c.classify(ctx, "find_payout", err)
	}
	return nil, nil
}

func payoutFromStripe(po *stripe.Payout, accountID string) *Payout {
	return &Payout{
		ID:             po.ID,
		AccountID:      accountID,
		Amount:         po.Amount,
		Currency:       string(po.Currency),
		Status:         string(po.Status),
		FailureMessage: po.FailureMessage,
	}
}

func (c *StripeClient) ReverseTransfer(ctx context.Context, p ReversalParams) (*Reversal, error) {
	params := &stripe.TransferReversalParams{ID: stripe.String(p.TransferID)}
	if p.Amount > 0 {
		params.Amount = stripe.Int64(p.Amount)
	}
	if p.Reason != "" {
		params.Metadata = map[string]string{metadataReasonKey: p.Reason}
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)
	params.AddExpand("transfer")

	r, err := c.api.TransferReversals.New(params)
	if err != nil {
		return nil, c.classify(ctx, "reverse_transfer", err)
	}
	rev := &Reversal{ID: r.ID, TransferID: p.TransferID, Amount: r.Amount}
	if r.Transfer != nil && r.Transfer.Amount > 0 {
		rev.TotalReversed = r.Transfer.AmountReversed
		rev.Full = r.Transfer.Reversed || r.Transfer.AmountReversed >= r.Transfer.Amount
	} else {
		rev.Full = p.Amount == 0
	}
	return rev, nil
}

func (c *StripeClient) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx

	a, err := c.api.Accounts.GetByID(id, params)
	if err != nil {
		return nil, c.classify(ctx, "get_account", err)
	}

	return AccountFromStripe(a), nil
}

// AccountFromStripe maps the raw capability fields and derives the status.
// It also decodes account.updated notifications.
func AccountFromStripe(a *stripe.Account) *domain.Account {
	acct := &domain.Account{
		ID:               a.ID,
		Type:             domain.AccountType(a.Type),
		ChargesEnabled:   a.ChargesEnabled,
		PayoutsEnabled:   a.PayoutsEnabled,
		DetailsSubmitted: a.DetailsSubmitted,
	}
	if a.Requirements != nil {
		acct.Requirements = append(acct.Requirements, a.Requirements.CurrentlyDue...)
		acct.Requirements = append(acct.Requirements, a.Requirements.PastDue...)
	}
	acct.DeriveStatus()
	return acct
}

func (c *StripeClient) ListTransfers(ctx context.Context, p ListTransfersParams) (*TransferPage, error) {
	params := &stripe.TransferListParams{Destination: stripe.String(p.Destination)}
	params.CreatedRange = &stripe.RangeQueryParams{
		GreaterThanOrEqual: p.CreatedFrom.Unix(),
		LesserThan:         p.CreatedTo.Unix(),
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	params.Limit = stripe.Int64(limit)
	params.Single = true
	params.Context = ctx
	if p.Cursor != "" {
		params.StartingAfter = stripe.String(p.Cursor)
	}

	page := &TransferPage{}
	it := c.api.Transfers.List(params)
	for it.Next() {
		page.Transfers = append(page.Transfers, *TransferFromStripe(it.Transfer()))
	}
	if err := it.Err(); err != nil {
		return nil, c.classify(ctx, "list_transfers", err)
	}
	page.HasMore = it.Meta().HasMore
	if n := len(page.Transfers); n > 0 {
		page.NextCursor = page.Transfers[n-1].ID
	}
	return page, nil
}

// VerifyWebhookSignature checks a Stripe-Signature header. A zero tolerance
// disables the timestamp window.
func (c *StripeClient) VerifyWebhookSignature(payload []byte, header string) error {
	var err error
	if c.webhookTolerance > 0 {
		err = webhook.ValidatePayloadWithTolerance(payload, header, c.webhookSecret, c.webhookTolerance)
	} else {
		err = webhook.ValidatePayloadIgnoringTolerance(payload, header, c.webhookSecret)
	}
	if err != nil {
		return domain.E(domain.KindSignature, "verify webhook", "", err)
	}
	return nil
}

// classify maps Stripe's structured error fields onto the engine's kinds.
func (c *StripeClient) classify(ctx context.Context, op string, err error) error {
	if ce := contextError(ctx, err); ce != nil {
		c.logger.Warn().Str("op", op).Err(err).Msg("rail call timed out, outcome unknown")
		return ce
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		c.logger.Warn().Str("op", op).Err(err).Msg("rail transport error, outcome unknown")
		return &Error{Kind: domain.KindTransient, OutcomeUnknown: true, Err: err}
	}

	re := &Error{Code: string(se.Code), Err: err}
	switch {
	case se.Type == stripe.ErrorTypeIdempotency || se.HTTPStatusCode == http.StatusConflict:
		re.Kind = domain.KindDuplicate
	case se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound:
		re.Kind = domain.KindNotFound
	case se.Code == stripe.ErrorCodeBalanceInsufficient:
		re.Kind = domain.KindInsufficientFunds
	case isCapabilityCode(string(se.Code)):
		re.Kind = domain.KindCapabilityNotMet
	case se.HTTPStatusCode == http.StatusTooManyRequests:
		re.Kind = domain.KindTransient
	case se.HTTPStatusCode >= http.StatusInternalServerError || se.Type == stripe.ErrorTypeAPI:
		re.Kind = domain.KindTransient
		re.OutcomeUnknown = true
	case se.HTTPStatusCode == http.StatusUnauthorized || se.HTTPStatusCode == http.StatusForbidden:
		re.Kind = domain.KindInternal
	default:
		re.Kind = domain.KindValidation
	}

	c.logger.Debug().
		Str("op", op).
		Str("kind", re.Kind.String()).
		Str("code", re.Code).
		Str("request_id", se.RequestID).
		Int("http_status", se.HTTPStatusCode).
		Msg("rail call rejected")
	return re
}

func isCapabilityCode(code string) bool {
	switch code {
	case "payouts_not_allowed",
		"transfers_not_allowed",
		"account_invalid",
		"insufficient_capabilities_for_transfer",
		"instant_payouts_unsupported":
		return true
	}
	return false
}

// TransferFromStripe maps a Stripe transfer, from an API response or a
// transfer.* notification.
func TransferFromStripe(t *stripe.Transfer) *Transfer {
	out := &Transfer{
		ID:             t.ID,
		Amount:         t.Amount,
		AmountReversed: t.AmountReversed,
		Currency:       string(t.Currency),
		Group:          t.TransferGroup,
		Metadata:       t.Metadata,
		Created:        time.Unix(t.Created, 0).UTC(),
	}
	if t.Destination != nil {
		out.Destination = t.Destination.ID
	}
	return out
}
