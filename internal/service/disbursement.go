package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/idempotency"
	"github.com/punchamoorthee/payoutops/internal/rail"
	"github.com/punchamoorthee/payoutops/internal/store"
	"github.com/punchamoorthee/payoutops/internal/telemetry"
)

// Ledger is the slice of the system of record the disburser writes to.
type Ledger interface {
	InsertTransfer(ctx context.Context, t *domain.Transfer) (*domain.Transfer, bool, error)
	GetTransferByKey(ctx context.Context, key string) (*domain.Transfer, error)
	GetTransferByRailID(ctx context.Context, railID string) (*domain.Transfer, error)
	TransitionTransfer(ctx context.Context, key string, to domain.TransferStatus, u store.TransferUpdate) (bool, error)
	RecordReversal(ctx context.Context, railID string, total int64, full bool) (bool, error)

	InsertPayout(ctx context.Context, p *domain.Payout) (*domain.Payout, bool, error)
	GetPayoutByKey(ctx context.Context, key string) (*domain.Payout, error)
	AttachPayoutRailID(ctx context.Context, key, railID string) error
	TransitionPayout(ctx context.Context, key string, to domain.PayoutStatus, reason string) (bool, error)

	UpsertAccountCapabilities(ctx context.Context, a *domain.Account) error
}

type TransferRequest struct {
	Amount         int64
	Currency       string
	Destination    string
	Metadata       map[string]string
	IdempotencyKey string
}

type PayoutRequest struct {
	AccountID string
	// TransferID is the rail id of the transfer that funded this payout, if any.
	TransferID          string
	Amount              int64
	Currency            string
	StatementDescriptor string
	IdempotencyKey      string
	PeriodStart         time.Time
	PeriodEnd           time.Time
}

// Reversal is the outcome of ReverseTransfer.
type Reversal struct {
	ID       string           `json:"id"`
	Amount   int64            `json:"amount"`
	Full     bool             `json:"full"`
	Transfer *domain.Transfer `json:"transfer"`
}

type DisburserConfig struct {
	RailTimeout time.Duration
	Reporter    telemetry.Reporter
	Metrics     *telemetry.Metrics
}

const defaultRailTimeout = 15 * time.Second

// Disburser moves money through the rail while keeping the ledger the
// source of truth for what was attempted.
type Disburser struct {
	ledger   Ledger
	rail     rail.Client
	logger   zerolog.Logger
	reporter telemetry.Reporter
	metrics  *telemetry.Metrics
	timeout  time.Duration
}

func NewDisburser(ledger Ledger, client rail.Client, logger zerolog.Logger, cfg DisburserConfig) *Disburser {
	d := &Disburser{
		ledger:   ledger,
		rail:     client,
		logger:   logger.With().Str("component", "disburser").Logger(),
		reporter: cfg.Reporter,
		metrics:  cfg.Metrics,
		timeout:  cfg.RailTimeout,
	}
	if d.reporter == nil {
		d.reporter = telemetry.Nop
	}
	if d.metrics == nil {
		d.metrics = telemetry.NopMetrics()
	}
	if d.timeout <= 0 {
		d.timeout = defaultRailTimeout
	}
	return d
}

// CreateTransfer sends funds to a connected account exactly once per
// idempotency key. A key that already succeeded returns the stored transfer
// without touching the rail.
func (d *Disburser) CreateTransfer(ctx context.Context, req TransferRequest) (*domain.Transfer, error) {
	const op = "create transfer"

	amount, err := domain.NewAmount(op, req.Amount)
	if err != nil {
		return nil, err
	}
	currency, err := domain.NormalizeCurrency(op, req.Currency)
	if err != nil {
		return nil, err
	}
	if req.Destination == "" {
		return nil, domain.Validation(op, "destination account is required")
	}
	if err := idempotency.Validate(req.IdempotencyKey); err != nil {
		return nil, domain.Validation(op, err.Error())
	}
	key := req.IdempotencyKey
	log := d.logger.With().Str("idempotency_key", key).Str("destination", req.Destination).Logger()

	row, inserted, err := d.ledger.InsertTransfer(ctx, &domain.Transfer{
		IdempotencyKey: key,
		Amount:         amount,
		Currency:       currency,
		Destination:    req.Destination,
		Status:         domain.TransferPending,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return nil, domain.E(domain.KindInternal, op, "", err)
	}

	if !inserted {
		if row.Amount != amount || row.Destination != req.Destination || row.Currency != currency {
			return nil, domain.E(domain.KindConflict, op, "idempotency key reused with different parameters", nil)
		}
		switch row.Status {
		case domain.TransferSucceeded, domain.TransferReversed:
			log.Debug().Str("rail_id", row.RailID).Msg("transfer already settled, replaying")
			return row, nil
		case domain.TransferInFlight:
			// A previous attempt may have reached the rail before dying.
			found, err := d.findByKey(ctx, op, key)
			if err != nil {
				return nil, err
			}
			if found != nil {
				log.Info().Str("rail_id", found.ID).Msg("recovered in-flight transfer from rail")
				return d.markSucceeded(ctx, op, key, found)
			}
		case domain.TransferFailed:
			if _, err := d.ledger.TransitionTransfer(ctx, key, domain.TransferPending, store.TransferUpdate{}); err != nil {
				return nil, domain.E(domain.KindInternal, op, "", err)
			}
			row.Status = domain.TransferPending
		}
	}

	if row.Status == domain.TransferPending {
		applied, err := d.ledger.TransitionTransfer(ctx, key, domain.TransferInFlight, store.TransferUpdate{})
		if err != nil {
			return nil, domain.E(domain.KindInternal, op, "", err)
		}
		if !applied {
			current, err := d.ledger.GetTransferByKey(ctx, key)
			if err != nil {
				return nil, domain.E(domain.KindInternal, op, "", err)
			}
			if current.Status == domain.TransferSucceeded || current.Status == domain.TransferReversed {
				return current, nil
			}
			return nil, domain.E(domain.KindConflict, op, "request in progress", nil)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	t, callErr := d.rail.CreateTransfer(callCtx, rail.TransferParams{
		Amount:         amount,
		Currency:       currency,
		Destination:    req.Destination,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
	})
	cancel()
	d.observeRail("create_transfer", callErr)

	if callErr == nil {
		log.Info().Str("rail_id", t.ID).Int64("amount", amount).Msg("transfer created")
		return d.markSucceeded(ctx, op, key, t)
	}

	re := rail.AsError(callErr)
	switch {
	case re.Kind == domain.KindDuplicate:
		found, err := d.findByKey(ctx, op, key)
		if err != nil {
			return nil, err
		}
		if found == nil {
			return nil, domain.E(domain.KindTransient, op, "", callErr)
		}
		if found.Amount != amount || found.Destination != req.Destination || found.Currency != currency {
			d.failTransfer(ctx, key, "idempotency_conflict")
			return nil, domain.E(domain.KindConflict, op, "idempotency key reused with different parameters", callErr)
		}
		log.Info().Str("rail_id", found.ID).Msg("duplicate request resolved to original transfer")
		return d.markSucceeded(ctx, op, key, found)

	case re.OutcomeUnknown:
		found, err := d.findByKey(ctx, op, key)
		if err == nil && found != nil {
			log.Warn().Err(callErr).Str("rail_id", found.ID).Msg("transfer applied despite error")
			return d.markSucceeded(ctx, op, key, found)
		}
		log.Warn().Err(callErr).Msg("transfer outcome unknown, left in flight")
		d.reporter.Capture(callErr, map[string]string{"op": op, "idempotency_key": key})
		return nil, domain.E(domain.KindTransient, op, "", callErr)

	default:
		reason := re.Code
		if reason == "" {
			reason = re.Kind.String()
		}
		d.failTransfer(ctx, key, reason)
		log.Warn().Err(callErr).Str("reason", reason).Msg("transfer rejected by rail")
		return nil, domain.E(re.Kind, op, "", callErr)
	}
}

func (d *Disburser) findByKey(ctx context.Context, op, key string) (*rail.Transfer, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	found, err := d.rail.FindTransferByKey(callCtx, key)
	d.observeRail("find_transfer", err)
	if err != nil {
		return nil, domain.E(domain.KindTransient, op, "", err)
	}
	return found, nil
}

func (d *Disburser) markSucceeded(ctx context.Context, op, key string, t *rail.Transfer) (*domain.Transfer, error) {
	if _, err := d.ledger.TransitionTransfer(ctx, key, domain.TransferSucceeded, store.TransferUpdate{RailID: t.ID}); err != nil {
		// The money moved; surface the bookkeeping failure loudly.
		d.reporter.Capture(err, map[string]string{"op": op, "idempotency_key": key, "rail_id": t.ID})
		return nil, domain.E(domain.KindInternal, op, "", err)
	}
	row, err := d.ledger.GetTransferByKey(ctx, key)
	if err != nil {
		return nil, domain.E(domain.KindInternal, op, "", err)
	}
	return row, nil
}

func (d *Disburser) failTransfer(ctx context.Context, key, reason string) {
	if _, err := d.ledger.TransitionTransfer(ctx, key, domain.TransferFailed, store.TransferUpdate{FailureReason: reason}); err != nil {
		d.logger.Error().Err(err).Str("idempotency_key", key).Msg("failed to record transfer failure")
	}
}

// ReverseTransfer pulls back amount (zero for everything left) from a
// succeeded transfer.
func (d *Disburser) ReverseTransfer(ctx context.Context, railTransferID string, amount int64, reason string) (*Reversal, error) {
	const op = "reverse transfer"

	if amount < 0 {
		return nil, domain.Validation(op, "reversal amount must not be negative")
	}
	row, err := d.ledger.GetTransferByRailID(ctx, railTransferID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.E(domain.KindNotFound, op, "transfer not found", err)
		}
		return nil, domain.E(domain.KindInternal, op, "", err)
	}
	if row.Status != domain.TransferSucceeded {
		return nil, domain.E(domain.KindConflict, op, "only succeeded transfers can be reversed", nil)
	}
	if amount > row.Amount-row.AmountReversed {
		return nil, domain.Validation(op, "reversal exceeds the unreversed amount")
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	r, err := d.rail.ReverseTransfer(callCtx, rail.ReversalParams{
		TransferID:     railTransferID,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: idempotency.Random("reversal"),
	})
	cancel()
	d.observeRail("reverse_transfer", err)
	if err != nil {
		return nil, domain.E(rail.AsError(err).Kind, op, "", err)
	}

	total := r.TotalReversed
	if total == 0 {
		total = row.AmountReversed + r.Amount
	}
	if _, err := d.ledger.RecordReversal(ctx, railTransferID, total, r.Full); err != nil {
		d.reporter.Capture(err, map[string]string{"op": op, "rail_id": railTransferID})
		return nil, domain.E(domain.KindInternal, op, "", err)
	}
	updated, err := d.ledger.GetTransferByRailID(ctx, railTransferID)
	if err != nil {
		return nil, domain.E(domain.KindInternal, op, "", err)
	}

	d.logger.Info().Str("rail_id", railTransferID).Int64("amount", r.Amount).Bool("full", r.Full).Msg("transfer reversed")
	return &Reversal{ID: r.ID, Amount: r.Amount, Full: r.Full, Transfer: updated}, nil
}

// CreatePayout sends funds from a connected account to its bank. Only
// express and custom accounts with payouts enabled qualify.
func (d *Disburser) CreatePayout(ctx context.Context, req PayoutRequest) (*domain.Payout, error) {
	const op = "create payout"

	amount, err := domain.NewAmount(op, req.Amount)
	if err != nil {
		return nil, err
	}
	currency, err := domain.NormalizeCurrency(op, req.Currency)
	if err != nil {
		return nil, err
	}
	if req.AccountID == "" {
		return nil, domain.Validation(op, "account is required")
	}
	key := req.IdempotencyKey
	if key == "" {
		key = idempotency.Random("payout")
	} else if err := idempotency.Validate(key); err != nil {
		return nil, domain.Validation(op, err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	account, err := d.rail.GetAccount(callCtx, req.AccountID)
	cancel()
	d.observeRail("get_account", err)
	if err != nil {
		return nil, domain.E(rail.AsError(err).Kind, op, "", err)
	}
	if err := d.ledger.UpsertAccountCapabilities(ctx, account); err != nil {
		d.logger.Warn().Err(err).Str("account", account.ID).Msg("account refresh not persisted")
	}

	if account.Type == domain.AccountTypeStandard {
		return nil, domain.E(domain.KindCapabilityNotMet, op, "standard accounts manage their own payouts, use a transfer instead", nil)
	}
	if !account.PayoutsEnabled {
		return nil, domain.E(domain.KindCapabilityNotMet, op, "", nil)
	}

	row, inserted, err := d.ledger.InsertPayout(ctx, &domain.Payout{
		IdempotencyKey:      key,
		AccountID:           req.AccountID,
		TransferID:          req.TransferID,
		Amount:              amount,
		Currency:            currency,
		Status:              domain.PayoutProcessing,
		StatementDescriptor: domain.SanitizeStatementDescriptor(req.StatementDescriptor),
		PeriodStart:         req.PeriodStart,
		PeriodEnd:           req.PeriodEnd,
	})
	if err != nil {
		return nil, domain.E(domain.KindInternal, op, "", err)
	}
	if !inserted && (row.RailID != "" || row.Status != domain.PayoutProcessing) {
		return row, nil
	}

	callCtx, cancel = context.WithTimeout(ctx, d.timeout)
	po, err := d.rail.CreatePayout(callCtx, rail.PayoutParams{
		AccountID:           row.AccountID,
		Amount:              row.Amount,
		Currency:            row.Currency,
		StatementDescriptor: row.StatementDescriptor,
		Metadata:            map[string]string{rail.MetadataPayoutKey: key},
		IdempotencyKey:      key,
	})
	cancel()
	d.observeRail("create_payout", err)
	if err != nil {
		re := rail.AsError(err)
		if re.Kind == domain.KindDuplicate || re.OutcomeUnknown {
			// The rail may hold the payout already; the row stays processing
			// until it is found here or announced by payout.created.
			found, ferr := d.findPayoutByKey(ctx, row.AccountID, key)
			if ferr == nil && found != nil {
				d.logger.Info().Str("rail_id", found.ID).Str("idempotency_key", key).Msg("payout recovered from rail")
				return d.attachPayout(ctx, op, key, found.ID)
			}
			d.logger.Warn().Err(err).Str("idempotency_key", key).Msg("payout outcome unknown, left processing")
			d.reporter.Capture(err, map[string]string{"op": op, "idempotency_key": key})
			return nil, domain.E(domain.KindTransient, op, "", err)
		}
		reason := re.Code
		if reason == "" {
			reason = re.Kind.String()
		}
		if _, terr := d.ledger.TransitionPayout(ctx, key, domain.PayoutFailed, reason); terr != nil {
			d.logger.Error().Err(terr).Str("idempotency_key", key).Msg("failed to record payout failure")
		}
		return nil, domain.E(re.Kind, op, "", err)
	}

	d.logger.Info().Str("rail_id", po.ID).Str("account", req.AccountID).Int64("amount", amount).Msg("payout created")
	return d.attachPayout(ctx, op, key, po.ID)
}

func (d *Disburser) findPayoutByKey(ctx context.Context, accountID, key string) (*rail.Payout, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	found, err := d.rail.FindPayoutByKey(callCtx, accountID, key)
	d.observeRail("find_payout", err)
	return found, err
}

func (d *Disburser) attachPayout(ctx context.Context, op, key, railID string) (*domain.Payout, error) {
	if err := d.ledger.AttachPayoutRailID(ctx, key, railID); err != nil {
		d.reporter.Capture(err, map[string]string{"op": op, "idempotency_key": key, "rail_id": railID})
		return nil, domain.E(domain.KindInternal, op, "", err)
	}
	row, err := d.ledger.GetPayoutByKey(ctx, key)
	if err != nil {
		return nil, domain.E(domain.KindInternal, op, "", err)
	}
	return row, nil
}

// CalculatePayoutSummary totals every transfer to accountID within period,
// walking all pages. A failed page fails the whole summary.
func (d *Disburser) CalculatePayoutSummary(ctx context.Context, accountID string, period domain.Period) (*domain.PayoutSummary, error) {
	const op = "payout summary"

	if accountID == "" {
		return nil, domain.Validation(op, "account is required")
	}
	summary := &domain.PayoutSummary{AccountID: accountID, From: period.Start, To: period.End}
	cursor := ""
	for {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		page, err := d.rail.ListTransfers(callCtx, rail.ListTransfersParams{
			Destination: accountID,
			CreatedFrom: period.Start,
			CreatedTo:   period.End,
			Cursor:      cursor,
		})
		cancel()
		d.observeRail("list_transfers", err)
		if err != nil {
			return nil, domain.E(rail.AsError(err).Kind, op, "", fmt.Errorf("page %d: %w", summary.Pages+1, err))
		}
		summary.Pages++
		for _, t := range page.Transfers {
			summary.Total += t.Amount
			summary.Count++
		}
		if !page.HasMore {
			return summary, nil
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return nil, domain.E(domain.KindInternal, op, "", errors.New("rail reported more pages without advancing the cursor"))
		}
		cursor = page.NextCursor
	}
}

// LookupTransfer returns nil, nil when no transfer exists for key.
func (d *Disburser) LookupTransfer(ctx context.Context, key string) (*domain.Transfer, error) {
	t, err := d.ledger.GetTransferByKey(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, domain.E(domain.KindInternal, "lookup transfer", "", err)
	}
	return t, nil
}

func (d *Disburser) observeRail(op string, err error) {
	result := "ok"
	if err != nil {
		result = rail.AsError(err).Kind.String()
	}
	d.metrics.RailCalls.WithLabelValues(op, result).Inc()
}
