package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// LedgerStore is the PostgreSQL system of record. Every status change is a
// single-row conditional update, so concurrent writers (webhooks and batch
// steps) never overwrite each other blindly.
type LedgerStore struct {
	Db     *pgxpool.Pool
	logger zerolog.Logger
}

func NewLedgerStore(pool *pgxpool.Pool, logger zerolog.Logger) *LedgerStore {
	return &LedgerStore{Db: pool, logger: logger.With().Str("component", "ledger").Logger()}
}

// Connect parses connString, opens a pool and pings it.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *LedgerStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *LedgerStore) Close() {
	s.Db.Close()
}

const transferColumns = `id, COALESCE(rail_id, ''), idempotency_key, amount, currency, destination, status,
	metadata, amount_reversed, failure_reason, created_at, updated_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	var status string
	err := row.Scan(&t.ID, &t.RailID, &t.IdempotencyKey, &t.Amount, &t.Currency, &t.Destination, &status,
		&t.Metadata, &t.AmountReversed, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TransferStatus(status)
	return &t, nil
}

// InsertTransfer records a provisional row keyed by idempotency key. When the
// key already exists the stored row is returned with inserted=false.
func (s *LedgerStore) InsertTransfer(ctx context.Context, t *domain.Transfer) (*domain.Transfer, bool, error) {
	metadata := t.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	row := s.Db.QueryRow(ctx,
		`INSERT INTO transfers (idempotency_key, amount, currency, destination, status, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+transferColumns,
		t.IdempotencyKey, t.Amount, t.Currency, t.Destination, string(t.Status), metadata,
	)
	created, err := scanTransfer(row)
	if err == nil {
		return created, true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		existing, getErr := s.GetTransferByKey(ctx, t.IdempotencyKey)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("transfer insert failed: %w", err)
}

func (s *LedgerStore) GetTransferByKey(ctx context.Context, key string) (*domain.Transfer, error) {
	t, err := scanTransfer(s.Db.QueryRow(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE idempotency_key = $1", key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("transfer", err)
	}
	return t, err
}

func (s *LedgerStore) GetTransferByRailID(ctx context.Context, railID string) (*domain.Transfer, error) {
	t, err := scanTransfer(s.Db.QueryRow(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE rail_id = $1", railID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("transfer", err)
	}
	return t, err
}

// TransitionTransfer moves the row identified by key to `to`, but only from
// a state allowed to reach it. applied is false when the row was not in a
// source state (already advanced by a concurrent writer).
func (s *LedgerStore) TransitionTransfer(ctx context.Context, key string, to domain.TransferStatus, u TransferUpdate) (bool, error) {
	return s.transitionTransfer(ctx, "idempotency_key", key, to, u)
}

func (s *LedgerStore) TransitionTransferByRailID(ctx context.Context, railID string, to domain.TransferStatus, u TransferUpdate) (bool, error) {
	return s.transitionTransfer(ctx, "rail_id", railID, to, u)
}

func (s *LedgerStore) transitionTransfer(ctx context.Context, column, id string, to domain.TransferStatus, u TransferUpdate) (bool, error) {
	from := statusStrings(domain.TransferSourcesFor(to))
	tag, err := s.Db.Exec(ctx,
		`UPDATE transfers
		 SET status = $1, rail_id = COALESCE(NULLIF($2, ''), rail_id), failure_reason = $3, updated_at = now()
		 WHERE `+column+` = $4 AND status = ANY($5)`,
		string(to), u.RailID, u.FailureReason, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transfer transition to %s failed: %w", to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordReversal raises a succeeded transfer's reversed total to the rail's
// reported total and marks it reversed when full is set. The total never
// decreases, so the API path and the webhook may apply it in either order.
func (s *LedgerStore) RecordReversal(ctx context.Context, railID string, total int64, full bool) (bool, error) {
	status := domain.TransferSucceeded
	if full {
		status = domain.TransferReversed
	}
	tag, err := s.Db.Exec(ctx,
		`UPDATE transfers
		 SET amount_reversed = LEAST(amount, GREATEST(amount_reversed, $1)), status = $2, updated_at = now()
		 WHERE rail_id = $3 AND status = $4`,
		total, string(status), railID, string(domain.TransferSucceeded),
	)
	if err != nil {
		return false, fmt.Errorf("reversal update failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const payoutColumns = `id, COALESCE(rail_id, ''), idempotency_key, account_id, transfer_rail_id, amount, currency, status,
	statement_descriptor, period_start, period_end, failure_reason, created_at, updated_at`

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var p domain.Payout
	var status string
	var start, end *time.Time
	err := row.Scan(&p.ID, &p.RailID, &p.IdempotencyKey, &p.AccountID, &p.TransferID, &p.Amount, &p.Currency, &status,
		&p.StatementDescriptor, &start, &end, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PayoutStatus(status)
	if start != nil {
		p.PeriodStart = *start
	}
	if end != nil {
		p.PeriodEnd = *end
	}
	return &p, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *LedgerStore) InsertPayout(ctx context.Context, p *domain.Payout) (*domain.Payout, bool, error) {
	row := s.Db.QueryRow(ctx,
		`INSERT INTO payouts (idempotency_key, account_id, transfer_rail_id, amount, currency, status,
			statement_descriptor, period_start, period_end)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING `+payoutColumns,
		p.IdempotencyKey, p.AccountID, p.TransferID, p.Amount, p.Currency, string(p.Status),
		p.StatementDescriptor, nullTime(p.PeriodStart), nullTime(p.PeriodEnd),
	)
	created, err := scanPayout(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("payout insert failed: %w", err)
	}
	existing, err := s.GetPayoutByKey(ctx, p.IdempotencyKey)
	return existing, false, err
}

func (s *LedgerStore) GetPayoutByKey(ctx context.Context, key string) (*domain.Payout, error) {
	p, err := scanPayout(s.Db.QueryRow(ctx, "SELECT "+payoutColumns+" FROM payouts WHERE idempotency_key = $1", key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("payout", err)
	}
	return p, err
}

func (s *LedgerStore) GetPayoutByRailID(ctx context.Context, railID string) (*domain.Payout, error) {
	p, err := scanPayout(s.Db.QueryRow(ctx, "SELECT "+payoutColumns+" FROM payouts WHERE rail_id = $1", railID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("payout", err)
	}
	return p, err
}

// AttachPayoutRailID stores the rail id once the rail accepted the payout.
// A webhook may already have attached it, so an existing id is kept.
func (s *LedgerStore) AttachPayoutRailID(ctx context.Context, key, railID string) error {
	_, err := s.Db.Exec(ctx,
		`UPDATE payouts SET rail_id = COALESCE(rail_id, $1), updated_at = now() WHERE idempotency_key = $2`,
		railID, key)
	if err != nil {
		return fmt.Errorf("attach payout rail id failed: %w", err)
	}
	return nil
}

// TransitionPayout leaves processing for a terminal state. Terminal rows are
// never modified.
func (s *LedgerStore) TransitionPayout(ctx context.Context, key string, to domain.PayoutStatus, reason string) (bool, error) {
	return s.transitionPayout(ctx, "idempotency_key", key, to, reason)
}

func (s *LedgerStore) TransitionPayoutByRailID(ctx context.Context, railID string, to domain.PayoutStatus, reason string) (bool, error) {
	return s.transitionPayout(ctx, "rail_id", railID, to, reason)
}

func (s *LedgerStore) CancelPayoutsForTransfer(ctx context.Context, transferRailID, reason string) (int64, error) {
	if transferRailID == "" {
		return 0, nil
	}
	tag, err := s.Db.Exec(ctx,
		`UPDATE payouts SET status = $1, failure_reason = $2, updated_at = now()
		 WHERE transfer_rail_id = $3 AND status = $4`,
		string(domain.PayoutCancelled), reason, transferRailID, string(domain.PayoutProcessing))
	if err != nil {
		return 0, fmt.Errorf("cancel payouts failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *LedgerStore) transitionPayout(ctx context.Context, column, id string, to domain.PayoutStatus, reason string) (bool, error) {
	if !domain.CanTransitionPayout(domain.PayoutProcessing, to) {
		return false, fmt.Errorf("payout cannot move to %s", to)
	}
	tag, err := s.Db.Exec(ctx,
		`UPDATE payouts SET status = $1, failure_reason = $2, updated_at = now()
		 WHERE `+column+` = $3 AND status = $4`,
		string(to), reason, id, string(domain.PayoutProcessing))
	if err != nil {
		return false, fmt.Errorf("payout transition to %s failed: %w", to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetAccount retrieves a single account by rail account id.
func (s *LedgerStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var a domain.Account
	var typ, status string
	err := s.Db.QueryRow(ctx,
		`SELECT id, payee_id, type, charges_enabled, payouts_enabled, details_submitted, requirements, status, updated_at
		 FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.PayeeID, &typ, &a.ChargesEnabled, &a.PayoutsEnabled, &a.DetailsSubmitted, &a.Requirements, &status, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("account", err)
	}
	if err != nil {
		return nil, err
	}
	a.Type = domain.AccountType(typ)
	a.Status = domain.AccountStatus(status)
	return &a, nil
}

// UpsertAccountCapabilities writes the raw capability fields together with
// the status derived from them. payee_id is preserved on update.
func (s *LedgerStore) UpsertAccountCapabilities(ctx context.Context, a *domain.Account) error {
	requirements := a.Requirements
	if requirements == nil {
		requirements = []string{}
	}
	_, err := s.Db.Exec(ctx,
		`INSERT INTO accounts (id, payee_id, type, charges_enabled, payouts_enabled, details_submitted, requirements, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			charges_enabled = EXCLUDED.charges_enabled,
			payouts_enabled = EXCLUDED.payouts_enabled,
			details_submitted = EXCLUDED.details_submitted,
			requirements = EXCLUDED.requirements,
			status = EXCLUDED.status,
			updated_at = now()`,
		a.ID, a.PayeeID, string(a.Type), a.ChargesEnabled, a.PayoutsEnabled, a.DetailsSubmitted, requirements, string(a.DeriveStatus()),
	)
	if err != nil {
		return fmt.Errorf("account upsert failed: %w", err)
	}
	return nil
}

// CreditBalance applies c exactly once per SourceID within one transaction.
func (s *LedgerStore) CreditBalance(ctx context.Context, c Credit) (bool, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO balance_credits (source_id, owner_id, amount, currency) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (source_id) DO NOTHING`,
		c.SourceID, c.OwnerID, c.Amount, c.Currency)
	if err != nil {
		return false, fmt.Errorf("credit insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO balances (owner_id, currency, amount) VALUES ($1, $2, $3)
		 ON CONFLICT (owner_id, currency) DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = now()`,
		c.OwnerID, c.Currency, c.Amount)
	if err != nil {
		return false, fmt.Errorf("balance update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, nil
}

func (s *LedgerStore) Balance(ctx context.Context, ownerID, currency string) (int64, error) {
	var amount int64
	err := s.Db.QueryRow(ctx, "SELECT amount FROM balances WHERE owner_id = $1 AND currency = $2", ownerID, currency).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return amount, err
}

func (s *LedgerStore) RecordPaymentFailure(ctx context.Context, payerID, paymentID string, at time.Time) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`INSERT INTO payment_failures (payment_id, payer_id, failed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (payment_id) DO NOTHING`,
		paymentID, payerID, at)
	if err != nil {
		return false, fmt.Errorf("payment failure insert failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *LedgerStore) CountPaymentFailures(ctx context.Context, payerID string, since time.Time) (int, error) {
	var n int
	err := s.Db.QueryRow(ctx,
		"SELECT COUNT(*) FROM payment_failures WHERE payer_id = $1 AND failed_at >= $2",
		payerID, since).Scan(&n)
	return n, err
}

// PausePayerSpending flags the payer; changed is false when already paused.
func (s *LedgerStore) PausePayerSpending(ctx context.Context, payerID, reason string) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`INSERT INTO payers (id, spending_paused, paused_reason, paused_at) VALUES ($1, true, $2, now())
		 ON CONFLICT (id) DO UPDATE SET spending_paused = true, paused_reason = EXCLUDED.paused_reason, paused_at = now()
		 WHERE payers.spending_paused = false`,
		payerID, reason)
	if err != nil {
		return false, fmt.Errorf("pause payer failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *LedgerStore) UpsertDispute(ctx context.Context, d *domain.Dispute) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO disputes (rail_id, payment_id, amount, currency, reason, status) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (rail_id) DO UPDATE SET status = EXCLUDED.status, reason = EXCLUDED.reason, updated_at = now()`,
		d.RailID, d.PaymentID, d.Amount, d.Currency, d.Reason, d.Status)
	if err != nil {
		return fmt.Errorf("dispute upsert failed: %w", err)
	}
	return nil
}

// ClaimEvent records the event id; first is false on redelivery.
func (s *LedgerStore) ClaimEvent(ctx context.Context, e *domain.WebhookEvent) (bool, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	tag, err := s.Db.Exec(ctx,
		`INSERT INTO processed_webhook_events (event_id, event_type, payload, received_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		e.ID, e.Type, string(payload), e.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("event claim failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteEvent stamps the processing time and any handler error for triage.
func (s *LedgerStore) CompleteEvent(ctx context.Context, eventID, processingErr string) error {
	_, err := s.Db.Exec(ctx,
		`UPDATE processed_webhook_events SET processed_at = now(), processing_error = $1 WHERE event_id = $2`,
		processingErr, eventID)
	if err != nil {
		return fmt.Errorf("event completion failed: %w", err)
	}
	return nil
}

// ReleaseEvent forgets a claim so the rail's redelivery is processed again.
func (s *LedgerStore) ReleaseEvent(ctx context.Context, eventID string) error {
	_, err := s.Db.Exec(ctx, "DELETE FROM processed_webhook_events WHERE event_id = $1", eventID)
	if err != nil {
		return fmt.Errorf("event release failed: %w", err)
	}
	return nil
}

func (s *LedgerStore) GetEvent(ctx context.Context, eventID string) (*EventRecord, error) {
	var r EventRecord
	err := s.Db.QueryRow(ctx,
		`SELECT event_id, event_type, received_at, processed_at, processing_error
		 FROM processed_webhook_events WHERE event_id = $1`, eventID,
	).Scan(&r.EventID, &r.Type, &r.ReceivedAt, &r.ProcessedAt, &r.ProcessingError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("event", err)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *LedgerStore) CountAccounts(ctx context.Context) (int, error) {
	var n int
	if err := s.Db.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return n, nil
}

// SeedAccounts bulk-inserts pending accounts with CopyFrom.
func (s *LedgerStore) SeedAccounts(ctx context.Context, accounts []domain.Account) (int64, error) {
	rows := make([][]any, 0, len(accounts))
	now := time.Now().UTC()
	for _, a := range accounts {
		typ := a.Type
		if typ == "" {
			typ = domain.AccountTypeExpress
		}
		rows = append(rows, []any{a.ID, a.PayeeID, string(typ), []string{}, string(domain.AccountPending), now, now})
	}
	n, err := s.Db.CopyFrom(ctx,
		pgx.Identifier{"accounts"},
		[]string{"id", "payee_id", "type", "requirements", "status", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("bulk insert failed: %w", err)
	}
	s.logger.Info().Int64("rows", n).Msg("seeded accounts")
	return n, nil
}
