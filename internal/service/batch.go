package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/idempotency"
	"github.com/punchamoorthee/payoutops/internal/telemetry"
)

// TransferCreator is what the scheduler needs from the disburser.
type TransferCreator interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (*domain.Transfer, error)
}

type BatchOptions struct {
	ConcurrencyLimit int
	// Items strictly below MinimumAmount are skipped without a rail call.
	MinimumAmount int64
	Retry         RetryPolicy
	Period        domain.Period
	// Currency fills items that carry none.
	Currency string
}

// PayeeAmount is one payee's earnings for a period.
type PayeeAmount struct {
	PayeeID     string `json:"payee_id"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency,omitempty"`
}

type Scheduler struct {
	transfers TransferCreator
	logger    zerolog.Logger
	reporter  telemetry.Reporter
	metrics   *telemetry.Metrics
}

func NewScheduler(transfers TransferCreator, logger zerolog.Logger, reporter telemetry.Reporter, metrics *telemetry.Metrics) *Scheduler {
	if reporter == nil {
		reporter = telemetry.Nop
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Scheduler{
		transfers: transfers,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		reporter:  reporter,
		metrics:   metrics,
	}
}

// RunBatch disburses items in chunks of ConcurrencyLimit, waiting for each
// chunk before starting the next. Item failures never abort the batch; the
// returned error only reports unusable options.
func (s *Scheduler) RunBatch(ctx context.Context, items []domain.BatchItem, opts BatchOptions) (*domain.BatchRun, error) {
	const op = "run batch"
	if opts.ConcurrencyLimit < 1 {
		return nil, domain.Validation(op, "concurrency limit must be at least 1")
	}
	if opts.MinimumAmount < 0 {
		return nil, domain.Validation(op, "minimum amount must not be negative")
	}

	run := &domain.BatchRun{
		Period:           opts.Period.ID,
		ConcurrencyLimit: opts.ConcurrencyLimit,
		Results:          make([]domain.BatchItemResult, len(items)),
		StartedAt:        time.Now().UTC(),
	}
	log := s.logger.With().Str("period", opts.Period.ID).Int("items", len(items)).Logger()
	log.Info().Int("concurrency", opts.ConcurrencyLimit).Int64("minimum", opts.MinimumAmount).Msg("batch started")

	var pending []int
	for i, item := range items {
		if item.Amount < opts.MinimumAmount {
			run.Results[i] = domain.BatchItemResult{ID: item.ID, Status: domain.ItemSkipped}
			continue
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += opts.ConcurrencyLimit {
		end := min(start+opts.ConcurrencyLimit, len(pending))
		var g errgroup.Group
		for _, idx := range pending[start:end] {
			idx := idx
			g.Go(func() error {
				run.Results[idx] = s.runItem(ctx, items[idx], opts)
				return nil
			})
		}
		_ = g.Wait()
	}

	run.FinishedAt = time.Now().UTC()
	run.Tally()
	for _, r := range run.Results {
		s.metrics.BatchItems.WithLabelValues(string(r.Status)).Inc()
	}
	s.metrics.BatchDurations.Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	log.Info().Int("succeeded", run.Succeeded).Int("failed", run.Failed).Int("skipped", run.Skipped).Msg("batch finished")
	return run, nil
}

func (s *Scheduler) runItem(ctx context.Context, item domain.BatchItem, opts BatchOptions) (res domain.BatchItemResult) {
	res.ID = item.ID
	defer func() {
		if r := recover(); r != nil {
			err := domain.E(domain.KindInternal, "batch item", "", fmt.Errorf("panic: %v", r))
			s.logger.Error().Str("item", item.ID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("batch item panicked")
			s.reporter.Capture(err, map[string]string{"item": item.ID})
			res.Status = domain.ItemFailed
			res.Transfer = nil
			res.Err = err
		}
	}()

	req := TransferRequest{
		Amount:         item.Amount,
		Currency:       item.Currency,
		Destination:    item.Destination,
		Metadata:       itemMetadata(item, opts.Period),
		IdempotencyKey: item.IdempotencyKey,
	}
	if req.Currency == "" {
		req.Currency = opts.Currency
	}
	if req.IdempotencyKey == "" {
		if opts.Period.ID != "" {
			req.IdempotencyKey = idempotency.Deterministic("payout", item.ID, opts.Period.ID)
		} else {
			req.IdempotencyKey = idempotency.Random("transfer")
		}
	}

	attempts, err := opts.Retry.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			s.logger.Debug().Str("item", item.ID).Int("attempt", attempt).Msg("retrying batch item")
		}
		t, err := s.transfers.CreateTransfer(ctx, req)
		if err == nil {
			res.Transfer = t
		}
		return err
	})
	res.Attempts = attempts
	if err != nil {
		res.Status = domain.ItemFailed
		res.Err = err
		s.logger.Warn().Err(err).Str("item", item.ID).Int("attempts", attempts).Msg("batch item failed")
		if domain.KindOf(err) == domain.KindInternal {
			s.reporter.Capture(err, map[string]string{"item": item.ID})
		}
		return res
	}
	res.Status = domain.ItemSucceeded
	return res
}

func itemMetadata(item domain.BatchItem, period domain.Period) map[string]string {
	md := make(map[string]string, len(item.Metadata)+2)
	for k, v := range item.Metadata {
		md[k] = v
	}
	md["batch_item"] = item.ID
	if period.ID != "" {
		md["period"] = period.ID
	}
	return md
}

// RunPeriod pays every payee's earnings for period. Keys are derived from
// payee and period, so a re-run only retries what did not succeed.
func (s *Scheduler) RunPeriod(ctx context.Context, period domain.Period, payees []PayeeAmount, opts BatchOptions) (*domain.BatchRun, error) {
	if period.ID == "" {
		return nil, domain.Validation("run period", "period is required")
	}
	opts.Period = period
	items := make([]domain.BatchItem, 0, len(payees))
	for _, p := range payees {
		dest := p.Destination
		if dest == "" {
			dest = p.PayeeID
		}
		items = append(items, domain.BatchItem{
			ID:             p.PayeeID,
			Destination:    dest,
			Amount:         p.Amount,
			Currency:       p.Currency,
			Metadata:       map[string]string{"payee_id": p.PayeeID},
			IdempotencyKey: idempotency.Deterministic("payout", p.PayeeID, period.ID),
		})
	}
	return s.RunBatch(ctx, items, opts)
}
