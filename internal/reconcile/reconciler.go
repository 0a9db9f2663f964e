// Package reconcile turns the rail's asynchronous notifications into ledger
// state. Every delivery is authenticated, deduplicated by event id and
// handled idempotently, so redeliveries and reordering are harmless.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/notify"
	"github.com/punchamoorthee/payoutops/internal/rail"
	"github.com/punchamoorthee/payoutops/internal/store"
	"github.com/punchamoorthee/payoutops/internal/telemetry"
)

// Ledger is what the handlers write to.
type Ledger interface {
	GetTransferByRailID(ctx context.Context, railID string) (*domain.Transfer, error)
	TransitionTransfer(ctx context.Context, key string, to domain.TransferStatus, u store.TransferUpdate) (bool, error)
	TransitionTransferByRailID(ctx context.Context, railID string, to domain.TransferStatus, u store.TransferUpdate) (bool, error)
	RecordReversal(ctx context.Context, railID string, total int64, full bool) (bool, error)

	GetPayoutByRailID(ctx context.Context, railID string) (*domain.Payout, error)
	AttachPayoutRailID(ctx context.Context, key, railID string) error
	TransitionPayoutByRailID(ctx context.Context, railID string, to domain.PayoutStatus, reason string) (bool, error)
	CancelPayoutsForTransfer(ctx context.Context, transferRailID, reason string) (int64, error)

	CreditBalance(ctx context.Context, c store.Credit) (bool, error)
	RecordPaymentFailure(ctx context.Context, payerID, paymentID string, at time.Time) (bool, error)
	CountPaymentFailures(ctx context.Context, payerID string, since time.Time) (int, error)
	PausePayerSpending(ctx context.Context, payerID, reason string) (bool, error)

	UpsertAccountCapabilities(ctx context.Context, a *domain.Account) error
	UpsertDispute(ctx context.Context, d *domain.Dispute) error
}

// SignatureHeader carries "t=<unix>,v1=<hex>" on every webhook delivery.
const SignatureHeader = "Stripe-Signature"

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

type Config struct {
	// FailureThreshold failed payments within FailureWindow pause the payer.
	FailureThreshold int
	FailureWindow    time.Duration
	// RedeliverOnFailure releases the event claim after a handler error and
	// asks the rail to deliver again.
	RedeliverOnFailure bool

	Notifier notify.Notifier
	Reporter telemetry.Reporter
	Metrics  *telemetry.Metrics
}

type handlerFunc func(ctx context.Context, e *domain.WebhookEvent) error

type Reconciler struct {
	verifier rail.WebhookVerifier
	events   EventLog
	ledger   Ledger
	logger   zerolog.Logger
	cfg      Config
	now      func() time.Time
	handlers map[string]handlerFunc
}

func NewReconciler(verifier rail.WebhookVerifier, events EventLog, ledger Ledger, logger zerolog.Logger, cfg Config) *Reconciler {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 7 * 24 * time.Hour
	}
	if cfg.Reporter == nil {
		cfg.Reporter = telemetry.Nop
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	logger = logger.With().Str("component", "reconciler").Logger()
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLogNotifier(logger)
	}

	r := &Reconciler{
		verifier: verifier,
		events:   events,
		ledger:   ledger,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
	r.handlers = map[string]handlerFunc{
		"transfer.created":              r.handleTransferCreated,
		"transfer.paid":                 r.handleTransferCreated,
		"transfer.reversed":             r.handleTransferReversed,
		"payment_intent.succeeded":      r.handlePaymentSucceeded,
		"payment_intent.payment_failed": r.handlePaymentFailed,
		"account.updated":               r.handleAccountUpdated,
		"payout.created":                r.handlePayoutCreated,
		"payout.paid":                   r.payoutTransition(domain.PayoutCompleted),
		"payout.failed":                 r.handlePayoutFailed,
		"payout.canceled":               r.payoutTransition(domain.PayoutCancelled),
		"charge.dispute.created":        r.handleDispute,
		"charge.dispute.updated":        r.handleDispute,
		"charge.dispute.closed":         r.handleDispute,
	}
	return r
}

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Account string `json:"account"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Verify authenticates raw and decodes the event envelope. Nothing is
// written before the signature checks out.
func (r *Reconciler) Verify(raw []byte, signature string) (*domain.WebhookEvent, error) {
	const op = "verify webhook"
	if signature == "" {
		return nil, domain.E(domain.KindSignature, op, "", fmt.Errorf("missing %s header", SignatureHeader))
	}
	if err := r.verifier.VerifyWebhookSignature(raw, signature); err != nil {
		if domain.KindOf(err) != domain.KindSignature {
			err = domain.E(domain.KindSignature, op, "", err)
		}
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domain.E(domain.KindValidation, op, "malformed event payload", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, domain.Validation(op, "event id and type are required")
	}
	received := r.now().UTC()
	if env.Created > 0 {
		received = time.Unix(env.Created, 0).UTC()
	}
	return &domain.WebhookEvent{
		ID:         env.ID,
		Type:       env.Type,
		Account:    env.Account,
		Payload:    env.Data.Object,
		ReceivedAt: received,
	}, nil
}

// Dispatch runs the handler for e at most once per event id. Handler errors
// are logged, reported and recorded on the event; they never escape.
func (r *Reconciler) Dispatch(ctx context.Context, e *domain.WebhookEvent) Outcome {
	outcome := r.dispatch(ctx, e)
	r.cfg.Metrics.WebhookEvents.WithLabelValues(e.Type, string(outcome)).Inc()
	return outcome
}

func (r *Reconciler) dispatch(ctx context.Context, e *domain.WebhookEvent) Outcome {
	log := r.logger.With().Str("event_id", e.ID).Str("event_type", e.Type).Logger()

	h, ok := r.handlers[e.Type]
	if !ok {
		log.Debug().Msg("unhandled event type")
		return OutcomeIgnored
	}

	first, err := r.events.ClaimEvent(ctx, e)
	if err != nil {
		log.Error().Err(err).Msg("could not claim event")
		r.cfg.Reporter.Capture(err, map[string]string{"event_id": e.ID, "event_type": e.Type})
		return OutcomeFailed
	}
	if !first {
		log.Info().Msg("duplicate delivery skipped")
		return OutcomeDuplicate
	}

	if err := r.run(ctx, h, e); err != nil {
		log.Error().Err(err).Msg("event handler failed")
		r.cfg.Reporter.Capture(err, map[string]string{"event_id": e.ID, "event_type": e.Type})
		if r.cfg.RedeliverOnFailure {
			if rerr := r.events.ReleaseEvent(ctx, e.ID); rerr != nil {
				log.Error().Err(rerr).Msg("could not release event for redelivery")
			}
		} else if cerr := r.events.CompleteEvent(ctx, e.ID, err.Error()); cerr != nil {
			log.Error().Err(cerr).Msg("could not flag failed event")
		}
		return OutcomeFailed
	}

	if err := r.events.CompleteEvent(ctx, e.ID, ""); err != nil {
		log.Warn().Err(err).Msg("could not mark event processed")
	}
	log.Info().Msg("event processed")
	return OutcomeProcessed
}

func (r *Reconciler) run(ctx context.Context, h handlerFunc, e *domain.WebhookEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Str("event_id", e.ID).Interface("panic", p).Bytes("stack", debug.Stack()).Msg("event handler panicked")
			err = domain.E(domain.KindInternal, e.Type, "", fmt.Errorf("panic: %v", p))
		}
	}()
	return h(ctx, e)
}

// ShouldRedeliver reports whether outcome should be answered with a 5xx so
// the rail retries the delivery.
func (r *Reconciler) ShouldRedeliver(outcome Outcome) bool {
	return outcome == OutcomeFailed && r.cfg.RedeliverOnFailure
}
