package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v82"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/rail"
	"github.com/punchamoorthee/payoutops/internal/store"
)

func decode(e *domain.WebhookEvent, v any) error {
	if len(e.Payload) == 0 {
		return domain.Validation(e.Type, "event has no data object")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return domain.E(domain.KindValidation, e.Type, "malformed data object", err)
	}
	return nil
}

func (r *Reconciler) handleTransferCreated(ctx context.Context, e *domain.WebhookEvent) error {
	var st stripe.Transfer
	if err := decode(e, &st); err != nil {
		return err
	}
	t := rail.TransferFromStripe(&st)

	u := store.TransferUpdate{RailID: t.ID}
	applied, err := r.ledger.TransitionTransferByRailID(ctx, t.ID, domain.TransferSucceeded, u)
	if err != nil {
		return err
	}
	// The rail id is only stored once the engine saw the response; before
	// that the row is found through the idempotency key carried as group.
	if !applied && t.Group != "" {
		if applied, err = r.ledger.TransitionTransfer(ctx, t.Group, domain.TransferSucceeded, u); err != nil {
			return err
		}
	}

	credited, err := r.ledger.CreditBalance(ctx, store.Credit{OwnerID: t.Destination, SourceID: t.ID, Amount: t.Amount, Currency: t.Currency})
	if err != nil {
		return err
	}
	r.logger.Info().Str("transfer", t.ID).Bool("ledger_updated", applied).Bool("credited", credited).Msg("transfer confirmed")
	return nil
}

// handleTransferReversed is best effort: failures are logged and swallowed.
func (r *Reconciler) handleTransferReversed(ctx context.Context, e *domain.WebhookEvent) error {
	var st stripe.Transfer
	if err := decode(e, &st); err != nil {
		r.logger.Warn().Err(err).Str("event_id", e.ID).Msg("unreadable reversal notification")
		return nil
	}
	log := r.logger.With().Str("transfer", st.ID).Logger()
	full := st.Reversed || (st.Amount > 0 && st.AmountReversed >= st.Amount)

	row, err := r.ledger.GetTransferByRailID(ctx, st.ID)
	if err != nil {
		log.Warn().Err(err).Msg("reversal for unknown transfer")
		return nil
	}
	if st.AmountReversed > row.AmountReversed || (full && row.Status == domain.TransferSucceeded) {
		if _, err := r.ledger.RecordReversal(ctx, st.ID, st.AmountReversed, full); err != nil {
			log.Warn().Err(err).Msg("could not record reversal")
		}
	}
	if full {
		n, err := r.ledger.CancelPayoutsForTransfer(ctx, st.ID, "transfer reversed")
		if err != nil {
			log.Warn().Err(err).Msg("could not cancel linked payouts")
			return nil
		}
		log.Info().Int64("payouts_cancelled", n).Msg("transfer reversed")
	}
	return nil
}

func payerID(pi *stripe.PaymentIntent) string {
	if pi.Customer != nil && pi.Customer.ID != "" {
		return pi.Customer.ID
	}
	return pi.Metadata["payer_id"]
}

func (r *Reconciler) handlePaymentSucceeded(ctx context.Context, e *domain.WebhookEvent) error {
	var pi stripe.PaymentIntent
	if err := decode(e, &pi); err != nil {
		return err
	}
	payer := payerID(&pi)
	if payer == "" {
		return domain.Validation(e.Type, "payment has no payer")
	}
	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}
	credited, err := r.ledger.CreditBalance(ctx, store.Credit{OwnerID: payer, SourceID: pi.ID, Amount: amount, Currency: string(pi.Currency)})
	if err != nil {
		return err
	}
	r.logger.Info().Str("payment", pi.ID).Str("payer", payer).Bool("credited", credited).Msg("payment confirmed")
	return nil
}

func (r *Reconciler) handlePaymentFailed(ctx context.Context, e *domain.WebhookEvent) error {
	var pi stripe.PaymentIntent
	if err := decode(e, &pi); err != nil {
		return err
	}
	payer := payerID(&pi)
	log := r.logger.With().Str("payment", pi.ID).Str("payer", payer).Logger()
	if payer == "" {
		log.Warn().Msg("failed payment has no payer")
		return nil
	}

	if _, err := r.ledger.RecordPaymentFailure(ctx, payer, pi.ID, e.ReceivedAt); err != nil {
		return err
	}

	since := r.now().Add(-r.cfg.FailureWindow)
	n, err := r.ledger.CountPaymentFailures(ctx, payer, since)
	if err != nil {
		log.Warn().Err(err).Msg("could not count payment failures")
		return nil
	}
	if n < r.cfg.FailureThreshold {
		log.Info().Int("failures", n).Msg("payment failed")
		return nil
	}

	reason := fmt.Sprintf("%d failed payments within %s", n, r.cfg.FailureWindow)
	changed, err := r.ledger.PausePayerSpending(ctx, payer, reason)
	if err != nil {
		return err
	}
	if changed {
		log.Warn().Int("failures", n).Msg("payer spending paused")
	}
	return nil
}

func (r *Reconciler) handleAccountUpdated(ctx context.Context, e *domain.WebhookEvent) error {
	var sa stripe.Account
	if err := decode(e, &sa); err != nil {
		return err
	}
	if sa.ID == "" {
		sa.ID = e.Account
	}
	if sa.ID == "" {
		return domain.Validation(e.Type, "account id is required")
	}
	a := rail.AccountFromStripe(&sa)
	if err := r.ledger.UpsertAccountCapabilities(ctx, a); err != nil {
		return err
	}
	r.logger.Info().Str("account", a.ID).Str("status", string(a.Status)).Msg("account capabilities updated")
	return nil
}

func payoutKey(po *stripe.Payout) string {
	return po.Metadata[rail.MetadataPayoutKey]
}

// attach links a rail payout to its ledger row when the creation response
// was never seen.
func (r *Reconciler) attach(ctx context.Context, po *stripe.Payout) error {
	key := payoutKey(po)
	if key == "" {
		return nil
	}
	return r.ledger.AttachPayoutRailID(ctx, key, po.ID)
}

func (r *Reconciler) handlePayoutCreated(ctx context.Context, e *domain.WebhookEvent) error {
	var po stripe.Payout
	if err := decode(e, &po); err != nil {
		return err
	}
	return r.attach(ctx, &po)
}

func (r *Reconciler) payoutTransition(to domain.PayoutStatus) handlerFunc {
	return func(ctx context.Context, e *domain.WebhookEvent) error {
		var po stripe.Payout
		if err := decode(e, &po); err != nil {
			return err
		}
		_, err := r.transitionPayout(ctx, &po, to, "")
		return err
	}
}

func (r *Reconciler) transitionPayout(ctx context.Context, po *stripe.Payout, to domain.PayoutStatus, reason string) (bool, error) {
	if err := r.attach(ctx, po); err != nil {
		return false, err
	}
	applied, err := r.ledger.TransitionPayoutByRailID(ctx, po.ID, to, reason)
	if err != nil {
		return false, err
	}
	r.logger.Info().Str("payout", po.ID).Str("status", string(to)).Bool("applied", applied).Msg("payout status updated")
	return applied, nil
}

// handlePayoutFailed persists the reason and alerts operators. Failed
// payouts are never retried automatically.
func (r *Reconciler) handlePayoutFailed(ctx context.Context, e *domain.WebhookEvent) error {
	var po stripe.Payout
	if err := decode(e, &po); err != nil {
		return err
	}
	reason := string(po.FailureCode)
	if po.FailureMessage != "" {
		if reason != "" {
			reason += ": "
		}
		reason += po.FailureMessage
	}
	if reason == "" {
		reason = "unknown"
	}

	applied, err := r.transitionPayout(ctx, &po, domain.PayoutFailed, reason)
	if err != nil || !applied {
		return err
	}
	p, err := r.ledger.GetPayoutByRailID(ctx, po.ID)
	if err != nil {
		return err
	}
	if err := r.cfg.Notifier.PayoutFailed(ctx, p); err != nil {
		r.logger.Warn().Err(err).Str("payout", po.ID).Msg("operator notification failed")
	}
	return nil
}

func (r *Reconciler) handleDispute(ctx context.Context, e *domain.WebhookEvent) error {
	var sd stripe.Dispute
	if err := decode(e, &sd); err != nil {
		return err
	}
	d := &domain.Dispute{
		RailID:   sd.ID,
		Amount:   sd.Amount,
		Currency: string(sd.Currency),
		Reason:   string(sd.Reason),
		Status:   string(sd.Status),
	}
	switch {
	case sd.PaymentIntent != nil:
		d.PaymentID = sd.PaymentIntent.ID
	case sd.Charge != nil:
		d.PaymentID = sd.Charge.ID
	}
	if err := r.ledger.UpsertDispute(ctx, d); err != nil {
		return err
	}
	r.logger.Info().Str("dispute", d.RailID).Str("status", d.Status).Msg("dispute recorded")
	return nil
}
