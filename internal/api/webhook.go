package api

import (
	"context"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/punchamoorthee/payoutops/internal/models"
	"github.com/punchamoorthee/payoutops/internal/reconcile"
)

// ReceiveWebhook authenticates a rail notification and applies it. Any
// verification failure is a 400 and nothing is written. A verified event is
// acknowledged with 200 even when its handler failed, unless the reconciler
// asks for redelivery.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/webhooks/rail"
	timer := prometheus.NewTimer(h.metrics.HTTPLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	// The signature covers the exact bytes, so the body is read raw.
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.badRequest(w, "Unreadable body", "POST", endpoint)
		return
	}

	e, err := h.webhooks.Verify(raw, r.Header.Get(reconcile.SignatureHeader))
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("webhook rejected")
		h.respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid webhook", Kind: "signature"}, "POST", endpoint)
		return
	}

	// Handlers run to completion even if the rail hangs up.
	outcome := h.webhooks.Dispatch(context.WithoutCancel(r.Context()), e)
	code := http.StatusOK
	if h.webhooks.ShouldRedeliver(outcome) {
		code = http.StatusInternalServerError
	}
	h.respondJSON(w, code, models.WebhookResponse{Received: code == http.StatusOK, Outcome: string(outcome)}, "POST", endpoint)
}
