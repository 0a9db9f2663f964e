package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/models"
	"github.com/punchamoorthee/payoutops/internal/service"
)

// batchOptions applies request overrides on top of the configured defaults.
func (h *Handler) batchOptions(op string, limit int, minimum *decimal.Decimal) (service.BatchOptions, error) {
	opts := h.batchOpts
	if limit != 0 {
		opts.ConcurrencyLimit = limit
	}
	if minimum != nil {
		m, err := minorUnits(op, *minimum)
		if err != nil {
			return opts, err
		}
		opts.MinimumAmount = m
	}
	return opts, nil
}

func (h *Handler) RunBatch(w http.ResponseWriter, r *http.Request) {
	const op, endpoint = "run batch", "/batches"
	timer := prometheus.NewTimer(h.metrics.HTTPLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req models.BatchRequest
	if !h.decode(w, r, &req, "POST", endpoint) {
		return
	}
	opts, err := h.batchOptions(op, req.ConcurrencyLimit, req.MinimumAmount)
	if err != nil {
		h.respondError(w, err, "POST", endpoint)
		return
	}
	if req.Period != "" {
		if opts.Period, err = domain.ParsePeriod(req.Period); err != nil {
			h.respondError(w, err, "POST", endpoint)
			return
		}
	}

	items := make([]domain.BatchItem, 0, len(req.Items))
	for _, it := range req.Items {
		amount, err := minorUnits(op, it.Amount)
		if err != nil {
			h.respondError(w, domain.Validation(op, "item "+it.ID+": "+domain.PublicMessage(err)), "POST", endpoint)
			return
		}
		items = append(items, domain.BatchItem{
			ID:             it.ID,
			Destination:    it.Destination,
			Amount:         amount,
			Currency:       it.Currency,
			Metadata:       it.Metadata,
			IdempotencyKey: it.IdempotencyKey,
		})
	}

	run, err := h.batches.RunBatch(r.Context(), items, opts)
	if err != nil {
		h.respondError(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, models.NewBatchResponse(run), "POST", endpoint)
}

// RunWeekly pays a period's earnings. Without a period it pays the week
// before the current one.
func (h *Handler) RunWeekly(w http.ResponseWriter, r *http.Request) {
	const op, endpoint = "run weekly", "/batches/weekly"
	timer := prometheus.NewTimer(h.metrics.HTTPLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req models.WeeklyRequest
	if !h.decode(w, r, &req, "POST", endpoint) {
		return
	}
	opts, err := h.batchOptions(op, req.ConcurrencyLimit, req.MinimumAmount)
	if err != nil {
		h.respondError(w, err, "POST", endpoint)
		return
	}
	period := domain.PeriodFor(h.now().AddDate(0, 0, -7))
	if req.Period != "" {
		if period, err = domain.ParsePeriod(req.Period); err != nil {
			h.respondError(w, err, "POST", endpoint)
			return
		}
	}

	payees := make([]service.PayeeAmount, 0, len(req.Payees))
	for _, p := range req.Payees {
		amount, err := minorUnits(op, p.Amount)
		if err != nil {
			h.respondError(w, domain.Validation(op, "payee "+p.PayeeID+": "+domain.PublicMessage(err)), "POST", endpoint)
			return
		}
		payees = append(payees, service.PayeeAmount{
			PayeeID:     p.PayeeID,
			Destination: p.Destination,
			Amount:      amount,
			Currency:    p.Currency,
		})
	}

	run, err := h.batches.RunPeriod(r.Context(), period, payees, opts)
	if err != nil {
		h.respondError(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, models.NewBatchResponse(run), "POST", endpoint)
}
