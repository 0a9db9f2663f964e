package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/idempotency"
	"github.com/punchamoorthee/payoutops/internal/models"
	"github.com/punchamoorthee/payoutops/internal/reconcile"
	"github.com/punchamoorthee/payoutops/internal/service"
	"github.com/punchamoorthee/payoutops/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Disbursement is the subset of service.Disburser the handlers call.
type Disbursement interface {
	CreateTransfer(ctx context.Context, req service.TransferRequest) (*domain.Transfer, error)
	LookupTransfer(ctx context.Context, key string) (*domain.Transfer, error)
	ReverseTransfer(ctx context.Context, railTransferID string, amount int64, reason string) (*service.Reversal, error)
	CreatePayout(ctx context.Context, req service.PayoutRequest) (*domain.Payout, error)
	CalculatePayoutSummary(ctx context.Context, accountID string, period domain.Period) (*domain.PayoutSummary, error)
}

type Batches interface {
	RunBatch(ctx context.Context, items []domain.BatchItem, opts service.BatchOptions) (*domain.BatchRun, error)
	RunPeriod(ctx context.Context, period domain.Period, payees []service.PayeeAmount, opts service.BatchOptions) (*domain.BatchRun, error)
}

type Webhooks interface {
	Verify(raw []byte, signature string) (*domain.WebhookEvent, error)
	Dispatch(ctx context.Context, e *domain.WebhookEvent) reconcile.Outcome
	ShouldRedeliver(outcome reconcile.Outcome) bool
}

type Options struct {
	// Batch holds the defaults a batch request may override.
	Batch   service.BatchOptions
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

type Handler struct {
	disburser Disbursement
	batches   Batches
	webhooks  Webhooks
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	batchOpts service.BatchOptions
	now       func() time.Time
}

func NewHandler(d Disbursement, b Batches, w Webhooks, logger zerolog.Logger, opts Options) *Handler {
	h := &Handler{
		disburser: d,
		batches:   b,
		webhooks:  w,
		logger:    logger.With().Str("component", "api").Logger(),
		metrics:   opts.Metrics,
		batchOpts: opts.Batch,
		now:       opts.Now,
	}
	if h.metrics == nil {
		h.metrics = telemetry.NopMetrics()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Routes registers every endpoint except /metrics, which belongs to the
// process owning the registry.
func (h *Handler) Routes(r *mux.Router) {
	r.Use(h.logRequests, h.recoverPanics)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/rail", h.ReceiveWebhook).Methods(http.MethodPost)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/transfers", h.CreateTransfer).Methods(http.MethodPost)
	v1.HandleFunc("/transfers/{id}/reversals", h.ReverseTransfer).Methods(http.MethodPost)
	v1.HandleFunc("/payouts", h.CreatePayout).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/summary", h.PayoutSummary).Methods(http.MethodGet)
	v1.HandleFunc("/batches", h.RunBatch).Methods(http.MethodPost)
	v1.HandleFunc("/batches/weekly", h.RunWeekly).Methods(http.MethodPost)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	const op, endpoint = "create transfer", "/transfers"
	timer := prometheus.NewTimer(h.metrics.HTTPLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	key := r.Header.Get("Idempotency-Key")
	if err := idempotency.Validate(key); err != nil {
		h.badRequest(w, "Missing or invalid Idempotency-Key", "POST", endpoint)
		return
	}

	var req models.TransferRequest
	if !h.decode(w, r, &req, "POST", endpoint) {
		return
	}
	amount, err := domain.AmountFromDecimal(op, req.Amount)
	if err != nil {
		h.respondError(w, err, "POST", endpoint)
		return
	}

	prior, err := h.disburser.LookupTransfer(r.Context(), key)
	if err != nil {
		h.respondError(w, err, "POST", endpoint)
		return
	}
	t, err := h.disburser.CreateTransfer(r.Context(), service.TransferRequest{
		Amount:         amount,
		Currency:       req.Currency,
		Destination:    req.Destination,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		h.respondError(w, err, "POST", endpoint)
		return
	}

	replayed := prior != nil && (prior.Status == domain.TransferSucceeded || prior.Status == domain.TransferReversed)
	code := http.StatusCreated
	if replayed {
		code = http.StatusOK
	}
	h.respondJSON(w, code, models.TransferResponse{Transfer: t, Replayed: replayed}, "POST", endpoint)
}

func (h *Handler) ReverseTransfer(w http.ResponseWriter, r *http.Request) {
	const op, endpoint = "reverse transfer", "/transfers/{id}/reversals"
	timer := prometheus.NewTimer(h.metrics.HTTPLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req models.ReversalRequest
	if !h.decodeOptional(w, r, &req, "POST", endpoint) {
		return
	}
	var amount int64
	if !req.Amount.IsZero() {
		a, err := domain.AmountFromDecimal(op, req.Amount)
		if err != nil {
			h.respondError(w, err, "POST", endpoint)
			return
		}
		amount = a
	}

	rev, err := h.disburser.ReverseTransfer(r.Context(), mux.Vars(r)["id"], amount, req.Reason)
	if err != nil {
		h.respondError(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusCreated, rev, "POST", endpoint)
}

func (h *Handler) CreatePayout(w http.ResponseWriter, r *http.Request) {
	const op, endpoint = "create payout", "/payouts"
	timer := prometheus.NewTimer(h.metrics.HTTPLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	// The key is optional here; the engine generates one when absent.
	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		if err := idempotency.Validate(key); err != nil {
			h.badRequest(w, "Invalid Idempotency-Key", "POST", endpoint)
			return
		}
	}

	var req models.PayoutRequest
	if !h.decode(w, r, &req, "POST", endpoint) {
		return
	}
	amount, err := domain.AmountFromDecimal(op, req.Amount)
	if err != nil {
		h.respondError(w, err, "POST", endpoint)
		return
	}
	preq := service.PayoutRequest{
		AccountID:           req.AccountID,
		TransferID:          req.TransferID,
		Amount:              amount,
		Currency:            req.Currency,
		StatementDescriptor: req.StatementDescriptor,
		IdempotencyKey:      key,
	}
	if req.Period != "" {
		p, err := domain.ParsePeriod(req.Period)
		if err != nil {
			h.respondError(w, err, "POST", endpoint)
			return
		}
		preq.PeriodStart, preq.PeriodEnd = p.Start, p.End
	}

	p, err := h.disburser.CreatePayout(r.Context(), preq)
	if err != nil {
		h.respondError(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusCreated, p, "POST", endpoint)
}

// PayoutSummary defaults to the current ISO week.
func (h *Handler) PayoutSummary(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/summary"
	timer := prometheus.NewTimer(h.metrics.HTTPLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	period := domain.PeriodFor(h.now())
	if id := r.URL.Query().Get("period"); id != "" {
		p, err := domain.ParsePeriod(id)
		if err != nil {
			h.respondError(w, err, "GET", endpoint)
			return
		}
		period = p
	}

	s, err := h.disburser.CalculatePayoutSummary(r.Context(), mux.Vars(r)["id"], period)
	if err != nil {
		h.respondError(w, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, s, "GET", endpoint)
}

// minorUnits accepts zero so batch items below the minimum can be skipped
// rather than rejected.
func minorUnits(op string, d decimal.Decimal) (int64, error) {
	if d.IsZero() {
		return 0, nil
	}
	if d.IsNegative() {
		return 0, domain.Validation(op, "amount must not be negative")
	}
	return domain.AmountFromDecimal(op, d)
}

// Helpers

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, method, endpoint string) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.badRequest(w, "Invalid JSON", method, endpoint)
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any, method, endpoint string) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(w, "Invalid JSON", method, endpoint)
		return false
	}
	return true
}

// statusFor maps an error kind to the HTTP status clients see.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation, domain.KindInsufficientFunds, domain.KindCapabilityNotMet:
		return http.StatusUnprocessableEntity
	case domain.KindDuplicate, domain.KindConflict:
		return http.StatusConflict
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindTransient:
		return http.StatusServiceUnavailable
	case domain.KindSignature:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	h.metrics.HTTPRequests.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("failed to write response")
	}
}

// respondError renders only the public message; the cause goes to the log.
func (h *Handler) respondError(w http.ResponseWriter, err error, method, endpoint string) {
	kind := domain.KindOf(err)
	code := statusFor(kind)
	ev := h.logger.Debug()
	if code >= http.StatusInternalServerError {
		ev = h.logger.Error()
	}
	ev.Err(err).AnErr("cause", errors.Unwrap(err)).Str("endpoint", endpoint).Int("status", code).Msg("request failed")

	if kind == domain.KindTransient {
		w.Header().Set("Retry-After", "1")
	}
	h.respondJSON(w, code, models.ErrorResponse{Error: domain.PublicMessage(err), Kind: kind.String()}, method, endpoint)
}

func (h *Handler) badRequest(w http.ResponseWriter, msg, method, endpoint string) {
	h.respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: msg, Kind: domain.KindValidation.String()}, method, endpoint)
}
