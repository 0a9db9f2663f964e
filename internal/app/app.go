// Package app wires the engine's components from configuration. Both the
// HTTP server and payoutctl build on it.
package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/payoutops/internal/config"
	"github.com/punchamoorthee/payoutops/internal/notify"
	"github.com/punchamoorthee/payoutops/internal/rail"
	"github.com/punchamoorthee/payoutops/internal/reconcile"
	"github.com/punchamoorthee/payoutops/internal/service"
	"github.com/punchamoorthee/payoutops/internal/store"
	"github.com/punchamoorthee/payoutops/internal/telemetry"
)

var (
	_ service.Ledger     = (*store.LedgerStore)(nil)
	_ service.Ledger     = (*store.MemoryStore)(nil)
	_ reconcile.Ledger   = (*store.LedgerStore)(nil)
	_ reconcile.Ledger   = (*store.MemoryStore)(nil)
	_ reconcile.EventLog = (*store.LedgerStore)(nil)
	_ reconcile.EventLog = (*reconcile.RedisEventLog)(nil)
	_ rail.Client        = (*rail.StripeClient)(nil)
)

type Engine struct {
	Store      *store.LedgerStore
	Rail       *rail.StripeClient
	Disburser  *service.Disburser
	Scheduler  *service.Scheduler
	Reconciler *reconcile.Reconciler
	Metrics    *telemetry.Metrics

	cfg   *config.Config
	redis *redis.Client
}

// New connects to Postgres (and Redis when configured) and builds the
// engine. reg may be nil for short-lived commands.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*Engine, error) {
	pool, err := store.Connect(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		Store:   store.NewLedgerStore(pool, logger),
		Metrics: telemetry.NewMetrics(reg),
		cfg:     cfg,
	}
	reporter := telemetry.NewLogReporter(logger)

	e.Rail = rail.NewStripeClient(cfg.StripeSecretKey, cfg.WebhookSecret, cfg.WebhookTolerance, logger)
	e.Disburser = service.NewDisburser(e.Store, e.Rail, logger, service.DisburserConfig{
		RailTimeout: cfg.RailTimeout,
		Reporter:    reporter,
		Metrics:     e.Metrics,
	})
	e.Scheduler = service.NewScheduler(e.Disburser, logger, reporter, e.Metrics)

	var events reconcile.EventLog = e.Store
	if cfg.EventDedupBackend == config.DedupRedis {
		rdb, err := reconcile.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("event dedup: %w", err)
		}
		e.redis = rdb
		events = reconcile.NewRedisEventLog(rdb, cfg.EventDedupTTL)
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.SendGridAPIKey != "" {
		notifier = notify.NewEmailNotifier(cfg.SendGridAPIKey, cfg.AlertFromEmail, cfg.AlertToEmail, !cfg.IsProduction(), logger)
	}

	e.Reconciler = reconcile.NewReconciler(e.Rail, events, e.Store, logger, reconcile.Config{
		FailureThreshold:   cfg.PaymentFailureThreshold,
		FailureWindow:      cfg.PaymentFailureWindow,
		RedeliverOnFailure: cfg.RedeliverOnFailure,
		Notifier:           notifier,
		Reporter:           reporter,
		Metrics:            e.Metrics,
	})
	return e, nil
}

// BatchOptions returns the configured batch defaults.
func (e *Engine) BatchOptions() service.BatchOptions {
	b := e.cfg.Batch
	return service.BatchOptions{
		ConcurrencyLimit: b.Concurrency,
		MinimumAmount:    b.MinimumAmount,
		Currency:         b.Currency,
		Retry: service.RetryPolicy{
			MaxAttempts: b.MaxAttempts,
			BaseDelay:   b.BaseDelay,
			MaxDelay:    b.MaxDelay,
		},
	}
}

func (e *Engine) Close() {
	if e.redis != nil {
		e.redis.Close()
	}
	e.Store.Close()
}
