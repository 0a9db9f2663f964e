package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/rail"
	"github.com/punchamoorthee/payoutops/internal/rail/railtest"
	"github.com/punchamoorthee/payoutops/internal/telemetry"
)

func newTestScheduler(t *testing.T) (*Scheduler, *railtest.Fake, *telemetry.Metrics) {
	t.Helper()
	d, fake, _ := newTestDisburser(t)
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	return NewScheduler(d, zerolog.Nop(), nil, m), fake, m
}

func items(amounts ...int64) []domain.BatchItem {
	out := make([]domain.BatchItem, len(amounts))
	for i, a := range amounts {
		id := fmt.Sprintf("payee-%d", i+1)
		out[i] = domain.BatchItem{ID: id, Destination: "acct_" + id, Amount: a, Currency: "usd"}
	}
	return out
}

func TestRunBatchSkipsBelowMinimum(t *testing.T) {
	s, fake, m := newTestScheduler(t)

	run, err := s.RunBatch(context.Background(), items(15000, 8000, 4000), BatchOptions{ConcurrencyLimit: 5, MinimumAmount: 10000})
	if err != nil {
		t.Fatal(err)
	}

	if run.Succeeded != 1 || run.Skipped != 2 || run.Failed != 0 {
		t.Errorf("counts = %d/%d/%d", run.Succeeded, run.Failed, run.Skipped)
	}
	wantStatus := []domain.BatchItemStatus{domain.ItemSucceeded, domain.ItemSkipped, domain.ItemSkipped}
	for i, r := range run.Results {
		if r.Status != wantStatus[i] {
			t.Errorf("item %d status = %s, want %s", i, r.Status, wantStatus[i])
		}
	}
	if fake.Calls("CreateTransfer") != 1 {
		t.Errorf("CreateTransfer calls = %d, want 1", fake.Calls("CreateTransfer"))
	}
	if got := testutil.ToFloat64(m.BatchItems.WithLabelValues("skipped")); got != 2 {
		t.Errorf("skipped metric = %v", got)
	}
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	s, fake, _ := newTestScheduler(t)
	fake.FailDestinations["acct_payee-3"] = &rail.Error{Kind: domain.KindValidation, Code: "account_invalid", Err: errors.New("closed")}

	run, err := s.RunBatch(context.Background(), items(100, 200, 300, 400, 500), BatchOptions{ConcurrencyLimit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if run.Succeeded != 4 || run.Failed != 1 {
		t.Fatalf("succeeded=%d failed=%d", run.Succeeded, run.Failed)
	}
	failed := run.Results[2]
	if failed.ID != "payee-3" || failed.Status != domain.ItemFailed || domain.KindOf(failed.Err) != domain.KindValidation {
		t.Errorf("failed item = %+v", failed)
	}
	if failed.Attempts != 1 {
		t.Errorf("non-retryable error attempted %d times", failed.Attempts)
	}
}

func TestRunBatchBoundsConcurrency(t *testing.T) {
	s, fake, _ := newTestScheduler(t)
	fake.Delay = 20 * time.Millisecond

	amounts := make([]int64, 10)
	for i := range amounts {
		amounts[i] = 1000
	}
	run, err := s.RunBatch(context.Background(), items(amounts...), BatchOptions{ConcurrencyLimit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if run.Succeeded != 10 {
		t.Fatalf("succeeded = %d", run.Succeeded)
	}
	if got := fake.MaxInFlight(); got > 3 || got < 1 {
		t.Errorf("max in flight = %d, want 1..3", got)
	}
}

func TestRunBatchRetriesTransientWithSameKey(t *testing.T) {
	s, fake, _ := newTestScheduler(t)
	fake.FailDestinations["acct_payee-1"] = &rail.Error{Kind: domain.KindTransient, Code: "rate_limit", Err: errors.New("429")}
	fake.FailTimes["acct_payee-1"] = 2

	opts := BatchOptions{ConcurrencyLimit: 1, Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}}
	run, err := s.RunBatch(context.Background(), items(5000), opts)
	if err != nil {
		t.Fatal(err)
	}
	res := run.Results[0]
	if res.Status != domain.ItemSucceeded || res.Attempts != 3 {
		t.Fatalf("result = %+v", res)
	}
	if fake.Transfers() != 1 {
		t.Errorf("rail transfers = %d, want 1", fake.Transfers())
	}
	if fake.LastTransfer.IdempotencyKey != res.Transfer.IdempotencyKey {
		t.Errorf("key changed between attempts")
	}
}

type panickyCreator struct{ inner TransferCreator }

func (p panickyCreator) CreateTransfer(ctx context.Context, req TransferRequest) (*domain.Transfer, error) {
	if req.Destination == "acct_payee-2" {
		panic("nil destination config")
	}
	return p.inner.CreateTransfer(ctx, req)
}

func TestRunBatchCapturesPanics(t *testing.T) {
	d, _, _ := newTestDisburser(t)
	rec := &telemetry.Recorder{}
	s := NewScheduler(panickyCreator{inner: d}, zerolog.Nop(), rec, nil)

	run, err := s.RunBatch(context.Background(), items(100, 200, 300), BatchOptions{ConcurrencyLimit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if run.Succeeded != 2 || run.Failed != 1 {
		t.Fatalf("succeeded=%d failed=%d", run.Succeeded, run.Failed)
	}
	if r := run.Results[1]; r.Status != domain.ItemFailed || domain.KindOf(r.Err) != domain.KindInternal {
		t.Errorf("panicked item = %+v", r)
	}
	if len(rec.Entries()) != 1 {
		t.Errorf("reported %d errors, want 1", len(rec.Entries()))
	}
}

func TestRunBatchRejectsBadOptions(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	if _, err := s.RunBatch(context.Background(), items(100), BatchOptions{}); domain.KindOf(err) != domain.KindValidation {
		t.Errorf("zero concurrency: got %v", err)
	}
}

func TestRunPeriodRerunOnlyRetriesUnfinished(t *testing.T) {
	s, fake, _ := newTestScheduler(t)
	fake.FailDestinations["acct_c"] = &rail.Error{Kind: domain.KindValidation, Code: "account_invalid", Err: errors.New("closed")}

	period := domain.PeriodFor(time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC))
	payees := []PayeeAmount{
		{PayeeID: "a", Destination: "acct_a", Amount: 15000},
		{PayeeID: "b", Destination: "acct_b", Amount: 12000},
		{PayeeID: "c", Destination: "acct_c", Amount: 11000},
	}
	opts := BatchOptions{ConcurrencyLimit: 2, MinimumAmount: 10000, Currency: "usd"}

	first, err := s.RunPeriod(context.Background(), period, payees, opts)
	if err != nil {
		t.Fatal(err)
	}
	if first.Succeeded != 2 || first.Failed != 1 || first.Period != "2026-W42" {
		t.Fatalf("first run = %+v", first)
	}
	if key := first.Results[0].Transfer.IdempotencyKey; key != "payout_a_2026-W42" {
		t.Errorf("key = %q", key)
	}

	delete(fake.FailDestinations, "acct_c")
	second, err := s.RunPeriod(context.Background(), period, payees, opts)
	if err != nil {
		t.Fatal(err)
	}
	if second.Succeeded != 3 {
		t.Fatalf("second run succeeded = %d", second.Succeeded)
	}
	if got := fake.Calls("CreateTransfer"); got != 4 {
		t.Errorf("CreateTransfer calls = %d, want 4", got)
	}
	if fake.Transfers() != 3 {
		t.Errorf("rail transfers = %d, want 3", fake.Transfers())
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}

	attempts, err := p.Do(ctx, func(int) error { return domain.E(domain.KindTransient, "t", "", nil) })
	if attempts != 1 || !domain.IsRetryable(err) {
		t.Errorf("attempts=%d err=%v", attempts, err)
	}
}
