package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/rail"
	"github.com/punchamoorthee/payoutops/internal/rail/railtest"
	"github.com/punchamoorthee/payoutops/internal/store"
	"github.com/punchamoorthee/payoutops/internal/telemetry"
)

func newTestDisburser(t *testing.T) (*Disburser, *railtest.Fake, *store.MemoryStore) {
	t.Helper()
	fake := railtest.New()
	ledger := store.NewMemoryStore()
	d := NewDisburser(ledger, fake, zerolog.Nop(), DisburserConfig{RailTimeout: time.Second, Reporter: &telemetry.Recorder{}})
	return d, fake, ledger
}

func transferReq(key string) TransferRequest {
	return TransferRequest{Amount: 15000, Currency: "USD", Destination: "acct_1", IdempotencyKey: key}
}

func TestCreateTransferIsIdempotent(t *testing.T) {
	d, fake, ledger := newTestDisburser(t)
	ctx := context.Background()

	first, err := d.CreateTransfer(ctx, transferReq("payout_payee-1_2026-W42"))
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := d.CreateTransfer(ctx, transferReq("payout_payee-1_2026-W42"))
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if first.RailID == "" || first.RailID != second.RailID {
		t.Errorf("rail ids differ: %q vs %q", first.RailID, second.RailID)
	}
	if first.Currency != "usd" || first.Status != domain.TransferSucceeded {
		t.Errorf("first = %+v", first)
	}
	if got := fake.Calls("CreateTransfer"); got != 1 {
		t.Errorf("CreateTransfer calls = %d, want 1", got)
	}
	if got := ledger.CountTransfers(domain.TransferSucceeded); got != 1 {
		t.Errorf("succeeded rows = %d, want 1", got)
	}
}

func TestCreateTransferRejectsInvalidAmountWithoutCallingRail(t *testing.T) {
	d, fake, ledger := newTestDisburser(t)

	for _, amount := range []int64{0, -100} {
		req := transferReq("k")
		req.Amount = amount
		if _, err := d.CreateTransfer(context.Background(), req); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("amount %d: expected validation error, got %v", amount, err)
		}
	}

	req := transferReq("")
	if _, err := d.CreateTransfer(context.Background(), req); domain.KindOf(err) != domain.KindValidation {
		t.Errorf("empty key: got %v", err)
	}

	if fake.Calls("CreateTransfer") != 0 {
		t.Error("rail must not be called for invalid input")
	}
	if ledger.CountTransfers(domain.TransferPending) != 0 {
		t.Error("no ledger row should be written for invalid input")
	}
}

func TestCreateTransferConflictOnReusedKey(t *testing.T) {
	d, _, _ := newTestDisburser(t)
	ctx := context.Background()

	if _, err := d.CreateTransfer(ctx, transferReq("k1")); err != nil {
		t.Fatal(err)
	}
	req := transferReq("k1")
	req.Amount = 20000
	if _, err := d.CreateTransfer(ctx, req); domain.KindOf(err) != domain.KindConflict {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestCreateTransferResolvesDuplicateToOriginal(t *testing.T) {
	d, fake, ledger := newTestDisburser(t)
	fake.DuplicateAsError = true
	fake.SeedTransfer(rail.Transfer{ID: "tr_original", Amount: 15000, Currency: "usd", Destination: "acct_1", Group: "k1", Created: time.Now()})

	got, err := d.CreateTransfer(context.Background(), transferReq("k1"))
	if err != nil {
		t.Fatalf("duplicate should resolve to success, got %v", err)
	}
	if got.RailID != "tr_original" || got.Status != domain.TransferSucceeded {
		t.Errorf("got %+v", got)
	}
	if fake.Transfers() != 1 {
		t.Errorf("rail holds %d transfers, want 1", fake.Transfers())
	}
	if ledger.CountTransfers(domain.TransferSucceeded) != 1 {
		t.Error("ledger row should be succeeded")
	}
}

func TestCreateTransferUnknownOutcomeRechecksByKey(t *testing.T) {
	d, fake, _ := newTestDisburser(t)
	fake.CommitThenFail = &rail.Error{Kind: domain.KindTransient, Code: "timeout", OutcomeUnknown: true, Err: context.DeadlineExceeded}

	got, err := d.CreateTransfer(context.Background(), transferReq("k1"))
	if err != nil {
		t.Fatalf("expected recovery via lookup, got %v", err)
	}
	if got.Status != domain.TransferSucceeded || got.RailID == "" {
		t.Errorf("got %+v", got)
	}
	if fake.Calls("FindTransferByKey") != 1 {
		t.Errorf("FindTransferByKey calls = %d", fake.Calls("FindTransferByKey"))
	}
}

func TestCreateTransferUnknownOutcomeStaysInFlight(t *testing.T) {
	d, fake, ledger := newTestDisburser(t)
	ctx := context.Background()
	fake.FailDestinations["acct_1"] = &rail.Error{Kind: domain.KindTransient, Code: "api_error", OutcomeUnknown: true, Err: errors.New("502")}

	_, err := d.CreateTransfer(ctx, transferReq("k1"))
	if !domain.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if ledger.CountTransfers(domain.TransferInFlight) != 1 {
		t.Fatal("row should remain in flight")
	}

	delete(fake.FailDestinations, "acct_1")
	got, err := d.CreateTransfer(ctx, transferReq("k1"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.Status != domain.TransferSucceeded || fake.Transfers() != 1 {
		t.Errorf("got %+v, rail transfers %d", got, fake.Transfers())
	}
}

func TestCreateTransferRejectedThenRetried(t *testing.T) {
	d, fake, ledger := newTestDisburser(t)
	ctx := context.Background()
	fake.FailDestinations["acct_1"] = &rail.Error{Kind: domain.KindInsufficientFunds, Code: "balance_insufficient", Err: errors.New("no funds")}

	_, err := d.CreateTransfer(ctx, transferReq("k1"))
	if domain.KindOf(err) != domain.KindInsufficientFunds {
		t.Fatalf("got %v", err)
	}
	if domain.PublicMessage(err) != "insufficient funds, retry later" {
		t.Errorf("message = %q", domain.PublicMessage(err))
	}
	row, _ := ledger.GetTransferByKey(ctx, "k1")
	if row.Status != domain.TransferFailed || row.FailureReason != "balance_insufficient" {
		t.Fatalf("row = %+v", row)
	}

	delete(fake.FailDestinations, "acct_1")
	got, err := d.CreateTransfer(ctx, transferReq("k1"))
	if err != nil || got.Status != domain.TransferSucceeded || got.FailureReason != "" {
		t.Fatalf("retry: %+v, %v", got, err)
	}
}

func expressAccount(id string) *domain.Account {
	return &domain.Account{ID: id, Type: domain.AccountTypeExpress, ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true}
}

func TestCreatePayout(t *testing.T) {
	d, fake, ledger := newTestDisburser(t)
	ctx := context.Background()
	fake.AddAccount(expressAccount("acct_1"))
	period := domain.PeriodFor(time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC))

	req := PayoutRequest{
		AccountID:           "acct_1",
		Amount:              15000,
		Currency:            "usd",
		StatementDescriptor: "<ACME> weekly creator earnings",
		IdempotencyKey:      "payout_acct-1_2026-W42",
		PeriodStart:         period.Start,
		PeriodEnd:           period.End,
	}
	p, err := d.CreatePayout(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.PayoutProcessing || p.RailID == "" {
		t.Errorf("payout = %+v", p)
	}
	if got := fake.LastPayout.StatementDescriptor; got != "ACME weekly creator ea" {
		t.Errorf("descriptor = %q", got)
	}
	if !p.PeriodStart.Equal(period.Start) {
		t.Errorf("period start = %v", p.PeriodStart)
	}

	again, err := d.CreatePayout(ctx, req)
	if err != nil || again.RailID != p.RailID {
		t.Errorf("replay: %+v, %v", again, err)
	}
	if fake.Calls("CreatePayout") != 1 {
		t.Errorf("CreatePayout calls = %d, want 1", fake.Calls("CreatePayout"))
	}
	if a, err := ledger.GetAccount(ctx, "acct_1"); err != nil || a.Status != domain.AccountActive {
		t.Errorf("account cache = %+v, %v", a, err)
	}
}

func TestCreatePayoutRejectsIneligibleAccounts(t *testing.T) {
	d, fake, _ := newTestDisburser(t)
	standard := expressAccount("acct_std")
	standard.Type = domain.AccountTypeStandard
	fake.AddAccount(standard)
	disabled := expressAccount("acct_off")
	disabled.PayoutsEnabled = false
	fake.AddAccount(disabled)

	tests := []struct {
		account string
		want    domain.Kind
	}{
		{"acct_std", domain.KindCapabilityNotMet},
		{"acct_off", domain.KindCapabilityNotMet},
		{"acct_missing", domain.KindNotFound},
	}
	for _, tt := range tests {
		_, err := d.CreatePayout(context.Background(), PayoutRequest{AccountID: tt.account, Amount: 100, Currency: "usd", IdempotencyKey: "p_" + tt.account})
		if domain.KindOf(err) != tt.want {
			t.Errorf("%s: got %v, want %s", tt.account, err, tt.want)
		}
	}
	if fake.Calls("CreatePayout") != 0 {
		t.Error("rail payout must not be attempted for ineligible accounts")
	}
}

func TestReverseTransfer(t *testing.T) {
	d, _, _ := newTestDisburser(t)
	ctx := context.Background()
	tr, err := d.CreateTransfer(ctx, transferReq("k1"))
	if err != nil {
		t.Fatal(err)
	}

	partial, err := d.ReverseTransfer(ctx, tr.RailID, 5000, "refund")
	if err != nil {
		t.Fatal(err)
	}
	if partial.Full || partial.Transfer.AmountReversed != 5000 || partial.Transfer.Status != domain.TransferSucceeded {
		t.Errorf("partial = %+v", partial.Transfer)
	}

	if _, err := d.ReverseTransfer(ctx, tr.RailID, 20000, "refund"); domain.KindOf(err) != domain.KindValidation {
		t.Errorf("over-reversal: got %v", err)
	}

	full, err := d.ReverseTransfer(ctx, tr.RailID, 0, "refund")
	if err != nil {
		t.Fatal(err)
	}
	if !full.Full || full.Amount != 10000 || full.Transfer.Status != domain.TransferReversed {
		t.Errorf("full = %+v", full)
	}

	if _, err := d.ReverseTransfer(ctx, tr.RailID, 0, "refund"); domain.KindOf(err) != domain.KindConflict {
		t.Errorf("reversing a reversed transfer: got %v", err)
	}
	if _, err := d.ReverseTransfer(ctx, "tr_unknown", 0, ""); domain.KindOf(err) != domain.KindNotFound {
		t.Errorf("unknown transfer: got %v", err)
	}
}

// reversalNotifiedFirst applies the rail's reversal notification to the
// ledger before ReverseTransfer returns, as a fast webhook would.
type reversalNotifiedFirst struct {
	*railtest.Fake
	ledger *store.MemoryStore
}

func (r *reversalNotifiedFirst) ReverseTransfer(ctx context.Context, p rail.ReversalParams) (*rail.Reversal, error) {
	rev, err := r.Fake.ReverseTransfer(ctx, p)
	if err != nil {
		return nil, err
	}
	if _, err := r.ledger.RecordReversal(ctx, p.TransferID, rev.TotalReversed, rev.Full); err != nil {
		return nil, err
	}
	return rev, nil
}

func TestReverseTransferCountsEachReversalOnceWhenNotifiedFirst(t *testing.T) {
	fake := railtest.New()
	ledger := store.NewMemoryStore()
	d := NewDisburser(ledger, &reversalNotifiedFirst{Fake: fake, ledger: ledger}, zerolog.Nop(), DisburserConfig{RailTimeout: time.Second, Reporter: &telemetry.Recorder{}})
	ctx := context.Background()

	tr, err := d.CreateTransfer(ctx, transferReq("k1"))
	if err != nil {
		t.Fatal(err)
	}
	first, err := d.ReverseTransfer(ctx, tr.RailID, 4000, "refund")
	if err != nil {
		t.Fatal(err)
	}
	if got := first.Transfer.AmountReversed; got != 4000 {
		t.Fatalf("amount reversed = %d, want 4000", got)
	}

	// The remaining 11000 must still be reversible.
	rest, err := d.ReverseTransfer(ctx, tr.RailID, 11000, "refund")
	if err != nil {
		t.Fatalf("follow-up reversal: %v", err)
	}
	if !rest.Full || rest.Transfer.AmountReversed != 15000 || rest.Transfer.Status != domain.TransferReversed {
		t.Errorf("after follow-up = %+v", rest.Transfer)
	}
}

func TestCreatePayoutRecoversAppliedPayoutAfterTimeout(t *testing.T) {
	d, fake, _ := newTestDisburser(t)
	fake.AddAccount(expressAccount("acct_1"))
	fake.CommitThenFail = &rail.Error{Kind: domain.KindTransient, Code: "timeout", OutcomeUnknown: true, Err: context.DeadlineExceeded}

	p, err := d.CreatePayout(context.Background(), PayoutRequest{AccountID: "acct_1", Amount: 15000, Currency: "usd", IdempotencyKey: "payout_acct-1_2026-W42"})
	if err != nil {
		t.Fatalf("expected the applied payout to be recovered, got %v", err)
	}
	if p.Status != domain.PayoutProcessing || p.RailID == "" {
		t.Errorf("payout = %+v", p)
	}
	if fake.Calls("FindPayoutByKey") != 1 {
		t.Errorf("FindPayoutByKey calls = %d, want 1", fake.Calls("FindPayoutByKey"))
	}
}

func TestCreatePayoutDuplicateResolvesToOriginal(t *testing.T) {
	d, fake, ledger := newTestDisburser(t)
	ctx := context.Background()
	fake.AddAccount(expressAccount("acct_1"))
	key := "payout_acct-1_2026-W42"

	// An earlier attempt reached the rail but its rail id was never stored.
	if _, _, err := ledger.InsertPayout(ctx, &domain.Payout{IdempotencyKey: key, AccountID: "acct_1", Amount: 15000, Currency: "usd", Status: domain.PayoutProcessing}); err != nil {
		t.Fatal(err)
	}
	original, err := fake.CreatePayout(ctx, rail.PayoutParams{AccountID: "acct_1", Amount: 15000, Currency: "usd", IdempotencyKey: key})
	if err != nil {
		t.Fatal(err)
	}
	fake.DuplicateAsError = true

	p, err := d.CreatePayout(ctx, PayoutRequest{AccountID: "acct_1", Amount: 15000, Currency: "usd", IdempotencyKey: key})
	if err != nil {
		t.Fatalf("duplicate should resolve to the original payout, got %v", err)
	}
	if p.RailID != original.ID || p.Status != domain.PayoutProcessing {
		t.Errorf("payout = %+v, want rail id %s processing", p, original.ID)
	}

	// The paid notification can still settle the row.
	if ok, _ := ledger.TransitionPayoutByRailID(ctx, original.ID, domain.PayoutCompleted, ""); !ok {
		t.Error("payout.paid could not settle the recovered row")
	}
}

func TestCreateTransferDuplicateWithOtherCurrencyConflicts(t *testing.T) {
	d, fake, ledger := newTestDisburser(t)
	ctx := context.Background()
	fake.SeedTransfer(rail.Transfer{ID: "tr_orig", Amount: 15000, Currency: "eur", Destination: "acct_1", Group: "k1"})
	fake.DuplicateAsError = true

	if _, err := d.CreateTransfer(ctx, transferReq("k1")); domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("got %v, want conflict", err)
	}
	if got, _ := ledger.GetTransferByKey(ctx, "k1"); got.Status != domain.TransferFailed || got.FailureReason != "idempotency_conflict" {
		t.Errorf("row = %+v", got)
	}
}

func seedPeriod(fake *railtest.Fake, period domain.Period) {
	for i := 0; i < 5; i++ {
		fake.SeedTransfer(rail.Transfer{ID: "tr_in_" + string(rune('a'+i)), Amount: 1000 * int64(i+1), Currency: "usd", Destination: "acct_1", Created: period.Start.Add(time.Duration(i+1) * time.Hour)})
	}
	fake.SeedTransfer(rail.Transfer{ID: "tr_before", Amount: 99999, Currency: "usd", Destination: "acct_1", Created: period.Start.Add(-time.Hour)})
	fake.SeedTransfer(rail.Transfer{ID: "tr_other", Amount: 99999, Currency: "usd", Destination: "acct_2", Created: period.Start.Add(time.Hour)})
}

func TestCalculatePayoutSummaryWalksEveryPage(t *testing.T) {
	d, fake, _ := newTestDisburser(t)
	period := domain.PeriodFor(time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC))
	seedPeriod(fake, period)

	s, err := d.CalculatePayoutSummary(context.Background(), "acct_1", period)
	if err != nil {
		t.Fatal(err)
	}
	if s.Total != 15000 || s.Count != 5 || s.Pages != 3 {
		t.Errorf("summary = %+v, want total 15000 over 5 transfers in 3 pages", s)
	}
}

func TestCalculatePayoutSummaryFailsOnPageError(t *testing.T) {
	d, fake, _ := newTestDisburser(t)
	period := domain.PeriodFor(time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC))
	seedPeriod(fake, period)
	fake.ListErrOnPage = 1

	s, err := d.CalculatePayoutSummary(context.Background(), "acct_1", period)
	if err == nil {
		t.Fatalf("expected error, got partial summary %+v", s)
	}
	if s != nil {
		t.Error("no summary may be returned on page error")
	}
}

func TestLookupTransfer(t *testing.T) {
	d, _, _ := newTestDisburser(t)
	ctx := context.Background()

	got, err := d.LookupTransfer(ctx, "nope")
	if err != nil || got != nil {
		t.Fatalf("absent key: %+v, %v", got, err)
	}

	if _, err := d.CreateTransfer(ctx, transferReq("k1")); err != nil {
		t.Fatal(err)
	}
	got, err = d.LookupTransfer(ctx, "k1")
	if err != nil || got == nil || got.Status != domain.TransferSucceeded {
		t.Errorf("lookup: %+v, %v", got, err)
	}
}
