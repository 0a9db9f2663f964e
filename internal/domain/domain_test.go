package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewAmountRejectsNonPositive(t *testing.T) {
	t.Parallel()

	for _, amount := range []int64{0, -1, -10000} {
		if _, err := NewAmount("test", amount); !errors.Is(err, ErrValidation) {
			t.Errorf("NewAmount(%d): expected validation error, got %v", amount, err)
		}
	}

	got, err := NewAmount("test", 15000)
	if err != nil || got != 15000 {
		t.Fatalf("NewAmount(15000) = %d, %v", got, err)
	}
}

func TestAmountFromDecimal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"15000", 15000, false},
		{"15000.00", 15000, false},
		{"150.5", 0, true},
		{"0", 0, true},
		{"-3", 0, true},
		{"0.0001", 0, true},
	}

	for _, tt := range tests {
		d := decimal.RequireFromString(tt.in)
		got, err := AmountFromDecimal("test", d)
		if tt.wantErr {
			if KindOf(err) != KindValidation {
				t.Errorf("%s: expected validation error, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%s: got %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}

func TestSanitizeStatementDescriptor(t *testing.T) {
	t.Parallel()

	if got := SanitizeStatementDescriptor("<b>ACME</b> payout"); got != "bACME/b payout" {
		t.Errorf("unexpected sanitized descriptor %q", got)
	}

	long := SanitizeStatementDescriptor("WEEKLY SUPPLIER PAYOUT FOR ACME CORPORATION")
	if len([]rune(long)) > MaxStatementDescriptorLen {
		t.Errorf("descriptor %q exceeds %d chars", long, MaxStatementDescriptorLen)
	}
}

func TestNormalizeCurrency(t *testing.T) {
	t.Parallel()

	if c, err := NormalizeCurrency("test", " USD "); err != nil || c != "usd" {
		t.Errorf("NormalizeCurrency(USD) = %q, %v", c, err)
	}
	for _, bad := range []string{"", "us", "usd1", "u$d"} {
		if _, err := NormalizeCurrency("test", bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestTransferTransitions(t *testing.T) {
	t.Parallel()

	allowed := [][2]TransferStatus{
		{TransferPending, TransferInFlight},
		{TransferInFlight, TransferSucceeded},
		{TransferInFlight, TransferFailed},
		{TransferSucceeded, TransferReversed},
		{TransferFailed, TransferPending},
	}
	for _, e := range allowed {
		if !CanTransitionTransfer(e[0], e[1]) {
			t.Errorf("expected %s -> %s to be allowed", e[0], e[1])
		}
	}

	denied := [][2]TransferStatus{
		{TransferSucceeded, TransferFailed},
		{TransferSucceeded, TransferPending},
		{TransferReversed, TransferSucceeded},
		{TransferFailed, TransferSucceeded},
		{TransferInFlight, TransferReversed},
	}
	for _, e := range denied {
		if CanTransitionTransfer(e[0], e[1]) {
			t.Errorf("expected %s -> %s to be denied", e[0], e[1])
		}
	}
}

func TestTransferSourcesFor(t *testing.T) {
	t.Parallel()

	sources := TransferSourcesFor(TransferSucceeded)
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources for succeeded, got %v", sources)
	}
	if got := TransferSourcesFor(TransferReversed); len(got) != 1 || got[0] != TransferSucceeded {
		t.Errorf("only succeeded may be reversed, got %v", got)
	}
}

func TestPayoutTransitions(t *testing.T) {
	t.Parallel()

	if !CanTransitionPayout(PayoutProcessing, PayoutCompleted) {
		t.Error("processing -> completed should be allowed")
	}
	if CanTransitionPayout(PayoutCompleted, PayoutFailed) {
		t.Error("completed is terminal")
	}
	if CanTransitionPayout(PayoutFailed, PayoutProcessing) {
		t.Error("failed payouts are not retried automatically")
	}
}

func TestAccountDeriveStatus(t *testing.T) {
	t.Parallel()

	acct := &Account{ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true}
	if acct.DeriveStatus() != AccountActive {
		t.Error("expected active with all capabilities and no requirements")
	}

	acct.Requirements = []string{"external_account"}
	if acct.DeriveStatus() != AccountPending {
		t.Error("outstanding requirements must keep the account pending")
	}

	acct.Requirements = nil
	acct.PayoutsEnabled = false
	if acct.DeriveStatus() != AccountPending {
		t.Error("missing capability must keep the account pending")
	}
}

func TestPeriodFor(t *testing.T) {
	t.Parallel()

	// Wednesday
	p := PeriodFor(time.Date(2026, time.October, 14, 15, 30, 0, 0, time.UTC))
	if p.ID != "2026-W42" {
		t.Errorf("expected 2026-W42, got %s", p.ID)
	}
	if p.Start.Weekday() != time.Monday || p.Start.Day() != 12 {
		t.Errorf("expected period to start Monday Oct 12, got %s", p.Start)
	}
	if !p.End.Equal(p.Start.AddDate(0, 0, 7)) {
		t.Errorf("period should span one week, got %s..%s", p.Start, p.End)
	}

	// Sunday belongs to the preceding Monday's week
	sunday := PeriodFor(time.Date(2026, time.October, 18, 23, 0, 0, 0, time.UTC))
	if sunday.ID != p.ID {
		t.Errorf("expected Sunday in %s, got %s", p.ID, sunday.ID)
	}

	// ISO year boundary
	if got := PeriodFor(time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC)).ID; got != "2026-W53" {
		t.Errorf("expected 2026-W53, got %s", got)
	}
}

func TestParsePeriodRoundTrip(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		want := PeriodFor(start.AddDate(0, 0, i*7))
		got, err := ParsePeriod(want.ID)
		if err != nil {
			t.Fatalf("ParsePeriod(%s): %v", want.ID, err)
		}
		if !got.Start.Equal(want.Start) {
			t.Errorf("ParsePeriod(%s) start %s, want %s", want.ID, got.Start, want.Start)
		}
	}

	for _, bad := range []string{"", "2026", "2026-W00", "2026-W54", "2025-W53", "abc-W01"} {
		if _, err := ParsePeriod(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestErrorKindsAndMessages(t *testing.T) {
	t.Parallel()

	cause := errors.New("rail said: parameter_invalid_integer on amount")
	err := fmt.Errorf("wrapped: %w", E(KindTransient, "create transfer", "", cause))

	if KindOf(err) != KindTransient {
		t.Errorf("kind = %s", KindOf(err))
	}
	if !errors.Is(fmt.Errorf("lookup: %w", E(KindNotFound, "get transfer", "", nil)), ErrNotFound) {
		t.Error("expected errors.Is to match kind sentinel")
	}
	if errors.Is(err, ErrValidation) {
		t.Error("kind sentinels must not cross-match")
	}
	if !IsRetryable(err) {
		t.Error("transient errors are retryable")
	}
	if !errors.Is(err, cause) {
		t.Error("cause should stay reachable through Unwrap")
	}
	if msg := PublicMessage(err); msg != "payment provider unavailable, retry later" {
		t.Errorf("unexpected public message %q", msg)
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("untagged errors are internal")
	}
}

func TestBatchRunTally(t *testing.T) {
	t.Parallel()

	run := &BatchRun{Results: []BatchItemResult{
		{Status: ItemSucceeded}, {Status: ItemFailed}, {Status: ItemSkipped}, {Status: ItemSkipped},
	}}
	run.Tally()
	if run.Succeeded != 1 || run.Failed != 1 || run.Skipped != 2 {
		t.Errorf("unexpected tally %+v", run)
	}
}
