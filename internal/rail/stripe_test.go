package rail

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

func TestStripeClassify(t *testing.T) {
	t.Parallel()

	c := &StripeClient{logger: zerolog.Nop()}
	ctx := context.Background()

	tests := []struct {
		name        string
		err         error
		wantKind    domain.Kind
		wantUnknown bool
	}{
		{"idempotency", &stripe.Error{Type: stripe.ErrorTypeIdempotency, HTTPStatusCode: 400}, domain.KindDuplicate, false},
		{"conflict", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusConflict}, domain.KindDuplicate, false},
		{"missing", &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: 404}, domain.KindNotFound, false},
		{"balance", &stripe.Error{Code: stripe.ErrorCodeBalanceInsufficient, HTTPStatusCode: 400}, domain.KindInsufficientFunds, false},
		{"capability", &stripe.Error{Code: "payouts_not_allowed", HTTPStatusCode: 400}, domain.KindCapabilityNotMet, false},
		{"rate limit", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, domain.KindTransient, false},
		{"server", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 502}, domain.KindTransient, true},
		{"auth", &stripe.Error{HTTPStatusCode: http.StatusUnauthorized}, domain.KindInternal, false},
		{"bad param", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 400, Param: "amount"}, domain.KindValidation, false},
		{"transport", errors.New("connection reset by peer"), domain.KindTransient, true},
	}

	for _, tt := range tests {
		got := AsError(c.classify(ctx, "test", tt.err))
		if got.Kind != tt.wantKind {
			t.Errorf("%s: kind %s, want %s", tt.name, got.Kind, tt.wantKind)
		}
		if got.OutcomeUnknown != tt.wantUnknown {
			t.Errorf("%s: outcome unknown %v, want %v", tt.name, got.OutcomeUnknown, tt.wantUnknown)
		}
	}
}

func TestStripeClassifyDeadline(t *testing.T) {
	t.Parallel()

	c := &StripeClient{logger: zerolog.Nop()}
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	got := AsError(c.classify(ctx, "create_transfer", ctx.Err()))
	if got.Kind != domain.KindTransient || !got.OutcomeUnknown {
		t.Errorf("deadline must be transient with unknown outcome, got %+v", got)
	}
}

func TestAsErrorDefaultsToUnknownOutcome(t *testing.T) {
	t.Parallel()

	got := AsError(errors.New("boom"))
	if got.Kind != domain.KindTransient || !got.OutcomeUnknown {
		t.Errorf("unexpected classification %+v", got)
	}
	if AsError(nil) != nil {
		t.Error("nil error must stay nil")
	}
}

func signed(payload []byte, secret string, at time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret, Timestamp: at}).Header
}

func TestStripeVerifyWebhookSignature(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"id":"evt_1","type":"transfer.created"}`)
	now := time.Now()
	c := NewStripeClient("sk_test_unused", "whsec_new", 5*time.Minute, zerolog.Nop())

	tests := []struct {
		name    string
		payload []byte
		header  string
		ok      bool
	}{
		{"valid", payload, signed(payload, "whsec_new", now), true},
		{"inside window", payload, signed(payload, "whsec_new", now.Add(-4*time.Minute)), true},
		{"too old", payload, signed(payload, "whsec_new", now.Add(-6*time.Minute)), false},
		{"wrong secret", payload, signed(payload, "whsec_other", now), false},
		{"tampered", []byte(`{"id":"evt_2","type":"transfer.created"}`), signed(payload, "whsec_new", now), false},
		{"garbage", payload, "garbage", false},
		{"no v1", payload, "t=1700000000", false},
	}
	for _, tt := range tests {
		err := c.VerifyWebhookSignature(tt.payload, tt.header)
		if tt.ok && err != nil {
			t.Errorf("%s: %v", tt.name, err)
		}
		if !tt.ok && domain.KindOf(err) != domain.KindSignature {
			t.Errorf("%s: got %v, want signature error", tt.name, err)
		}
	}

	// During secret rotation a delivery carries one v1 entry per secret.
	old := signed(payload, "whsec_old", now)
	_, newV1, _ := strings.Cut(signed(payload, "whsec_new", now), ",")
	if err := c.VerifyWebhookSignature(payload, old+","+newV1); err != nil {
		t.Errorf("rotated header: %v", err)
	}

	noWindow := NewStripeClient("sk_test_unused", "whsec_new", 0, zerolog.Nop())
	if err := noWindow.VerifyWebhookSignature(payload, signed(payload, "whsec_new", now.Add(-time.Hour))); err != nil {
		t.Errorf("zero tolerance disables the window: %v", err)
	}
}
