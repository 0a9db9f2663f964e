package idempotency

import (
	"strings"
	"testing"
)

func TestDeterministicIsStable(t *testing.T) {
	t.Parallel()

	a := Deterministic("payout", "payee-42", "2026-W42")
	b := Deterministic("payout", "payee-42", "2026-W42")
	if a != b {
		t.Fatalf("expected stable key, got %q and %q", a, b)
	}
	if a != "payout_payee-42_2026-W42" {
		t.Errorf("unexpected key format %q", a)
	}
	if Deterministic("payout", "payee-42", "2026-W43") == a {
		t.Error("different periods must produce different keys")
	}
}

func TestDeterministicPartsDoNotCollide(t *testing.T) {
	t.Parallel()

	// Without normalization both would read payout_a_b_c.
	x := Deterministic("payout", "a_b", "c")
	y := Deterministic("payout", "a", "b_c")
	if x == y {
		t.Errorf("keys collided: %q", x)
	}
}

func TestRandomIsUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		k := Random("reversal")
		if !strings.HasPrefix(k, "reversal_") {
			t.Fatalf("expected scope prefix, got %q", k)
		}
		if seen[k] {
			t.Fatalf("duplicate random key %q", k)
		}
		seen[k] = true
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate(""); err != ErrEmptyKey {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
	if err := Validate("   "); err != ErrEmptyKey {
		t.Errorf("expected ErrEmptyKey for blank key, got %v", err)
	}
	if err := Validate(strings.Repeat("k", MaxKeyLen+1)); err != ErrKeyTooLong {
		t.Errorf("expected ErrKeyTooLong, got %v", err)
	}
	if err := Validate("bench-1-2-3"); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}
