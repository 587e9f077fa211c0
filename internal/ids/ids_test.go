package ids

import "testing"

func TestNewIsSortableAndValid(t *testing.T) {
	a := New()
	b := New()
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
	if !Valid(a) || !Valid(b) {
		t.Fatalf("generated ids must validate: %s %s", a, b)
	}
	if Valid("not-an-id") {
		t.Fatal("expected garbage to be rejected")
	}
}

func TestNonceIsUnique(t *testing.T) {
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		n := Nonce()
		if len(n) != 16 {
			t.Fatalf("unexpected nonce length %d", len(n))
		}
		if _, dup := seen[n]; dup {
			t.Fatalf("duplicate nonce %s", n)
		}
		seen[n] = struct{}{}
	}
}
