// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestHashValueIgnoresMapOrder(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.HashValue(map[string]any{"parcels": 4, "owner": "0xabc", "tags": []any{"art"}})
	if err != nil {
		t.Fatalf("HashValue() error = %v", err)
	}
	b, err := h.HashValue(map[string]any{"tags": []any{"art"}, "owner": "0xabc", "parcels": 4})
	if err != nil {
		t.Fatalf("HashValue() error = %v", err)
	}
	if a != b {
		t.Fatalf("expected equal digests, got %s vs %s", a, b)
	}

	c, err := h.HashValue(map[string]any{"parcels": 5, "owner": "0xabc", "tags": []any{"art"}})
	if err != nil {
		t.Fatalf("HashValue() error = %v", err)
	}
	if a == c {
		t.Fatal("expected different digests for different metadata")
	}
}

func TestHashValueRejectsUnencodable(t *testing.T) {
	t.Parallel()

	if _, err := New().HashValue(map[string]any{"fn": func() {}}); err == nil {
		t.Fatal("expected error for unencodable value")
	}
}
