package main

import "testing"

func TestIdempotencyKey(t *testing.T) {
	key := idempotencyKey([]byte(`{"fromId": "!aa", "id": 1184256001}`))
	if key != "mesh:!aa:1184256001" {
		t.Errorf("unexpected key %q", key)
	}

	// Redelivery of the same packet yields the same key.
	if again := idempotencyKey([]byte(`{"fromId": "!aa", "id": 1184256001}`)); again != key {
		t.Errorf("expected stable key, got %q and %q", key, again)
	}

	// No packet id: fall back to a payload hash.
	a := idempotencyKey([]byte(`{"fromId": "!aa"}`))
	b := idempotencyKey([]byte(`{"fromId": "!bb"}`))
	if a == b {
		t.Error("expected distinct hashes for distinct payloads")
	}
	if len(a) != 64 {
		t.Errorf("expected sha256 hex fallback, got %q", a)
	}
}
