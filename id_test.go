package posbase

import "testing"

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if !IsValidID(id) {
			t.Fatalf("NewID produced invalid UUID %q", id)
		}
		if seen[id] {
			t.Fatalf("NewID produced duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestIsValidID(t *testing.T) {
	if IsValidID("not-a-uuid") {
		t.Error("accepted a non-UUID string")
	}
	if IsValidID("") {
		t.Error("accepted the empty string")
	}
	if !IsValidID("123e4567-e89b-12d3-a456-426614174000") {
		t.Error("rejected a valid UUID")
	}
}
