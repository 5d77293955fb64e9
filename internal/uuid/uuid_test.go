// Package uuid provides unit tests for identifier generation.
package uuid

import (
	"strings"
	"testing"
	"time"
)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()
	if !IsValid(id) {
		t.Errorf("Generated UUID does not match v4 format: %s", id)
	}
	if err := Validate(id); err != nil {
		t.Errorf("Validate(%s) = %v", id, err)
	}
	if Validate("not-a-uuid") == nil {
		t.Error("Validate should reject malformed input")
	}
}

// TestNewTempID tests temp id shape and uniqueness.
func TestNewTempID(t *testing.T) {
	now := time.Unix(1700000000, 42)
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := NewTempID(now)
		if !strings.HasPrefix(id, "temp_1700000000000000042_") {
			t.Fatalf("unexpected temp id %s", id)
		}
		if !IsTempID(id) {
			t.Fatalf("IsTempID(%s) = false", id)
		}
		if seen[id] {
			t.Fatalf("duplicate temp id %s", id)
		}
		seen[id] = true
	}
}

// TestIsTempID tests rejection of non temp identifiers.
func TestIsTempID(t *testing.T) {
	for _, id := range []string{"", "42", "temp_", "temp_abc_def", "temp_123", "srv_123_x", New()} {
		if IsTempID(id) {
			t.Errorf("IsTempID(%q) = true", id)
		}
	}
}
