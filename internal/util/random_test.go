package util

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRandomID(t *testing.T) {
	for _, tc := range []struct {
		prefix string
		n      int
	}{
		{"outbox_", 32},
		{"p_", 15},
		{"", 8},
		{"x_", 0},
	} {
		got := GenerateRandomID(tc.prefix, tc.n)
		if !strings.HasPrefix(got, tc.prefix) || len(got) != len(tc.prefix)+tc.n {
			t.Errorf("GenerateRandomID(%q, %d) = %q", tc.prefix, tc.n, got)
			continue
		}
		digits := strings.TrimPrefix(got, tc.prefix)
		if digits != strings.ToLower(digits) {
			t.Errorf("expected lowercase hex, got %q", digits)
		}
		// Odd lengths are padded so they decode.
		if _, err := hex.DecodeString(digits + strings.Repeat("0", len(digits)%2)); err != nil {
			t.Errorf("not hex: %q", digits)
		}
	}
	if GenerateRandomHex(-3) != "" {
		t.Error("negative length should give an empty string")
	}
}

func TestGenerateRandomIDUnique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := GenerateRandomID("outbox_", 32)
		if seen[id] {
			t.Fatalf("duplicate id %s after %d draws", id, i)
		}
		seen[id] = true
	}
}

func TestGenerateMessageID(t *testing.T) {
	got := GenerateMessageID()
	if !strings.HasPrefix(got, "msg_") {
		t.Fatalf("GenerateMessageID() = %v, want prefix msg_", got)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(got, "msg_")); err != nil {
		t.Errorf("GenerateMessageID() suffix is not a uuid: %v", err)
	}
	if GenerateMessageID() == got {
		t.Error("GenerateMessageID() returned a duplicate")
	}
	if GenerateLockToken() == GenerateLockToken() {
		t.Error("GenerateLockToken() returned a duplicate")
	}
}
