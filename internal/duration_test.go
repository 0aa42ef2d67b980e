package internal

import (
	"testing"
	"time"
)

func TestParseCompactDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"15m", 15 * time.Minute},
		{"1h", time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"1.5d", 36 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"90m", 90 * time.Minute},
	}
	for _, tc := range cases {
		got, err := ParseCompactDuration(tc.in)
		if err != nil {
			t.Fatalf("ParseCompactDuration(%q) failed: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseCompactDuration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseCompactDurationRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "soon", "7dd", "d", "1x", "--1h"} {
		if _, err := ParseCompactDuration(in); err == nil {
			t.Fatalf("ParseCompactDuration(%q) unexpectedly succeeded", in)
		}
	}
}

func TestCanonicalizeCode(t *testing.T) {
	if got := CanonicalizeCode(" abcde-fghjk "); got != "ABCDEFGHJK" {
		t.Fatalf("unexpected canonical form %q", got)
	}
}

func TestSaltedHashDiffersPerSalt(t *testing.T) {
	a := SaltedHash("user-1", "CODE")
	b := SaltedHash("user-2", "CODE")
	if a == b {
		t.Fatal("expected different hashes for different salts")
	}
}

func TestNewBackupCodeShape(t *testing.T) {
	code, err := NewBackupCode()
	if err != nil {
		t.Fatalf("NewBackupCode failed: %v", err)
	}
	if len(code) != 11 || code[5] != '-' {
		t.Fatalf("unexpected backup code shape %q", code)
	}
}
