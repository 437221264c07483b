package util

import (
	"strings"
	"testing"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{"short string untouched", "hello", 10, "hello"},
		{"exact length untouched", "hello", 5, "hello"},
		{"long string cut", "hello world", 5, "hello... [truncated, 11 bytes total]"},
		{"empty string", "", 5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.in, tt.maxLen); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestTruncateBytes(t *testing.T) {
	long := strings.Repeat("x", DefaultTruncateLen+100)
	got := TruncateBytes([]byte(long))
	if len(got) <= DefaultTruncateLen || !strings.Contains(got, "truncated") {
		t.Errorf("TruncateBytes did not annotate the cut: %q", got[len(got)-60:])
	}
	if got := TruncateBytes([]byte("ok")); got != "ok" {
		t.Errorf("TruncateBytes(ok) = %q", got)
	}
}
