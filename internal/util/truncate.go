// Package util holds small helpers shared across packages.
package util

import "fmt"

// DefaultTruncateLen bounds error and payload text kept in logs and the
// request history.
const DefaultTruncateLen = 1024

// Truncate shortens s to maxLen, annotating the cut with the original
// length so the full size stays visible in diagnostics.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes applies Truncate with the default bound.
func TruncateBytes(b []byte) string {
	return Truncate(string(b), DefaultTruncateLen)
}
