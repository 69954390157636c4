package util

import "fmt"

// DefaultLogMaxLen is the default maximum length for prompt text persisted in
// request logs (1KB). Prompts can be arbitrarily long user input; the log rows
// only need enough of them for diagnostics.
const DefaultLogMaxLen = 1024

// TruncateLog truncates long strings for logging and request-log persistence.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncatePrompt is a convenience wrapper for TruncateLog using DefaultLogMaxLen.
func TruncatePrompt(s string) string {
	return TruncateLog(s, DefaultLogMaxLen)
}
