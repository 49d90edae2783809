package executor

import "strings"

const truncationMarker = "...[truncated]"

// summaryMaxChars bounds the single-line digest posted to the main session
// in the default summary mode.
const summaryMaxChars = 200

// summarize reduces agent output to its first non-empty line, truncated.
func summarize(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return truncateHead(line, summaryMaxChars)
		}
	}
	return ""
}

// truncateHead keeps the head of text up to max characters, appending a
// marker when anything was cut. Runs on runes so multi-byte output is never
// split mid-character.
func truncateHead(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	keep := max - len(truncationMarker)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + truncationMarker
}
