package logutil

import (
	"regexp"
	"strings"
)

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection attacks where attackers could inject
// fake log entries by including newline characters.
func SanitizeForLog(s string) string {
	// Replace all newlines with spaces
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	// Replace tabs with spaces
	s = strings.ReplaceAll(s, "\t", " ")
	// Remove other control characters (ASCII 0-31 except space)
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 || r == ' ' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

var (
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	// Long base64-looking runs are almost always credentials or key material.
	base64Pattern = regexp.MustCompile(`[A-Za-z0-9+/=_-]{50,}`)
)

// RedactSecrets masks bearer tokens and long base64-looking runs before a
// string is retained or logged.
func RedactSecrets(s string) string {
	s = bearerPattern.ReplaceAllString(s, "[REDACTED]")
	s = base64Pattern.ReplaceAllString(s, "[REDACTED]")
	return s
}
