// Package util provides small shared helpers used across the oauth-bridge
// library that don't belong to a domain-specific package.
package util

// SafeTruncate returns at most maxLen leading characters of s without
// panicking on short input. It exists so logs can show a short prefix of
// sensitive values (codes, tokens) instead of the value itself.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
