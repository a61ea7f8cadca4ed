package redact

import "strings"

// String masks the middle of a secret, keeping roughly a quarter of the
// characters on each end so log lines stay correlatable.
func String(s string) string {
	l := len(s)
	if l < 8 {
		return strings.Repeat("*", l)
	}

	keep := l / 4

	return s[:keep] + strings.Repeat("*", l-2*keep) + s[l-keep:]
}
