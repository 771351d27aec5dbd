// Package textx holds small text helpers shared by the prompt builders.
package textx

import "strings"

// SanitizeText drops control characters other than tab, newline and
// carriage return, then trims surrounding whitespace. Source files fed to
// the LLM pass through it so stray bytes never end up inside a prompt.
func SanitizeText(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return r
		case r < 32 || r == 127:
			return -1
		default:
			return r
		}
	}, s)
	return strings.TrimSpace(cleaned)
}
