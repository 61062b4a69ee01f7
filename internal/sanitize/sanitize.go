// Package sanitize escapes untrusted text, such as control input lines and
// the paths they name, before it reaches a log line.
package sanitize

import (
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// MaxLen is the longest string logged; longer input is cut and marked "...".
const MaxLen = 256

// String escapes control characters in s and truncates it to MaxLen runes.
func String(s string) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n == MaxLen {
			b.WriteString("...")
			break
		}
		n++
		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\\':
			b.WriteString(`\\`)
		case unicode.IsControl(r):
			const hex = "0123456789abcdef"
			b.WriteString(`\x`)
			b.WriteByte(hex[byte(r)>>4])
			b.WriteByte(hex[byte(r)&0x0f])
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Field is zap.String with the value escaped.
func Field(key, value string) zap.Field {
	return zap.String(key, String(value))
}
