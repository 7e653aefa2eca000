package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	dobPattern   = regexp.MustCompile(`\b(?:19|20)\d{2}[-./](?:0?[1-9]|1[0-2])[-./](?:0?[1-9]|[12]\d|3[01])\b|\b(?:0?[1-9]|[12]\d|3[01])[-./](?:0?[1-9]|1[0-2])[-./](?:19|20)\d{2}\b`)
)

// RedactPII masks e-mail addresses, phone numbers and calendar dates.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Dates go before phones; 1990-04-12 also looks like a phone number.
	next = dobPattern.ReplaceAllString(out, "[REDACTED_DATE]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllStringFunc(out, func(m string) string {
		if !looksLikePhone(m) {
			return m
		}
		return "[REDACTED_PHONE]"
	})
	changed = changed || next != out
	out = next

	return out, changed
}

// looksLikePhone keeps plain digit runs such as sub-2023110501. A number
// needs a + prefix or separators between its digit groups.
func looksLikePhone(m string) bool {
	if strings.HasPrefix(m, "+") {
		return true
	}
	digits := 0
	for _, r := range m {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 9 && strings.ContainsAny(m, "-() ")
}
