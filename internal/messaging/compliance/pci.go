// Package compliance keeps cardholder data out of stored conversations.
package compliance

import (
	"regexp"
	"strings"
)

// 13 to 19 digits, optionally grouped by single spaces or dashes.
var panCandidateRE = regexp.MustCompile(`\d(?:[ -]?\d){12,18}`)

// RedactPAN replaces Luhn-valid card numbers with a marker that keeps the
// last four digits. The second result reports whether anything changed.
func RedactPAN(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return text, false
	}
	redacted := false
	out := panCandidateRE.ReplaceAllStringFunc(text, func(candidate string) string {
		digits := stripSeparators(candidate)
		if !luhnValid(digits) {
			return candidate
		}
		redacted = true
		return "[REDACTED_CARD_" + digits[len(digits)-4:] + "]"
	})
	return out, redacted
}

// ContainsPAN reports whether text carries a likely card number.
func ContainsPAN(text string) bool {
	_, found := RedactPAN(text)
	return found
}

func stripSeparators(s string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(s)
}

func luhnValid(digits string) bool {
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if n < 0 || n > 9 {
			return false
		}
		if double {
			if n *= 2; n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}
