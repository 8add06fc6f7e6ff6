package tenancy

import (
	"regexp"
	"strings"
)

var phoneDigitsRe = regexp.MustCompile(`\d+`)

// DigitsOnly strips everything except digits from a phone number.
func DigitsOnly(value string) string {
	if value == "" {
		return ""
	}
	return strings.Join(phoneDigitsRe.FindAllString(value, -1), "")
}

// NormalizePhone returns the E.164 form of a phone number. Provider prefixes
// such as "whatsapp:" are dropped.
func NormalizePhone(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "whatsapp:")
	digits := DigitsOnly(value)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// SamePhone compares two numbers ignoring formatting.
func SamePhone(a, b string) bool {
	da, db := DigitsOnly(a), DigitsOnly(b)
	return da != "" && da == db
}
