package conversation

import (
	"regexp"
	"strings"
)

// supportPatterns match customers asking for a person, in the languages the
// apology covers.
var supportPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(talk|speak|chat)\s+(to|with)\s+(a\s+)?(human|person|someone|agent|representative|manager)\b`),
	regexp.MustCompile(`(?i)\b(real|live)\s+(person|human|agent)\b`),
	regexp.MustCompile(`(?i)\b(customer\s+)?(support|service)\s+agent\b`),
	regexp.MustCompile(`(?i)^\s*(human|agent|representative|operator)\s*[.!?]*\s*$`),
	regexp.MustCompile(`(?i)\bhablar\s+con\s+(una\s+persona|un\s+humano|un\s+agente|alguien)\b`),
	regexp.MustCompile(`(?i)\bfalar\s+com\s+(uma\s+pessoa|um\s+humano|um\s+atendente|algu[eé]m)\b`),
	regexp.MustCompile(`(?i)\bparler\s+(à|a)\s+(une\s+personne|un\s+humain|un\s+agent|quelqu'un)\b`),
	regexp.MustCompile(`(?i)\bmit\s+(einem\s+menschen|einer\s+person|einem\s+mitarbeiter)\s+sprechen\b`),
	regexp.MustCompile(`(?i)\bparlare\s+con\s+(una\s+persona|un\s+operatore|qualcuno)\b`),
}

// IsSupportRequest reports whether the customer explicitly asked for a
// person, regardless of what the model decided.
func IsSupportRequest(message string) bool {
	message = strings.TrimSpace(message)
	if message == "" {
		return false
	}
	for _, pat := range supportPatterns {
		if pat.MatchString(message) {
			return true
		}
	}
	return false
}
