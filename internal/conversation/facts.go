package conversation

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
)

// Facts are what the resolver trusts. Each is derived from stored context or
// validated against the customer's own message, never from the model alone.
type Facts struct {
	HasSelectedService bool
	HasName            bool
	HasEmail           bool
	HasPreferredTime   bool
	IsLiveCall         bool
}

// Extraction is the result of reading one inbound message.
type Extraction struct {
	Facts   Facts
	Patch   ContextPatch
	Service *tenancy.Service
	// PreferredTime is the parsed slot when one is known.
	PreferredTime time.Time
}

// FactInput is everything fact extraction reads.
type FactInput struct {
	State   State
	Context ContextData
	Message string
	Slots   Slots
	Catalog []tenancy.Service
	Now     time.Time
}

var (
	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bmy name is\s+([\p{L}][\p{L}'\-. ]{1,60})`),
		regexp.MustCompile(`(?i)\b(?:i am|i'm|im|this is)\s+([\p{L}][\p{L}'\-. ]{1,60})`),
		regexp.MustCompile(`(?i)\b(?:me llamo|mi nombre es|soy)\s+([\p{L}][\p{L}'\-. ]{1,60})`),
		regexp.MustCompile(`(?i)\b(?:meu nome é|me chamo)\s+([\p{L}][\p{L}'\-. ]{1,60})`),
		regexp.MustCompile(`(?i)\b(?:je m'appelle|je suis)\s+([\p{L}][\p{L}'\-. ]{1,60})`),
		regexp.MustCompile(`(?i)\b(?:ich heiße|ich heisse|mein name ist)\s+([\p{L}][\p{L}'\-. ]{1,60})`),
		regexp.MustCompile(`(?i)\b(?:mi chiamo|il mio nome è)\s+([\p{L}][\p{L}'\-. ]{1,60})`),
	}
)

// notNames are replies that pass the shape check but are not names.
var notNames = map[string]bool{
	"hi": true, "hello": true, "hey": true, "hola": true, "ola": true, "olá": true, "bonjour": true,
	"hallo": true, "ciao": true, "yes": true, "no": true, "ok": true, "okay": true, "si": true, "sí": true,
	"thanks": true, "thank you": true, "gracias": true, "obrigado": true, "merci": true, "danke": true,
	"grazie": true, "sure": true, "interested": true, "ready": true, "here": true,
}

// nameStopWords never appear in a name; they mark a sentence such as
// "I'm interested in a facial".
var nameStopWords = map[string]bool{
	"interested": true, "looking": true, "in": true, "for": true, "to": true, "the": true, "a": true,
	"an": true, "and": true, "want": true, "need": true, "good": true, "fine": true, "great": true,
	"ready": true, "available": true, "not": true, "sure": true, "book": true, "booking": true,
	"busy": true, "free": true, "here": true, "back": true, "new": true, "just": true,
}

// ExtractFacts validates what the model says the message contains.
func ExtractFacts(in FactInput) Extraction {
	var out Extraction
	catalog := append([]tenancy.Service(nil), in.Catalog...)
	tenancy.SortServices(catalog)

	if svc := matchService(in, catalog); svc != nil {
		out.Service = svc
		if svc.ID != in.Context.SelectedServiceID {
			out.Patch.SelectedServiceID = ptr(svc.ID)
			out.Patch.SelectedService = ptr(svc.Name)
		}
	} else if in.Context.SelectedServiceID != "" {
		out.Service = findService(catalog, in.Context.SelectedServiceID)
	}
	out.Facts.HasSelectedService = out.Service != nil
	if out.Service != nil {
		out.Facts.IsLiveCall = out.Service.IsLiveCall
	}

	if in.Context.Name != "" {
		out.Facts.HasName = true
	} else if name := extractName(in); name != "" {
		out.Facts.HasName = true
		out.Patch.Name = ptr(name)
	}

	if email := extractEmail(in); email != "" && !strings.EqualFold(email, in.Context.Email) {
		out.Patch.Email = ptr(email)
		out.Facts.HasEmail = true
	} else if in.Context.Email != "" {
		out.Facts.HasEmail = true
	}

	if t, ok := parsePreferredTime(in.Slots.PreferredTime, in.Now); ok && in.State == StateSelectTimeSlot {
		out.PreferredTime = t
		out.Facts.HasPreferredTime = true
		out.Patch.PreferredTime = ptr(t.UTC().Format(time.RFC3339))
	} else if t, ok := parsePreferredTime(in.Context.PreferredTime, time.Time{}); ok {
		out.PreferredTime = t
		out.Facts.HasPreferredTime = true
	}
	return out
}

func findService(catalog []tenancy.Service, id string) *tenancy.Service {
	for i := range catalog {
		if catalog[i].ID == id {
			return &catalog[i]
		}
	}
	return nil
}

// matchService returns the service the customer picked in this message. The
// catalog must be sorted so list numbers match what the customer saw.
func matchService(in FactInput, catalog []tenancy.Service) *tenancy.Service {
	if len(catalog) == 0 {
		return nil
	}
	switch in.State {
	case StateGreeting, StateShowServices, StateServiceSelected, StateGeneralQuestion:
	default:
		return nil
	}
	msg := normalizeText(in.Message)
	if msg == "" {
		return nil
	}

	if n, err := strconv.Atoi(strings.TrimSuffix(msg, ".")); err == nil {
		if n >= 1 && n <= len(catalog) {
			return &catalog[n-1]
		}
		return nil
	}

	var best *tenancy.Service
	for i := range catalog {
		name := normalizeText(catalog[i].Name)
		if name != "" && containsPhrase(msg, name) && (best == nil || len(name) > len(normalizeText(best.Name))) {
			best = &catalog[i]
		}
	}
	if best != nil {
		return best
	}

	if slot := normalizeText(in.Slots.Service); slot != "" {
		for i := range catalog {
			if normalizeText(catalog[i].Name) == slot && sharesToken(msg, slot, 3) {
				return &catalog[i]
			}
		}
	}

	// A distinctive word that names exactly one service.
	var hit *tenancy.Service
	for i := range catalog {
		if sharesToken(msg, normalizeText(catalog[i].Name), 4) {
			if hit != nil {
				return nil
			}
			hit = &catalog[i]
		}
	}
	return hit
}

func extractName(in FactInput) string {
	for _, re := range namePatterns {
		if m := re.FindStringSubmatch(in.Message); len(m) == 2 {
			if name := cleanName(leadingNameWords(m[1])); name != "" {
				return name
			}
		}
	}
	if slot := cleanName(in.Slots.Name); slot != "" && strings.Contains(strings.ToLower(in.Message), strings.ToLower(slot)) {
		return slot
	}
	if in.State == StateAskName {
		return cleanName(in.Message)
	}
	return ""
}

// leadingNameWords cuts a captured phrase at the first word that cannot be
// part of a name.
func leadingNameWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if nameStopWords[strings.ToLower(w)] {
			return strings.Join(words[:i], " ")
		}
	}
	return s
}

// cleanName trims a candidate and rejects anything that does not look like a
// personal name.
func cleanName(s string) string {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), ".,!?;:"))
	if len(s) < 2 || len(s) > 60 || notNames[strings.ToLower(s)] {
		return ""
	}
	words := strings.Fields(s)
	if len(words) == 0 || len(words) > 5 {
		return ""
	}
	for _, r := range s {
		if !(unicode.IsLetter(r) || r == ' ' || r == '\'' || r == '-' || r == '.') {
			return ""
		}
	}
	for i, w := range words {
		if nameStopWords[strings.ToLower(w)] {
			return ""
		}
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

func extractEmail(in FactInput) string {
	if m := emailPattern.FindString(in.Message); m != "" {
		return strings.ToLower(strings.TrimRight(m, "."))
	}
	slot := strings.ToLower(in.Slots.Email)
	if slot != "" && emailPattern.MatchString(slot) && strings.Contains(strings.ToLower(in.Message), slot) {
		return slot
	}
	return ""
}

// parsePreferredTime accepts RFC 3339 times after notBefore.
func parsePreferredTime(s string, notBefore time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	if !notBefore.IsZero() && !t.After(notBefore) {
		return time.Time{}, false
	}
	return t, true
}

func normalizeText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space && b.Len() > 0 {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func containsPhrase(text, phrase string) bool {
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}

func sharesToken(text, name string, minLen int) bool {
	words := strings.Fields(text)
	for _, tok := range strings.Fields(name) {
		if len([]rune(tok)) < minLen {
			continue
		}
		for _, w := range words {
			if w == tok {
				return true
			}
		}
	}
	return false
}
