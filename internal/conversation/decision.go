package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/api/googleapi"

	"github.com/wolfman30/whatsapp-concierge/internal/observability/metrics"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

var decisionTracer = otel.Tracer("wa.internal.conversation.decision")

// ErrLLMNotConfigured marks a missing or unusable model configuration.
var ErrLLMNotConfigured = errors.New("conversation: llm not configured")

var errMalformedDecision = errors.New("conversation: malformed model output")

// FailureKind classifies why a decision fell back.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureTimeout       FailureKind = "timeout"
	FailureRateLimited   FailureKind = "rate_limited"
	FailureConfiguration FailureKind = "configuration"
	FailureMalformed     FailureKind = "malformed"
	FailureTransient     FailureKind = "transient"
)

// Slots are the values the model claims the latest message provided. They
// are validated against the message before use.
type Slots struct {
	Service       string `json:"service"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	PreferredTime string `json:"preferred_time"`
}

// Decision is the model's advisory output.
type Decision struct {
	Reply         string
	ProposedState State
	Language      string
	Slots         Slots
	Fallback      bool
	FailureKind   FailureKind
}

// DecisionInput is what one model call sees.
type DecisionInput struct {
	Client       LLMClient
	SystemPrompt string
	ContextBlock string
	History      []HistoryEntry
	Message      string
	Language     string
}

// Decider calls the model under a deadline and never returns an error:
// failures become a localized apology that escalates to a person.
type Decider struct {
	timeout      time.Duration
	historyTurns int
	maxTokens    int32
	logger       *logging.Logger
	metrics      *metrics.ConversationMetrics
	now          func() time.Time
}

// DeciderOption configures a Decider.
type DeciderOption func(*Decider)

func WithDecisionTimeout(d time.Duration) DeciderOption {
	return func(dc *Decider) {
		if d > 0 {
			dc.timeout = d
		}
	}
}

func WithHistoryTurns(n int) DeciderOption {
	return func(dc *Decider) {
		if n > 0 {
			dc.historyTurns = n
		}
	}
}

func WithDecisionMetrics(m *metrics.ConversationMetrics) DeciderOption {
	return func(dc *Decider) { dc.metrics = m }
}

func WithDecisionLogger(l *logging.Logger) DeciderOption {
	return func(dc *Decider) {
		if l != nil {
			dc.logger = l
		}
	}
}

func NewDecider(opts ...DeciderOption) *Decider {
	d := &Decider{
		timeout:      12 * time.Second,
		historyTurns: 10,
		maxTokens:    600,
		logger:       logging.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decide asks the model for a reply and a proposed next state.
func (d *Decider) Decide(ctx context.Context, in DecisionInput) Decision {
	ctx, span := decisionTracer.Start(ctx, "conversation.decide")
	defer span.End()

	start := d.now()
	decision, err := d.decide(ctx, in)
	elapsed := d.now().Sub(start).Seconds()
	if err != nil {
		kind := ClassifyFailure(err)
		span.RecordError(err)
		span.SetAttributes(attribute.String("failure_kind", string(kind)))
		d.logger.Warn("ai decision fell back",
			"failure_kind", string(kind),
			"error", err,
		)
		d.metrics.ObserveDecision(string(kind), elapsed)
		return FallbackDecision(in.Language, kind)
	}
	d.metrics.ObserveDecision("ok", elapsed)
	return decision
}

func (d *Decider) decide(ctx context.Context, in DecisionInput) (Decision, error) {
	if in.Client == nil {
		return Decision{}, ErrLLMNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	system := []string{in.SystemPrompt}
	if in.ContextBlock != "" {
		system = append(system, in.ContextBlock)
	}
	resp, err := in.Client.Complete(ctx, LLMRequest{
		System:      system,
		Messages:    buildTurns(in.History, d.historyTurns, in.Message),
		MaxTokens:   d.maxTokens,
		Temperature: 0.2,
		JSONMode:    true,
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Decision{}, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return Decision{}, err
	}
	return ParseDecision(resp.Text)
}

// buildTurns keeps the last n history entries and appends the new message
// unless the history already ends with it.
func buildTurns(history []HistoryEntry, n int, message string) []ChatMessage {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	turns := make([]ChatMessage, 0, len(history)+1)
	for _, h := range history {
		role := ChatRoleUser
		if h.Role == SenderAI || h.Role == SenderAgent {
			role = ChatRoleAssistant
		}
		turns = append(turns, ChatMessage{Role: role, Content: h.Content})
	}
	if n := len(turns); n == 0 || turns[n-1].Role != ChatRoleUser || turns[n-1].Content != message {
		turns = append(turns, ChatMessage{Role: ChatRoleUser, Content: message})
	}
	return turns
}

type decisionPayload struct {
	Reply     string `json:"reply"`
	NextState string `json:"next_state"`
	Language  string `json:"language"`
	Slots     Slots  `json:"slots"`
}

// ParseDecision extracts the decision object from model text. Code fences
// and surrounding prose are tolerated.
func ParseDecision(text string) (Decision, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Decision{}, fmt.Errorf("%w: no json object", errMalformedDecision)
	}
	var p decisionPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", errMalformedDecision, err)
	}
	reply := strings.TrimSpace(p.Reply)
	if reply == "" {
		return Decision{}, fmt.Errorf("%w: empty reply", errMalformedDecision)
	}
	state := State(strings.ToUpper(strings.TrimSpace(p.NextState)))
	if !state.Valid() {
		return Decision{}, fmt.Errorf("%w: unknown next_state %q", errMalformedDecision, p.NextState)
	}
	return Decision{
		Reply:         reply,
		ProposedState: state,
		Language:      normalizeLanguage(p.Language),
		Slots: Slots{
			Service:       strings.TrimSpace(p.Slots.Service),
			Name:          strings.TrimSpace(p.Slots.Name),
			Email:         strings.TrimSpace(p.Slots.Email),
			PreferredTime: strings.TrimSpace(p.Slots.PreferredTime),
		},
	}, nil
}

var apologies = map[string]string{
	"en": "Sorry, I'm having trouble right now. A member of our team will get back to you shortly.",
	"es": "Lo sentimos, estoy teniendo problemas en este momento. Un miembro de nuestro equipo te responderá en breve.",
	"pt": "Desculpe, estou com dificuldades no momento. Um membro da nossa equipe responderá em breve.",
	"fr": "Désolé, je rencontre un problème pour le moment. Un membre de notre équipe vous répondra rapidement.",
	"de": "Entschuldigung, ich habe gerade technische Probleme. Ein Mitglied unseres Teams meldet sich in Kürze bei Ihnen.",
	"it": "Ci scusiamo, al momento sto avendo dei problemi. Un membro del nostro team ti risponderà a breve.",
}

// FallbackDecision is the deterministic reply used when the model fails.
func FallbackDecision(language string, kind FailureKind) Decision {
	lang := normalizeLanguage(language)
	if _, ok := apologies[lang]; !ok {
		lang = "en"
	}
	reply := apologies[lang]
	return Decision{
		Reply:         reply,
		ProposedState: StateSupportRequest,
		Language:      lang,
		Fallback:      true,
		FailureKind:   kind,
	}
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

// ClassifyFailure maps a model error to a FailureKind so logs separate
// configuration problems from transient ones.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	if errors.Is(err, ErrLLMNotConfigured) {
		return FailureConfiguration
	}
	if errors.Is(err, errMalformedDecision) {
		return FailureMalformed
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode)
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return classifyStatus(gErr.Code)
	}

	var throttled *brtypes.ThrottlingException
	if errors.As(err, &throttled) {
		return FailureRateLimited
	}
	var denied *brtypes.AccessDeniedException
	if errors.As(err, &denied) {
		return FailureConfiguration
	}
	var notFound *brtypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return FailureConfiguration
	}
	var invalid *brtypes.ValidationException
	if errors.As(err, &invalid) {
		return FailureConfiguration
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "quota"):
		return FailureRateLimited
	case strings.Contains(msg, "api key") || strings.Contains(msg, "permission_denied") || strings.Contains(msg, "unauthenticated"):
		return FailureConfiguration
	}
	return FailureTransient
}

func classifyStatus(code int) FailureKind {
	switch {
	case code == http.StatusTooManyRequests:
		return FailureRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusNotFound || code == http.StatusBadRequest:
		return FailureConfiguration
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return FailureTimeout
	}
	return FailureTransient
}
