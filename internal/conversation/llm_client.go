package conversation

import "context"

// ChatRole is the speaker of a prompt turn.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one prompt turn. Customer messages become user turns; AI
// and agent messages become assistant turns.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// LLMRequest is a provider-neutral completion request. A negative
// Temperature keeps the provider default. JSONMode constrains the output to
// one JSON object on providers that support it.
type LLMRequest struct {
	Model       string
	System      []string
	Messages    []ChatMessage
	MaxTokens   int32
	Temperature float32
	TopP        float32
	JSONMode    bool
}

type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// LLMResponse is the raw model output. Parsing it into a Decision is the
// Decider's job.
type LLMResponse struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// LLMClient is implemented once per provider and by FallbackLLMClient.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}
