package conversation

import (
	"context"

	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

// FallbackLLMClient sends a request to the secondary provider when the
// primary fails and the decision deadline has not passed.
type FallbackLLMClient struct {
	primary   LLMClient
	secondary LLMClient
	logger    *logging.Logger
}

// NewFallbackLLMClient panics without a primary. A nil secondary makes the
// client a pass-through.
func NewFallbackLLMClient(primary, secondary LLMClient, logger *logging.Logger) *FallbackLLMClient {
	if primary == nil {
		panic("conversation: primary llm client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackLLMClient{primary: primary, secondary: secondary, logger: logger}
}

func (c *FallbackLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	resp, primaryErr := c.primary.Complete(ctx, req)
	if primaryErr == nil {
		return resp, nil
	}
	kind := ClassifyFailure(primaryErr)
	if c.secondary == nil || ctx.Err() != nil {
		c.logger.Warn("model call failed", "error", primaryErr, "failure_kind", string(kind))
		return LLMResponse{}, primaryErr
	}

	c.logger.Warn("primary model failed, trying secondary", "error", primaryErr, "failure_kind", string(kind))
	resp, err := c.secondary.Complete(ctx, req)
	if err != nil {
		c.logger.Error("secondary model failed",
			"primary_error", primaryErr,
			"error", err,
			"failure_kind", string(ClassifyFailure(err)),
		)
		return LLMResponse{}, err
	}
	return resp, nil
}
