package bootstrap

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/whatsapp-concierge/internal/config"
	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

// BuildPlatformModel returns the platform model client: Bedrock when a model
// id is configured, Gemini as its fallback or sole client, or nil when
// neither is set and every tenant must bring its own key.
func BuildPlatformModel(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) conversation.LLMClient {
	if logger == nil {
		logger = logging.Default()
	}
	var primary, fallback conversation.LLMClient
	if model := strings.TrimSpace(cfg.BedrockModelID); model != "" {
		primary = conversation.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg), model)
		logger.Info("platform model configured", "provider", "bedrock", "model", model)
	}
	if key := strings.TrimSpace(cfg.GeminiAPIKey); key != "" {
		gemini, err := conversation.NewGeminiLLMClient(ctx, key, cfg.GeminiModelID)
		if err != nil {
			logger.Warn("gemini client unavailable", "error", err)
		} else {
			fallback = gemini
			logger.Info("platform model configured", "provider", "gemini", "model", cfg.GeminiModelID)
		}
	}
	switch {
	case primary != nil && fallback != nil:
		return conversation.NewFallbackLLMClient(primary, fallback, logger)
	case primary != nil:
		return primary
	case fallback != nil:
		return fallback
	}
	logger.Warn("no platform model configured; tenants without their own AI key will get fallback replies")
	return nil
}
