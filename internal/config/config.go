package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Processing modes for inbound webhooks.
const (
	ProcessingInline = "inline"
	ProcessingQueue  = "queue"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	PublicBaseURL  string
	LogLevel       string
	DatabaseURL    string
	ProcessingMode string
	UseMemoryQueue bool
	WorkerCount    int

	// Secrets
	MasterKey      string
	InternalAPIKey string
	AdminJWTSecret string

	// Inbound webhooks
	MetaAppSecret    string
	MetaVerifyToken  string
	MetaGraphVersion string
	TwilioAuthToken  string

	// WebhookRateLimit caps webhook requests per client IP per minute.
	WebhookRateLimit   int
	CORSAllowedOrigins []string

	// Conversation engine
	AITimeout          time.Duration
	AIHistoryTurns     int
	HistoryWindow      int
	ConversationTTL    time.Duration
	InboundRateLimit   int
	InboundRateWindow  time.Duration
	ClaimRetention     time.Duration
	DevDefaultTenantID string

	// LLM providers
	BedrockModelID string
	GeminiAPIKey   string
	GeminiModelID  string
	OpenAIModelID  string

	// AWS
	AWSRegion            string
	AWSAccessKeyID       string
	AWSSecretAccessKey   string
	AWSEndpointOverride  string
	ConversationQueueURL string
	MediaBucket          string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// NATS
	NATSURL    string
	NATSStream string

	// Agent email notifications
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		PublicBaseURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		ProcessingMode: strings.ToLower(strings.TrimSpace(getEnv("PROCESSING_MODE", ProcessingInline))),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),

		MasterKey:      getEnv("MASTER_KEY", ""),
		InternalAPIKey: getEnv("INTERNAL_API_KEY", ""),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		MetaAppSecret:      getEnv("META_APP_SECRET", ""),
		MetaVerifyToken:    getEnv("META_VERIFY_TOKEN", ""),
		MetaGraphVersion:   getEnv("META_GRAPH_VERSION", "v21.0"),
		TwilioAuthToken:    getEnv("TWILIO_AUTH_TOKEN", ""),
		WebhookRateLimit:   getEnvAsInt("WEBHOOK_RATE_LIMIT", 600),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),

		AITimeout:          getEnvAsDuration("AI_TIMEOUT", 12*time.Second),
		AIHistoryTurns:     getEnvAsInt("AI_HISTORY_TURNS", 10),
		HistoryWindow:      getEnvAsInt("HISTORY_WINDOW", 20),
		ConversationTTL:    getEnvAsDuration("CONVERSATION_TTL", 24*time.Hour),
		InboundRateLimit:   getEnvAsInt("INBOUND_RATE_LIMIT", 30),
		InboundRateWindow:  getEnvAsDuration("INBOUND_RATE_WINDOW", time.Minute),
		ClaimRetention:     getEnvAsDuration("CLAIM_RETENTION", 30*24*time.Hour),
		DevDefaultTenantID: getEnv("DEV_DEFAULT_TENANT_ID", ""),

		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:  getEnv("GEMINI_MODEL_ID", "gemini-1.5-flash"),
		OpenAIModelID:  getEnv("OPENAI_MODEL_ID", "gpt-4o-mini"),

		AWSRegion:            getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:       getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:  getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		ConversationQueueURL: getEnv("CONVERSATION_QUEUE_URL", ""),
		MediaBucket:          getEnv("MEDIA_BUCKET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		NATSURL:    getEnv("NATS_URL", ""),
		NATSStream: getEnv("NATS_STREAM", "CONVERSATIONS"),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "WhatsApp Concierge"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
	}
}

// IsDevelopment reports whether the process runs in a local development env.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development")
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping empty entries.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
