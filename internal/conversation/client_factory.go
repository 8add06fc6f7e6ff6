package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
)

// AICredentialSource decrypts a tenant's own model credentials.
type AICredentialSource interface {
	AI(t *tenancy.Tenant) (tenancy.AICredentials, error)
}

// ClientFactory picks the model client for a tenant on every call. Tenants
// with their own credentials get a client for that account; everyone else
// shares the platform client.
type ClientFactory struct {
	platform LLMClient
	creds    AICredentialSource

	mu     sync.Mutex
	tenant map[string]LLMClient

	newOpenAI func(apiKey, model string) (LLMClient, error)
	newGemini func(ctx context.Context, apiKey, model string) (LLMClient, error)
}

// NewClientFactory builds a factory. Either argument may be nil.
func NewClientFactory(platform LLMClient, creds AICredentialSource) *ClientFactory {
	return &ClientFactory{
		platform: platform,
		creds:    creds,
		tenant:   make(map[string]LLMClient),
		newOpenAI: func(apiKey, model string) (LLMClient, error) {
			return NewOpenAILLMClient(apiKey, model, "")
		},
		newGemini: func(ctx context.Context, apiKey, model string) (LLMClient, error) {
			return NewGeminiLLMClient(ctx, apiKey, model)
		},
	}
}

// ForTenant returns the client that should answer for t.
func (f *ClientFactory) ForTenant(ctx context.Context, t *tenancy.Tenant) (LLMClient, error) {
	if f.creds != nil && t != nil && t.AICredentials != "" {
		creds, err := f.creds.AI(t)
		switch {
		case err == nil:
			return f.tenantClient(ctx, t.ID, creds)
		case errors.Is(err, tenancy.ErrNoCredentials):
		default:
			return nil, fmt.Errorf("%w: %v", ErrLLMNotConfigured, err)
		}
	}
	if f.platform == nil {
		return nil, fmt.Errorf("%w: no platform model and tenant has no AI credentials", ErrLLMNotConfigured)
	}
	return f.platform, nil
}

func (f *ClientFactory) tenantClient(ctx context.Context, tenantID string, creds tenancy.AICredentials) (LLMClient, error) {
	sum := sha256.Sum256([]byte(creds.Provider + "|" + creds.APIKey + "|" + creds.Model))
	key := tenantID + ":" + hex.EncodeToString(sum[:8])

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.tenant[key]; ok {
		return c, nil
	}

	var (
		client LLMClient
		err    error
	)
	switch strings.ToLower(strings.TrimSpace(creds.Provider)) {
	case "openai":
		client, err = f.newOpenAI(creds.APIKey, creds.Model)
	case "gemini", "google":
		client, err = f.newGemini(ctx, creds.APIKey, creds.Model)
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q", ErrLLMNotConfigured, creds.Provider)
	}
	if err != nil {
		return nil, err
	}
	f.tenant[key] = client
	return client, nil
}
