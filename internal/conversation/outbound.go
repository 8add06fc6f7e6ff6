package conversation

import (
	"context"

	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
)

// OutboundMessage carries the data required to push a message to a customer.
type OutboundMessage struct {
	TenantID       string
	ConversationID string
	MessageID      string
	To             string
	From           string
	Body           string
	MediaURL       string
}

// DeliveryResult is what the provider reported for a send.
type DeliveryResult struct {
	Provider          string
	ProviderMessageID string
	Status            string
}

// Gateway delivers messages through one tenant's messaging provider.
type Gateway interface {
	Send(ctx context.Context, msg OutboundMessage) (DeliveryResult, error)
}

// GatewayFactory builds the gateway for a tenant from its own configuration.
type GatewayFactory interface {
	ForTenant(ctx context.Context, t *tenancy.Tenant) (Gateway, error)
}
