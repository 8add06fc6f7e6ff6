package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/internal/observability/metrics"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

// ErrDelivery wraps every outbound send failure.
var ErrDelivery = errors.New("messaging: delivery failed")

// CredentialSource decrypts a tenant's messaging provider credentials.
type CredentialSource interface {
	Messaging(t *tenancy.Tenant) (tenancy.MessagingCredentials, error)
}

// GatewayFactory builds the sender for a tenant's own provider account on
// every call.
type GatewayFactory struct {
	creds     CredentialSource
	logger    *logging.Logger
	metrics   *metrics.MessagingMetrics
	cloudOpts []CloudAPIOption
	newTwilio func(accountSID, authToken, from string) (conversation.Gateway, error)
}

// GatewayOption customizes a GatewayFactory.
type GatewayOption func(*GatewayFactory)

// WithGatewayMetrics counts sends by provider and status.
func WithGatewayMetrics(m *metrics.MessagingMetrics) GatewayOption {
	return func(f *GatewayFactory) {
		f.metrics = m
	}
}

// WithCloudAPIOptions applies opts to every Cloud API sender.
func WithCloudAPIOptions(opts ...CloudAPIOption) GatewayOption {
	return func(f *GatewayFactory) {
		f.cloudOpts = append(f.cloudOpts, opts...)
	}
}

func NewGatewayFactory(creds CredentialSource, logger *logging.Logger, opts ...GatewayOption) *GatewayFactory {
	if creds == nil {
		panic("messaging: credential source required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	f := &GatewayFactory{creds: creds, logger: logger}
	f.newTwilio = func(accountSID, authToken, from string) (conversation.Gateway, error) {
		return NewTwilioSender(accountSID, authToken, from, f.logger)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ conversation.GatewayFactory = (*GatewayFactory)(nil)

// ForTenant implements conversation.GatewayFactory.
func (f *GatewayFactory) ForTenant(_ context.Context, t *tenancy.Tenant) (conversation.Gateway, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: tenant required", ErrDelivery)
	}
	creds, err := f.creds.Messaging(t)
	if err != nil {
		return nil, fmt.Errorf("%w: messaging credentials for tenant %s: %v", ErrDelivery, t.ID, err)
	}

	provider := strings.ToLower(strings.TrimSpace(t.MessagingProvider))
	if provider == "" {
		provider = tenancy.ProviderCloudAPI
	}
	var gw conversation.Gateway
	switch provider {
	case tenancy.ProviderCloudAPI:
		gw = NewCloudAPISender(creds.PhoneNumberID, creds.AccessToken, f.logger, f.cloudOpts...)
	case tenancy.ProviderTwilio:
		from := creds.FromNumber
		if from == "" {
			from = t.SendingNumber
		}
		gw, err = f.newTwilio(creds.AccountSID, creds.AuthToken, from)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported messaging provider %q", ErrDelivery, t.MessagingProvider)
	}
	return &meteredGateway{next: gw, provider: provider, metrics: f.metrics}, nil
}

type meteredGateway struct {
	next     conversation.Gateway
	provider string
	metrics  *metrics.MessagingMetrics
}

func (g *meteredGateway) Send(ctx context.Context, msg conversation.OutboundMessage) (conversation.DeliveryResult, error) {
	res, err := g.next.Send(ctx, msg)
	status := res.Status
	if err != nil {
		status = conversation.DeliveryFailed
	}
	g.metrics.ObserveOutbound(g.provider, status)
	return res, err
}
