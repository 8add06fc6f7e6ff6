package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

// RoutingHint carries what an inbound event tells us about its owner.
type RoutingHint struct {
	// ChannelID is the provider-assigned channel (Cloud API phone_number_id or
	// the Twilio number the customer wrote to).
	ChannelID string
	// CustomerPhone is used only when the channel is missing or unmapped.
	CustomerPhone string
}

// RoutingLookup is the storage needed to resolve a RoutingHint.
type RoutingLookup interface {
	TenantByChannel(ctx context.Context, channelID string) (string, error)
	TenantsWithActiveConversation(ctx context.Context, phone string) ([]string, error)
}

// Resolver maps routing hints to tenants. It fails closed: ambiguous or
// unknown hints return ErrTenantNotFound.
type Resolver struct {
	lookup     RoutingLookup
	devDefault string
	logger     *logging.Logger
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithDevelopmentDefault sets a tenant used when nothing matches. Only wire
// this in development environments.
func WithDevelopmentDefault(tenantID string) ResolverOption {
	return func(r *Resolver) {
		r.devDefault = strings.TrimSpace(tenantID)
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger *logging.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver builds a resolver over lookup.
func NewResolver(lookup RoutingLookup, opts ...ResolverOption) *Resolver {
	if lookup == nil {
		panic("tenancy: routing lookup required")
	}
	r := &Resolver{lookup: lookup, logger: logging.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveTenant returns the tenant id owning the hint.
func (r *Resolver) ResolveTenant(ctx context.Context, hint RoutingHint) (string, error) {
	ctx, span := tenancyTracer.Start(ctx, "tenancy.resolve")
	defer span.End()

	if channel := strings.TrimSpace(hint.ChannelID); channel != "" {
		tenantID, err := r.lookup.TenantByChannel(ctx, channel)
		if err == nil {
			return tenantID, nil
		}
		if !errors.Is(err, ErrTenantNotFound) {
			span.RecordError(err)
			return "", err
		}
		// Twilio channels are phone numbers and may be stored in another format.
		if normalized := NormalizePhone(channel); normalized != "" && normalized != channel {
			if tenantID, err := r.lookup.TenantByChannel(ctx, normalized); err == nil {
				return tenantID, nil
			}
		}
	}

	if phone := NormalizePhone(hint.CustomerPhone); phone != "" {
		ids, err := r.lookup.TenantsWithActiveConversation(ctx, phone)
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		if len(ids) == 1 {
			return ids[0], nil
		}
		if len(ids) > 1 {
			r.logger.Warn("tenant resolution ambiguous", "channel_id", hint.ChannelID, "matches", len(ids))
		}
	}

	if r.devDefault != "" {
		r.logger.Warn("tenant resolution fell back to development default",
			"channel_id", hint.ChannelID, "tenant_id", r.devDefault)
		return r.devDefault, nil
	}
	return "", fmt.Errorf("%w: channel %q", ErrTenantNotFound, hint.ChannelID)
}
