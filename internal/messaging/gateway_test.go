package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/internal/observability/metrics"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

type stubGateway struct {
	err error
}

func (g stubGateway) Send(context.Context, conversation.OutboundMessage) (conversation.DeliveryResult, error) {
	if g.err != nil {
		return conversation.DeliveryResult{Status: conversation.DeliveryFailed}, g.err
	}
	return conversation.DeliveryResult{Status: conversation.DeliverySent, ProviderMessageID: "x"}, nil
}

func TestGatewayFactoryDefaultsToCloudAPI(t *testing.T) {
	f := NewGatewayFactory(fakeCreds{creds: tenancy.MessagingCredentials{PhoneNumberID: "123", AccessToken: "tok"}}, logging.Discard())
	gw, err := f.ForTenant(context.Background(), &tenancy.Tenant{ID: testTenantID})
	require.NoError(t, err)

	metered, ok := gw.(*meteredGateway)
	require.True(t, ok)
	sender, ok := metered.next.(*CloudAPISender)
	require.True(t, ok)
	assert.Equal(t, "123", sender.phoneNumberID)
	assert.Equal(t, tenancy.ProviderCloudAPI, metered.provider)
}

func TestGatewayFactoryTwilioFallsBackToSendingNumber(t *testing.T) {
	f := NewGatewayFactory(fakeCreds{creds: tenancy.MessagingCredentials{AccountSID: "AC1", AuthToken: "secret"}}, logging.Discard())
	var gotFrom string
	f.newTwilio = func(accountSID, authToken, from string) (conversation.Gateway, error) {
		gotFrom = from
		return stubGateway{}, nil
	}

	_, err := f.ForTenant(context.Background(), &tenancy.Tenant{ID: testTenantID, MessagingProvider: "Twilio", SendingNumber: "+15550000000"})
	require.NoError(t, err)
	assert.Equal(t, "+15550000000", gotFrom)
}

func TestGatewayFactoryErrors(t *testing.T) {
	ctx := context.Background()

	f := NewGatewayFactory(fakeCreds{err: tenancy.ErrNoCredentials}, logging.Discard())
	if _, err := f.ForTenant(ctx, &tenancy.Tenant{ID: testTenantID}); !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected missing credentials to be a delivery error, got %v", err)
	}

	f = NewGatewayFactory(fakeCreds{}, logging.Discard())
	if _, err := f.ForTenant(ctx, &tenancy.Tenant{ID: testTenantID, MessagingProvider: "carrier-pigeon"}); !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}
	if _, err := f.ForTenant(ctx, nil); err == nil {
		t.Fatal("expected nil tenant to fail")
	}
}

func TestMeteredGatewayCountsFailures(t *testing.T) {
	m := metrics.NewMessagingMetrics(prometheus.NewRegistry())
	gw := &meteredGateway{next: stubGateway{err: errors.New("boom")}, provider: tenancy.ProviderTwilio, metrics: m}

	_, err := gw.Send(context.Background(), conversation.OutboundMessage{})
	assert.Error(t, err)

	ok := &meteredGateway{next: stubGateway{}, provider: tenancy.ProviderTwilio}
	res, err := ok.Send(context.Background(), conversation.OutboundMessage{})
	require.NoError(t, err)
	assert.Equal(t, conversation.DeliverySent, res.Status)
}
