package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

func newTestCloudSender(t *testing.T, handler http.HandlerFunc) *CloudAPISender {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s := NewCloudAPISender("10987654321", "EAAG-token", logging.Discard(), WithGraphBaseURL(srv.URL), WithGraphVersion("v20.0"))
	s.sleep = noSleep
	return s
}

func TestCloudAPISenderSendsText(t *testing.T) {
	var got cloudAPIRequest
	s := newTestCloudSender(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v20.0/10987654321/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer EAAG-token" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.out1"}]}`))
	})

	res, err := s.Send(context.Background(), conversation.OutboundMessage{TenantID: testTenantID, To: "+1 (555) 123-4567", Body: "Hello!"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.out1", res.ProviderMessageID)
	assert.Equal(t, conversation.DeliverySent, res.Status)
	assert.Equal(t, tenancy.ProviderCloudAPI, res.Provider)

	assert.Equal(t, "whatsapp", got.MessagingProduct)
	assert.Equal(t, "15551234567", got.To)
	assert.Equal(t, "text", got.Type)
	require.NotNil(t, got.Text)
	assert.Equal(t, "Hello!", got.Text.Body)
}

func TestCloudAPISenderRetries(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{"server error retried", http.StatusBadGateway, maxSendAttempts},
		{"rate limit retried", http.StatusTooManyRequests, maxSendAttempts},
		{"bad request not retried", http.StatusBadRequest, 1},
		{"unauthorized not retried", http.StatusUnauthorized, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			s := newTestCloudSender(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","code":131026}}`))
			})
			res, err := s.Send(context.Background(), conversation.OutboundMessage{To: "+15551234567", Body: "hi"})
			if !errors.Is(err, ErrDelivery) {
				t.Fatalf("expected ErrDelivery, got %v", err)
			}
			assert.Equal(t, conversation.DeliveryFailed, res.Status)
			assert.Contains(t, err.Error(), "code 131026")
			assert.Equal(t, tc.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestCloudAPISenderRecoversAfterTransientFailure(t *testing.T) {
	var calls int32
	s := newTestCloudSender(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.retry"}]}`))
	})
	res, err := s.Send(context.Background(), conversation.OutboundMessage{To: "+15551234567", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.retry", res.ProviderMessageID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCloudAPISenderValidates(t *testing.T) {
	s := NewCloudAPISender("", "", logging.Discard())
	if _, err := s.Send(context.Background(), conversation.OutboundMessage{To: "+1555", Body: "x"}); !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected missing credentials to fail, got %v", err)
	}
	s = NewCloudAPISender("1", "t", logging.Discard())
	if _, err := s.Send(context.Background(), conversation.OutboundMessage{To: "+15551234567", Body: "  "}); !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected empty body to fail, got %v", err)
	}
}

type fakeTwilioAPI struct {
	params []*twilioApi.CreateMessageParams
	errs   []error
	sid    string
}

func (f *fakeTwilioAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	sid := f.sid
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilioSenderAddressesWhatsApp(t *testing.T) {
	api := &fakeTwilioAPI{sid: "SM123"}
	s := newTwilioSender(api, "+15550000000", logging.Discard())
	s.sleep = noSleep

	res, err := s.Send(context.Background(), conversation.OutboundMessage{To: "whatsapp:+15551234567", Body: "Hi there"})
	require.NoError(t, err)
	assert.Equal(t, "SM123", res.ProviderMessageID)
	assert.Equal(t, tenancy.ProviderTwilio, res.Provider)

	require.Len(t, api.params, 1)
	p := api.params[0]
	require.NotNil(t, p.To)
	require.NotNil(t, p.From)
	require.NotNil(t, p.Body)
	assert.Equal(t, "whatsapp:+15551234567", *p.To)
	assert.Equal(t, "whatsapp:+15550000000", *p.From)
	assert.Equal(t, "Hi there", *p.Body)
}

func TestTwilioSenderRetryPolicy(t *testing.T) {
	api := &fakeTwilioAPI{sid: "SM9", errs: []error{&twclient.TwilioRestError{Status: 503, Message: "busy"}, nil}}
	s := newTwilioSender(api, "+15550000000", logging.Discard())
	s.sleep = noSleep
	_, err := s.Send(context.Background(), conversation.OutboundMessage{To: "+15551234567", Body: "hi"})
	require.NoError(t, err)
	assert.Len(t, api.params, 2)

	api = &fakeTwilioAPI{errs: []error{&twclient.TwilioRestError{Status: 400, Code: 63016, Message: "outside the 24h window"}}}
	s = newTwilioSender(api, "+15550000000", logging.Discard())
	s.sleep = noSleep
	_, err = s.Send(context.Background(), conversation.OutboundMessage{To: "+15551234567", Body: "hi"})
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}
	assert.Len(t, api.params, 1, "client errors are not retried")
}

func TestNewTwilioSenderRequiresCredentials(t *testing.T) {
	if _, err := NewTwilioSender("", "token", "+1", nil); !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected credentials error, got %v", err)
	}
}
