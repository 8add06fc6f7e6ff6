package messaging

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

var twilioSendTracer = otel.Tracer("wa.internal.messaging.twilio_send")

const whatsappPrefix = "whatsapp:"

type twilioMessageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSender posts WhatsApp messages through Twilio's Messages API.
type TwilioSender struct {
	api    twilioMessageAPI
	from   string
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewTwilioSender builds a sender for one Twilio account.
func NewTwilioSender(accountSID, authToken, defaultFrom string, logger *logging.Logger) (*TwilioSender, error) {
	if strings.TrimSpace(accountSID) == "" || strings.TrimSpace(authToken) == "" {
		return nil, fmt.Errorf("%w: twilio credentials missing", ErrDelivery)
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newTwilioSender(client.Api, defaultFrom, logger), nil
}

func newTwilioSender(api twilioMessageAPI, defaultFrom string, logger *logging.Logger) *TwilioSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioSender{api: api, from: defaultFrom, logger: logger, sleep: sleepContext}
}

var _ conversation.Gateway = (*TwilioSender)(nil)

// Send dispatches a single message, retrying transient failures.
func (s *TwilioSender) Send(ctx context.Context, msg conversation.OutboundMessage) (conversation.DeliveryResult, error) {
	result := conversation.DeliveryResult{Provider: tenancy.ProviderTwilio, Status: conversation.DeliveryFailed}
	from := msg.From
	if from == "" {
		from = s.from
	}
	if msg.To == "" {
		return result, fmt.Errorf("%w: to required", ErrDelivery)
	}
	if from == "" {
		return result, fmt.Errorf("%w: from required", ErrDelivery)
	}
	if strings.TrimSpace(msg.Body) == "" && msg.MediaURL == "" {
		return result, fmt.Errorf("%w: body required", ErrDelivery)
	}

	ctx, span := twilioSendTracer.Start(ctx, "messaging.twilio.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("wa.tenant_id", msg.TenantID),
		attribute.String("wa.message_id", msg.MessageID),
	)

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(msg.To))
	params.SetFrom(whatsappAddress(from))
	if msg.Body != "" {
		params.SetBody(msg.Body)
	}
	if msg.MediaURL != "" {
		params.SetMediaUrl([]string{msg.MediaURL})
	}

	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		resp, err := s.api.CreateMessage(params)
		if err == nil {
			if resp != nil && resp.Sid != nil {
				result.ProviderMessageID = *resp.Sid
			}
			result.Status = conversation.DeliverySent
			s.logger.Info("twilio whatsapp message sent", "tenant_id", msg.TenantID, "message_id", msg.MessageID, "provider_message_id", result.ProviderMessageID)
			return result, nil
		}
		lastErr = err
		if !retryableTwilioError(err) || attempt == maxSendAttempts {
			break
		}
		if err := s.sleep(ctx, time.Duration(200+rand.Intn(300))*time.Millisecond); err != nil {
			lastErr = err
			break
		}
	}

	span.RecordError(lastErr)
	s.logger.Error("failed to send twilio whatsapp message", "error", lastErr, "tenant_id", msg.TenantID, "message_id", msg.MessageID)
	return result, fmt.Errorf("%w: twilio send failed: %v", ErrDelivery, lastErr)
}

// Don't retry non-rate-limit 4xx errors.
func retryableTwilioError(err error) bool {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		return restErr.Status == http.StatusTooManyRequests || restErr.Status >= 500
	}
	return true
}

// whatsappAddress renders a phone as Twilio's "whatsapp:+E164" address.
func whatsappAddress(phone string) string {
	return whatsappPrefix + tenancy.NormalizePhone(phone)
}
