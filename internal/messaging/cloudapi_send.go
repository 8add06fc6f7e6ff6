package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

const (
	defaultGraphBaseURL = "https://graph.facebook.com"
	defaultGraphVersion = "v21.0"
	maxSendAttempts     = 3
)

var cloudAPITracer = otel.Tracer("wa.internal.messaging.cloudapi_send")

// CloudAPISender posts messages through the WhatsApp Business Cloud API.
type CloudAPISender struct {
	phoneNumberID string
	accessToken   string
	baseURL       string
	version       string
	httpClient    *http.Client
	logger        *logging.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

// CloudAPIOption customizes a CloudAPISender.
type CloudAPIOption func(*CloudAPISender)

// WithGraphBaseURL points the sender at a different Graph host.
func WithGraphBaseURL(baseURL string) CloudAPIOption {
	return func(s *CloudAPISender) {
		if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
			s.baseURL = baseURL
		}
	}
}

// WithGraphVersion pins the Graph API version, e.g. "v21.0".
func WithGraphVersion(version string) CloudAPIOption {
	return func(s *CloudAPISender) {
		if version = strings.TrimSpace(version); version != "" {
			s.version = version
		}
	}
}

// WithCloudAPIHTTPClient overrides the HTTP client.
func WithCloudAPIHTTPClient(client *http.Client) CloudAPIOption {
	return func(s *CloudAPISender) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// NewCloudAPISender builds a sender for one business phone number.
func NewCloudAPISender(phoneNumberID, accessToken string, logger *logging.Logger, opts ...CloudAPIOption) *CloudAPISender {
	if logger == nil {
		logger = logging.Default()
	}
	s := &CloudAPISender{
		phoneNumberID: strings.TrimSpace(phoneNumberID),
		accessToken:   strings.TrimSpace(accessToken),
		baseURL:       defaultGraphBaseURL,
		version:       defaultGraphVersion,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ conversation.Gateway = (*CloudAPISender)(nil)

type cloudAPIText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type cloudAPILink struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type cloudAPIRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *cloudAPIText `json:"text,omitempty"`
	Image            *cloudAPILink `json:"image,omitempty"`
}

type cloudAPIResponse struct {
	Messages []struct {
		ID            string `json:"id"`
		MessageStatus string `json:"message_status"`
	} `json:"messages"`
}

type graphError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// Send dispatches a single message, retrying transient failures.
func (s *CloudAPISender) Send(ctx context.Context, msg conversation.OutboundMessage) (conversation.DeliveryResult, error) {
	result := conversation.DeliveryResult{Provider: tenancy.ProviderCloudAPI, Status: conversation.DeliveryFailed}
	if s.phoneNumberID == "" || s.accessToken == "" {
		return result, fmt.Errorf("%w: cloud api credentials missing", ErrDelivery)
	}
	to := tenancy.DigitsOnly(msg.To)
	if to == "" {
		return result, fmt.Errorf("%w: to required", ErrDelivery)
	}
	if strings.TrimSpace(msg.Body) == "" && msg.MediaURL == "" {
		return result, fmt.Errorf("%w: body required", ErrDelivery)
	}

	ctx, span := cloudAPITracer.Start(ctx, "messaging.cloudapi.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("wa.tenant_id", msg.TenantID),
		attribute.String("wa.message_id", msg.MessageID),
	)

	payload := cloudAPIRequest{MessagingProduct: "whatsapp", RecipientType: "individual", To: to}
	if msg.MediaURL != "" {
		payload.Type = "image"
		payload.Image = &cloudAPILink{Link: msg.MediaURL, Caption: msg.Body}
	} else {
		payload.Type = "text"
		payload.Text = &cloudAPIText{Body: msg.Body}
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return result, fmt.Errorf("messaging: failed to marshal cloud api payload: %w", err)
	}
	endpoint := fmt.Sprintf("%s/%s/%s/messages", s.baseURL, s.version, s.phoneNumberID)

	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		id, retry, err := s.post(ctx, endpoint, bodyBytes)
		if err == nil {
			result.ProviderMessageID = id
			result.Status = conversation.DeliverySent
			s.logger.Info("whatsapp message sent", "tenant_id", msg.TenantID, "message_id", msg.MessageID, "provider_message_id", id)
			return result, nil
		}
		lastErr = err
		if !retry || attempt == maxSendAttempts {
			break
		}
		if err := s.sleep(ctx, time.Duration(200+rand.Intn(300))*time.Millisecond); err != nil {
			lastErr = err
			break
		}
	}

	span.RecordError(lastErr)
	s.logger.Error("failed to send whatsapp message", "error", lastErr, "tenant_id", msg.TenantID, "message_id", msg.MessageID)
	return result, fmt.Errorf("%w: %v", ErrDelivery, lastErr)
}

// post sends one attempt and reports whether a failure is worth retrying.
func (s *CloudAPISender) post(ctx context.Context, endpoint string, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed cloudAPIResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil || len(parsed.Messages) == 0 {
			return "", false, errors.New("cloud api accepted the message without an id")
		}
		return parsed.Messages[0].ID, false, nil
	}

	err = fmt.Errorf("cloud api send failed: %s", formatGraphError(resp.StatusCode, respBody))
	// Don't retry non-rate-limit 4xx errors.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return "", false, err
	}
	return "", true, err
}

func formatGraphError(status int, body []byte) string {
	var parsed graphError
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		if parsed.Error.Code != 0 {
			return fmt.Sprintf("status %d code %d: %s", status, parsed.Error.Code, parsed.Error.Message)
		}
		return fmt.Sprintf("status %d: %s", status, parsed.Error.Message)
	}
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		return fmt.Sprintf("status %d: %s", status, trimmed)
	}
	return fmt.Sprintf("status %d", status)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
