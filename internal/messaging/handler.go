package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/internal/media"
	"github.com/wolfman30/whatsapp-concierge/internal/messaging/compliance"
	"github.com/wolfman30/whatsapp-concierge/internal/observability/metrics"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

var webhookTracer = otel.Tracer("wa.internal.messaging.webhook")

const maxWebhookBody = 1 << 20

// Inbound outcomes counted per provider.
const (
	outcomeAccepted    = "accepted"
	outcomeIgnored     = "ignored"
	outcomeStatus      = "status"
	outcomeSelf        = "self"
	outcomeUnsupported = "unsupported"
	outcomeInvalid     = "invalid"
	outcomeRetry       = "retry"
)

// DispatchFunc hands a normalized message to the engine, inline or through
// the queue.
type DispatchFunc func(ctx context.Context, in conversation.InboundMessage) error

// Inline dispatches by processing the message in the request.
func Inline(p conversation.Processor) DispatchFunc {
	return func(ctx context.Context, in conversation.InboundMessage) error {
		_, err := p.Process(ctx, in)
		return err
	}
}

// TenantResolver maps an inbound channel to its tenant.
type TenantResolver interface {
	ResolveTenant(ctx context.Context, hint tenancy.RoutingHint) (string, error)
}

// MediaArchive stores attachments.
type MediaArchive interface {
	Enabled() bool
	Put(ctx context.Context, obj media.Object) (string, error)
}

// HandlerConfig holds platform-level webhook settings.
type HandlerConfig struct {
	MetaVerifyToken string
	MetaAppSecret   string
	// TwilioAuthToken validates Twilio signatures for tenants whose
	// credentials carry no auth token of their own.
	TwilioAuthToken string
	// PublicBaseURL is the externally visible origin; Twilio signs the URL it
	// called, which differs from r.Host behind a proxy.
	PublicBaseURL string
}

// Handler receives provider webhooks and turns them into inbound messages.
type Handler struct {
	cfg        HandlerConfig
	resolver   TenantResolver
	tenants    tenancy.Source
	creds      CredentialSource
	dispatch   DispatchFunc
	archive    MediaArchive
	downloader *MediaDownloader
	metrics    *metrics.MessagingMetrics
	logger     *logging.Logger
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithMediaArchive archives inbound attachments before dispatch.
func WithMediaArchive(archive MediaArchive, downloader *MediaDownloader) HandlerOption {
	return func(h *Handler) {
		h.archive = archive
		h.downloader = downloader
	}
}

// WithHandlerMetrics records inbound outcomes and latency.
func WithHandlerMetrics(m *metrics.MessagingMetrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// NewHandler creates a webhook handler.
func NewHandler(cfg HandlerConfig, resolver TenantResolver, tenants tenancy.Source, creds CredentialSource, dispatch DispatchFunc, logger *logging.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	if resolver == nil {
		panic("messaging: tenant resolver cannot be nil")
	}
	if tenants == nil {
		panic("messaging: tenant source cannot be nil")
	}
	if creds == nil {
		panic("messaging: credential source cannot be nil")
	}
	if dispatch == nil {
		panic("messaging: dispatch cannot be nil")
	}
	h := &Handler{
		cfg:      cfg,
		resolver: resolver,
		tenants:  tenants,
		creds:    creds,
		dispatch: dispatch,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CloudAPIVerify answers Meta's GET subscription handshake.
func (h *Handler) CloudAPIVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.cfg.MetaVerifyToken == "" || q.Get("hub.verify_token") != h.cfg.MetaVerifyToken {
		h.logger.Warn("cloud api verification rejected", "mode", q.Get("hub.mode"))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// CloudAPIWebhook handles POST /webhooks/whatsapp.
func (h *Handler) CloudAPIWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := webhookTracer.Start(r.Context(), "messaging.cloudapi.webhook")
	defer span.End()
	defer func() { h.metrics.ObserveWebhookLatency(tenancy.ProviderCloudAPI, time.Since(start).Seconds()) }()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if !ValidateMetaSignature(body, r.Header.Get("X-Hub-Signature-256"), h.cfg.MetaAppSecret) {
		h.logger.Warn("invalid cloud api signature")
		h.metrics.ObserveInbound(tenancy.ProviderCloudAPI, outcomeInvalid)
		span.RecordError(errors.New("invalid cloud api signature"))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	inbound, err := ParseCloudAPIWebhook(body)
	if err != nil {
		// Malformed bodies are acknowledged so Meta does not redeliver them.
		h.logger.Warn("failed to parse cloud api webhook", "error", err)
		h.metrics.ObserveInbound(tenancy.ProviderCloudAPI, outcomeInvalid)
		w.WriteHeader(http.StatusOK)
		return
	}

	retry := false
	for _, item := range inbound {
		if h.handleCloudAPIMessage(ctx, item) == outcomeRetry {
			retry = true
		}
	}
	if retry {
		http.Error(w, "Retry later", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCloudAPIMessage(ctx context.Context, item CloudAPIInbound) string {
	msg := item.Message
	from := tenancy.NormalizePhone(msg.From)
	if from == "" || msg.ID == "" {
		return h.observe(tenancy.ProviderCloudAPI, outcomeInvalid)
	}
	if tenancy.SamePhone(from, item.DisplayPhoneNumber) {
		return h.observe(tenancy.ProviderCloudAPI, outcomeSelf)
	}
	kind, ok := msg.Kind()
	if !ok {
		h.logger.Info("ignoring unsupported cloud api message", "type", msg.Type, "provider_message_id", msg.ID)
		return h.observe(tenancy.ProviderCloudAPI, outcomeUnsupported)
	}

	tenantID, err := h.resolver.ResolveTenant(ctx, tenancy.RoutingHint{ChannelID: item.PhoneNumberID, CustomerPhone: from})
	if err != nil {
		h.logger.Warn("inbound message for unknown tenant ignored", "error", err, "phone_number_id", item.PhoneNumberID)
		return h.observe(tenancy.ProviderCloudAPI, outcomeIgnored)
	}

	in := conversation.InboundMessage{
		TenantID:          tenantID,
		Phone:             from,
		Provider:          tenancy.ProviderCloudAPI,
		ProviderMessageID: msg.ID,
		Type:              kind,
		Text:              redact(msg.Content()),
		ReceivedAt:        msg.SentAt(),
	}
	if ref := msg.MediaRef(); ref != nil {
		in.MediaRef = h.archiveMedia(ctx, tenantID, msg.ID, func(creds tenancy.MessagingCredentials) ([]byte, string, error) {
			return h.downloader.CloudAPI(ctx, creds, ref.ID)
		})
		if in.MediaRef == "" {
			in.MediaRef = "cloudapi:" + ref.ID
		}
	}
	return h.dispatchInbound(ctx, in)
}

// TwilioWebhook handles POST /webhooks/twilio/whatsapp.
func (h *Handler) TwilioWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := webhookTracer.Start(r.Context(), "messaging.twilio.webhook")
	defer span.End()
	defer func() { h.metrics.ObserveWebhookLatency(tenancy.ProviderTwilio, time.Since(start).Seconds()) }()

	webhook, err := ParseTwilioWebhook(r)
	if err != nil {
		h.logger.Error("failed to parse twilio webhook", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		span.RecordError(err)
		return
	}
	from := tenancy.NormalizePhone(webhook.From)
	to := tenancy.NormalizePhone(webhook.To)
	span.SetAttributes(attribute.String("wa.twilio.message_sid", webhook.MessageSid))
	if !webhook.IsStatusCallback() && (from == "" || webhook.MessageSid == "") {
		h.logger.Warn("twilio webhook missing sender or message sid")
		h.observe(tenancy.ProviderTwilio, outcomeInvalid)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	tenantID, err := h.resolver.ResolveTenant(ctx, tenancy.RoutingHint{ChannelID: to, CustomerPhone: from})
	if err != nil {
		h.logger.Warn("twilio message for unknown tenant ignored", "error", err, "to", to)
		h.observe(tenancy.ProviderTwilio, outcomeIgnored)
		writeTwiML(w)
		return
	}
	creds, _ := h.tenantCredentials(ctx, tenantID)
	token := creds.AuthToken
	if token == "" {
		token = h.cfg.TwilioAuthToken
	}
	if !ValidateTwilioSignature(r, token, h.signedURL(r)) {
		h.logger.Warn("invalid twilio signature", "tenant_id", tenantID)
		h.observe(tenancy.ProviderTwilio, outcomeInvalid)
		span.RecordError(errors.New("invalid twilio signature"))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	switch {
	case webhook.IsStatusCallback():
		h.observe(tenancy.ProviderTwilio, outcomeStatus)
		writeTwiML(w)
		return
	case tenancy.SamePhone(from, to):
		h.observe(tenancy.ProviderTwilio, outcomeSelf)
		writeTwiML(w)
		return
	}

	in := conversation.InboundMessage{
		TenantID:          tenantID,
		Phone:             from,
		Provider:          tenancy.ProviderTwilio,
		ProviderMessageID: webhook.MessageSid,
		Type:              conversation.MessageText,
		Text:              redact(webhook.Body),
		ReceivedAt:        time.Now().UTC(),
	}
	if len(webhook.Media) > 0 {
		attachment := webhook.Media[0]
		in.Type = twilioMediaKind(attachment.ContentType)
		in.MediaRef = h.archiveMedia(ctx, tenantID, webhook.MessageSid, func(creds tenancy.MessagingCredentials) ([]byte, string, error) {
			return h.downloader.Twilio(ctx, creds, attachment.URL)
		})
		if in.MediaRef == "" {
			in.MediaRef = attachment.URL
		}
	}

	if h.dispatchInbound(ctx, in) == outcomeRetry {
		http.Error(w, "Retry later", http.StatusInternalServerError)
		return
	}
	writeTwiML(w)
}

// dispatchInbound hands off the message. Only failures a retry could fix
// are reported back to the provider.
func (h *Handler) dispatchInbound(ctx context.Context, in conversation.InboundMessage) string {
	log := h.logger.ForTenant(in.TenantID, "")
	if err := h.dispatch(ctx, in); err != nil {
		if conversation.Retryable(err) {
			log.Error("inbound dispatch failed, asking provider to retry", "error", err, "provider_message_id", in.ProviderMessageID)
			return h.observe(in.Provider, outcomeRetry)
		}
		log.Warn("inbound message rejected", "error", err, "reason", rejectionClass(err), "provider_message_id", in.ProviderMessageID)
		return h.observe(in.Provider, outcomeIgnored)
	}
	log.Info("inbound message accepted", "provider", in.Provider, "provider_message_id", in.ProviderMessageID, "type", string(in.Type))
	return h.observe(in.Provider, outcomeAccepted)
}

func (h *Handler) archiveMedia(ctx context.Context, tenantID, providerID string, fetch func(tenancy.MessagingCredentials) ([]byte, string, error)) string {
	if h.archive == nil || !h.archive.Enabled() || h.downloader == nil {
		return ""
	}
	log := h.logger.ForTenant(tenantID, "")
	creds, err := h.tenantCredentials(ctx, tenantID)
	if err != nil {
		log.Warn("media not archived: no messaging credentials", "error", err)
		return ""
	}
	data, contentType, err := fetch(creds)
	if err != nil {
		log.Warn("media download failed", "error", err, "provider_message_id", providerID)
		return ""
	}
	key, err := h.archive.Put(ctx, media.Object{
		TenantID:          tenantID,
		ProviderMessageID: providerID,
		ContentType:       contentType,
		Data:              data,
	})
	if err != nil {
		log.Warn("media archive failed", "error", err, "provider_message_id", providerID)
		return ""
	}
	return key
}

func (h *Handler) tenantCredentials(ctx context.Context, tenantID string) (tenancy.MessagingCredentials, error) {
	tenant, err := h.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return tenancy.MessagingCredentials{}, err
	}
	return h.creds.Messaging(tenant)
}

func (h *Handler) observe(provider, outcome string) string {
	h.metrics.ObserveInbound(provider, outcome)
	return outcome
}

func (h *Handler) signedURL(r *http.Request) string {
	if base := strings.TrimRight(h.cfg.PublicBaseURL, "/"); base != "" {
		return base + r.URL.RequestURI()
	}
	return buildAbsoluteURL(r)
}

// HealthCheck returns a simple health check response.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// redact masks card numbers before anything is stored or sent to a model.
func redact(text string) string {
	masked, _ := compliance.RedactPAN(text)
	return masked
}

func rejectionClass(err error) string {
	switch {
	case errors.Is(err, conversation.ErrValidation):
		return "invalid"
	case errors.Is(err, tenancy.ErrTenantNotFound):
		return "tenant_not_found"
	case errors.Is(err, tenancy.ErrTenantSuspended):
		return "tenant_suspended"
	case errors.Is(err, tenancy.ErrUsageLimitExceeded):
		return "usage_limit"
	case errors.Is(err, conversation.ErrRateLimited):
		return "rate_limited"
	}
	return "other"
}

func twilioMediaKind(contentType string) conversation.MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return conversation.MessageImage
	case strings.HasPrefix(contentType, "audio/"):
		return conversation.MessageVoice
	}
	return conversation.MessageDocument
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))
}

func buildAbsoluteURL(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	if r.URL.Scheme != "" {
		return r.URL.String()
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
		if r.TLS == nil {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}
