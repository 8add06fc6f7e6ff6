package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

// ProcessHandler exposes the engine to trusted internal callers.
type ProcessHandler struct {
	processor conversation.Processor
	logger    *logging.Logger
}

// NewProcessHandler creates the POST /internal/process handler.
func NewProcessHandler(processor conversation.Processor, logger *logging.Logger) *ProcessHandler {
	if processor == nil {
		panic("handlers: processor required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ProcessHandler{processor: processor, logger: logger}
}

// ProcessRequest is one inbound message submitted directly. Message,
// MediaURL and MediaType are the public field names; Text, MediaRef and Type
// are accepted from older callers.
type ProcessRequest struct {
	TenantID          string    `json:"tenantId"`
	Phone             string    `json:"phone"`
	Message           string    `json:"message,omitempty"`
	MediaURL          string    `json:"mediaUrl,omitempty"`
	MediaType         string    `json:"mediaType,omitempty"`
	Provider          string    `json:"provider,omitempty"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	Type              string    `json:"type,omitempty"`
	Text              string    `json:"text,omitempty"`
	MediaRef          string    `json:"mediaRef,omitempty"`
	ReceivedAt        time.Time `json:"receivedAt,omitempty"`
}

func (req ProcessRequest) inbound() conversation.InboundMessage {
	msgType := conversation.MessageType(strings.TrimSpace(req.Type))
	if msgType == "" {
		msgType = messageTypeFor(req.MediaType)
	}
	if msgType == "" {
		msgType = conversation.MessageText
	}
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = tenancy.ProviderCloudAPI
	}
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	text := req.Message
	if text == "" {
		text = req.Text
	}
	mediaRef := strings.TrimSpace(req.MediaURL)
	if mediaRef == "" {
		mediaRef = req.MediaRef
	}
	return conversation.InboundMessage{
		TenantID:          strings.TrimSpace(req.TenantID),
		Phone:             tenancy.NormalizePhone(req.Phone),
		Provider:          provider,
		ProviderMessageID: strings.TrimSpace(req.ProviderMessageID),
		Type:              msgType,
		Text:              text,
		MediaRef:          mediaRef,
		ReceivedAt:        receivedAt,
	}
}

// messageTypeFor maps a media kind or MIME type onto a message type.
// Unrecognized values pass through and fail validation.
func messageTypeFor(mediaType string) conversation.MessageType {
	kind := strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.IndexAny(kind, "/;"); i >= 0 {
		if strings.HasPrefix(kind, "application/") {
			return conversation.MessageDocument
		}
		kind = kind[:i]
	}
	switch kind {
	case "":
		return ""
	case "text":
		return conversation.MessageText
	case "image", "sticker":
		return conversation.MessageImage
	case "audio", "voice", "ptt":
		return conversation.MessageVoice
	case "document", "file", "video":
		return conversation.MessageDocument
	}
	return conversation.MessageType(kind)
}

// Process handles POST /internal/process.
func (h *ProcessHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	in := req.inbound()
	res, err := h.processor.Process(r.Context(), in)
	if err != nil {
		status := statusFor(err)
		log := h.logger.ForTenant(in.TenantID, "")
		if status == http.StatusInternalServerError {
			log.Error("internal process failed", "error", err, "provider_message_id", in.ProviderMessageID)
		} else {
			log.Warn("internal process rejected", "error", err, "status", status)
		}
		writeError(w, status, errorMessage(status, err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
