package messaging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
)

// ValidateMetaSignature checks X-Hub-Signature-256 ("sha256=<hex>") against
// the raw request body.
func ValidateMetaSignature(body []byte, header, appSecret string) bool {
	if appSecret == "" {
		return false
	}
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok || sig == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// CloudAPIWebhook is the envelope Meta posts for WhatsApp Business accounts.
type CloudAPIWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string        `json:"field"`
			Value CloudAPIValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// CloudAPIValue is the payload of one "messages" change.
type CloudAPIValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []CloudAPIMessage `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		RecipientID string `json:"recipient_id"`
	} `json:"statuses"`
}

// CloudAPIMedia references an attachment by Graph media id.
type CloudAPIMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// CloudAPIMessage is one inbound customer message.
type CloudAPIMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *CloudAPIMedia `json:"image,omitempty"`
	Audio    *CloudAPIMedia `json:"audio,omitempty"`
	Voice    *CloudAPIMedia `json:"voice,omitempty"`
	Document *CloudAPIMedia `json:"document,omitempty"`
	Button   *struct {
		Text string `json:"text"`
	} `json:"button,omitempty"`
	Interactive *struct {
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply,omitempty"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`
}

// CloudAPIInbound is a customer message with the channel it arrived on.
type CloudAPIInbound struct {
	PhoneNumberID      string
	DisplayPhoneNumber string
	Message            CloudAPIMessage
}

// ParseCloudAPIWebhook decodes a webhook body and returns the customer
// messages it carries. Status updates are dropped.
func ParseCloudAPIWebhook(body []byte) ([]CloudAPIInbound, error) {
	var hook CloudAPIWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("messaging: decode cloud api webhook: %w", err)
	}
	var out []CloudAPIInbound
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			for _, msg := range change.Value.Messages {
				out = append(out, CloudAPIInbound{
					PhoneNumberID:      change.Value.Metadata.PhoneNumberID,
					DisplayPhoneNumber: change.Value.Metadata.DisplayPhoneNumber,
					Message:            msg,
				})
			}
		}
	}
	return out, nil
}

// Kind maps the Cloud API message type to a conversation message type.
// Unsupported types report ok=false.
func (m CloudAPIMessage) Kind() (conversation.MessageType, bool) {
	switch m.Type {
	case "text", "button", "interactive":
		return conversation.MessageText, true
	case "image":
		return conversation.MessageImage, true
	case "audio", "voice":
		return conversation.MessageVoice, true
	case "document":
		return conversation.MessageDocument, true
	}
	return "", false
}

// Content returns the text or caption of the message.
func (m CloudAPIMessage) Content() string {
	switch {
	case m.Text != nil:
		return m.Text.Body
	case m.Button != nil:
		return m.Button.Text
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		return m.Interactive.ButtonReply.Title
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		return m.Interactive.ListReply.Title
	case m.Image != nil:
		return m.Image.Caption
	case m.Document != nil:
		return m.Document.Caption
	}
	return ""
}

// MediaRef returns the attachment, if any.
func (m CloudAPIMessage) MediaRef() *CloudAPIMedia {
	for _, media := range []*CloudAPIMedia{m.Image, m.Audio, m.Voice, m.Document} {
		if media != nil && media.ID != "" {
			return media
		}
	}
	return nil
}

// SentAt parses the unix timestamp Meta sends as a string.
func (m CloudAPIMessage) SentAt() time.Time {
	secs, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
