package messaging

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ValidateTwilioSignature validates that a request came from Twilio.
func ValidateTwilioSignature(r *http.Request, authToken, webhookURL string) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || authToken == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}

	payload := buildSignaturePayload(webhookURL, r.PostForm)
	expected := computeSignature(payload, authToken)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// buildSignaturePayload is the URL followed by the sorted form parameters.
func buildSignaturePayload(url string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(url)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}
	return payload.String()
}

// computeSignature computes the HMAC-SHA1 signature.
func computeSignature(data, key string) string {
	h := hmac.New(sha1.New, []byte(key))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// TwilioWebhookRequest is an incoming Twilio WhatsApp webhook.
type TwilioWebhookRequest struct {
	MessageSid    string
	AccountSid    string
	From          string
	To            string
	Body          string
	ProfileName   string
	MessageStatus string
	Media         []TwilioMedia
}

// TwilioMedia is one attachment of an inbound message.
type TwilioMedia struct {
	URL         string
	ContentType string
}

// IsStatusCallback reports whether the request is a delivery receipt rather
// than a customer message.
func (w *TwilioWebhookRequest) IsStatusCallback() bool {
	return w.MessageStatus != "" && !strings.EqualFold(w.MessageStatus, "received")
}

// ParseTwilioWebhook parses a Twilio webhook request.
func ParseTwilioWebhook(r *http.Request) (*TwilioWebhookRequest, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}

	req := &TwilioWebhookRequest{
		MessageSid:    r.FormValue("MessageSid"),
		AccountSid:    r.FormValue("AccountSid"),
		From:          r.FormValue("From"),
		To:            r.FormValue("To"),
		Body:          r.FormValue("Body"),
		ProfileName:   r.FormValue("ProfileName"),
		MessageStatus: r.FormValue("MessageStatus"),
	}
	numMedia, _ := strconv.Atoi(r.FormValue("NumMedia"))
	for i := 0; i < numMedia && i < 10; i++ {
		mediaURL := r.FormValue(fmt.Sprintf("MediaUrl%d", i))
		if mediaURL == "" {
			continue
		}
		req.Media = append(req.Media, TwilioMedia{
			URL:         mediaURL,
			ContentType: r.FormValue(fmt.Sprintf("MediaContentType%d", i)),
		})
	}
	return req, nil
}
