package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

const defaultFromName = "WhatsApp Concierge"

// ErrInvalidEmail is returned before any provider call for unusable messages.
var ErrInvalidEmail = errors.New("notify: invalid email")

// EmailSender delivers one email.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is a plain-text alert with an optional HTML part.
type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	Body    string
	HTML    string
}

func (m EmailMessage) validate() error {
	if _, err := mail.ParseAddress(strings.TrimSpace(m.To)); err != nil {
		return fmt.Errorf("%w: recipient %q", ErrInvalidEmail, m.To)
	}
	if strings.TrimSpace(m.Subject) == "" || (m.Body == "" && m.HTML == "") {
		return fmt.Errorf("%w: subject and body are required", ErrInvalidEmail)
	}
	return nil
}

type sendgridAPI interface {
	SendWithContext(ctx context.Context, email *sgmail.SGMailV3) (*rest.Response, error)
}

// SendGridSender delivers alerts through the SendGrid v3 API.
type SendGridSender struct {
	client    sendgridAPI
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

// SendGridConfig holds configuration for SendGrid.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// NewSendGridSender returns nil without an API key.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	return newSendGridSender(sendgrid.NewSendClient(cfg.APIKey), cfg, logger)
}

func newSendGridSender(client sendgridAPI, cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = defaultFromName
	}
	return &SendGridSender{client: client, fromEmail: cfg.FromEmail, fromName: cfg.FromName, logger: logger}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}
	if err := msg.validate(); err != nil {
		return err
	}

	html := msg.HTML
	if html == "" {
		html = msg.Body
	}
	email := sgmail.NewSingleEmail(
		sgmail.NewEmail(s.fromName, s.fromEmail),
		msg.Subject,
		sgmail.NewEmail(msg.ToName, msg.To),
		msg.Body,
		html,
	)
	resp, err := s.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("notify: sendgrid send: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: sendgrid status %d: %s", resp.StatusCode, strings.TrimSpace(resp.Body))
	}
	s.logger.Debug("alert email sent", "provider", "sendgrid", "to", msg.To, "status", resp.StatusCode)
	return nil
}

var _ EmailSender = (*SendGridSender)(nil)
