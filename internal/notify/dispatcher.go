// Package notify tells agents about conversations that need a human.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/wolfman30/whatsapp-concierge/internal/events"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

// Notification is an agent-facing alert about a conversation.
type Notification struct {
	TenantID       string
	EmployeeID     string
	Title          string
	Body           string
	ConversationID string
	// EmailRecipients receive a copy when the alert is a broadcast or push fails.
	EmailRecipients []string
}

// PushPublisher delivers push notifications to agent devices.
type PushPublisher interface {
	PublishNotification(ctx context.Context, n events.NotificationV1) error
}

// Dispatcher fans a notification out over push and email. Delivery is
// best-effort: failures are logged and never returned.
type Dispatcher struct {
	push   PushPublisher
	email  EmailSender
	logger *logging.Logger
}

// NewDispatcher builds a dispatcher. Either channel may be nil.
func NewDispatcher(push PushPublisher, email EmailSender, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{push: push, email: email, logger: logger}
}

// Notify sends the notification.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	if d == nil {
		return
	}
	log := d.logger.ForTenant(n.TenantID, n.ConversationID)

	pushed := false
	if d.push != nil {
		err := d.push.PublishNotification(ctx, events.NotificationV1{
			TenantID:       n.TenantID,
			EmployeeID:     n.EmployeeID,
			Title:          n.Title,
			Body:           n.Body,
			ConversationID: n.ConversationID,
		})
		if err != nil {
			log.Warn("push notification failed", "employee_id", n.EmployeeID, "error", err)
		} else {
			pushed = true
		}
	}

	if d.email == nil || (pushed && n.EmployeeID != "") {
		return
	}
	for _, to := range n.EmailRecipients {
		to = strings.TrimSpace(to)
		if to == "" {
			continue
		}
		msg := EmailMessage{
			To:      to,
			Subject: n.Title,
			Body:    fmt.Sprintf("%s\n\nConversation: %s", n.Body, n.ConversationID),
			HTML:    alertHTML(n),
		}
		if err := d.email.Send(ctx, msg); err != nil {
			log.Warn("notification email failed", "to", to, "error", err)
		}
	}
}

func alertHTML(n Notification) string {
	body := strings.ReplaceAll(html.EscapeString(n.Body), "\n", "<br>")
	return fmt.Sprintf("<p><strong>%s</strong></p><p>%s</p><p>Conversation: <code>%s</code></p>",
		html.EscapeString(n.Title), body, html.EscapeString(n.ConversationID))
}
