package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

const (
	subjectPrefix       = "wa"
	defaultStreamName   = "CONVERSATIONS"
	notificationSubject = "notify"
)

type jetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher sends conversation events and agent notifications to NATS JetStream.
type Publisher struct {
	js     jetStreamPublisher
	conn   *nats.Conn
	logger *logging.Logger
}

// ConnectPublisher dials NATS, ensures the stream exists and returns a publisher.
func ConnectPublisher(ctx context.Context, url, stream string, logger *logging.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if stream == "" {
		stream = defaultStreamName
	}
	nc, err := nats.Connect(url,
		nats.Name("wa-concierge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("events: jetstream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        stream,
		Subjects:    []string{subjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Duplicates:  10 * time.Minute,
		Description: "Conversation events and agent notifications",
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("events: ensure stream: %w", err)
	}
	return &Publisher{js: js, conn: nc, logger: logger}, nil
}

func newPublisherWithJetStream(js jetStreamPublisher, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{js: js, logger: logger}
}

// ConversationSubject is the subject for a tenant's conversation events.
func ConversationSubject(tenantID, eventType string) string {
	return fmt.Sprintf("%s.%s.conversation.%s", subjectPrefix, tenantID, strings.ReplaceAll(eventType, ".", "_"))
}

// NotificationSubject targets one employee, or every agent of the tenant when employeeID is empty.
func NotificationSubject(tenantID, employeeID string) string {
	if employeeID == "" {
		return fmt.Sprintf("%s.%s.%s.broadcast", subjectPrefix, tenantID, notificationSubject)
	}
	return fmt.Sprintf("%s.%s.%s.employee.%s", subjectPrefix, tenantID, notificationSubject, employeeID)
}

// PublishConversationEvent publishes an event, deduplicated by EventID.
func (p *Publisher) PublishConversationEvent(ctx context.Context, evt ConversationEventV1) error {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	return p.publish(ctx, ConversationSubject(evt.TenantID, evt.Type), evt.EventID, evt)
}

// PublishNotification publishes an agent push notification.
func (p *Publisher) PublishNotification(ctx context.Context, n NotificationV1) error {
	if n.EventID == "" {
		n.EventID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return p.publish(ctx, NotificationSubject(n.TenantID, n.EmployeeID), n.EventID, n)
}

func (p *Publisher) publish(ctx context.Context, subject, msgID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}
