// Package events records processed provider events and publishes
// conversation events to the event bus.
package events

import "time"

// Conversation event types.
const (
	TypeMessageReceived = "message.received"
	TypeMessageSent     = "message.sent"
	TypeStateChanged    = "state.changed"
	TypeModeChanged     = "mode.changed"
	TypeEscalated       = "support.escalated"
	TypeBookingCreated  = "booking.created"
	TypeDeliveryFailed  = "delivery.failed"
)

// ConversationEventV1 is published for dashboards and downstream consumers.
type ConversationEventV1 struct {
	EventID        string            `json:"event_id"`
	Type           string            `json:"type"`
	TenantID       string            `json:"tenant_id"`
	ConversationID string            `json:"conversation_id"`
	State          string            `json:"state,omitempty"`
	Mode           string            `json:"mode,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// NotificationV1 is a push notification for agents.
type NotificationV1 struct {
	EventID        string    `json:"event_id"`
	TenantID       string    `json:"tenant_id"`
	EmployeeID     string    `json:"employee_id,omitempty"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
