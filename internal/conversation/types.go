// Package conversation runs the WhatsApp conversation engine: it loads a
// customer's conversation, asks the model for a reply, validates the proposed
// state change and executes the resulting side effects.
package conversation

import (
	"errors"
	"time"
)

var (
	// ErrValidation marks a malformed inbound event.
	ErrValidation = errors.New("conversation: invalid inbound message")
	// ErrConversationNotFound is returned when no conversation matches.
	ErrConversationNotFound = errors.New("conversation: not found")
	// ErrStaleConversation is returned when a write targets a closed or expired conversation.
	ErrStaleConversation = errors.New("conversation: stale conversation")
	// ErrVersionConflict is returned when another writer updated the conversation first.
	ErrVersionConflict = errors.New("conversation: version conflict")
	// ErrSchedulingConflict is returned when the requested slot is not free.
	ErrSchedulingConflict = errors.New("conversation: no available slots")
	// ErrRateLimited is returned when a customer sends too many messages.
	ErrRateLimited = errors.New("conversation: rate limited")
	// ErrMessageNotFound is returned when a message does not exist for the tenant.
	ErrMessageNotFound = errors.New("conversation: message not found")
	// ErrDuplicateMessage is returned with the stored row when a provider
	// message id was already recorded.
	ErrDuplicateMessage = errors.New("conversation: duplicate message")
)

// State is a step of the booking flow.
type State string

const (
	StateGreeting        State = "GREETING"
	StateShowServices    State = "SHOW_SERVICES"
	StateServiceSelected State = "SERVICE_SELECTED"
	StateAskName         State = "ASK_NAME"
	StateAskEmail        State = "ASK_EMAIL"
	StateSelectTimeSlot  State = "SELECT_TIME_SLOT"
	StatePayment         State = "PAYMENT"
	StateGeneralQuestion State = "GENERAL_QUESTION"
	StateSupportRequest  State = "SUPPORT_REQUEST"
)

// InitialState is where new conversations start.
const InitialState = StateGreeting

// AllStates lists every state in flow order.
var AllStates = []State{
	StateGreeting, StateShowServices, StateServiceSelected, StateAskName, StateAskEmail,
	StateSelectTimeSlot, StatePayment, StateGeneralQuestion, StateSupportRequest,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsEscape reports whether s is reachable from anywhere and returns to a prior state.
func (s State) IsEscape() bool {
	return s == StateGeneralQuestion || s == StateSupportRequest
}

// Mode selects who authors replies.
type Mode string

const (
	ModeAI    Mode = "ai"
	ModeHuman Mode = "human"
)

// SenderType identifies the author of a message.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
	SenderAI       SenderType = "ai"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageVoice    MessageType = "voice"
	MessageImage    MessageType = "image"
	MessageDocument MessageType = "document"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageVoice, MessageImage, MessageDocument:
		return true
	}
	return false
}

// Delivery statuses recorded on messages.
const (
	DeliveryReceived = "received"
	DeliveryPending  = "pending"
	DeliverySent     = "sent"
	DeliveryFailed   = "failed"
)

// HistoryEntry is one turn kept in the bounded conversation history.
type HistoryEntry struct {
	MessageID string     `json:"message_id,omitempty"`
	Role      SenderType `json:"role"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
}

// ContextData holds slot values collected during the flow.
type ContextData struct {
	SelectedServiceID string `json:"selected_service_id,omitempty"`
	SelectedService   string `json:"selected_service,omitempty"`
	Name              string `json:"name,omitempty"`
	Email             string `json:"email,omitempty"`
	PreferredTime     string `json:"preferred_time,omitempty"`
	ReturnTo          State  `json:"return_to,omitempty"`
	BookingID         string `json:"booking_id,omitempty"`
}

// ContextPatch updates ContextData. Nil fields are left untouched; a pointer
// to the empty value clears the field.
type ContextPatch struct {
	SelectedServiceID *string
	SelectedService   *string
	Name              *string
	Email             *string
	PreferredTime     *string
	ReturnTo          *State
	BookingID         *string
}

// Empty reports whether the patch changes nothing.
func (p ContextPatch) Empty() bool {
	return p.SelectedServiceID == nil && p.SelectedService == nil && p.Name == nil &&
		p.Email == nil && p.PreferredTime == nil && p.ReturnTo == nil && p.BookingID == nil
}

// Apply returns c with the patch merged in.
func (c ContextData) Apply(p ContextPatch) ContextData {
	if p.SelectedServiceID != nil {
		c.SelectedServiceID = *p.SelectedServiceID
	}
	if p.SelectedService != nil {
		c.SelectedService = *p.SelectedService
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Email != nil {
		c.Email = *p.Email
	}
	if p.PreferredTime != nil {
		c.PreferredTime = *p.PreferredTime
	}
	if p.ReturnTo != nil {
		c.ReturnTo = *p.ReturnTo
	}
	if p.BookingID != nil {
		c.BookingID = *p.BookingID
	}
	return c
}

// Conversation is the persisted state of one (tenant, phone) conversation.
type Conversation struct {
	ID               string
	TenantID         string
	Phone            string
	CustomerID       string
	State            State
	Mode             Mode
	Language         string
	History          []HistoryEntry
	Context          ContextData
	AssignedEmployee string
	Version          int64
	TransitionSeq    int64
	MessageSeq       int64
	LastMessageAt    time.Time
	ExpiresAt        time.Time
	IsActive         bool
	CreatedAt        time.Time
}

// Open reports whether the conversation still accepts state changes.
func (c *Conversation) Open(now time.Time) bool {
	return c.IsActive && now.Before(c.ExpiresAt)
}

// Message is one inbound or outbound communication.
type Message struct {
	ID                string
	TenantID          string
	ConversationID    string
	Seq               int64
	Sender            SenderType
	Type              MessageType
	Content           string
	MediaRef          string
	ProviderMessageID string
	SenderEmployee    string
	DeliveryStatus    string
	Redacted          bool
	CreatedAt         time.Time
}

func ptr[T any](v T) *T { return &v }
