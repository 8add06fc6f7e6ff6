package conversation

import (
	"context"
	"time"
)

// Store persists conversations and messages. Every method is scoped by tenant.
type Store interface {
	// FindActive returns the open conversation for the phone or ErrConversationNotFound.
	FindActive(ctx context.Context, tenantID, phone string) (*Conversation, error)
	// LoadOrCreate returns the open conversation, creating one if none exists.
	// The bool reports whether this call created it.
	LoadOrCreate(ctx context.Context, tenantID, phone string) (*Conversation, bool, error)
	Get(ctx context.Context, tenantID, conversationID string) (*Conversation, error)
	// AppendMessage assigns the next sequence number, appends to the bounded
	// history and stores the message row. A provider message id seen before
	// yields the stored row and ErrDuplicateMessage.
	AppendMessage(ctx context.Context, tenantID, conversationID string, msg Message) (Message, error)
	// Transition changes state if the conversation is open and still at expectedVersion.
	Transition(ctx context.Context, tenantID, conversationID string, expectedVersion int64, req TransitionRequest) (*Conversation, error)
	SetMode(ctx context.Context, tenantID, conversationID string, mode Mode, employeeID string) (*Conversation, error)
	MarkDelivery(ctx context.Context, tenantID, messageID, status, providerMessageID string) error
	RedactMessage(ctx context.Context, tenantID, messageID string) error
	Close(ctx context.Context, tenantID, conversationID string) error
}

// TransitionRequest is the authoritative change produced by the resolver.
type TransitionRequest struct {
	To       State
	Patch    ContextPatch
	Language string
}

// StoreOptions bound what the store keeps.
type StoreOptions struct {
	HistoryWindow int
	TTL           time.Duration
}

const (
	defaultHistoryWindow = 20
	defaultTTL           = 24 * time.Hour
)

func (o StoreOptions) withDefaults() StoreOptions {
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = defaultHistoryWindow
	}
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	return o
}

func trimHistory(history []HistoryEntry, window int) []HistoryEntry {
	if len(history) <= window {
		return history
	}
	return append([]HistoryEntry(nil), history[len(history)-window:]...)
}

const redactedContent = "[redacted]"
