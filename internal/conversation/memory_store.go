package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same semantics as
// PostgresStore. Used by tests and local development.
type MemoryStore struct {
	mu            sync.Mutex
	opts          StoreOptions
	now           func() time.Time
	conversations map[string]*Conversation
	active        map[string]string
	messages      map[string]*Message
	order         map[string][]string
	providerIDs   map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts StoreOptions) *MemoryStore {
	return &MemoryStore{
		opts:          opts.withDefaults(),
		now:           time.Now,
		conversations: make(map[string]*Conversation),
		active:        make(map[string]string),
		messages:      make(map[string]*Message),
		order:         make(map[string][]string),
		providerIDs:   make(map[string]string),
	}
}

func activeKey(tenantID, phone string) string { return tenantID + "|" + phone }

func cloneConversation(c *Conversation) *Conversation {
	out := *c
	out.History = append([]HistoryEntry(nil), c.History...)
	return &out
}

func (s *MemoryStore) findActiveLocked(tenantID, phone string) *Conversation {
	id, ok := s.active[activeKey(tenantID, phone)]
	if !ok {
		return nil
	}
	conv := s.conversations[id]
	if !conv.Open(s.now()) {
		conv.IsActive = false
		conv.Version++
		delete(s.active, activeKey(tenantID, phone))
		return nil
	}
	return conv
}

// FindActive implements Store.
func (s *MemoryStore) FindActive(ctx context.Context, tenantID, phone string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv := s.findActiveLocked(tenantID, phone); conv != nil {
		return cloneConversation(conv), nil
	}
	return nil, ErrConversationNotFound
}

// LoadOrCreate implements Store.
func (s *MemoryStore) LoadOrCreate(ctx context.Context, tenantID, phone string) (*Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv := s.findActiveLocked(tenantID, phone); conv != nil {
		return cloneConversation(conv), false, nil
	}
	now := s.now()
	conv := &Conversation{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Phone:         phone,
		State:         InitialState,
		Mode:          ModeAI,
		Version:       1,
		LastMessageAt: now,
		ExpiresAt:     now.Add(s.opts.TTL),
		IsActive:      true,
		CreatedAt:     now,
	}
	s.conversations[conv.ID] = conv
	s.active[activeKey(tenantID, phone)] = conv.ID
	return cloneConversation(conv), true, nil
}

func (s *MemoryStore) getLocked(tenantID, conversationID string) (*Conversation, error) {
	conv, ok := s.conversations[conversationID]
	if !ok || conv.TenantID != tenantID {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, tenantID, conversationID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.getLocked(tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	return cloneConversation(conv), nil
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(ctx context.Context, tenantID, conversationID string, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.getLocked(tenantID, conversationID)
	if err != nil {
		return Message{}, err
	}
	if msg.ProviderMessageID != "" {
		if id, ok := s.providerIDs[tenantID+"|"+msg.ProviderMessageID]; ok {
			return *s.messages[id], ErrDuplicateMessage
		}
	}

	now := s.now()
	conv.MessageSeq++
	conv.Version++
	if conv.Open(now) {
		conv.ExpiresAt = now.Add(s.opts.TTL)
	}
	conv.LastMessageAt = now

	msg.ID = uuid.NewString()
	msg.TenantID = tenantID
	msg.ConversationID = conversationID
	msg.Seq = conv.MessageSeq
	msg.CreatedAt = now
	if msg.Type == "" {
		msg.Type = MessageText
	}
	conv.History = trimHistory(append(conv.History, HistoryEntry{
		MessageID: msg.ID, Role: msg.Sender, Content: msg.Content, Timestamp: now,
	}), s.opts.HistoryWindow)

	stored := msg
	s.messages[msg.ID] = &stored
	s.order[conversationID] = append(s.order[conversationID], msg.ID)
	if msg.ProviderMessageID != "" {
		s.providerIDs[tenantID+"|"+msg.ProviderMessageID] = msg.ID
	}
	return msg, nil
}

// Transition implements Store.
func (s *MemoryStore) Transition(ctx context.Context, tenantID, conversationID string, expectedVersion int64, req TransitionRequest) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.getLocked(tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Open(s.now()) {
		return nil, ErrStaleConversation
	}
	if conv.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	conv.State = req.To
	conv.Context = conv.Context.Apply(req.Patch)
	if req.Language != "" {
		conv.Language = req.Language
	}
	conv.TransitionSeq++
	conv.Version++
	return cloneConversation(conv), nil
}

// SetMode implements Store.
func (s *MemoryStore) SetMode(ctx context.Context, tenantID, conversationID string, mode Mode, employeeID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.getLocked(tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Open(s.now()) {
		return nil, ErrStaleConversation
	}
	conv.Mode = mode
	conv.AssignedEmployee = ""
	if mode == ModeHuman {
		conv.AssignedEmployee = employeeID
	}
	conv.Version++
	return cloneConversation(conv), nil
}

// MarkDelivery implements Store.
func (s *MemoryStore) MarkDelivery(ctx context.Context, tenantID, messageID, status, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok || msg.TenantID != tenantID {
		return ErrMessageNotFound
	}
	msg.DeliveryStatus = status
	if providerMessageID != "" {
		msg.ProviderMessageID = providerMessageID
	}
	return nil
}

// RedactMessage implements Store.
func (s *MemoryStore) RedactMessage(ctx context.Context, tenantID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok || msg.TenantID != tenantID {
		return ErrMessageNotFound
	}
	msg.Content = redactedContent
	msg.MediaRef = ""
	msg.Redacted = true
	if conv, ok := s.conversations[msg.ConversationID]; ok {
		for i := range conv.History {
			if conv.History[i].MessageID == messageID {
				conv.History[i].Content = redactedContent
			}
		}
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close(ctx context.Context, tenantID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.getLocked(tenantID, conversationID)
	if err != nil {
		return err
	}
	if conv.IsActive {
		conv.IsActive = false
		conv.Version++
		delete(s.active, activeKey(tenantID, conv.Phone))
	}
	return nil
}

// Messages returns a conversation's messages in sequence order.
func (s *MemoryStore) Messages(tenantID, conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, id := range s.order[conversationID] {
		if m := s.messages[id]; m.TenantID == tenantID {
			out = append(out, *m)
		}
	}
	return out
}
