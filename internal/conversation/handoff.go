package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/whatsapp-concierge/internal/events"
)

// RouteKind says who answers the next inbound message.
type RouteKind string

const (
	RouteAI    RouteKind = "ai"
	RouteHuman RouteKind = "human"
)

// Route sends human-mode conversations around the AI entirely.
func Route(conv *Conversation) RouteKind {
	if conv != nil && conv.Mode == ModeHuman {
		return RouteHuman
	}
	return RouteAI
}

// Audited agent actions.
const (
	ActionTakeover = "agent.takeover"
	ActionRelease  = "agent.release"
	ActionReply    = "agent.reply"
	ActionRedact   = "message.redacted"
)

// Auditor records agent actions. Failures are logged and never block the action.
type Auditor interface {
	RecordAgentAction(ctx context.Context, tenantID, conversationID, action, actorID, messageID string) error
}

// HandoffService implements the agent side of a conversation: taking it
// over, handing it back and replying as a person.
type HandoffService struct {
	engine  *Engine
	auditor Auditor
}

// HandoffOption configures a HandoffService.
type HandoffOption func(*HandoffService)

// WithAuditor records every agent action through a.
func WithAuditor(a Auditor) HandoffOption {
	return func(h *HandoffService) {
		h.auditor = a
	}
}

func NewHandoffService(engine *Engine, opts ...HandoffOption) *HandoffService {
	if engine == nil {
		panic("conversation: engine required")
	}
	h := &HandoffService{engine: engine}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HandoffService) audit(ctx context.Context, tenantID, conversationID, action, actorID, messageID string) {
	if h.auditor == nil {
		return
	}
	if err := h.auditor.RecordAgentAction(ctx, tenantID, conversationID, action, actorID, messageID); err != nil {
		h.engine.logger.ForTenant(tenantID, conversationID).Warn("audit record failed", "action", action, "error", err)
	}
}

// Conversation returns a tenant's conversation.
func (h *HandoffService) Conversation(ctx context.Context, tenantID, conversationID string) (*Conversation, error) {
	return h.engine.store.Get(ctx, tenantID, conversationID)
}

// Takeover switches the conversation to human mode. It stays there until
// Release is called.
func (h *HandoffService) Takeover(ctx context.Context, tenantID, conversationID, employeeID string) (*Conversation, error) {
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return nil, fmt.Errorf("%w: employee id is required", ErrValidation)
	}
	conv, err := h.engine.store.SetMode(ctx, tenantID, conversationID, ModeHuman, employeeID)
	if err != nil {
		return nil, err
	}
	h.engine.logger.ForTenant(tenantID, conversationID).Info("conversation taken over", "employee_id", employeeID)
	h.engine.publish(ctx, conv, events.TypeModeChanged, map[string]string{"employee_id": employeeID})
	h.audit(ctx, tenantID, conversationID, ActionTakeover, employeeID, "")
	return conv, nil
}

// Release hands the conversation back to the AI. An open support request
// is resolved back to the state it interrupted.
func (h *HandoffService) Release(ctx context.Context, tenantID, conversationID, employeeID string) (*Conversation, error) {
	conv, err := h.engine.store.SetMode(ctx, tenantID, conversationID, ModeAI, "")
	if err != nil {
		return nil, err
	}
	h.engine.publish(ctx, conv, events.TypeModeChanged, nil)
	h.audit(ctx, tenantID, conversationID, ActionRelease, employeeID, "")

	for attempt := 1; conv.State == StateSupportRequest; attempt++ {
		target := conv.Context.ReturnTo
		if !target.Valid() || target.IsEscape() {
			target = InitialState
		}
		updated, err := h.engine.store.Transition(ctx, tenantID, conversationID, conv.Version, TransitionRequest{
			To:    target,
			Patch: ContextPatch{ReturnTo: ptr(State(""))},
		})
		if err == nil {
			h.engine.metrics.ObserveTransition(string(conv.State), string(updated.State))
			h.engine.publish(ctx, updated, events.TypeStateChanged, map[string]string{"from": string(conv.State)})
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= maxTransitionAttempts {
			return nil, err
		}
		if conv, err = h.engine.store.Get(ctx, tenantID, conversationID); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

// AgentReply records a message written by an employee and sends it. A send
// failure is reported on the returned message, not as an error.
func (h *HandoffService) AgentReply(ctx context.Context, tenantID, conversationID, employeeID, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, fmt.Errorf("%w: reply text is required", ErrValidation)
	}
	conv, err := h.engine.store.Get(ctx, tenantID, conversationID)
	if err != nil {
		return Message{}, err
	}
	tenant, err := h.engine.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return Message{}, err
	}
	log := h.engine.logger.ForTenant(tenantID, conversationID)
	msg, err := h.engine.sendAndRecord(ctx, log, tenant, conv, SenderAgent, employeeID, text)
	if msg.ID == "" {
		return Message{}, err
	}
	h.audit(ctx, tenantID, conversationID, ActionReply, employeeID, msg.ID)
	return msg, nil
}

// Redact replaces a message's content in storage and in the conversation
// history. The row itself is kept.
func (h *HandoffService) Redact(ctx context.Context, tenantID, messageID, employeeID string) error {
	if strings.TrimSpace(messageID) == "" {
		return fmt.Errorf("%w: message id is required", ErrValidation)
	}
	if err := h.engine.store.RedactMessage(ctx, tenantID, messageID); err != nil {
		return err
	}
	h.engine.logger.ForTenant(tenantID, "").Info("message redacted", "message_id", messageID, "employee_id", employeeID)
	h.audit(ctx, tenantID, "", ActionRedact, employeeID, messageID)
	return nil
}
