package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/whatsapp-concierge/internal/compliance"
	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/internal/http/middleware"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

// ConversationAdmin is the agent-facing side of the engine.
type ConversationAdmin interface {
	Conversation(ctx context.Context, tenantID, conversationID string) (*conversation.Conversation, error)
	Takeover(ctx context.Context, tenantID, conversationID, employeeID string) (*conversation.Conversation, error)
	Release(ctx context.Context, tenantID, conversationID, employeeID string) (*conversation.Conversation, error)
	AgentReply(ctx context.Context, tenantID, conversationID, employeeID, text string) (conversation.Message, error)
	Redact(ctx context.Context, tenantID, messageID, employeeID string) error
}

var _ ConversationAdmin = (*conversation.HandoffService)(nil)

// AuditLog reads the agent action trail.
type AuditLog interface {
	QueryEvents(ctx context.Context, filter compliance.AuditFilter) ([]compliance.AuditEvent, error)
}

var _ AuditLog = (*compliance.AuditService)(nil)

// AdminConversationsHandler serves handoff endpoints for employees. The
// tenant always comes from the admin token, never from the request.
type AdminConversationsHandler struct {
	admin  ConversationAdmin
	audit  AuditLog
	logger *logging.Logger
}

// AdminOption configures an AdminConversationsHandler.
type AdminOption func(*AdminConversationsHandler)

// WithAuditLog enables the audit endpoint.
func WithAuditLog(a AuditLog) AdminOption {
	return func(h *AdminConversationsHandler) {
		h.audit = a
	}
}

// NewAdminConversationsHandler creates a new admin conversations handler.
func NewAdminConversationsHandler(admin ConversationAdmin, logger *logging.Logger, opts ...AdminOption) *AdminConversationsHandler {
	if admin == nil {
		panic("handlers: conversation admin required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &AdminConversationsHandler{admin: admin, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ConversationResponse is the admin view of a conversation.
type ConversationResponse struct {
	ID               string                      `json:"id"`
	Phone            string                      `json:"phone"`
	State            string                      `json:"state"`
	Mode             string                      `json:"mode"`
	Language         string                      `json:"language"`
	AssignedEmployee string                      `json:"assignedEmployee,omitempty"`
	Context          conversation.ContextData    `json:"context"`
	History          []conversation.HistoryEntry `json:"history"`
	Version          int64                       `json:"version"`
	Active           bool                        `json:"active"`
	LastMessageAt    *time.Time                  `json:"lastMessageAt,omitempty"`
	ExpiresAt        time.Time                   `json:"expiresAt"`
}

func conversationResponse(c *conversation.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:               c.ID,
		Phone:            c.Phone,
		State:            string(c.State),
		Mode:             string(c.Mode),
		Language:         c.Language,
		AssignedEmployee: c.AssignedEmployee,
		Context:          c.Context,
		History:          c.History,
		Version:          c.Version,
		Active:           c.IsActive,
		ExpiresAt:        c.ExpiresAt,
	}
	if resp.History == nil {
		resp.History = []conversation.HistoryEntry{}
	}
	if !c.LastMessageAt.IsZero() {
		t := c.LastMessageAt
		resp.LastMessageAt = &t
	}
	return resp
}

// MessageResponse describes a message an agent sent.
type MessageResponse struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	Sender         string    `json:"sender"`
	SenderEmployee string    `json:"senderEmployee,omitempty"`
	Content        string    `json:"content"`
	DeliveryStatus string    `json:"deliveryStatus"`
	CreatedAt      time.Time `json:"createdAt"`
}

type replyRequest struct {
	Text string `json:"text"`
}

func (h *AdminConversationsHandler) claims(w http.ResponseWriter, r *http.Request) (middleware.AdminClaims, bool) {
	claims, ok := middleware.AdminClaimsFromContext(r.Context())
	if !ok || claims.TenantID == "" {
		writeError(w, http.StatusUnauthorized, "missing admin claims")
		return middleware.AdminClaims{}, false
	}
	return claims, true
}

func (h *AdminConversationsHandler) fail(w http.ResponseWriter, claims middleware.AdminClaims, conversationID, op string, err error) {
	status := statusFor(err)
	log := h.logger.ForTenant(claims.TenantID, conversationID)
	if status == http.StatusInternalServerError {
		log.Error("admin "+op+" failed", "error", err, "employee_id", claims.EmployeeID())
	} else {
		log.Warn("admin "+op+" rejected", "error", err, "employee_id", claims.EmployeeID())
	}
	writeError(w, status, errorMessage(status, err))
}

// GetConversation handles GET /admin/conversations/{conversationID}.
func (h *AdminConversationsHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "conversationID")
	conv, err := h.admin.Conversation(r.Context(), claims.TenantID, id)
	if err != nil {
		h.fail(w, claims, id, "get conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse(conv))
}

// Takeover handles POST /admin/conversations/{conversationID}/takeover.
func (h *AdminConversationsHandler) Takeover(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "conversationID")
	conv, err := h.admin.Takeover(r.Context(), claims.TenantID, id, claims.EmployeeID())
	if err != nil {
		h.fail(w, claims, id, "takeover", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse(conv))
}

// Release handles POST /admin/conversations/{conversationID}/release.
func (h *AdminConversationsHandler) Release(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "conversationID")
	conv, err := h.admin.Release(r.Context(), claims.TenantID, id, claims.EmployeeID())
	if err != nil {
		h.fail(w, claims, id, "release", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse(conv))
}

// Reply handles POST /admin/conversations/{conversationID}/messages.
func (h *AdminConversationsHandler) Reply(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "conversationID")
	var req replyRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	msg, err := h.admin.AgentReply(r.Context(), claims.TenantID, id, claims.EmployeeID(), req.Text)
	if err != nil {
		h.fail(w, claims, id, "reply", err)
		return
	}
	writeJSON(w, http.StatusAccepted, MessageResponse{
		ID:             msg.ID,
		Seq:            msg.Seq,
		Sender:         string(msg.Sender),
		SenderEmployee: msg.SenderEmployee,
		Content:        msg.Content,
		DeliveryStatus: msg.DeliveryStatus,
		CreatedAt:      msg.CreatedAt,
	})
}

// Redact handles POST /admin/messages/{messageID}/redact.
func (h *AdminConversationsHandler) Redact(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "messageID")
	if err := h.admin.Redact(r.Context(), claims.TenantID, id, claims.EmployeeID()); err != nil {
		h.fail(w, claims, "", "redact", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AuditTrail handles GET /admin/conversations/{conversationID}/audit.
func (h *AdminConversationsHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit log not configured")
		return
	}
	id := chi.URLParam(r, "conversationID")
	if _, err := h.admin.Conversation(r.Context(), claims.TenantID, id); err != nil {
		h.fail(w, claims, id, "audit", err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.audit.QueryEvents(r.Context(), compliance.AuditFilter{
		TenantID:       claims.TenantID,
		ConversationID: id,
		Limit:          limit,
	})
	if err != nil {
		h.fail(w, claims, id, "audit", err)
		return
	}
	if events == nil {
		events = []compliance.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
