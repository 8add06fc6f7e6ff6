// Package compliance records an append-only trail of human actions taken on
// customer conversations.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType names an audited action.
type EventType string

const (
	EventTakeover   EventType = "agent.takeover"
	EventRelease    EventType = "agent.release"
	EventAgentReply EventType = "agent.reply"
	EventRedaction  EventType = "message.redacted"
)

// ErrInvalidEvent is returned for events missing a tenant or type.
var ErrInvalidEvent = errors.New("compliance: invalid audit event")

// AuditEvent is an immutable audit record. Message content is never stored.
type AuditEvent struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	TenantID       string          `json:"tenantId"`
	ConversationID string          `json:"conversationId,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	ActorID        string          `json:"actorId,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// AuditService writes and reads compliance_audit_events.
type AuditService struct {
	db  *sql.DB
	now func() time.Time
}

// NewAuditService creates a new audit service.
func NewAuditService(db *sql.DB) *AuditService {
	if db == nil {
		panic("compliance: db required")
	}
	return &AuditService{db: db, now: time.Now}
}

// LogEvent records an audit event.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if strings.TrimSpace(event.TenantID) == "" || event.Type == "" {
		return ErrInvalidEvent
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	details := []byte(event.Details)
	if len(details) == 0 {
		details = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compliance_audit_events (
			id, event_type, tenant_id, conversation_id, message_id, actor_id, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		event.ID,
		string(event.Type),
		event.TenantID,
		nullString(event.ConversationID),
		nullString(event.MessageID),
		nullString(event.ActorID),
		details,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: log audit event: %w", err)
	}
	return nil
}

// RecordAgentAction adapts LogEvent to the conversation package's auditor hook.
func (s *AuditService) RecordAgentAction(ctx context.Context, tenantID, conversationID, action, actorID, messageID string) error {
	return s.LogEvent(ctx, AuditEvent{
		Type:           EventType(action),
		TenantID:       tenantID,
		ConversationID: conversationID,
		MessageID:      messageID,
		ActorID:        actorID,
	})
}

// AuditFilter specifies criteria for querying audit events. TenantID is required.
type AuditFilter struct {
	TenantID       string
	ConversationID string
	Type           EventType
	Since          time.Time
	Limit          int
}

const maxQueryLimit = 200

// QueryEvents returns a tenant's audit events, newest first.
func (s *AuditService) QueryEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	if strings.TrimSpace(filter.TenantID) == "" {
		return nil, ErrInvalidEvent
	}
	query := `
		SELECT id::text, event_type, tenant_id::text, COALESCE(conversation_id::text, ''),
		       COALESCE(message_id, ''), COALESCE(actor_id, ''), details, created_at
		FROM compliance_audit_events
		WHERE tenant_id = $1`
	args := []any{filter.TenantID}

	if filter.ConversationID != "" {
		args = append(args, filter.ConversationID)
		query += fmt.Sprintf(" AND conversation_id = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			e       AuditEvent
			typ     string
			details []byte
		)
		if err := rows.Scan(&e.ID, &typ, &e.TenantID, &e.ConversationID, &e.MessageID, &e.ActorID, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("compliance: scan audit event: %w", err)
		}
		e.Type = EventType(typ)
		if len(details) > 0 {
			e.Details = json.RawMessage(details)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("compliance: query audit events: %w", err)
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
