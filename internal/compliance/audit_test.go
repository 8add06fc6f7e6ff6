package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenantID = "11111111-1111-1111-1111-111111111111"

func TestAuditService_LogEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)

	tests := []struct {
		name  string
		event AuditEvent
	}{
		{
			name:  "takeover",
			event: AuditEvent{Type: EventTakeover, TenantID: tenantID, ConversationID: "conv-1", ActorID: "emp-7"},
		},
		{
			name:  "redaction",
			event: AuditEvent{Type: EventRedaction, TenantID: tenantID, MessageID: "msg-9", ActorID: "emp-7"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.ExpectExec("INSERT INTO compliance_audit_events").
				WithArgs(sqlmock.AnyArg(), string(tt.event.Type), tenantID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), []byte("{}"), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(1, 1))

			assert.NoError(t, service.LogEvent(context.Background(), tt.event))
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditService_LogEventValidates(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)
	if err := service.LogEvent(context.Background(), AuditEvent{Type: EventRelease}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent without tenant, got %v", err)
	}
	if err := service.LogEvent(context.Background(), AuditEvent{TenantID: tenantID}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent without type, got %v", err)
	}
}

func TestAuditService_RecordAgentAction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)
	mock.ExpectExec("INSERT INTO compliance_audit_events").
		WillReturnError(errors.New("connection reset"))

	err = service.RecordAgentAction(context.Background(), tenantID, "conv-1", string(EventAgentReply), "emp-7", "msg-1")
	assert.ErrorContains(t, err, "log audit event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditService_QueryEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "event_type", "tenant_id", "conversation_id", "message_id", "actor_id", "details", "created_at",
	}).AddRow(
		"evt-1", string(EventTakeover), tenantID, "conv-1", "", "emp-7", []byte(`{}`), now,
	)

	mock.ExpectQuery("SELECT (.+) FROM compliance_audit_events WHERE tenant_id = \\$1 AND conversation_id = \\$2 (.+) LIMIT 50").
		WithArgs(tenantID, "conv-1").
		WillReturnRows(rows)

	events, err := service.QueryEvents(context.Background(), AuditFilter{TenantID: tenantID, ConversationID: "conv-1", Limit: 50})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventTakeover, events[0].Type)
	assert.Equal(t, "emp-7", events[0].ActorID)
	assert.NoError(t, mock.ExpectationsWereMet())

	if _, err := service.QueryEvents(context.Background(), AuditFilter{}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected tenant to be required, got %v", err)
	}
}
