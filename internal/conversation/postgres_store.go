package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var storeTracer = otel.Tracer("wa.internal.conversation.store")

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the production Store. Linearization per conversation comes
// from the row itself: writes are conditional on version or serialize on the
// row lock.
type PostgresStore struct {
	db   rowQuerier
	opts StoreOptions
	now  func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool, opts StoreOptions) *PostgresStore {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	return newPostgresStoreWithQuerier(pool, opts)
}

func newPostgresStoreWithQuerier(db rowQuerier, opts StoreOptions) *PostgresStore {
	if db == nil {
		panic("conversation: querier required")
	}
	return &PostgresStore{db: db, opts: opts.withDefaults(), now: time.Now}
}

const conversationColumns = `id::text, tenant_id::text, phone, COALESCE(customer_id, ''), current_state, mode,
	COALESCE(language, ''), message_history, context_data, COALESCE(assigned_employee, ''),
	version, transition_seq, message_seq, last_message_at, expires_at, is_active, created_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var (
		c       Conversation
		state   string
		mode    string
		history []byte
		ctxData []byte
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.Phone, &c.CustomerID, &state, &mode,
		&c.Language, &history, &ctxData, &c.AssignedEmployee,
		&c.Version, &c.TransitionSeq, &c.MessageSeq, &c.LastMessageAt, &c.ExpiresAt, &c.IsActive, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.State = State(state)
	c.Mode = Mode(mode)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &c.History); err != nil {
			return nil, fmt.Errorf("conversation: decode history: %w", err)
		}
	}
	if len(ctxData) > 0 {
		if err := json.Unmarshal(ctxData, &c.Context); err != nil {
			return nil, fmt.Errorf("conversation: decode context: %w", err)
		}
	}
	return &c, nil
}

// FindActive implements Store. An expired active row is soft-closed.
func (s *PostgresStore) FindActive(ctx context.Context, tenantID, phone string) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE tenant_id = $1 AND phone = $2 AND is_active
	`, tenantID, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("conversation: find active: %w", err)
	}
	if conv.Open(s.now()) {
		return conv, nil
	}
	if _, err := s.db.Exec(ctx, `
		UPDATE conversations SET is_active = false, version = version + 1, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND is_active
	`, tenantID, conv.ID); err != nil {
		return nil, fmt.Errorf("conversation: close expired: %w", err)
	}
	return nil, ErrConversationNotFound
}

// LoadOrCreate implements Store. Concurrent creators race on the partial
// unique index (tenant_id, phone) WHERE is_active; losers re-read the winner.
func (s *PostgresStore) LoadOrCreate(ctx context.Context, tenantID, phone string) (*Conversation, bool, error) {
	ctx, span := storeTracer.Start(ctx, "conversation.load_or_create")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	conv, err := s.FindActive(ctx, tenantID, phone)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		span.RecordError(err)
		return nil, false, err
	}

	now := s.now().UTC()
	created, err := scanConversation(s.db.QueryRow(ctx, `
		INSERT INTO conversations (id, tenant_id, phone, current_state, mode, message_history, context_data,
			version, transition_seq, message_seq, last_message_at, expires_at, is_active, created_at)
		VALUES ($1, $2, $3, $4, 'ai', '[]'::jsonb, '{}'::jsonb, 1, 0, 0, $5, $6, true, $5)
		ON CONFLICT DO NOTHING
		RETURNING `+conversationColumns,
		uuid.NewString(), tenantID, phone, string(InitialState), now, now.Add(s.opts.TTL)))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		return nil, false, fmt.Errorf("conversation: create: %w", err)
	}
	conv, err = s.FindActive(ctx, tenantID, phone)
	if err != nil {
		return nil, false, err
	}
	return conv, false, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, tenantID, conversationID string) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = $1 AND id = $2
	`, tenantID, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("conversation: get: %w", err)
	}
	return conv, nil
}

// appendMessageSQL bumps the sequence under the row lock, appends to the
// bounded history and inserts the message row in one statement.
const appendMessageSQL = `
	WITH conv AS (
		UPDATE conversations
		SET message_seq = message_seq + 1,
			version = version + 1,
			last_message_at = $3,
			expires_at = CASE WHEN is_active AND expires_at > $3
				THEN $3 + make_interval(secs => $4) ELSE expires_at END,
			message_history = (
				SELECT COALESCE(jsonb_agg(recent.e ORDER BY recent.ord), '[]'::jsonb)
				FROM (
					SELECT t.e, t.ord
					FROM jsonb_array_elements(message_history || $5::jsonb) WITH ORDINALITY AS t(e, ord)
					ORDER BY t.ord DESC
					LIMIT $6
				) recent
			),
			updated_at = now()
		WHERE tenant_id = $2 AND id = $1
		RETURNING message_seq
	)
	INSERT INTO messages (id, tenant_id, conversation_id, seq, sender_type, message_type, content,
		media_ref, provider_message_id, sender_employee, delivery_status, created_at)
	SELECT $7, $2, $1, conv.message_seq, $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14, $3
	FROM conv
	RETURNING seq
`

// AppendMessage implements Store.
func (s *PostgresStore) AppendMessage(ctx context.Context, tenantID, conversationID string, msg Message) (Message, error) {
	ctx, span := storeTracer.Start(ctx, "conversation.append_message")
	defer span.End()

	now := s.now().UTC()
	msg.ID = uuid.NewString()
	msg.TenantID = tenantID
	msg.ConversationID = conversationID
	msg.CreatedAt = now
	if msg.Type == "" {
		msg.Type = MessageText
	}
	entry, err := json.Marshal([]HistoryEntry{{MessageID: msg.ID, Role: msg.Sender, Content: msg.Content, Timestamp: now}})
	if err != nil {
		return Message{}, fmt.Errorf("conversation: encode history entry: %w", err)
	}

	err = s.db.QueryRow(ctx, appendMessageSQL,
		conversationID, tenantID, now, s.opts.TTL.Seconds(), string(entry), s.opts.HistoryWindow,
		msg.ID, string(msg.Sender), string(msg.Type), msg.Content,
		msg.MediaRef, msg.ProviderMessageID, msg.SenderEmployee, msg.DeliveryStatus,
	).Scan(&msg.Seq)
	if err == nil {
		return msg, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrConversationNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && msg.ProviderMessageID != "" {
		existing, err := s.messageByProviderID(ctx, tenantID, msg.ProviderMessageID)
		if err != nil {
			return Message{}, err
		}
		return existing, ErrDuplicateMessage
	}
	span.RecordError(err)
	return Message{}, fmt.Errorf("conversation: append message: %w", err)
}

func (s *PostgresStore) messageByProviderID(ctx context.Context, tenantID, providerID string) (Message, error) {
	var (
		m      Message
		sender string
		mtype  string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id::text, conversation_id::text, seq, sender_type, message_type, content,
			COALESCE(media_ref, ''), delivery_status, redacted, created_at
		FROM messages WHERE tenant_id = $1 AND provider_message_id = $2
	`, tenantID, providerID).Scan(&m.ID, &m.ConversationID, &m.Seq, &sender, &mtype, &m.Content,
		&m.MediaRef, &m.DeliveryStatus, &m.Redacted, &m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("conversation: load duplicate message: %w", err)
	}
	m.TenantID = tenantID
	m.ProviderMessageID = providerID
	m.Sender = SenderType(sender)
	m.Type = MessageType(mtype)
	return m, nil
}

// Transition implements Store.
func (s *PostgresStore) Transition(ctx context.Context, tenantID, conversationID string, expectedVersion int64, req TransitionRequest) (*Conversation, error) {
	ctx, span := storeTracer.Start(ctx, "conversation.transition")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.to_state", string(req.To)))

	current, err := s.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !current.Open(now) {
		return nil, ErrStaleConversation
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	merged, err := json.Marshal(current.Context.Apply(req.Patch))
	if err != nil {
		return nil, fmt.Errorf("conversation: encode context: %w", err)
	}

	updated, err := scanConversation(s.db.QueryRow(ctx, `
		UPDATE conversations
		SET current_state = $4,
			context_data = $5::jsonb,
			language = COALESCE(NULLIF($6, ''), language),
			transition_seq = transition_seq + 1,
			version = version + 1,
			updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND version = $3 AND is_active AND expires_at > $7
		RETURNING `+conversationColumns,
		tenantID, conversationID, expectedVersion, string(req.To), string(merged), req.Language, now.UTC()))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: transition: %w", err)
	}
	latest, getErr := s.Get(ctx, tenantID, conversationID)
	if getErr != nil {
		return nil, getErr
	}
	if !latest.Open(s.now()) {
		return nil, ErrStaleConversation
	}
	return nil, ErrVersionConflict
}

// SetMode implements Store.
func (s *PostgresStore) SetMode(ctx context.Context, tenantID, conversationID string, mode Mode, employeeID string) (*Conversation, error) {
	if mode != ModeHuman {
		employeeID = ""
	}
	conv, err := scanConversation(s.db.QueryRow(ctx, `
		UPDATE conversations
		SET mode = $3, assigned_employee = NULLIF($4, ''), version = version + 1, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND is_active AND expires_at > $5
		RETURNING `+conversationColumns,
		tenantID, conversationID, string(mode), employeeID, s.now().UTC()))
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation: set mode: %w", err)
	}
	if _, getErr := s.Get(ctx, tenantID, conversationID); getErr != nil {
		return nil, getErr
	}
	return nil, ErrStaleConversation
}

// MarkDelivery implements Store.
func (s *PostgresStore) MarkDelivery(ctx context.Context, tenantID, messageID, status, providerMessageID string) error {
	ct, err := s.db.Exec(ctx, `
		UPDATE messages
		SET delivery_status = $3, provider_message_id = COALESCE(NULLIF($4, ''), provider_message_id)
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, messageID, status, providerMessageID)
	if err != nil {
		return fmt.Errorf("conversation: mark delivery: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// RedactMessage implements Store. The message keeps its place in the audit
// trail; content is replaced in the row and in the history copy.
func (s *PostgresStore) RedactMessage(ctx context.Context, tenantID, messageID string) error {
	ct, err := s.db.Exec(ctx, `
		WITH m AS (
			UPDATE messages
			SET content = $3, media_ref = NULL, redacted = true, redacted_at = now()
			WHERE tenant_id = $1 AND id = $2
			RETURNING conversation_id
		)
		UPDATE conversations c
		SET message_history = (
			SELECT COALESCE(jsonb_agg(
				CASE WHEN t.e->>'message_id' = $2 THEN jsonb_set(t.e, '{content}', to_jsonb($3::text)) ELSE t.e END
				ORDER BY t.ord), '[]'::jsonb)
			FROM jsonb_array_elements(c.message_history) WITH ORDINALITY AS t(e, ord)
		)
		FROM m
		WHERE c.id = m.conversation_id AND c.tenant_id = $1
	`, tenantID, messageID, redactedContent)
	if err != nil {
		return fmt.Errorf("conversation: redact message: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close(ctx context.Context, tenantID, conversationID string) error {
	ct, err := s.db.Exec(ctx, `
		UPDATE conversations SET is_active = false, version = version + 1, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND is_active
	`, tenantID, conversationID)
	if err != nil {
		return fmt.Errorf("conversation: close: %w", err)
	}
	if ct.RowsAffected() == 0 {
		if _, err := s.Get(ctx, tenantID, conversationID); err != nil {
			return err
		}
	}
	return nil
}
