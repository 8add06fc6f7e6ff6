package bookings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var bookingsTracer = otel.Tracer("wa.internal.bookings")

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides persistence helpers for bookings.
type Repository struct {
	db rowQuerier
}

// NewRepository creates a repository backed by pgx pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("bookings: pgx pool required")
	}
	return &Repository{db: pool}
}

func newRepositoryWithQuerier(db rowQuerier) *Repository {
	if db == nil {
		panic("bookings: querier required")
	}
	return &Repository{db: db}
}

const bookingColumns = `id::text, tenant_id::text, conversation_id::text, customer_phone, customer_name,
	customer_email, COALESCE(service_id::text, ''), service_name, scheduled_for, status, payment_status,
	source, idempotency_key, COALESCE(calendar_event_id, ''), COALESCE(meeting_link, ''), created_at`

func scanBooking(row pgx.Row) (*Booking, error) {
	var (
		b         Booking
		scheduled pgtype.Timestamptz
		status    string
		payment   string
		source    string
	)
	if err := row.Scan(&b.ID, &b.TenantID, &b.ConversationID, &b.CustomerPhone, &b.CustomerName,
		&b.CustomerEmail, &b.ServiceID, &b.ServiceName, &scheduled, &status, &payment,
		&source, &b.IdempotencyKey, &b.CalendarEventID, &b.MeetingLink, &b.CreatedAt); err != nil {
		return nil, err
	}
	if scheduled.Valid {
		t := scheduled.Time
		b.ScheduledFor = &t
	}
	b.Status = Status(status)
	b.PaymentStatus = PaymentStatus(payment)
	b.Source = Source(source)
	return &b, nil
}

// FindPending returns the conversation's pending booking.
func (r *Repository) FindPending(ctx context.Context, tenantID, conversationID string) (*Booking, error) {
	b, err := scanBooking(r.db.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE tenant_id = $1 AND conversation_id = $2 AND status = 'pending'
	`, tenantID, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("bookings: find pending: %w", err)
	}
	return b, nil
}

// Get loads a booking scoped to the tenant.
func (r *Repository) Get(ctx context.Context, tenantID, bookingID string) (*Booking, error) {
	b, err := scanBooking(r.db.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE tenant_id = $1 AND id = $2
	`, tenantID, bookingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("bookings: get: %w", err)
	}
	return b, nil
}

// CreatePending inserts a pending booking unless the conversation already has
// one or the idempotency key was used. The bool reports whether a row was created.
func (r *Repository) CreatePending(ctx context.Context, in CreateInput) (*Booking, bool, error) {
	ctx, span := bookingsTracer.Start(ctx, "bookings.create_pending")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", in.TenantID),
		attribute.String("conversation.id", in.ConversationID),
	)

	existing, err := r.FindPending(ctx, in.TenantID, in.ConversationID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		return nil, false, err
	}

	var serviceID any
	if in.ServiceID != "" {
		serviceID = in.ServiceID
	}
	b, err := scanBooking(r.db.QueryRow(ctx, `
		INSERT INTO bookings (id, tenant_id, conversation_id, customer_phone, customer_name, customer_email,
			service_id, service_name, scheduled_for, status, payment_status, source, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', 'unpaid', 'conversation_ai', $10)
		ON CONFLICT DO NOTHING
		RETURNING `+bookingColumns,
		uuid.NewString(), in.TenantID, in.ConversationID, in.CustomerPhone, in.CustomerName, in.CustomerEmail,
		serviceID, in.ServiceName, toNullableTime(in.ScheduledFor), in.IdempotencyKey))
	if err == nil {
		return b, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		return nil, false, fmt.Errorf("bookings: insert pending: %w", err)
	}
	// a concurrent writer won the unique index; return its row
	existing, err = r.FindPending(ctx, in.TenantID, in.ConversationID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// SetSchedule records the booked slot and calendar event.
func (r *Repository) SetSchedule(ctx context.Context, tenantID, bookingID string, at time.Time, eventID, meetingLink string) error {
	ct, err := r.db.Exec(ctx, `
		UPDATE bookings
		SET scheduled_for = $3, calendar_event_id = $4, meeting_link = NULLIF($5, ''), updated_at = now()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, bookingID, at.UTC(), eventID, meetingLink)
	if err != nil {
		return fmt.Errorf("bookings: set schedule: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAwaitingPayment ends the booking's cycle. The conversation can then
// open a new pending booking. Bookings already past pending are left alone.
func (r *Repository) MarkAwaitingPayment(ctx context.Context, tenantID, bookingID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE bookings
		SET status = 'awaiting_payment', updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending'
	`, tenantID, bookingID)
	if err != nil {
		return fmt.Errorf("bookings: mark awaiting payment: %w", err)
	}
	return nil
}

func toNullableTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}
