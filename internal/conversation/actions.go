package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/wolfman30/whatsapp-concierge/internal/bookings"
	"github.com/wolfman30/whatsapp-concierge/internal/calendar"
	"github.com/wolfman30/whatsapp-concierge/internal/events"
	"github.com/wolfman30/whatsapp-concierge/internal/notify"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

const (
	actionClaimProvider    = "action"
	actionCloseCycle       = "closeCycle"
	defaultServiceDuration = 30 * time.Minute
)

// IdempotencyKey identifies one authoritative transition.
func IdempotencyKey(conversationID string, target State, transitionSeq int64) string {
	return fmt.Sprintf("%s:%s:%d", conversationID, target, transitionSeq)
}

// createBooking opens a pending booking for the conversation. A pending
// booking that already exists is reused.
func (e *Engine) createBooking(ctx context.Context, log *logging.Logger, tenant *tenancy.Tenant, conv *Conversation, ext Extraction) {
	if e.bookings == nil {
		return
	}
	b, created, err := e.ensureBooking(ctx, tenant, conv, ext, IdempotencyKey(conv.ID, StateSelectTimeSlot, conv.TransitionSeq))
	if err != nil {
		log.Error("create booking failed", "error", err)
		e.metrics.ObserveAction(string(ActionCreateBooking), "error")
		return
	}
	if !created {
		e.metrics.ObserveAction(string(ActionCreateBooking), "existing")
		return
	}
	e.metrics.ObserveAction(string(ActionCreateBooking), "ok")
	log.Info("pending booking created", "booking_id", b.ID)
	e.publish(ctx, conv, events.TypeBookingCreated, map[string]string{"booking_id": b.ID})
}

func (e *Engine) ensureBooking(ctx context.Context, tenant *tenancy.Tenant, conv *Conversation, ext Extraction, key string) (*bookings.Booking, bool, error) {
	in := bookings.CreateInput{
		TenantID:       tenant.ID,
		ConversationID: conv.ID,
		CustomerPhone:  conv.Phone,
		CustomerName:   conv.Context.Name,
		CustomerEmail:  conv.Context.Email,
		ServiceID:      conv.Context.SelectedServiceID,
		ServiceName:    conv.Context.SelectedService,
		IdempotencyKey: key,
	}
	if ext.Service != nil {
		in.ServiceID = ext.Service.ID
		in.ServiceName = ext.Service.Name
	}
	return e.bookings.CreatePending(ctx, in)
}

// scheduleEvent checks the calendar and books the slot. It runs before the
// transition commits; a conflict keeps the customer choosing a time.
func (e *Engine) scheduleEvent(ctx context.Context, log *logging.Logger, tenant *tenancy.Tenant, conv *Conversation, ext Extraction) (string, error) {
	if e.bookings == nil {
		return "", errors.New("conversation: bookings are not configured")
	}
	if ext.PreferredTime.IsZero() {
		return "", fmt.Errorf("%w: no preferred time", ErrSchedulingConflict)
	}

	b, _, err := e.ensureBooking(ctx, tenant, conv, ext, IdempotencyKey(conv.ID, StatePayment, conv.TransitionSeq+1))
	if err != nil {
		e.metrics.ObserveAction(string(ActionScheduleEvent), "error")
		return "", err
	}

	var cal calendar.Calendar
	if e.calendars != nil {
		cal, err = e.calendars.ForTenant(ctx, tenant)
	}
	if e.calendars == nil || errors.Is(err, tenancy.ErrNoCredentials) {
		// Without a calendar the slot is recorded for the team to confirm.
		log.Warn("tenant has no calendar, recording requested slot only", "booking_id", b.ID)
		if err := e.bookings.SetSchedule(ctx, tenant.ID, b.ID, ext.PreferredTime, "", ""); err != nil {
			e.metrics.ObserveAction(string(ActionScheduleEvent), "error")
			return "", err
		}
		e.metrics.ObserveAction(string(ActionScheduleEvent), "unscheduled")
		return b.ID, nil
	}
	if err != nil {
		e.metrics.ObserveAction(string(ActionScheduleEvent), "error")
		return "", err
	}

	duration := defaultServiceDuration
	if ext.Service != nil && ext.Service.DurationMinutes > 0 {
		duration = time.Duration(ext.Service.DurationMinutes) * time.Minute
	}
	avail, err := cal.CheckAvailability(ctx, ext.PreferredTime, duration)
	if err != nil {
		e.metrics.ObserveAction(string(ActionScheduleEvent), "error")
		return "", err
	}
	if !avail.Available {
		e.metrics.ObserveAction(string(ActionScheduleEvent), "conflict")
		log.Info("requested slot unavailable", "start", ext.PreferredTime, "conflicts", len(avail.Conflicts))
		return "", ErrSchedulingConflict
	}

	summary := tenant.Name
	if b.ServiceName != "" {
		summary = b.ServiceName + " - " + tenant.Name
	}
	evt, err := cal.CreateEvent(ctx, calendar.EventRequest{
		ID:              calendar.EventIDFor(b.ID),
		Summary:         summary,
		Description:     fmt.Sprintf("Booked over WhatsApp by %s (%s)", firstNonEmpty(conv.Context.Name, conv.Phone), conv.Phone),
		Start:           ext.PreferredTime,
		Duration:        duration,
		TimeZone:        tenant.Timezone,
		AttendeeEmail:   conv.Context.Email,
		WithMeetingLink: true,
	})
	if err != nil {
		e.metrics.ObserveAction(string(ActionScheduleEvent), "error")
		return "", err
	}
	if err := e.bookings.SetSchedule(ctx, tenant.ID, b.ID, ext.PreferredTime, evt.ID, evt.MeetingLink); err != nil {
		e.metrics.ObserveAction(string(ActionScheduleEvent), "error")
		return "", err
	}
	outcome := "ok"
	if evt.AlreadyExisted {
		outcome = "existing"
	}
	e.metrics.ObserveAction(string(ActionScheduleEvent), outcome)
	return b.ID, nil
}

// requestPayment sends the payment link once per transition. It never
// changes the booking.
func (e *Engine) requestPayment(ctx context.Context, log *logging.Logger, tenant *tenancy.Tenant, conv *Conversation, ext Extraction) {
	if e.bookings == nil || e.payments == nil {
		log.Warn("payment requested but payments are not configured")
		e.metrics.ObserveAction(string(ActionRequestPayment), "skipped")
		return
	}
	key := IdempotencyKey(conv.ID, StatePayment, conv.TransitionSeq)
	if e.claims != nil {
		ok, err := e.claims.MarkProcessed(ctx, actionClaimProvider, key)
		if err != nil {
			log.Error("failed to claim payment request", "error", err)
			e.metrics.ObserveAction(string(ActionRequestPayment), "error")
			return
		}
		if !ok {
			e.metrics.ObserveAction(string(ActionRequestPayment), "duplicate")
			return
		}
	}

	creds, err := e.payments.Payment(tenant)
	if err != nil || strings.TrimSpace(creds.CheckoutBaseURL) == "" {
		log.Error("payment link unavailable", "error", err)
		e.metrics.ObserveAction(string(ActionRequestPayment), "error")
		return
	}
	b, err := e.cycleBooking(ctx, tenant, conv)
	if err != nil {
		if errors.Is(err, bookings.ErrNotFound) {
			b, _, err = e.ensureBooking(ctx, tenant, conv, ext, key)
		}
		if err != nil {
			log.Error("no booking for payment request", "error", err)
			e.metrics.ObserveAction(string(ActionRequestPayment), "error")
			return
		}
	}

	body := PaymentMessage(creds, b, conv.Language, tenant.IsNoCardPhone(conv.Phone))
	if _, err := e.sendAndRecord(ctx, log, tenant, conv, SenderAI, "", body); err != nil {
		e.metrics.ObserveAction(string(ActionRequestPayment), "delivery_failed")
		return
	}
	e.metrics.ObserveAction(string(ActionRequestPayment), "ok")
}

// cycleBooking returns the booking of the conversation's current purchase
// cycle.
func (e *Engine) cycleBooking(ctx context.Context, tenant *tenancy.Tenant, conv *Conversation) (*bookings.Booking, error) {
	if conv.Context.BookingID != "" {
		b, err := e.bookings.Get(ctx, tenant.ID, conv.Context.BookingID)
		if err == nil && b.Status == bookings.StatusPending {
			return b, nil
		}
		if err != nil && !errors.Is(err, bookings.ErrNotFound) {
			return nil, err
		}
	}
	return e.bookings.FindPending(ctx, tenant.ID, conv.ID)
}

// closeCycle moves the finished cycle's booking out of pending so the next
// cycle books afresh. conv is the conversation as it was in PAYMENT.
func (e *Engine) closeCycle(ctx context.Context, log *logging.Logger, tenant *tenancy.Tenant, conv *Conversation) {
	if e.bookings == nil {
		return
	}
	b, err := e.cycleBooking(ctx, tenant, conv)
	if errors.Is(err, bookings.ErrNotFound) {
		return
	}
	if err == nil {
		err = e.bookings.MarkAwaitingPayment(ctx, tenant.ID, b.ID)
	}
	if err != nil {
		log.Error("failed to close booking cycle", "error", err)
		e.metrics.ObserveAction(actionCloseCycle, "error")
		return
	}
	log.Info("booking cycle closed", "booking_id", b.ID)
	e.metrics.ObserveAction(actionCloseCycle, "ok")
}

// PaymentLink is the checkout URL for a booking.
func PaymentLink(base, bookingID string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "booking=" + url.QueryEscape(bookingID)
}

// PaymentMessage renders the payment request, adding the alternative method
// for customers who cannot pay by card.
func PaymentMessage(creds tenancy.PaymentCredentials, b *bookings.Booking, language string, noCard bool) string {
	service := b.ServiceName
	if service == "" {
		service = "appointment"
	}
	body := fmt.Sprintf(localized(paymentTemplates, language), service, PaymentLink(creds.CheckoutBaseURL, b.ID))
	if noCard && strings.TrimSpace(creds.AlternativeMethod) != "" {
		body += "\n\n" + fmt.Sprintf(localized(noCardTemplates, language), creds.AlternativeMethod)
	}
	return body
}

// escalate tells the team a customer is waiting for a person.
func (e *Engine) escalate(ctx context.Context, tenant *tenancy.Tenant, conv *Conversation, lastMessage string) {
	e.publish(ctx, conv, events.TypeEscalated, nil)
	if e.notifier == nil {
		e.metrics.ObserveAction(string(ActionEscalate), "skipped")
		return
	}
	e.notifier.Notify(ctx, notify.Notification{
		TenantID:        tenant.ID,
		EmployeeID:      conv.AssignedEmployee,
		Title:           "Customer asked for help",
		Body:            fmt.Sprintf("%s: %s", conv.Phone, lastMessage),
		ConversationID:  conv.ID,
		EmailRecipients: tenant.HandoffEmails,
	})
	e.metrics.ObserveAction(string(ActionEscalate), "ok")
}
