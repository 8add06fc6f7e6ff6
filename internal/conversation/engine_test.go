package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/whatsapp-concierge/internal/bookings"
	"github.com/wolfman30/whatsapp-concierge/internal/calendar"
	"github.com/wolfman30/whatsapp-concierge/internal/events"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
)

const customerPhone = "+15551234567"

func TestProcessNewConversationShowsServices(t *testing.T) {
	h := newHarness(t, decisionJSON("Welcome! 1. Strategy Call 2. Website Audit", StateShowServices, Slots{}))

	res, err := h.engine.Process(context.Background(), h.inbound(customerPhone, "wamid.a1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, ModeAI, res.Mode)
	assert.True(t, res.AutoResponded)
	assert.Equal(t, StateShowServices, res.NewState)

	conv, err := h.store.Get(context.Background(), testTenantID, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, StateShowServices, conv.State)
	assert.Equal(t, "en", conv.Language)

	sent := h.gateway.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, customerPhone, sent[0].To)
	assert.Equal(t, h.tenant.SendingNumber, sent[0].From)
	assert.Contains(t, sent[0].Body, "Strategy Call")

	prompt := strings.Join(h.llm.requests[0].System, "\n")
	assert.Contains(t, prompt, "1. Strategy Call - USD 49.00 (30 min)", "the model must see the tenant's catalog")

	msgs := h.store.Messages(testTenantID, conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, SenderCustomer, msgs[0].Sender)
	assert.Equal(t, DeliveryReceived, msgs[0].DeliveryStatus)
	assert.Equal(t, SenderAI, msgs[1].Sender)
	assert.Equal(t, DeliverySent, msgs[1].DeliveryStatus)
	assert.Less(t, msgs[0].Seq, msgs[1].Seq)

	assert.True(t, h.events.Has(events.TypeMessageReceived))
	assert.True(t, h.events.Has(events.TypeStateChanged))
	assert.True(t, h.events.Has(events.TypeMessageSent))
}

func TestProcessUnmatchedServiceStays(t *testing.T) {
	h := newHarness(t, decisionJSON("Great choice!", StateServiceSelected, Slots{Service: "Strategy Call"}))
	h.seed(t, customerPhone, StateShowServices, ContextData{})

	res, err := h.engine.Process(context.Background(), h.inbound(customerPhone, "wamid.b1", "do you do logo design?"))
	require.NoError(t, err)
	assert.Equal(t, StateShowServices, res.NewState, "the model cannot select a service the customer never named")
}

func TestProcessEmailCreatesOneBooking(t *testing.T) {
	h := newHarness(t, decisionJSON("Thanks! When works for you?", StateSelectTimeSlot, Slots{Email: "ana@example.com"}))
	h.seed(t, customerPhone, StateAskEmail, ContextData{SelectedServiceID: "svc-audit", SelectedService: "Website Audit", Name: "Ana"})
	in := h.inbound(customerPhone, "wamid.c1", "ana@example.com")

	res, err := h.engine.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StateSelectTimeSlot, res.NewState)
	require.Equal(t, 1, h.bookings.Count())
	assert.True(t, h.events.Has(events.TypeBookingCreated))

	b := h.bookings.bookings[0]
	assert.Equal(t, "svc-audit", b.ServiceID)
	assert.Equal(t, "ana@example.com", b.CustomerEmail)
	assert.Equal(t, IdempotencyKey(res.ConversationID, StateSelectTimeSlot, 2), b.IdempotencyKey)

	again, err := h.engine.Process(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 1, h.bookings.Count(), "a redelivered webhook must not book twice")
	assert.Len(t, h.gateway.Sent(), 1)
	assert.Equal(t, 1, h.llm.Calls())
}

func TestProcessReplayWithoutClaimIsDuplicate(t *testing.T) {
	h := newHarness(t, decisionJSON("Thanks! When works for you?", StateSelectTimeSlot, Slots{}))
	h.seed(t, customerPhone, StateAskEmail, ContextData{SelectedServiceID: "svc-audit", SelectedService: "Website Audit", Name: "Ana"})
	in := h.inbound(customerPhone, "wamid.c2", "ana@example.com")

	_, err := h.engine.Process(context.Background(), in)
	require.NoError(t, err)
	h.claims = newFakeClaims()
	h.engine.claims = h.claims

	again, err := h.engine.Process(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, StateSelectTimeSlot, again.NewState)
	assert.Equal(t, 1, h.bookings.Count())
	assert.Equal(t, 1, h.llm.Calls(), "a recorded message is not sent to the model twice")
	assert.Len(t, h.gateway.Sent(), 1)
	conv, err := h.store.FindActive(context.Background(), testTenantID, customerPhone)
	require.NoError(t, err)
	assert.Len(t, h.store.Messages(testTenantID, conv.ID), 2, "the inbound row is stored once per provider id")
}

func TestProcessHumanModeNeverAutoReplies(t *testing.T) {
	h := newHarness(t, decisionJSON("AI reply", StateAskEmail, Slots{}))
	conv := h.seed(t, customerPhone, StateAskName, ContextData{SelectedServiceID: "svc-audit"})
	handoff := NewHandoffService(h.engine)

	_, err := handoff.Takeover(context.Background(), testTenantID, conv.ID, "emp-7")
	require.NoError(t, err)
	assert.True(t, h.events.Has(events.TypeModeChanged))

	for i, text := range []string{"my name is Ana", "hello?", "I want to talk to a human"} {
		res, err := h.engine.Process(context.Background(), h.inbound(customerPhone, "wamid.d"+string(rune('0'+i)), text))
		require.NoError(t, err)
		assert.Equal(t, ModeHuman, res.Mode)
		assert.False(t, res.AutoResponded)
		assert.Equal(t, StateAskName, res.NewState)
	}

	assert.Empty(t, h.gateway.Sent())
	assert.Zero(t, h.llm.Calls())
	notes := h.notifier.All()
	require.Len(t, notes, 3)
	assert.Equal(t, "emp-7", notes[0].EmployeeID)
	assert.Empty(t, notes[0].EmailRecipients, "an assigned agent is notified directly")

	got, err := h.store.Get(context.Background(), testTenantID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAskName, got.State)
	assert.Len(t, h.store.Messages(testTenantID, conv.ID), 3)
}

func TestProcessSlotConflictAsksForAnotherTime(t *testing.T) {
	future := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Hour).Format(time.RFC3339)
	h := newHarness(t, decisionJSON("You're booked!", StatePayment, Slots{PreferredTime: future}))
	h.calendar.available = false
	h.seed(t, customerPhone, StateSelectTimeSlot, ContextData{
		SelectedServiceID: "svc-consult", SelectedService: "Strategy Call", Name: "Ana", Email: "ana@example.com",
	})

	res, err := h.engine.Process(context.Background(), h.inbound(customerPhone, "wamid.e1", "Wednesday at 3pm"))
	require.NoError(t, err)
	assert.Equal(t, StateSelectTimeSlot, res.NewState)

	sent := h.gateway.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, noSlotReplies["en"], sent[0].Body)
	assert.Empty(t, h.calendar.created)

	conv, err := h.store.Get(context.Background(), testTenantID, res.ConversationID)
	require.NoError(t, err)
	assert.Empty(t, conv.Context.PreferredTime)
}

func TestProcessSlotAvailableSchedulesAndRequestsPayment(t *testing.T) {
	future := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Hour)
	h := newHarness(t, decisionJSON("Perfect, see you then!", StatePayment, Slots{PreferredTime: future.Format(time.RFC3339)}))
	h.seed(t, customerPhone, StateSelectTimeSlot, ContextData{
		SelectedServiceID: "svc-consult", SelectedService: "Strategy Call", Name: "Ana", Email: "ana@example.com",
	})

	res, err := h.engine.Process(context.Background(), h.inbound(customerPhone, "wamid.f1", "Wednesday at 3pm"))
	require.NoError(t, err)
	assert.Equal(t, StatePayment, res.NewState)

	require.Len(t, h.calendar.created, 1)
	evt := h.calendar.created[0]
	assert.True(t, evt.Start.Equal(future))
	assert.Equal(t, 30*time.Minute, evt.Duration)
	assert.Equal(t, "ana@example.com", evt.AttendeeEmail)

	require.Equal(t, 1, h.bookings.Count())
	b := h.bookings.bookings[0]
	require.NotNil(t, b.ScheduledFor)
	assert.Equal(t, "https://meet.example.com/abc", b.MeetingLink)

	conv, err := h.store.Get(context.Background(), testTenantID, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, conv.Context.BookingID)

	sent := h.gateway.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "Perfect, see you then!", sent[0].Body)
	assert.Contains(t, sent[1].Body, PaymentLink("https://pay.example.com/checkout", b.ID))
	assert.NotContains(t, sent[1].Body, "bank transfer")
}

func TestProcessPaymentOffersAlternativeForNoCardCountries(t *testing.T) {
	future := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Hour).Format(time.RFC3339)
	h := newHarness(t, decisionJSON("Listo!", StatePayment, Slots{PreferredTime: future}))
	phone := "+584121234567"
	h.seed(t, phone, StateSelectTimeSlot, ContextData{
		SelectedServiceID: "svc-audit", SelectedService: "Website Audit", Name: "Luis", Email: "luis@example.com",
	})

	_, err := h.engine.Process(context.Background(), h.inbound(phone, "wamid.g1", "el viernes"))
	require.NoError(t, err)
	sent := h.gateway.Sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1].Body, "bank transfer to ACME-123")
	assert.Empty(t, h.calendar.created, "only live calls get a calendar event")
}

func TestProcessPaymentStartsNewCycle(t *testing.T) {
	h := newHarness(t, decisionJSON("Anything else?", StateGreeting, Slots{}))
	conv := h.seed(t, customerPhone, StatePayment, ContextData{
		SelectedServiceID: "svc-audit", SelectedService: "Website Audit", Name: "Ana", Email: "ana@example.com",
		PreferredTime: time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})

	res, err := h.engine.Process(context.Background(), h.inbound(customerPhone, "wamid.h1", "thanks!"))
	require.NoError(t, err)
	assert.Equal(t, StateGreeting, res.NewState)

	got, err := h.store.Get(context.Background(), testTenantID, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Context.SelectedServiceID)
	assert.Empty(t, got.Context.PreferredTime)
	assert.Equal(t, "Ana", got.Context.Name, "the customer's details survive a new booking cycle")
}

func TestProcessRepeatPurchaseOpensNewBooking(t *testing.T) {
	first := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Hour)
	second := first.Add(24 * time.Hour)
	h := newHarness(t,
		decisionJSON("Great, sending the payment link.", StatePayment, Slots{PreferredTime: first.Format(time.RFC3339)}),
		decisionJSON("Anything else?", StateGreeting, Slots{}),
		decisionJSON("See you on the call!", StatePayment, Slots{PreferredTime: second.Format(time.RFC3339)}),
	)
	ctx := context.Background()
	h.seed(t, customerPhone, StateSelectTimeSlot, ContextData{
		SelectedServiceID: "svc-audit", SelectedService: "Website Audit", Name: "Ana", Email: "ana@example.com",
	})

	_, err := h.engine.Process(ctx, h.inbound(customerPhone, "wamid.r1", "friday works"))
	require.NoError(t, err)
	res, err := h.engine.Process(ctx, h.inbound(customerPhone, "wamid.r2", "thanks!"))
	require.NoError(t, err)
	require.Equal(t, StateGreeting, res.NewState)

	h.seed(t, customerPhone, StateSelectTimeSlot, ContextData{
		SelectedServiceID: "svc-consult", SelectedService: "Strategy Call", Name: "Ana", Email: "ana@example.com",
	})
	res, err = h.engine.Process(ctx, h.inbound(customerPhone, "wamid.r3", "saturday then"))
	require.NoError(t, err)
	require.Equal(t, StatePayment, res.NewState)

	require.Equal(t, 2, h.bookings.Count(), "each purchase cycle gets its own booking")
	firstBooking, secondBooking := h.bookings.bookings[0], h.bookings.bookings[1]
	assert.Equal(t, "Website Audit", firstBooking.ServiceName)
	assert.Equal(t, bookings.StatusAwaitingPayment, firstBooking.Status)
	assert.Equal(t, "Strategy Call", secondBooking.ServiceName)
	assert.Equal(t, bookings.StatusPending, secondBooking.Status)

	require.Len(t, h.calendar.created, 1)
	evt := h.calendar.created[0]
	assert.Equal(t, calendar.EventIDFor(secondBooking.ID), evt.ID)
	assert.Equal(t, "Strategy Call - Acme Studio", evt.Summary)
	assert.True(t, evt.Start.Equal(second))

	sent := h.gateway.Sent()
	require.Len(t, sent, 5)
	last := sent[len(sent)-1].Body
	assert.Contains(t, last, "Strategy Call")
	assert.Contains(t, last, PaymentLink("https://pay.example.com/checkout", secondBooking.ID))
	assert.NotContains(t, last, firstBooking.ID)
}

func TestProcessAIFailureEscalates(t *testing.T) {
	h := newHarness(t)
	h.llm.err = errors.New("upstream exploded")
	h.seed(t, customerPhone, StateAskName, ContextData{})

	res, err := h.engine.Process(context.Background(), h.inbound(customerPhone, "wamid.i1", "hola, necesito ayuda"))
	require.NoError(t, err)
	assert.Equal(t, StateSupportRequest, res.NewState)

	sent := h.gateway.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, apologies["en"], sent[0].Body)

	conv, err := h.store.Get(context.Background(), testTenantID, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, StateAskName, conv.Context.ReturnTo)
	assert.Equal(t, ModeAI, conv.Mode, "escalation notifies the team but does not take the conversation over")

	notes := h.notifier.All()
	require.Len(t, notes, 1)
	assert.Equal(t, []string{"team@acme.example"}, notes[0].EmailRecipients)
	assert.True(t, h.events.Has(events.TypeEscalated))
}

func TestProcessExplicitSupportRequestOverridesModel(t *testing.T) {
	h := newHarness(t, decisionJSON("Here are our services", StateShowServices, Slots{}))
	h.seed(t, customerPhone, StateShowServices, ContextData{})

	res, err := h.engine.Process(context.Background(), h.inbound(customerPhone, "wamid.j1", "can I speak to a real person"))
	require.NoError(t, err)
	assert.Equal(t, StateSupportRequest, res.NewState)
	assert.Equal(t, handoffReplies["en"], h.gateway.Sent()[0].Body)
}

func TestProcessDeliveryFailureKeepsTransition(t *testing.T) {
	h := newHarness(t, decisionJSON("Welcome!", StateShowServices, Slots{}))
	h.gateway.err = errors.New("provider down")

	res, err := h.engine.Process(context.Background(), h.inbound(customerPhone, "wamid.k1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, StateShowServices, res.NewState)

	msgs := h.store.Messages(testTenantID, res.ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, DeliveryFailed, msgs[1].DeliveryStatus)
	assert.True(t, h.events.Has(events.TypeDeliveryFailed))
}

func TestProcessRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Process(ctx, InboundMessage{TenantID: testTenantID, Phone: customerPhone})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.engine.Process(ctx, InboundMessage{TenantID: testTenantID, Phone: "n/a", Text: "hi"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.engine.Process(ctx, InboundMessage{TenantID: "missing", Phone: customerPhone, Text: "hi"})
	assert.ErrorIs(t, err, tenancy.ErrTenantNotFound)

	h.tenants.tenants[testTenantID].Suspended = true
	_, err = h.engine.Process(ctx, h.inbound(customerPhone, "wamid.l1", "hi"))
	assert.ErrorIs(t, err, tenancy.ErrTenantSuspended)
	_, err = h.store.FindActive(ctx, testTenantID, customerPhone)
	assert.ErrorIs(t, err, ErrConversationNotFound, "a suspended tenant must not open conversations")
	assert.Zero(t, h.llm.Calls())
}

type fakeLimiter struct {
	allow bool
	err   error
}

func (l *fakeLimiter) Allow(context.Context, string) (bool, error) { return l.allow, l.err }

func TestProcessRateLimitedReleasesClaim(t *testing.T) {
	h := newHarness(t, decisionJSON("Welcome!", StateShowServices, Slots{}))
	limiter := &fakeLimiter{allow: false}
	h.engine.limiter = limiter
	in := h.inbound(customerPhone, "wamid.m1", "hi")

	_, err := h.engine.Process(context.Background(), in)
	require.ErrorIs(t, err, ErrRateLimited)

	limiter.allow = true
	res, err := h.engine.Process(context.Background(), in)
	require.NoError(t, err, "a rejected message can be redelivered")
	assert.False(t, res.Duplicate)

	limiter.allow, limiter.err = false, errors.New("redis down")
	_, err = h.engine.Process(context.Background(), h.inbound(customerPhone, "wamid.m2", "still there?"))
	assert.NoError(t, err, "a limiter outage admits the message")
}

// racingStore runs a competing write right before the first transition.
type racingStore struct {
	*MemoryStore
	once sync.Once
	race func(conv string)
}

func (s *racingStore) Transition(ctx context.Context, tenantID, conversationID string, expected int64, req TransitionRequest) (*Conversation, error) {
	s.once.Do(func() { s.race(conversationID) })
	return s.MemoryStore.Transition(ctx, tenantID, conversationID, expected, req)
}

func newRacingHarness(t *testing.T, race func(h *harness, convID string), replies ...string) *harness {
	t.Helper()
	h := newHarness(t, replies...)
	rs := &racingStore{MemoryStore: h.store}
	rs.race = func(convID string) { race(h, convID) }
	h.engine.store = rs
	return h
}

func TestProcessRecomputesAfterVersionConflict(t *testing.T) {
	h := newRacingHarness(t, func(h *harness, convID string) {
		_, _ = h.store.AppendMessage(context.Background(), testTenantID, convID, Message{Sender: SenderCustomer, Content: "concurrent"})
	}, decisionJSON("Welcome!", StateShowServices, Slots{}))

	res, err := h.engine.Process(context.Background(), h.inbound(customerPhone, "wamid.n1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, StateShowServices, res.NewState)
	assert.Len(t, h.gateway.Sent(), 1)
	assert.Equal(t, 1, h.llm.Calls(), "a retry reuses the decision")
}

func TestProcessTakeoverDuringDecisionWins(t *testing.T) {
	h := newRacingHarness(t, func(h *harness, convID string) {
		_, _ = h.store.SetMode(context.Background(), testTenantID, convID, ModeHuman, "emp-1")
	}, decisionJSON("Welcome!", StateShowServices, Slots{}))

	res, err := h.engine.Process(context.Background(), h.inbound(customerPhone, "wamid.o1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, ModeHuman, res.Mode)
	assert.Equal(t, StateGreeting, res.NewState)
	assert.Empty(t, h.gateway.Sent())
}

func TestProcessClosedConversationRepliesOnly(t *testing.T) {
	h := newRacingHarness(t, func(h *harness, convID string) {
		_ = h.store.Close(context.Background(), testTenantID, convID)
	}, decisionJSON("Welcome!", StateShowServices, Slots{}))

	res, err := h.engine.Process(context.Background(), h.inbound(customerPhone, "wamid.p1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, StateGreeting, res.NewState)
	assert.Len(t, h.gateway.Sent(), 1)
	assert.False(t, h.events.Has(events.TypeStateChanged))
}

func TestIdempotencyKeyAndPaymentLink(t *testing.T) {
	assert.Equal(t, "c1:PAYMENT:4", IdempotencyKey("c1", StatePayment, 4))
	assert.Equal(t, "https://pay.example.com/x?booking=b1", PaymentLink("https://pay.example.com/x", "b1"))
	assert.Equal(t, "https://pay.example.com/x?a=1&booking=b1", PaymentLink("https://pay.example.com/x?a=1", "b1"))
}
