package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/whatsapp-concierge/internal/bookings"
	"github.com/wolfman30/whatsapp-concierge/internal/calendar"
	"github.com/wolfman30/whatsapp-concierge/internal/events"
	"github.com/wolfman30/whatsapp-concierge/internal/notify"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

const testTenantID = "11111111-1111-1111-1111-111111111111"

var testCatalog = []tenancy.Service{
	{ID: "svc-consult", Name: "Strategy Call", PriceCents: 4900, Currency: "usd", DurationMinutes: 30, IsLiveCall: true, Position: 1},
	{ID: "svc-audit", Name: "Website Audit", PriceCents: 19900, Currency: "usd", Position: 2},
}

type fakeTenants struct {
	mu       sync.Mutex
	tenants  map[string]*tenancy.Tenant
	services map[string][]tenancy.Service
}

func newFakeTenants(t *tenancy.Tenant, services []tenancy.Service) *fakeTenants {
	return &fakeTenants{
		tenants:  map[string]*tenancy.Tenant{t.ID: t},
		services: map[string][]tenancy.Service{t.ID: services},
	}
}

func (f *fakeTenants) GetTenant(_ context.Context, id string) (*tenancy.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return nil, tenancy.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTenants) ListServices(_ context.Context, id string) ([]tenancy.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tenancy.Service(nil), f.services[id]...), nil
}

type fakeGateway struct {
	mu   sync.Mutex
	sent []OutboundMessage
	err  error
}

func (g *fakeGateway) Send(_ context.Context, msg OutboundMessage) (DeliveryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return DeliveryResult{}, g.err
	}
	g.sent = append(g.sent, msg)
	return DeliveryResult{Provider: "fake", ProviderMessageID: "wamid." + uuid.NewString(), Status: DeliverySent}, nil
}

func (g *fakeGateway) Sent() []OutboundMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]OutboundMessage(nil), g.sent...)
}

func (g *fakeGateway) ForTenant(context.Context, *tenancy.Tenant) (Gateway, error) { return g, nil }

// scriptedLLM returns canned replies in order, repeating the last one.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []string
	err      error
	delay    time.Duration
	requests []LLMRequest
}

func (s *scriptedLLM) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	reply := ""
	if len(s.replies) > 0 {
		reply = s.replies[0]
		if len(s.replies) > 1 {
			s.replies = s.replies[1:]
		}
	}
	err, delay := s.err, s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return LLMResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return LLMResponse{}, err
	}
	return LLMResponse{Text: reply}, nil
}

func (s *scriptedLLM) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func decisionJSON(reply string, next State, slots Slots) string {
	b, _ := json.Marshal(map[string]any{
		"reply":      reply,
		"next_state": string(next),
		"language":   "en",
		"slots":      slots,
	})
	return string(b)
}

type staticModels struct {
	client LLMClient
	err    error
}

func (m staticModels) ForTenant(context.Context, *tenancy.Tenant) (LLMClient, error) {
	return m.client, m.err
}

type fakeClaims struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeClaims() *fakeClaims { return &fakeClaims{seen: make(map[string]bool)} }

func (c *fakeClaims) MarkProcessed(_ context.Context, provider, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := provider + "|" + id
	if c.seen[key] {
		return false, nil
	}
	c.seen[key] = true
	return true, nil
}

func (c *fakeClaims) Forget(_ context.Context, provider, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, provider+"|"+id)
	return nil
}

type fakeBookings struct {
	mu       sync.Mutex
	bookings []*bookings.Booking
	keys     map[string]bool
}

func newFakeBookings() *fakeBookings { return &fakeBookings{keys: make(map[string]bool)} }

func (f *fakeBookings) FindPending(_ context.Context, tenantID, conversationID string) (*bookings.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bookings {
		if b.TenantID == tenantID && b.ConversationID == conversationID && b.Status == bookings.StatusPending {
			cp := *b
			return &cp, nil
		}
	}
	return nil, bookings.ErrNotFound
}

func (f *fakeBookings) CreatePending(ctx context.Context, in bookings.CreateInput) (*bookings.Booking, bool, error) {
	if b, err := f.FindPending(ctx, in.TenantID, in.ConversationID); err == nil {
		return b, false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[in.IdempotencyKey] {
		return nil, false, errors.New("idempotency key reused without pending booking")
	}
	f.keys[in.IdempotencyKey] = true
	b := &bookings.Booking{
		ID:             uuid.NewString(),
		TenantID:       in.TenantID,
		ConversationID: in.ConversationID,
		CustomerPhone:  in.CustomerPhone,
		CustomerName:   in.CustomerName,
		CustomerEmail:  in.CustomerEmail,
		ServiceID:      in.ServiceID,
		ServiceName:    in.ServiceName,
		Status:         bookings.StatusPending,
		PaymentStatus:  bookings.PaymentUnpaid,
		IdempotencyKey: in.IdempotencyKey,
	}
	f.bookings = append(f.bookings, b)
	cp := *b
	return &cp, true, nil
}

func (f *fakeBookings) SetSchedule(_ context.Context, tenantID, bookingID string, at time.Time, eventID, link string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bookings {
		if b.ID == bookingID && b.TenantID == tenantID {
			b.ScheduledFor = &at
			b.CalendarEventID = eventID
			b.MeetingLink = link
			return nil
		}
	}
	return bookings.ErrNotFound
}

func (f *fakeBookings) Get(_ context.Context, tenantID, bookingID string) (*bookings.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bookings {
		if b.ID == bookingID && b.TenantID == tenantID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, bookings.ErrNotFound
}

func (f *fakeBookings) MarkAwaitingPayment(_ context.Context, tenantID, bookingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bookings {
		if b.ID == bookingID && b.TenantID == tenantID && b.Status == bookings.StatusPending {
			b.Status = bookings.StatusAwaitingPayment
		}
	}
	return nil
}

func (f *fakeBookings) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bookings)
}

type fakeCalendar struct {
	mu        sync.Mutex
	available bool
	created   []calendar.EventRequest
}

func (c *fakeCalendar) CheckAvailability(_ context.Context, start time.Time, d time.Duration) (calendar.Availability, error) {
	if c.available {
		return calendar.Availability{Available: true}, nil
	}
	return calendar.Availability{Conflicts: []calendar.TimeRange{{Start: start, End: start.Add(d)}}}, nil
}

func (c *fakeCalendar) CreateEvent(_ context.Context, req calendar.EventRequest) (calendar.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, req)
	return calendar.Event{ID: req.ID, MeetingLink: "https://meet.example.com/abc"}, nil
}

func (c *fakeCalendar) ForTenant(context.Context, *tenancy.Tenant) (calendar.Calendar, error) {
	return c, nil
}

type fakePayments struct{ creds tenancy.PaymentCredentials }

func (p fakePayments) Payment(*tenancy.Tenant) (tenancy.PaymentCredentials, error) { return p.creds, nil }

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, note notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
}

func (n *fakeNotifier) All() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.sent...)
}

type fakeEvents struct {
	mu    sync.Mutex
	types []string
}

func (f *fakeEvents) PublishConversationEvent(_ context.Context, evt events.ConversationEventV1) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, evt.Type)
	return nil
}

func (f *fakeEvents) Has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.types {
		if t == eventType {
			return true
		}
	}
	return false
}

// harness is an engine over a MemoryStore with every collaborator faked.
type harness struct {
	engine   *Engine
	store    *MemoryStore
	tenant   *tenancy.Tenant
	tenants  *fakeTenants
	gateway  *fakeGateway
	llm      *scriptedLLM
	claims   *fakeClaims
	bookings *fakeBookings
	calendar *fakeCalendar
	notifier *fakeNotifier
	events   *fakeEvents
}

func newHarness(t *testing.T, replies ...string) *harness {
	t.Helper()
	tenant := &tenancy.Tenant{
		ID:              testTenantID,
		Name:            "Acme Studio",
		Active:          true,
		Timezone:        "UTC",
		SendingNumber:   "+15550000000",
		NoCardCountries: []string{"+58"},
		HandoffEmails:   []string{"team@acme.example"},
	}
	h := &harness{
		store:    NewMemoryStore(StoreOptions{}),
		tenant:   tenant,
		tenants:  newFakeTenants(tenant, testCatalog),
		gateway:  &fakeGateway{},
		llm:      &scriptedLLM{replies: replies},
		claims:   newFakeClaims(),
		bookings: newFakeBookings(),
		calendar: &fakeCalendar{available: true},
		notifier: &fakeNotifier{},
		events:   &fakeEvents{},
	}
	h.engine = NewEngine(EngineDeps{
		Store:     h.store,
		Tenants:   h.tenants,
		Gateways:  h.gateway,
		Models:    staticModels{client: h.llm},
		Decider:   NewDecider(WithDecisionLogger(logging.Discard()), WithDecisionTimeout(200*time.Millisecond)),
		Claims:    h.claims,
		Bookings:  h.bookings,
		Calendars: h.calendar,
		Payments:  fakePayments{creds: tenancy.PaymentCredentials{CheckoutBaseURL: "https://pay.example.com/checkout", AlternativeMethod: "bank transfer to ACME-123"}},
		Notifier:  h.notifier,
		Events:    h.events,
		Logger:    logging.Discard(),
	})
	return h
}

func (h *harness) inbound(phone, providerID, text string) InboundMessage {
	return InboundMessage{TenantID: testTenantID, Phone: phone, Provider: "cloud_api", ProviderMessageID: providerID, Text: text}
}

// seed opens a conversation for phone and moves it to state with ctxData.
func (h *harness) seed(t *testing.T, phone string, state State, ctxData ContextData) *Conversation {
	t.Helper()
	ctx := context.Background()
	conv, _, err := h.store.LoadOrCreate(ctx, testTenantID, phone)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	patch := ContextPatch{
		SelectedServiceID: ptr(ctxData.SelectedServiceID),
		SelectedService:   ptr(ctxData.SelectedService),
		Name:              ptr(ctxData.Name),
		Email:             ptr(ctxData.Email),
		PreferredTime:     ptr(ctxData.PreferredTime),
		ReturnTo:          ptr(ctxData.ReturnTo),
	}
	conv, err = h.store.Transition(ctx, testTenantID, conv.ID, conv.Version, TransitionRequest{To: state, Patch: patch})
	if err != nil {
		t.Fatalf("seed transition: %v", err)
	}
	return conv
}
