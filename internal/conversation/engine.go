package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/whatsapp-concierge/internal/bookings"
	"github.com/wolfman30/whatsapp-concierge/internal/calendar"
	"github.com/wolfman30/whatsapp-concierge/internal/events"
	"github.com/wolfman30/whatsapp-concierge/internal/notify"
	"github.com/wolfman30/whatsapp-concierge/internal/observability/metrics"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

var engineTracer = otel.Tracer("wa.internal.conversation")

const maxTransitionAttempts = 3

// ClaimStore records provider events so each is processed at most once.
type ClaimStore interface {
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
	Forget(ctx context.Context, provider, eventID string) error
}

// RateLimiter admits or rejects a keyed event.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// UsageMeter enforces a tenant's monthly conversation quota.
type UsageMeter interface {
	Reserve(ctx context.Context, t *tenancy.Tenant, now time.Time) error
	Release(ctx context.Context, t *tenancy.Tenant, now time.Time) error
}

// BookingStore is the booking persistence the executors need.
type BookingStore interface {
	Get(ctx context.Context, tenantID, bookingID string) (*bookings.Booking, error)
	FindPending(ctx context.Context, tenantID, conversationID string) (*bookings.Booking, error)
	CreatePending(ctx context.Context, in bookings.CreateInput) (*bookings.Booking, bool, error)
	SetSchedule(ctx context.Context, tenantID, bookingID string, at time.Time, eventID, meetingLink string) error
	MarkAwaitingPayment(ctx context.Context, tenantID, bookingID string) error
}

// PaymentCredentialSource decrypts a tenant's payment settings.
type PaymentCredentialSource interface {
	Payment(t *tenancy.Tenant) (tenancy.PaymentCredentials, error)
}

// Notifier alerts agents.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

// EventPublisher publishes conversation events for dashboards.
type EventPublisher interface {
	PublishConversationEvent(ctx context.Context, evt events.ConversationEventV1) error
}

// ModelSource returns the model client for a tenant.
type ModelSource interface {
	ForTenant(ctx context.Context, t *tenancy.Tenant) (LLMClient, error)
}

// InboundMessage is a normalized customer message. Provider adapters and the
// internal API both produce it.
type InboundMessage struct {
	TenantID          string      `json:"tenant_id"`
	Phone             string      `json:"phone"`
	Provider          string      `json:"provider,omitempty"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	Type              MessageType `json:"type"`
	Text              string      `json:"text,omitempty"`
	MediaRef          string      `json:"media_ref,omitempty"`
	ReceivedAt        time.Time   `json:"received_at"`
}

// Validate rejects malformed events before any side effect.
func (m *InboundMessage) Validate() error {
	m.TenantID = strings.TrimSpace(m.TenantID)
	m.Phone = tenancy.NormalizePhone(m.Phone)
	m.Text = strings.TrimSpace(m.Text)
	if m.Type == "" {
		m.Type = MessageText
	}
	switch {
	case m.TenantID == "":
		return fmt.Errorf("%w: tenant id is required", ErrValidation)
	case tenancy.DigitsOnly(m.Phone) == "":
		return fmt.Errorf("%w: phone is required", ErrValidation)
	case !m.Type.Valid():
		return fmt.Errorf("%w: unknown message type %q", ErrValidation, m.Type)
	case m.Text == "" && m.MediaRef == "":
		return fmt.Errorf("%w: message has no content", ErrValidation)
	}
	return nil
}

// Result summarizes what processing did.
type Result struct {
	ConversationID string `json:"conversationId,omitempty"`
	Mode           Mode   `json:"mode"`
	AutoResponded  bool   `json:"autoResponded"`
	NewState       State  `json:"newState,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

// EngineDeps wires the engine. Store, Tenants, Gateways, Models and Decider
// are required; the rest may be nil.
type EngineDeps struct {
	Store     Store
	Tenants   tenancy.Source
	Gateways  GatewayFactory
	Models    ModelSource
	Decider   *Decider
	Claims    ClaimStore
	Limiter   RateLimiter
	Usage     UsageMeter
	Bookings  BookingStore
	Calendars calendar.Factory
	Payments  PaymentCredentialSource
	Notifier  Notifier
	Events    EventPublisher
	Metrics   *metrics.ConversationMetrics
	Logger    *logging.Logger
}

// Engine processes inbound messages for every tenant.
type Engine struct {
	store     Store
	tenants   tenancy.Source
	gateways  GatewayFactory
	models    ModelSource
	decider   *Decider
	claims    ClaimStore
	limiter   RateLimiter
	usage     UsageMeter
	bookings  BookingStore
	calendars calendar.Factory
	payments  PaymentCredentialSource
	notifier  Notifier
	events    EventPublisher
	metrics   *metrics.ConversationMetrics
	logger    *logging.Logger
	now       func() time.Time
}

func NewEngine(deps EngineDeps) *Engine {
	if deps.Store == nil {
		panic("conversation: store required")
	}
	if deps.Tenants == nil {
		panic("conversation: tenant source required")
	}
	if deps.Gateways == nil {
		panic("conversation: gateway factory required")
	}
	if deps.Models == nil {
		panic("conversation: model source required")
	}
	if deps.Decider == nil {
		deps.Decider = NewDecider(WithDecisionLogger(deps.Logger), WithDecisionMetrics(deps.Metrics))
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	return &Engine{
		store:     deps.Store,
		tenants:   deps.Tenants,
		gateways:  deps.Gateways,
		models:    deps.Models,
		decider:   deps.Decider,
		claims:    deps.Claims,
		limiter:   deps.Limiter,
		usage:     deps.Usage,
		bookings:  deps.Bookings,
		calendars: deps.Calendars,
		payments:  deps.Payments,
		notifier:  deps.Notifier,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       time.Now,
	}
}

func claimProvider(tenantID string) string { return "whatsapp:" + tenantID }

// Process handles one inbound message end to end. Only validation, tenant,
// quota and rate-limit failures are returned; AI and delivery failures are
// recovered here.
func (e *Engine) Process(ctx context.Context, in InboundMessage) (*Result, error) {
	ctx, span := engineTracer.Start(ctx, "conversation.process")
	defer span.End()

	if err := in.Validate(); err != nil {
		e.metrics.ObserveProcessed("invalid")
		return nil, err
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = e.now().UTC()
	}
	span.SetAttributes(attribute.String("tenant.id", in.TenantID))
	ctx = tenancy.WithTenantID(ctx, in.TenantID)

	tenant, err := e.tenants.GetTenant(ctx, in.TenantID)
	if err != nil {
		e.metrics.ObserveProcessed("tenant_not_found")
		return nil, err
	}
	if err := tenant.CheckActive(); err != nil {
		e.metrics.ObserveProcessed("tenant_suspended")
		return nil, err
	}

	claimed := false
	if e.claims != nil && in.ProviderMessageID != "" {
		ok, err := e.claims.MarkProcessed(ctx, claimProvider(in.TenantID), in.ProviderMessageID)
		if err != nil {
			return nil, fmt.Errorf("conversation: claim inbound: %w", err)
		}
		if !ok {
			e.logger.Info("duplicate inbound message dropped",
				"tenant_id", in.TenantID, "provider_message_id", in.ProviderMessageID)
			e.metrics.ObserveProcessed("duplicate")
			return &Result{Duplicate: true}, nil
		}
		claimed = true
	}

	res, err := e.process(ctx, tenant, in)
	if err != nil {
		if claimed {
			if ferr := e.claims.Forget(context.WithoutCancel(ctx), claimProvider(in.TenantID), in.ProviderMessageID); ferr != nil {
				e.logger.Warn("failed to release inbound claim", "error", ferr, "provider_message_id", in.ProviderMessageID)
			}
		}
		span.RecordError(err)
		e.metrics.ObserveProcessed(outcomeFor(err))
		return nil, err
	}
	if res.Duplicate {
		e.metrics.ObserveProcessed("duplicate")
		return res, nil
	}
	e.metrics.ObserveProcessed(string(res.Mode))
	return res, nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, tenancy.ErrUsageLimitExceeded):
		return "usage_limited"
	}
	return "error"
}

// process runs after the inbound message is claimed. Any error returned
// releases the claim.
func (e *Engine) process(ctx context.Context, tenant *tenancy.Tenant, in InboundMessage) (*Result, error) {
	if e.limiter != nil {
		ok, err := e.limiter.Allow(ctx, in.TenantID+":"+tenancy.DigitsOnly(in.Phone))
		if err != nil {
			e.logger.Warn("inbound rate limiter unavailable", "error", err, "tenant_id", in.TenantID)
		} else if !ok {
			return nil, ErrRateLimited
		}
	}

	conv, err := e.loadConversation(ctx, tenant, in.Phone)
	if err != nil {
		return nil, err
	}
	log := e.logger.ForTenant(tenant.ID, conv.ID)

	inbound, err := e.store.AppendMessage(ctx, tenant.ID, conv.ID, Message{
		Sender:            SenderCustomer,
		Type:              in.Type,
		Content:           in.Text,
		MediaRef:          in.MediaRef,
		ProviderMessageID: in.ProviderMessageID,
		DeliveryStatus:    DeliveryReceived,
	})
	if errors.Is(err, ErrDuplicateMessage) {
		log.Info("inbound message already recorded, skipping", "provider_message_id", in.ProviderMessageID, "message_id", inbound.ID)
		return &Result{ConversationID: conv.ID, Mode: conv.Mode, NewState: conv.State, Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: record inbound: %w", err)
	}
	e.publish(ctx, conv, events.TypeMessageReceived, map[string]string{"message_id": inbound.ID})

	if conv, err = e.store.Get(ctx, tenant.ID, conv.ID); err != nil {
		return nil, err
	}

	if Route(conv) == RouteHuman {
		e.notifyHuman(ctx, tenant, conv, in)
		return &Result{ConversationID: conv.ID, Mode: ModeHuman, NewState: conv.State}, nil
	}
	return e.processAI(ctx, log, tenant, conv, in)
}

// loadConversation returns the active conversation, reserving quota only
// when a new one has to be opened.
func (e *Engine) loadConversation(ctx context.Context, tenant *tenancy.Tenant, phone string) (*Conversation, error) {
	conv, err := e.store.FindActive(ctx, tenant.ID, phone)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	now := e.now()
	if e.usage != nil {
		if err := e.usage.Reserve(ctx, tenant, now); err != nil {
			return nil, err
		}
	}
	conv, created, err := e.store.LoadOrCreate(ctx, tenant.ID, phone)
	if e.usage != nil && (err != nil || !created) {
		if rerr := e.usage.Release(context.WithoutCancel(ctx), tenant, now); rerr != nil {
			e.logger.Warn("failed to release usage reservation", "error", rerr, "tenant_id", tenant.ID)
		}
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (e *Engine) processAI(ctx context.Context, log *logging.Logger, tenant *tenancy.Tenant, conv *Conversation, in InboundMessage) (*Result, error) {
	catalog, err := e.tenants.ListServices(ctx, tenant.ID)
	if err != nil {
		log.Warn("failed to load service catalog", "error", err)
		catalog = nil
	}

	text := mediaPlaceholder(in.Type, in.Text)
	decision := e.decide(ctx, log, tenant, conv, catalog, text)
	if IsSupportRequest(text) && decision.ProposedState != StateSupportRequest {
		decision.ProposedState = StateSupportRequest
		decision.Reply = localized(handoffReplies, firstNonEmpty(decision.Language, conv.Language))
	}

	var (
		plan    transitionPlan
		updated *Conversation
		stale   bool
	)
	for attempt := 1; ; attempt++ {
		plan = e.plan(ctx, log, tenant, conv, catalog, in, decision)
		updated, err = e.store.Transition(ctx, tenant.ID, conv.ID, conv.Version, TransitionRequest{
			To:       plan.resolution.State,
			Patch:    plan.patch,
			Language: plan.language,
		})
		if err == nil {
			break
		}
		if errors.Is(err, ErrStaleConversation) {
			stale = true
			break
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= maxTransitionAttempts {
			return nil, fmt.Errorf("conversation: transition: %w", err)
		}
		log.Debug("transition lost a race, recomputing", "attempt", attempt)
		if conv, err = e.store.Get(ctx, tenant.ID, conv.ID); err != nil {
			return nil, err
		}
		if Route(conv) == RouteHuman {
			e.notifyHuman(ctx, tenant, conv, in)
			return &Result{ConversationID: conv.ID, Mode: ModeHuman, NewState: conv.State}, nil
		}
	}

	if stale {
		log.Info("conversation closed before transition, reply only")
		e.deliverReply(ctx, log, tenant, conv, plan.reply)
		return &Result{ConversationID: conv.ID, Mode: ModeAI, AutoResponded: true, NewState: conv.State}, nil
	}

	if plan.resolution.Changed(conv.State) {
		e.metrics.ObserveTransition(string(conv.State), string(updated.State))
		e.publish(ctx, updated, events.TypeStateChanged, map[string]string{"from": string(conv.State)})
	}
	if conv.State == StatePayment && updated.State == StateGreeting {
		e.closeCycle(ctx, log, tenant, conv)
	}

	if plan.resolution.Has(ActionCreateBooking) {
		e.createBooking(ctx, log, tenant, updated, plan.extraction)
	}
	e.deliverReply(ctx, log, tenant, updated, plan.reply)
	if plan.resolution.Has(ActionRequestPayment) {
		e.requestPayment(ctx, log, tenant, updated, plan.extraction)
	}
	if plan.resolution.Has(ActionEscalate) {
		e.escalate(ctx, tenant, updated, in.Text)
	}

	return &Result{
		ConversationID: updated.ID,
		Mode:           ModeAI,
		AutoResponded:  true,
		NewState:       updated.State,
	}, nil
}

func (e *Engine) decide(ctx context.Context, log *logging.Logger, tenant *tenancy.Tenant, conv *Conversation, catalog []tenancy.Service, text string) Decision {
	client, err := e.models.ForTenant(ctx, tenant)
	if err != nil {
		log.Error("no usable model for tenant", "error", err, "failure_kind", string(FailureConfiguration))
		return FallbackDecision(conv.Language, FailureConfiguration)
	}
	return e.decider.Decide(ctx, DecisionInput{
		Client:       client,
		SystemPrompt: Compose(tenant.AI, catalog, conv.State),
		ContextBlock: DescribeContext(conv.Context),
		History:      conv.History,
		Message:      text,
		Language:     conv.Language,
	})
}

// transitionPlan is one attempt's authoritative change.
type transitionPlan struct {
	resolution Resolution
	extraction Extraction
	patch      ContextPatch
	language   string
	reply      string
}

// plan computes facts, the resolution and the context patch against conv,
// running scheduleEvent before anything is committed.
func (e *Engine) plan(ctx context.Context, log *logging.Logger, tenant *tenancy.Tenant, conv *Conversation, catalog []tenancy.Service, in InboundMessage, d Decision) transitionPlan {
	ext := ExtractFacts(FactInput{
		State:   conv.State,
		Context: conv.Context,
		Message: in.Text,
		Slots:   d.Slots,
		Catalog: catalog,
		Now:     e.now(),
	})
	res := Resolve(conv.State, d.ProposedState, ext.Facts, conv.Context.ReturnTo)
	p := transitionPlan{resolution: res, extraction: ext, patch: ext.Patch, reply: d.Reply}
	if !d.Fallback {
		p.language = d.Language
	}

	switch {
	case res.SetReturnTo:
		p.patch.ReturnTo = ptr(res.ReturnTo)
	case res.ClearReturnTo:
		p.patch.ReturnTo = ptr(State(""))
	}
	if conv.State == StatePayment && res.State == StateGreeting {
		p.patch.SelectedServiceID = ptr("")
		p.patch.SelectedService = ptr("")
		p.patch.PreferredTime = ptr("")
		p.patch.BookingID = ptr("")
	}

	if res.Has(ActionScheduleEvent) {
		bookingID, err := e.scheduleEvent(ctx, log, tenant, conv, ext)
		if err != nil {
			if !errors.Is(err, ErrSchedulingConflict) {
				log.Error("schedule event failed", "error", err)
			}
			p.resolution = Resolution{State: StateSelectTimeSlot, Actions: []Action{ActionSaveMessage}}
			p.patch = ext.Patch
			p.patch.PreferredTime = ptr("")
			p.reply = localized(noSlotReplies, firstNonEmpty(p.language, conv.Language))
			return p
		}
		p.patch.BookingID = ptr(bookingID)
	}
	return p
}

// deliverReply records the outbound message and sends it. Send failures are
// recorded on the message and never undo the transition.
func (e *Engine) deliverReply(ctx context.Context, log *logging.Logger, tenant *tenancy.Tenant, conv *Conversation, body string) {
	e.sendAndRecord(ctx, log, tenant, conv, SenderAI, "", body)
}

func (e *Engine) sendAndRecord(ctx context.Context, log *logging.Logger, tenant *tenancy.Tenant, conv *Conversation, sender SenderType, employeeID, body string) (Message, error) {
	msg, err := e.store.AppendMessage(ctx, tenant.ID, conv.ID, Message{
		Sender:         sender,
		Type:           MessageText,
		Content:        body,
		SenderEmployee: employeeID,
		DeliveryStatus: DeliveryPending,
	})
	if err != nil {
		log.Error("failed to record outbound message", "error", err)
		e.metrics.ObserveAction(string(ActionSaveMessage), "error")
		return Message{}, err
	}
	e.metrics.ObserveAction(string(ActionSaveMessage), "ok")

	status, providerID, sendErr := e.send(ctx, tenant, conv, msg)
	if sendErr != nil {
		log.Warn("outbound delivery failed", "error", sendErr, "message_id", msg.ID)
		e.publish(ctx, conv, events.TypeDeliveryFailed, map[string]string{"message_id": msg.ID})
	} else {
		e.publish(ctx, conv, events.TypeMessageSent, map[string]string{"message_id": msg.ID})
	}
	if err := e.store.MarkDelivery(ctx, tenant.ID, msg.ID, status, providerID); err != nil {
		log.Warn("failed to record delivery status", "error", err, "message_id", msg.ID)
	}
	msg.DeliveryStatus = status
	msg.ProviderMessageID = providerID
	return msg, sendErr
}

func (e *Engine) send(ctx context.Context, tenant *tenancy.Tenant, conv *Conversation, msg Message) (string, string, error) {
	gw, err := e.gateways.ForTenant(ctx, tenant)
	if err != nil {
		return DeliveryFailed, "", err
	}
	result, err := gw.Send(ctx, OutboundMessage{
		TenantID:       tenant.ID,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		To:             conv.Phone,
		From:           tenant.SendingNumber,
		Body:           msg.Content,
	})
	if err != nil {
		return DeliveryFailed, result.ProviderMessageID, err
	}
	status := result.Status
	if status == "" {
		status = DeliverySent
	}
	return status, result.ProviderMessageID, nil
}

func (e *Engine) notifyHuman(ctx context.Context, tenant *tenancy.Tenant, conv *Conversation, in InboundMessage) {
	if e.notifier == nil {
		return
	}
	n := notify.Notification{
		TenantID:       tenant.ID,
		EmployeeID:     conv.AssignedEmployee,
		Title:          "New message from " + conv.Phone,
		Body:           mediaPlaceholder(in.Type, in.Text),
		ConversationID: conv.ID,
	}
	if conv.AssignedEmployee == "" {
		n.EmailRecipients = tenant.HandoffEmails
	}
	e.notifier.Notify(ctx, n)
}

func (e *Engine) publish(ctx context.Context, conv *Conversation, eventType string, attrs map[string]string) {
	if e.events == nil {
		return
	}
	evt := events.ConversationEventV1{
		EventID:        uuid.NewString(),
		Type:           eventType,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		State:          string(conv.State),
		Mode:           string(conv.Mode),
		OccurredAt:     e.now().UTC(),
		Attributes:     attrs,
	}
	if err := e.events.PublishConversationEvent(ctx, evt); err != nil {
		e.logger.Warn("failed to publish conversation event", "error", err, "type", eventType, "conversation_id", conv.ID)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
