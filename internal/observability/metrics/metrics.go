package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "wa_concierge"

// MessagingMetrics exposes counters/histograms for webhook and delivery flows.
type MessagingMetrics struct {
	inboundTotal   *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewMessagingMetrics(reg prometheus.Registerer) *MessagingMetrics {
	m := &MessagingMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "inbound_webhook_total",
			Help:      "Inbound webhook events by provider and outcome",
		}, []string{"provider", "outcome"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Outbound sends by provider and status",
		}, []string{"provider", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.webhookLatency)
	return m
}

func (m *MessagingMetrics) ObserveInbound(provider, outcome string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *MessagingMetrics) ObserveOutbound(provider, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(provider, status).Inc()
}

func (m *MessagingMetrics) ObserveWebhookLatency(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(provider).Observe(seconds)
}

// ConversationMetrics covers the orchestration engine.
type ConversationMetrics struct {
	processedTotal *prometheus.CounterVec
	decisionTotal  *prometheus.CounterVec
	decisionTime   *prometheus.HistogramVec
	actionTotal    *prometheus.CounterVec
	transitions    *prometheus.CounterVec
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "inbound_processed_total",
			Help:      "Inbound messages by processing outcome",
		}, []string{"outcome"}),
		decisionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "ai_decisions_total",
			Help:      "AI decisions by result (ok or a failure kind)",
		}, []string{"result"}),
		decisionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "ai_decision_latency_seconds",
			Help:      "Latency of AI decision calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 12, 20},
		}, []string{"result"}),
		actionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "actions_total",
			Help:      "Action executions by action and outcome",
		}, []string{"action", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "Committed state transitions",
		}, []string{"from", "to"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.processedTotal, m.decisionTotal, m.decisionTime, m.actionTotal, m.transitions)
	return m
}

func (m *ConversationMetrics) ObserveProcessed(outcome string) {
	if m == nil {
		return
	}
	m.processedTotal.WithLabelValues(outcome).Inc()
}

func (m *ConversationMetrics) ObserveDecision(result string, seconds float64) {
	if m == nil {
		return
	}
	m.decisionTotal.WithLabelValues(result).Inc()
	m.decisionTime.WithLabelValues(result).Observe(seconds)
}

func (m *ConversationMetrics) ObserveAction(action, outcome string) {
	if m == nil {
		return
	}
	m.actionTotal.WithLabelValues(action, outcome).Inc()
}

func (m *ConversationMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}
