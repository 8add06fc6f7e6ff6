package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/whatsapp-concierge/internal/bookings"
	"github.com/wolfman30/whatsapp-concierge/internal/calendar"
	"github.com/wolfman30/whatsapp-concierge/internal/compliance"
	appconfig "github.com/wolfman30/whatsapp-concierge/internal/config"
	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/internal/events"
	"github.com/wolfman30/whatsapp-concierge/internal/messaging"
	"github.com/wolfman30/whatsapp-concierge/internal/notify"
	"github.com/wolfman30/whatsapp-concierge/internal/observability/metrics"
	"github.com/wolfman30/whatsapp-concierge/internal/ratelimit"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

const tenantCacheTTL = 5 * time.Minute

// Metrics are the collectors shared by the engine and the webhook surface.
type Metrics struct {
	Conversation *metrics.ConversationMetrics
	Messaging    *metrics.MessagingMetrics
}

// NewMetrics registers collectors on reg.
func NewMetrics(reg prometheus.Registerer) Metrics {
	return Metrics{
		Conversation: metrics.NewConversationMetrics(reg),
		Messaging:    metrics.NewMessagingMetrics(reg),
	}
}

// Services is the wired conversation engine and what hangs off it. Audit is
// nil when infra has no database/sql handle.
type Services struct {
	Engine  *conversation.Engine
	Handoff *conversation.HandoffService
	Tenants tenancy.Source
	Claims  *events.ProcessedStore
	Audit   *compliance.AuditService
}

// BuildTenantSource reads tenants from Postgres, cached in Redis when available.
func BuildTenantSource(infra *Infra, logger *logging.Logger) tenancy.Source {
	repo := tenancy.NewRepository(infra.Pool)
	if infra.Redis == nil {
		return repo
	}
	return tenancy.NewCachedSource(repo, infra.Redis, tenantCacheTTL, logger)
}

// BuildConversationServices wires the engine from infra and config.
func BuildConversationServices(ctx context.Context, cfg *appconfig.Config, infra *Infra, m Metrics, logger *logging.Logger) (*Services, error) {
	if cfg == nil || infra == nil || infra.Pool == nil || infra.Vault == nil {
		return nil, fmt.Errorf("bootstrap: config, postgres and vault are required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	tenants := BuildTenantSource(infra, logger)
	claims := events.NewProcessedStore(infra.Pool)
	deps := conversation.EngineDeps{
		Store:   conversation.NewPostgresStore(infra.Pool, conversation.StoreOptions{HistoryWindow: cfg.HistoryWindow, TTL: cfg.ConversationTTL}),
		Tenants: tenants,
		Gateways: messaging.NewGatewayFactory(infra.Vault, logger,
			messaging.WithGatewayMetrics(m.Messaging),
			messaging.WithCloudAPIOptions(messaging.WithGraphVersion(cfg.MetaGraphVersion)),
		),
		Models: conversation.NewClientFactory(BuildPlatformModel(ctx, cfg, infra.AWS, logger), infra.Vault),
		Decider: conversation.NewDecider(
			conversation.WithDecisionTimeout(cfg.AITimeout),
			conversation.WithHistoryTurns(cfg.AIHistoryTurns),
			conversation.WithDecisionMetrics(m.Conversation),
			conversation.WithDecisionLogger(logger),
		),
		Claims:    claims,
		Bookings:  bookings.NewRepository(infra.Pool),
		Calendars: calendar.NewGoogleFactory(infra.Vault),
		Payments:  infra.Vault,
		Notifier:  BuildNotifier(cfg, infra, logger),
		Metrics:   m.Conversation,
		Logger:    logger,
	}
	if infra.Redis != nil {
		deps.Limiter = ratelimit.New(infra.Redis, "inbound", cfg.InboundRateLimit, cfg.InboundRateWindow)
		deps.Usage = tenancy.NewUsageMeter(infra.Redis)
	} else {
		logger.Warn("redis unavailable; inbound rate limits and usage quotas are not enforced")
	}
	if infra.Events != nil {
		deps.Events = infra.Events
	}

	engine := conversation.NewEngine(deps)
	services := &Services{Engine: engine, Tenants: tenants, Claims: claims}
	if infra.SQL != nil {
		services.Audit = compliance.NewAuditService(infra.SQL)
		services.Handoff = conversation.NewHandoffService(engine, conversation.WithAuditor(services.Audit))
	} else {
		services.Handoff = conversation.NewHandoffService(engine)
	}
	return services, nil
}

// BuildNotifier fans agent alerts out over NATS push and email. SendGrid is
// preferred over SES when both are configured.
func BuildNotifier(cfg *appconfig.Config, infra *Infra, logger *logging.Logger) *notify.Dispatcher {
	var push notify.PushPublisher
	if infra != nil && infra.Events != nil {
		push = infra.Events
	}
	return notify.NewDispatcher(push, BuildEmailSender(cfg, infra, logger), logger)
}

// BuildEmailSender returns the configured email channel or nil.
func BuildEmailSender(cfg *appconfig.Config, infra *Infra, logger *logging.Logger) notify.EmailSender {
	if cfg == nil {
		return nil
	}
	if strings.TrimSpace(cfg.SendGridAPIKey) != "" {
		return notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	}
	if strings.TrimSpace(cfg.SESFromEmail) != "" && infra != nil {
		return notify.NewSESSender(sesv2.NewFromConfig(infra.AWS), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	}
	return nil
}

// ClaimPurger deletes dedup claims older than a cutoff.
type ClaimPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunClaimPurge drops claims older than retain on every tick until ctx is done.
func RunClaimPurge(ctx context.Context, p ClaimPurger, every, retain time.Duration, logger *logging.Logger) {
	if p == nil || retain <= 0 {
		return
	}
	if logger == nil {
		logger = logging.Default()
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.PurgeBefore(ctx, now.Add(-retain))
			if err != nil {
				logger.Warn("claim purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired claims", "count", n)
			}
		}
	}
}
