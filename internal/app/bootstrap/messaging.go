package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/whatsapp-concierge/internal/config"
	"github.com/wolfman30/whatsapp-concierge/internal/conversation"
	"github.com/wolfman30/whatsapp-concierge/internal/media"
	"github.com/wolfman30/whatsapp-concierge/internal/messaging"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

// Queue is the conversation job queue shared by the webhook and worker.
type Queue struct {
	Enqueuer *conversation.Enqueuer
	// Memory is set when jobs stay in-process.
	Memory *conversation.MemoryQueue
	sqs    *conversation.SQSQueue
}

// NewWorker builds a worker draining this queue.
func (q *Queue) NewWorker(p conversation.Processor, logger *logging.Logger, opts ...conversation.WorkerOption) *conversation.Worker {
	if q.Memory != nil {
		return conversation.NewWorker(p, q.Memory, logger, opts...)
	}
	return conversation.NewWorker(p, q.sqs, logger, opts...)
}

// BuildQueue picks the in-memory queue or SQS.
func BuildQueue(cfg *appconfig.Config, infra *Infra) (*Queue, error) {
	if cfg.UseMemoryQueue {
		mem := conversation.NewMemoryQueue(1024)
		return &Queue{Enqueuer: conversation.NewEnqueuer(mem), Memory: mem}, nil
	}
	if strings.TrimSpace(cfg.ConversationQueueURL) == "" {
		return nil, fmt.Errorf("bootstrap: CONVERSATION_QUEUE_URL is required in queue mode")
	}
	q := conversation.NewSQSQueue(sqs.NewFromConfig(infra.AWS), cfg.ConversationQueueURL)
	return &Queue{Enqueuer: conversation.NewEnqueuer(q), sqs: q}, nil
}

// RunRedelivery returns in-memory jobs unacknowledged for longer than
// visibility to the queue on every tick until ctx is done.
func RunRedelivery(ctx context.Context, q *conversation.MemoryQueue, every, visibility time.Duration, logger *logging.Logger) {
	if q == nil {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.Redeliver(ctx, visibility); err != nil {
				logger.Warn("memory queue redelivery failed", "error", err)
			} else if n > 0 {
				logger.Info("memory queue redelivered jobs", "count", n)
			}
		}
	}
}

// Dispatch chooses where webhooks send inbound messages.
func Dispatch(cfg *appconfig.Config, processor conversation.Processor, queue *Queue) (messaging.DispatchFunc, error) {
	switch cfg.ProcessingMode {
	case appconfig.ProcessingInline, "":
		return messaging.Inline(processor), nil
	case appconfig.ProcessingQueue:
		if queue == nil {
			return nil, fmt.Errorf("bootstrap: queue mode needs a queue")
		}
		return queue.Enqueuer.Enqueue, nil
	}
	return nil, fmt.Errorf("bootstrap: unknown PROCESSING_MODE %q", cfg.ProcessingMode)
}

// BuildWebhookHandler wires provider webhooks to dispatch.
func BuildWebhookHandler(cfg *appconfig.Config, infra *Infra, tenants tenancy.Source, dispatch messaging.DispatchFunc, m Metrics, logger *logging.Logger) *messaging.Handler {
	resolverOpts := []tenancy.ResolverOption{tenancy.WithResolverLogger(logger)}
	if cfg.IsDevelopment() && cfg.DevDefaultTenantID != "" {
		resolverOpts = append(resolverOpts, tenancy.WithDevelopmentDefault(cfg.DevDefaultTenantID))
	}
	resolver := tenancy.NewResolver(tenancy.NewRepository(infra.Pool), resolverOpts...)

	opts := []messaging.HandlerOption{messaging.WithHandlerMetrics(m.Messaging)}
	if strings.TrimSpace(cfg.MediaBucket) != "" {
		store := media.NewStore(s3.NewFromConfig(infra.AWS), cfg.MediaBucket, logger)
		opts = append(opts, messaging.WithMediaArchive(store, messaging.NewMediaDownloader("", cfg.MetaGraphVersion)))
	}
	return messaging.NewHandler(messaging.HandlerConfig{
		MetaVerifyToken: cfg.MetaVerifyToken,
		MetaAppSecret:   cfg.MetaAppSecret,
		TwilioAuthToken: cfg.TwilioAuthToken,
		PublicBaseURL:   cfg.PublicBaseURL,
	}, resolver, tenants, infra.Vault, dispatch, logger, opts...)
}
