package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

// Processor handles one inbound message. *Engine implements it.
type Processor interface {
	Process(ctx context.Context, in InboundMessage) (*Result, error)
}

var _ Processor = (*Engine)(nil)

// Worker consumes queued inbound messages and runs them through the engine.
type Worker struct {
	processor Processor
	queue     queueClient
	logger    *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	processTimeout   time.Duration
}

const (
	defaultWorkerCount    = 2
	defaultWaitSeconds    = 2
	defaultBatchSize      = 5
	maxWaitSeconds        = 20
	maxReceiveBatchSize   = 10
	deleteTimeoutSeconds  = 5
	defaultProcessTimeout = 45 * time.Second
)

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the SQS long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithProcessTimeout bounds one message's processing.
func WithProcessTimeout(d time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if d > 0 {
			cfg.processTimeout = d
		}
	}
}

func NewWorker(processor Processor, queue queueClient, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if processor == nil {
		panic("conversation: processor cannot be nil")
	}
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
		processTimeout:   defaultProcessTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Worker{
		processor: processor,
		queue:     queue,
		logger:    logger,
		cfg:       cfg,
	}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("conversation worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("conversation worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive conversation jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode conversation job", "error", err)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	var err error
	switch payload.Kind {
	case jobTypeInbound:
		processCtx, cancel := context.WithTimeout(ctx, w.cfg.processTimeout)
		var res *Result
		res, err = w.processor.Process(processCtx, payload.Inbound)
		cancel()
		if err == nil {
			w.logger.Debug("conversation job processed",
				"job_id", payload.ID,
				"conversation_id", res.ConversationID,
				"duplicate", res.Duplicate,
			)
		}
	default:
		err = fmt.Errorf("conversation: unknown job type %q", payload.Kind)
	}

	if err != nil && Retryable(err) {
		// Left on the queue; SQS redelivers after the visibility timeout.
		w.logger.Warn("conversation job failed, leaving for redelivery", "error", err, "job_id", payload.ID)
		return
	}
	if err != nil {
		w.logger.Info("conversation job rejected", "error", err, "job_id", payload.ID, "tenant_id", payload.Inbound.TenantID)
	}
	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

// Retryable reports whether a redelivery could succeed.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, tenancy.ErrTenantNotFound),
		errors.Is(err, tenancy.ErrTenantSuspended),
		errors.Is(err, tenancy.ErrUsageLimitExceeded):
		return false
	}
	return true
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete conversation job", "error", err)
	}
}
