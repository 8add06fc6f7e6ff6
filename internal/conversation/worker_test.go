package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

type recordingProcessor struct {
	mu    sync.Mutex
	calls []InboundMessage
	errs  []error
}

func (p *recordingProcessor) Process(_ context.Context, in InboundMessage) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, in)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Result{ConversationID: "conv-1", Mode: ModeAI}, nil
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func waitFor(cond func() bool, timeout time.Duration, t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func startWorker(t *testing.T, p Processor, q *MemoryQueue) (context.CancelFunc, *Worker) {
	t.Helper()
	worker := NewWorker(p, q, logging.Discard(), WithWorkerCount(1), WithReceiveBatchSize(1), WithReceiveWaitSeconds(1))
	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)
	return cancel, worker
}

func TestWorkerProcessesAndDeletes(t *testing.T) {
	queue := NewMemoryQueue(10)
	processor := &recordingProcessor{}
	cancel, worker := startWorker(t, processor, queue)

	if err := NewEnqueuer(queue).Enqueue(context.Background(), InboundMessage{
		TenantID: testTenantID, Phone: "whatsapp:+1 555 123 4567", ProviderMessageID: "wamid.w1", Text: "hi",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(func() bool { return processor.count() == 1 && queue.InFlight() == 0 }, time.Second, t)
	cancel()
	worker.Wait()

	got := processor.calls[0]
	if got.Phone != "+15551234567" || got.ProviderMessageID != "wamid.w1" {
		t.Fatalf("unexpected inbound message %+v", got)
	}
}

func TestWorkerLeavesRetryableFailuresForRedelivery(t *testing.T) {
	queue := NewMemoryQueue(10)
	processor := &recordingProcessor{errs: []error{errors.New("database unavailable")}}
	cancel, worker := startWorker(t, processor, queue)
	defer func() {
		cancel()
		worker.Wait()
	}()

	if err := NewEnqueuer(queue).Enqueue(context.Background(), InboundMessage{TenantID: testTenantID, Phone: "+15551234567", Text: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(func() bool { return processor.count() == 1 && queue.InFlight() == 1 }, time.Second, t)

	n, err := queue.Redeliver(context.Background(), 0)
	if err != nil || n != 1 {
		t.Fatalf("expected one redelivered message, got n=%d err=%v", n, err)
	}
	waitFor(func() bool { return processor.count() == 2 && queue.InFlight() == 0 }, time.Second, t)
}

func TestWorkerDropsPermanentFailures(t *testing.T) {
	queue := NewMemoryQueue(10)
	processor := &recordingProcessor{errs: []error{fmt.Errorf("wrapped: %w", tenancy.ErrTenantSuspended)}}
	cancel, worker := startWorker(t, processor, queue)
	defer func() {
		cancel()
		worker.Wait()
	}()

	if err := queue.Send(context.Background(), "{not json"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := NewEnqueuer(queue).Enqueue(context.Background(), InboundMessage{TenantID: testTenantID, Phone: "+15551234567", Text: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(func() bool { return processor.count() == 1 && queue.InFlight() == 0 && queue.Len() == 0 }, time.Second, t)
}

func TestEnqueueValidates(t *testing.T) {
	queue := NewMemoryQueue(1)
	err := NewEnqueuer(queue).Enqueue(context.Background(), InboundMessage{TenantID: testTenantID, Phone: "+15551234567"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if queue.Len() != 0 {
		t.Fatalf("invalid messages must not be queued")
	}
}

func TestRetryableErrors(t *testing.T) {
	cases := map[error]bool{
		ErrValidation:                 false,
		ErrRateLimited:                false,
		tenancy.ErrTenantNotFound:     false,
		tenancy.ErrUsageLimitExceeded: false,
		context.Canceled:              true,
		errors.New("timeout"):         true,
	}
	for err, want := range cases {
		if got := Retryable(err); got != want {
			t.Fatalf("Retryable(%v) = %v, want %v", err, got, want)
		}
	}
}

type fakeSQS struct {
	sent     []*sqs.SendMessageInput
	deleted  []string
	messages []sqstypes.Message
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if in.MaxNumberOfMessages != 3 || in.WaitTimeSeconds != 20 {
		return nil, fmt.Errorf("unexpected receive input %+v", in)
	}
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueue(t *testing.T) {
	api := &fakeSQS{messages: []sqstypes.Message{{MessageId: aws.String("q-1"), Body: aws.String("{}"), ReceiptHandle: aws.String("rh-1")}}}
	queue := newSQSQueue(api, "https://sqs.us-east-1.amazonaws.com/123/inbound")
	ctx := context.Background()

	if err := queue.Send(ctx, `{"kind":"inbound.v1"}`); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := aws.ToString(api.sent[0].MessageAttributes["kind"].StringValue); got != string(jobTypeInbound) {
		t.Fatalf("expected kind attribute, got %q", got)
	}

	msgs, err := queue.Receive(ctx, 3, 20)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ReceiptHandle != "rh-1" || msgs[0].ID != "q-1" {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	if err := queue.Delete(ctx, ""); err != nil || len(api.deleted) != 0 {
		t.Fatalf("empty receipt handles are ignored")
	}
	if err := queue.Delete(ctx, "rh-1"); err != nil || len(api.deleted) != 1 {
		t.Fatalf("expected delete, got %v %v", err, api.deleted)
	}
}

func TestMemoryQueueRedeliversOnlyStaleMessages(t *testing.T) {
	queue := NewMemoryQueue(4)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	queue.now = func() time.Time { return now }
	ctx := context.Background()

	if err := queue.Send(ctx, "job"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := queue.Receive(ctx, 1, 1); err != nil {
		t.Fatalf("receive: %v", err)
	}

	n, err := queue.Redeliver(ctx, time.Minute)
	if err != nil || n != 0 || queue.InFlight() != 1 {
		t.Fatalf("fresh message requeued: n=%d err=%v inflight=%d", n, err, queue.InFlight())
	}

	now = now.Add(2 * time.Minute)
	n, err = queue.Redeliver(ctx, time.Minute)
	if err != nil || n != 1 || queue.Len() != 1 || queue.InFlight() != 0 {
		t.Fatalf("stale message not requeued: n=%d err=%v len=%d", n, err, queue.Len())
	}
}

func TestSQSQueueFIFOGroupsByConversation(t *testing.T) {
	api := &fakeSQS{}
	queue := newSQSQueue(api, "https://sqs.us-east-1.amazonaws.com/123/inbound.fifo")
	enq := NewEnqueuer(queue)

	in := InboundMessage{TenantID: testTenantID, Phone: "+15551234567", Provider: "cloud_api", ProviderMessageID: "wamid.1", Text: "hi"}
	if err := enq.Enqueue(context.Background(), in); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := enq.Enqueue(context.Background(), in); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(api.sent) != 2 {
		t.Fatalf("expected two sends, got %d", len(api.sent))
	}
	first, second := api.sent[0], api.sent[1]
	if got := aws.ToString(first.MessageGroupId); got != testTenantID+":+15551234567" {
		t.Fatalf("unexpected group %q", got)
	}
	dedup := aws.ToString(first.MessageDeduplicationId)
	if len(dedup) != 64 || dedup != aws.ToString(second.MessageDeduplicationId) {
		t.Fatalf("redelivered provider message should reuse its dedup id, got %q and %q", dedup, aws.ToString(second.MessageDeduplicationId))
	}

	std := &fakeSQS{}
	if err := NewEnqueuer(newSQSQueue(std, "https://sqs.us-east-1.amazonaws.com/123/inbound")).Enqueue(context.Background(), in); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if std.sent[0].MessageGroupId != nil || std.sent[0].MessageDeduplicationId != nil {
		t.Fatalf("standard queues take no FIFO ids")
	}
}
