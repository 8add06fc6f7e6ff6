package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a queueClient for single-process deployments. Received
// messages stay in flight until deleted; Redeliver puts them back, the
// way an SQS visibility timeout would.
type MemoryQueue struct {
	ch  chan queueMessage
	now func() time.Time

	mu       sync.Mutex
	inflight map[string]inflightMessage
}

type inflightMessage struct {
	msg        queueMessage
	receivedAt time.Time
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{
		ch:       make(chan queueMessage, buffer),
		now:      time.Now,
		inflight: make(map[string]inflightMessage),
	}
}

// Send enqueues a job or blocks until ctx is done.
func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	msg := queueMessage{ID: uuid.NewString(), Body: body}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits up to waitSeconds for the first message, then drains what
// is immediately available up to maxMessages. A zero wait blocks until a
// message arrives or ctx is done.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	var timeout <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

	var first queueMessage
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, nil
	case first = <-q.ch:
	}

	batch := []queueMessage{q.track(first)}
	for len(batch) < maxMessages {
		select {
		case msg := <-q.ch:
			batch = append(batch, q.track(msg))
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (q *MemoryQueue) track(msg queueMessage) queueMessage {
	msg.ReceiptHandle = uuid.NewString()
	q.mu.Lock()
	q.inflight[msg.ReceiptHandle] = inflightMessage{msg: msg, receivedAt: q.now()}
	q.mu.Unlock()
	return msg
}

// Delete acknowledges a received message.
func (q *MemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	delete(q.inflight, receiptHandle)
	q.mu.Unlock()
	return nil
}

// Redeliver requeues received but undeleted messages held longer than
// olderThan and returns how many were requeued. Zero requeues all of them.
func (q *MemoryQueue) Redeliver(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)
	q.mu.Lock()
	pending := make([]queueMessage, 0, len(q.inflight))
	for handle, entry := range q.inflight {
		if olderThan > 0 && entry.receivedAt.After(cutoff) {
			continue
		}
		pending = append(pending, entry.msg)
		delete(q.inflight, handle)
	}
	q.mu.Unlock()

	for i, msg := range pending {
		msg.ReceiptHandle = ""
		select {
		case q.ch <- msg:
		case <-ctx.Done():
			return i, ctx.Err()
		}
	}
	return len(pending), nil
}

// Len reports how many messages are waiting.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// InFlight reports how many received messages have not been deleted.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}
