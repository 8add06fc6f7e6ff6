package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type queueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// groupedSender is implemented by queues that can order jobs per group.
type groupedSender interface {
	SendGrouped(ctx context.Context, groupID, dedupID, body string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type jobType string

const jobTypeInbound jobType = "inbound.v1"

type queuePayload struct {
	ID      string         `json:"id"`
	Kind    jobType        `json:"kind"`
	Inbound InboundMessage `json:"inbound"`
}

func encodePayload(payload queuePayload) (queuePayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, "", fmt.Errorf("conversation: failed to encode payload: %w", err)
	}

	return payload, string(body), nil
}

// Enqueuer hands inbound messages to the worker pool.
type Enqueuer struct {
	queue queueClient
}

// NewEnqueuer wraps a MemoryQueue or SQSQueue.
func NewEnqueuer(queue queueClient) *Enqueuer {
	if queue == nil {
		panic("conversation: queue required")
	}
	return &Enqueuer{queue: queue}
}

// Enqueue validates the message and queues it for processing.
func (q *Enqueuer) Enqueue(ctx context.Context, in InboundMessage) error {
	if err := in.Validate(); err != nil {
		return err
	}
	payload, body, err := encodePayload(queuePayload{Kind: jobTypeInbound, Inbound: in})
	if err != nil {
		return err
	}
	if grouped, ok := q.queue.(groupedSender); ok {
		dedup := payload.ID
		if in.ProviderMessageID != "" {
			dedup = in.Provider + ":" + in.ProviderMessageID
		}
		return grouped.SendGrouped(ctx, in.TenantID+":"+in.Phone, dedupKey(dedup), body)
	}
	return q.queue.Send(ctx, body)
}

// dedupKey fits arbitrary ids into the 128-character FIFO deduplication limit.
func dedupKey(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}
