package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue carries inbound jobs between the webhook and worker processes.
// On a FIFO queue (URL ending in .fifo) jobs are grouped per conversation,
// so one customer's messages are processed in order by one worker at a time.
type SQSQueue struct {
	client   sqsAPI
	queueURL string
	fifo     bool
}

func NewSQSQueue(client *sqs.Client, queueURL string) *SQSQueue {
	if client == nil {
		panic("conversation: SQS client cannot be nil")
	}
	return newSQSQueue(client, queueURL)
}

func newSQSQueue(client sqsAPI, queueURL string) *SQSQueue {
	queueURL = strings.TrimSpace(queueURL)
	if queueURL == "" {
		panic("conversation: SQS queueURL cannot be empty")
	}
	return &SQSQueue{client: client, queueURL: queueURL, fifo: strings.HasSuffix(queueURL, ".fifo")}
}

func (q *SQSQueue) Send(ctx context.Context, body string) error {
	return q.SendGrouped(ctx, "", "", body)
}

// SendGrouped sends with FIFO group and deduplication ids. Both are ignored
// on standard queues; on FIFO queues an empty group falls back to a shared one.
func (q *SQSQueue) SendGrouped(ctx context.Context, groupID, dedupID, body string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(string(jobTypeInbound))},
		},
	}
	if q.fifo {
		if groupID == "" {
			groupID = "inbound"
		}
		input.MessageGroupId = aws.String(groupID)
		if dedupID != "" {
			input.MessageDeduplicationId = aws.String(dedupID)
		}
	}
	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("conversation: sqs send: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	// SQS caps a receive at 10 messages and 20 seconds of long polling.
	maxMessages = min(max(maxMessages, 1), 10)
	waitSeconds = min(max(waitSeconds, 0), 20)

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     int32(waitSeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: sqs receive: %w", err)
	}

	messages := make([]queueMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, queueMessage{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return messages, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return nil
	}
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("conversation: sqs delete: %w", err)
	}
	return nil
}
