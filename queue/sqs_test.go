package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goliatone/go-hooks/core"
)

type fakeSQS struct {
	sent       []*sqs.SendMessageInput
	received   []*sqs.ReceiveMessageInput
	receive    []types.Message
	receiveErr error
	deleted    []string
	visibility map[string]int32
}

func (f *fakeSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, params)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.received = append(f.received, params)
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	n := int(params.MaxNumberOfMessages)
	if n <= 0 || n > len(f.receive) {
		n = len(f.receive)
	}
	out := &sqs.ReceiveMessageOutput{Messages: f.receive[:n]}
	f.receive = f.receive[n:]
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	f.visibility[aws.ToString(params.ReceiptHandle)] = params.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestSQSQueue_EnqueueSetsAttributesAndFIFOIds(t *testing.T) {
	ctx := context.Background()
	client := &fakeSQS{}
	queue, err := NewSQSQueue(client, SQSOptions{QueueURL: "https://sqs.local/000/hooks.fifo"})
	if err != nil {
		t.Fatalf("new sqs queue: %v", err)
	}
	msg := newTestMessage(t, "e1")
	if err := queue.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(client.sent))
	}
	input := client.sent[0]
	if aws.ToString(input.MessageAttributes[AttributeJobID].StringValue) != msg.JobID {
		t.Fatalf("expected job id attribute")
	}
	if aws.ToString(input.MessageAttributes[AttributeEventID].StringValue) != "e1" {
		t.Fatalf("expected event id attribute")
	}
	if aws.ToString(input.MessageDeduplicationId) != DeduplicationID(msg.JobID) {
		t.Fatalf("expected fifo deduplication id from job id")
	}
	if aws.ToString(input.MessageGroupId) != "e1" {
		t.Fatalf("expected message group per event, got %q", aws.ToString(input.MessageGroupId))
	}

	standard, _ := NewSQSQueue(client, SQSOptions{QueueURL: "https://sqs.local/000/hooks"})
	if err := standard.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue standard: %v", err)
	}
	if client.sent[1].MessageDeduplicationId != nil {
		t.Fatalf("expected no deduplication id on standard queues")
	}
}

func TestSQSQueue_DequeueAckAndNack(t *testing.T) {
	ctx := context.Background()
	body, err := EncodeMessage(newTestMessage(t, "e1"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	client := &fakeSQS{receive: []types.Message{
		{
			Body:          aws.String(body),
			ReceiptHandle: aws.String("r-1"),
			Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
		},
		{
			Body:          aws.String(body),
			ReceiptHandle: aws.String("r-2"),
		},
	}}
	queue, err := NewSQSQueue(client, SQSOptions{QueueURL: "https://sqs.local/000/hooks"})
	if err != nil {
		t.Fatalf("new sqs queue: %v", err)
	}

	first, err := queue.Dequeue(ctx)
	if err != nil || first == nil {
		t.Fatalf("dequeue: %v", err)
	}
	if first.Attempt() != 3 {
		t.Fatalf("expected receive count as attempt, got %d", first.Attempt())
	}
	msg := first.Message()
	if core.EventIDFromMessage(msg) != "e1" || core.AttemptFromMessage(msg) != 3 {
		t.Fatalf("unexpected message %#v", msg)
	}
	if policy := core.PolicyFromMessage(msg); policy.MaxAttempts != 4 || policy.DelayAfter(2) != time.Minute {
		t.Fatalf("expected policy to survive the wire, got %#v", policy)
	}
	if err := first.Nack(ctx, core.JobNackOptions{Delay: 5 * time.Minute, Requeue: true}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if client.visibility["r-1"] != 300 {
		t.Fatalf("expected visibility 300s, got %d", client.visibility["r-1"])
	}

	second, err := queue.Dequeue(ctx)
	if err != nil || second == nil {
		t.Fatalf("dequeue second: %v", err)
	}
	if second.Attempt() != 1 {
		t.Fatalf("expected default attempt 1, got %d", second.Attempt())
	}
	if err := second.Nack(ctx, core.JobNackOptions{DeadLetter: true}); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "r-2" {
		t.Fatalf("expected dead-lettered message deleted, got %v", client.deleted)
	}

	empty, err := queue.Dequeue(ctx)
	if err != nil || empty != nil {
		t.Fatalf("expected empty poll, got %v err=%v", empty, err)
	}
}

func TestSQSQueue_ReceiveHidesOneMessageForTheJobTimeout(t *testing.T) {
	ctx := context.Background()
	body, err := EncodeMessage(newTestMessage(t, "e1"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	client := &fakeSQS{receive: []types.Message{
		{Body: aws.String(body), ReceiptHandle: aws.String("r-1")},
		{Body: aws.String(body), ReceiptHandle: aws.String("r-2")},
	}}
	cfg := core.DefaultConfig().Queue
	queue, err := NewSQSQueue(client, SQSOptions{
		QueueURL:          "https://sqs.local/000/hooks",
		VisibilityTimeout: cfg.VisibilityDuration(),
	})
	if err != nil {
		t.Fatalf("new sqs queue: %v", err)
	}
	if _, err := queue.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(client.received) != 1 {
		t.Fatalf("expected one receive call, got %d", len(client.received))
	}
	input := client.received[0]
	if input.MaxNumberOfMessages != 1 {
		t.Fatalf("expected one message per receive, got %d", input.MaxNumberOfMessages)
	}
	if got := time.Duration(input.VisibilityTimeout) * time.Second; got < cfg.TimeoutDuration() {
		t.Fatalf("expected visibility to cover the job timeout %s, got %s", cfg.TimeoutDuration(), got)
	}
	if len(client.receive) != 1 {
		t.Fatalf("expected the second message to stay on the queue")
	}

	unset, _ := NewSQSQueue(client, SQSOptions{QueueURL: "https://sqs.local/000/hooks"})
	if _, err := unset.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got := time.Duration(client.received[1].VisibilityTimeout) * time.Second; got < cfg.TimeoutDuration() {
		t.Fatalf("expected default visibility to cover the job timeout, got %s", got)
	}
}

func TestSQSQueue_DropsMalformedBodiesAndWrapsErrors(t *testing.T) {
	ctx := context.Background()
	client := &fakeSQS{receive: []types.Message{{Body: aws.String("{"), ReceiptHandle: aws.String("bad")}}}
	queue, _ := NewSQSQueue(client, SQSOptions{QueueURL: "https://sqs.local/000/hooks"})
	if _, err := queue.Dequeue(ctx); err == nil {
		t.Fatalf("expected malformed body error")
	}
	if len(client.deleted) != 1 || client.deleted[0] != "bad" {
		t.Fatalf("expected malformed message to be deleted")
	}

	client.receiveErr = errors.New("connection reset")
	_, err := queue.Dequeue(ctx)
	if err == nil {
		t.Fatalf("expected receive error")
	}
	if !core.IsTransient(err) {
		t.Fatalf("expected receive failure to classify as transient, got %v", err)
	}
}

func TestNewSQSQueue_Validates(t *testing.T) {
	if _, err := NewSQSQueue(nil, SQSOptions{QueueURL: "x"}); err == nil {
		t.Fatalf("expected error without client")
	}
	if _, err := NewSQSQueue(&fakeSQS{}, SQSOptions{}); err == nil {
		t.Fatalf("expected error without queue url")
	}
	if visibilitySeconds(24*time.Hour) != int32((12 * time.Hour).Seconds()) {
		t.Fatalf("expected visibility to clamp at 12h")
	}
}

func TestSQSQueue_Integration(t *testing.T) {
	queueURL := os.Getenv("HOOKS_TEST_SQS_QUEUE_URL")
	if queueURL == "" {
		t.Skip("HOOKS_TEST_SQS_QUEUE_URL not set")
	}
	ctx := context.Background()
	client, err := NewSQSClient(ctx, core.SQSConfig{
		Region:   os.Getenv("AWS_REGION"),
		Endpoint: os.Getenv("HOOKS_TEST_SQS_ENDPOINT"),
	})
	if err != nil {
		t.Fatalf("new sqs client: %v", err)
	}
	queue, err := NewSQSQueue(client, SQSOptions{QueueURL: queueURL, WaitSeconds: 1})
	if err != nil {
		t.Fatalf("new sqs queue: %v", err)
	}
	msg := newTestMessage(t, "integration-"+time.Now().Format("150405.000"))
	if err := queue.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	delivery, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if delivery == nil {
		t.Fatalf("expected a message")
	}
	if err := delivery.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
}
