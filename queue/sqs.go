package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goliatone/go-hooks/core"
)

const (
	sqsMaxVisibility = 12 * time.Hour
	// Matches the default job timeout plus a minute of slack.
	sqsDefaultVisibility = 16 * time.Minute

	AttributeJobID   = "JobID"
	AttributeHandler = "Handler"
	AttributeEventID = "EventID"
)

// SQSAPI is the subset of the SQS client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSOptions configures the queue. VisibilityTimeout must outlast a job run,
// otherwise SQS redelivers the message while the handler is still running.
type SQSOptions struct {
	QueueURL          string
	WaitSeconds       int
	VisibilityTimeout time.Duration
}

// SQSQueue uses ApproximateReceiveCount as the attempt counter and message
// visibility as the retry delay. Dead-lettered messages are deleted.
// Messages are received one at a time so each visibility window starts when
// the worker takes the job.
type SQSQueue struct {
	client  SQSAPI
	options SQSOptions
}

func NewSQSQueue(client SQSAPI, options SQSOptions) (*SQSQueue, error) {
	if client == nil {
		return nil, queueInternal("queue: sqs client is required", nil)
	}
	options.QueueURL = strings.TrimSpace(options.QueueURL)
	if options.QueueURL == "" {
		return nil, queueBadInput("queue: sqs queue url is required", nil)
	}
	if options.VisibilityTimeout <= 0 {
		options.VisibilityTimeout = sqsDefaultVisibility
	}
	if options.WaitSeconds < 0 || options.WaitSeconds > 20 {
		options.WaitSeconds = 20
	}
	return &SQSQueue{client: client, options: options}, nil
}

// NewSQSClient loads the default AWS configuration. A non-empty endpoint
// targets a local emulator with static credentials.
func NewSQSClient(ctx context.Context, cfg core.SQSConfig) (*sqs.Client, error) {
	configOpts := []func(*awsconfig.LoadOptions) error{}
	if region := strings.TrimSpace(cfg.Region); region != "" {
		configOpts = append(configOpts, awsconfig.WithRegion(region))
	}
	var clientOpts []func(*sqs.Options)
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		configOpts = append(configOpts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))
		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, queueWrapError(err, "queue: load aws config failed", nil)
	}
	return sqs.NewFromConfig(awsCfg, clientOpts...), nil
}

func (q *SQSQueue) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if q == nil || q.client == nil {
		return queueInternal("queue: sqs queue is not configured", nil)
	}
	if msg == nil || strings.TrimSpace(msg.JobID) == "" {
		return queueBadInput("queue: job id is required", nil)
	}
	input, err := q.sendInput(msg)
	if err != nil {
		return err
	}
	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return queueWrapError(err, "queue: sqs send failed", map[string]any{"job_id": msg.JobID})
	}
	return nil
}

func (q *SQSQueue) sendInput(msg *core.JobExecutionMessage) (*sqs.SendMessageInput, error) {
	body, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	eventID := core.EventIDFromMessage(msg)
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.options.QueueURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			AttributeJobID:   stringAttribute(msg.JobID),
			AttributeHandler: stringAttribute(msg.ScriptPath),
		},
	}
	if eventID != "" {
		input.MessageAttributes[AttributeEventID] = stringAttribute(eventID)
	}
	if q.isFIFO() {
		input.MessageDeduplicationId = aws.String(DeduplicationID(msg.JobID))
		group := eventID
		if group == "" {
			group = DeduplicationID(msg.JobID)
		}
		input.MessageGroupId = aws.String(group)
	}
	return input, nil
}

// Dequeue long polls for the next message. It returns nil when the poll came
// back empty.
func (q *SQSQueue) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if q == nil || q.client == nil {
		return nil, queueInternal("queue: sqs queue is not configured", nil)
	}
	output, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.options.QueueURL),
		MaxNumberOfMessages:   1,
		WaitTimeSeconds:       int32(q.options.WaitSeconds),
		VisibilityTimeout:     visibilitySeconds(q.options.VisibilityTimeout),
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, queueWrapError(err, "queue: sqs receive failed", nil)
	}
	if output == nil || len(output.Messages) == 0 {
		return nil, nil
	}
	raw := output.Messages[0]

	msg, err := DecodeMessage(aws.ToString(raw.Body))
	if err != nil {
		// An unreadable body can never succeed; drop it.
		_ = q.delete(ctx, raw.ReceiptHandle)
		return nil, err
	}
	attempt := ReceiveCount(raw)
	msg.Parameters[core.ParamAttempt] = attempt
	return &sqsDelivery{queue: q, msg: msg, attempt: attempt, receipt: raw.ReceiptHandle}, nil
}

func (q *SQSQueue) delete(ctx context.Context, receipt *string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.options.QueueURL),
		ReceiptHandle: receipt,
	})
	if err != nil {
		return queueWrapError(err, "queue: sqs delete failed", nil)
	}
	return nil
}

func (q *SQSQueue) changeVisibility(ctx context.Context, receipt *string, delay time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.options.QueueURL),
		ReceiptHandle:     receipt,
		VisibilityTimeout: visibilitySeconds(delay),
	})
	if err != nil {
		return queueWrapError(err, "queue: sqs change visibility failed", nil)
	}
	return nil
}

func (q *SQSQueue) isFIFO() bool {
	return strings.HasSuffix(q.options.QueueURL, ".fifo")
}

type sqsDelivery struct {
	queue   *SQSQueue
	msg     *core.JobExecutionMessage
	attempt int
	receipt *string
}

func (d *sqsDelivery) Message() *core.JobExecutionMessage {
	return core.CloneJobMessage(d.msg)
}

func (d *sqsDelivery) Attempt() int {
	return d.attempt
}

func (d *sqsDelivery) Ack(ctx context.Context) error {
	return d.queue.delete(ctx, d.receipt)
}

func (d *sqsDelivery) Nack(ctx context.Context, opts core.JobNackOptions) error {
	if opts.DeadLetter {
		return d.queue.delete(ctx, d.receipt)
	}
	return d.queue.changeVisibility(ctx, d.receipt, opts.Delay)
}

type wireMessage struct {
	JobID          string         `json:"job_id"`
	Handler        string         `json:"handler"`
	Parameters     map[string]any `json:"parameters"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	DedupPolicy    string         `json:"dedup_policy,omitempty"`
}

// EncodeMessage renders msg as the JSON body sent to SQS.
func EncodeMessage(msg *core.JobExecutionMessage) (string, error) {
	if msg == nil {
		return "", queueBadInput("queue: execution message is required", nil)
	}
	payload, err := json.Marshal(wireMessage{
		JobID:          msg.JobID,
		Handler:        msg.ScriptPath,
		Parameters:     msg.Parameters,
		IdempotencyKey: msg.IdempotencyKey,
		DedupPolicy:    msg.DedupPolicy,
	})
	if err != nil {
		return "", queueBadInput("queue: encode message failed", map[string]any{"job_id": msg.JobID})
	}
	return string(payload), nil
}

func DecodeMessage(body string) (*core.JobExecutionMessage, error) {
	var wire wireMessage
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return nil, queueBadInput("queue: malformed message body", nil)
	}
	if strings.TrimSpace(wire.JobID) == "" {
		return nil, queueBadInput("queue: message body has no job id", nil)
	}
	return &core.JobExecutionMessage{
		JobID:          wire.JobID,
		ScriptPath:     wire.Handler,
		Parameters:     core.CopyAnyMap(wire.Parameters),
		IdempotencyKey: wire.IdempotencyKey,
		DedupPolicy:    wire.DedupPolicy,
	}, nil
}

// ReceiveCount reads ApproximateReceiveCount, defaulting to 1.
func ReceiveCount(msg types.Message) int {
	raw := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
	count, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || count < 1 {
		return 1
	}
	return count
}

// DeduplicationID derives a FIFO deduplication id from a job id.
func DeduplicationID(jobID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(jobID)))
	return hex.EncodeToString(sum[:])
}

func visibilitySeconds(delay time.Duration) int32 {
	if delay < 0 {
		delay = 0
	}
	if delay > sqsMaxVisibility {
		delay = sqsMaxVisibility
	}
	return int32(delay / time.Second)
}

func stringAttribute(value string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(strings.TrimSpace(value)),
	}
}

var (
	_ core.JobEnqueuer = (*SQSQueue)(nil)
	_ core.JobDequeuer = (*SQSQueue)(nil)
	_ SQSAPI           = (*sqs.Client)(nil)
)
