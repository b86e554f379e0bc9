package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// IdempotencyStore maps idempotency keys to the event that first claimed
// them, plus an independently expiring processed marker.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string, eventID string) (ClaimResult, error)
	Release(ctx context.Context, key string) error
	MarkProcessed(ctx context.Context, key string) error
	IsProcessed(ctx context.Context, key string) (bool, error)
}

type EventStore interface {
	Create(ctx context.Context, in CreateEventInput) (Event, error)
	SetStatus(ctx context.Context, eventID string, status EventStatus, lastError string) error
	// TransitionStatus applies status only when the current status is one of
	// from. It reports whether the change was applied.
	TransitionStatus(
		ctx context.Context,
		eventID string,
		from []EventStatus,
		to EventStatus,
		lastError string,
	) (bool, error)
	IncrementAttempts(ctx context.Context, eventID string) (int, error)
	Load(ctx context.Context, eventID string) (Event, error)
}

// EnqueueRequest is the work queue dispatch contract: a handler reference,
// the event to process, a caller-chosen job id and the retry policy.
type EnqueueRequest struct {
	Handler        string
	EventID        string
	JobID          string
	IdempotencyKey string
	Policy         RetryPolicy
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req EnqueueRequest) error
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	// Attempt is the 1-based execution attempt this delivery represents.
	Attempt() int
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Alerter delivers terminal-failure notifications. Callers treat it as
// best-effort.
type Alerter interface {
	Notify(ctx context.Context, text string) error
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
