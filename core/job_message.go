package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	ParamEventID     = "event_id"
	ParamAttempt     = "attempt"
	ParamMaxAttempts = "max_attempts"
	ParamDelays      = "retry_delays"
	ParamEnqueuedAt  = "enqueued_at"

	DedupPolicyDrop = "drop"
)

// NewJobMessage maps an enqueue request onto the execution message shape
// shared by every queue backend.
func NewJobMessage(req EnqueueRequest) (*JobExecutionMessage, error) {
	handler := strings.TrimSpace(req.Handler)
	if handler == "" {
		return nil, fmt.Errorf("core: job handler reference is required")
	}
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		return nil, fmt.Errorf("core: job event id is required")
	}
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		jobID = JobIDFor(req.IdempotencyKey, eventID)
	}
	policy := req.Policy.Normalize()
	delays := make([]string, 0, len(policy.Delays))
	for _, delay := range policy.Delays {
		delays = append(delays, delay.String())
	}
	return &JobExecutionMessage{
		JobID:      jobID,
		ScriptPath: handler,
		Parameters: map[string]any{
			ParamEventID:     eventID,
			ParamAttempt:     0,
			ParamMaxAttempts: policy.MaxAttempts,
			ParamDelays:      strings.Join(delays, ","),
		},
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		DedupPolicy:    DedupPolicyDrop,
	}, nil
}

func EventIDFromMessage(msg *JobExecutionMessage) string {
	if msg == nil {
		return ""
	}
	return trimAny(msg.Parameters[ParamEventID])
}

// PolicyFromMessage restores the retry policy carried by a message, falling
// back to the default schedule for anything missing.
func PolicyFromMessage(msg *JobExecutionMessage) RetryPolicy {
	policy := DefaultRetryPolicy()
	if msg == nil || len(msg.Parameters) == 0 {
		return policy
	}
	if maxAttempts := intParam(msg.Parameters[ParamMaxAttempts]); maxAttempts > 0 {
		policy.MaxAttempts = maxAttempts
	}
	if raw := trimAny(msg.Parameters[ParamDelays]); raw != "" {
		if delays, err := ParseDelays(strings.Split(raw, ",")); err == nil && len(delays) > 0 {
			policy.Delays = delays
		}
	}
	return policy.Normalize()
}

// AttemptFromMessage reads the attempt counter recorded on the message by
// queues that cannot track deliveries natively.
func AttemptFromMessage(msg *JobExecutionMessage) int {
	if msg == nil {
		return 0
	}
	return intParam(msg.Parameters[ParamAttempt])
}

func CloneJobMessage(msg *JobExecutionMessage) *JobExecutionMessage {
	if msg == nil {
		return nil
	}
	out := *msg
	out.Parameters = CopyAnyMap(msg.Parameters)
	return &out
}

func intParam(raw any) int {
	switch typed := raw.(type) {
	case int:
		if typed < 0 {
			return 0
		}
		return typed
	case int32:
		if typed < 0 {
			return 0
		}
		return int(typed)
	case int64:
		if typed < 0 {
			return 0
		}
		return int(typed)
	case float64:
		if typed < 0 {
			return 0
		}
		return int(typed)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(typed))
		if err == nil && parsed >= 0 {
			return parsed
		}
	}
	return 0
}

func trimAny(value any) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

// AttemptInfo describes the execution attempt a running job belongs to.
type AttemptInfo struct {
	Attempt     int
	MaxAttempts int
	StartedAt   time.Time
}

// Remaining returns how many executions the queue will still grant after
// the current one.
func (a AttemptInfo) Remaining() int {
	remaining := a.MaxAttempts - a.Attempt
	if remaining < 0 {
		return 0
	}
	return remaining
}

type attemptInfoKey struct{}

func WithAttemptInfo(ctx context.Context, info AttemptInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, attemptInfoKey{}, info)
}

func AttemptInfoFromContext(ctx context.Context) (AttemptInfo, bool) {
	if ctx == nil {
		return AttemptInfo{}, false
	}
	info, ok := ctx.Value(attemptInfoKey{}).(AttemptInfo)
	return info, ok
}
