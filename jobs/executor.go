package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
)

// Executor is the job execution wrapper. It runs once per delivery of a
// queued job.
type Executor struct {
	Events      core.EventStore
	Idempotency core.IdempotencyStore
	Registry    *Registry
	Alerter     core.Alerter
	Observer    *core.Observer
	// Policy bounds attempts when the queue does not publish attempt info on
	// the context.
	Policy core.RetryPolicy
	Now    func() time.Time
}

func NewExecutor(
	events core.EventStore,
	idempotency core.IdempotencyStore,
	registry *Registry,
	alerter core.Alerter,
) *Executor {
	return &Executor{
		Events:      events,
		Idempotency: idempotency,
		Registry:    registry,
		Alerter:     alerter,
		Observer:    core.NewObserver(nil, nil),
		Policy:      core.DefaultRetryPolicy(),
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Run adapts Execute to the queue worker's runner contract.
func (e *Executor) Run(ctx context.Context, msg *core.JobExecutionMessage) error {
	if msg == nil {
		return core.Permanent(jobsBadInput("jobs: execution message is required", nil))
	}
	return e.Execute(ctx, msg.ScriptPath, core.EventIDFromMessage(msg))
}

// Execute processes eventID with the named handler. Transient failures are
// returned so the queue reschedules them; permanent failures are recorded,
// alerted and swallowed.
func (e *Executor) Execute(ctx context.Context, handlerName string, eventID string) error {
	if e == nil || e.Events == nil || e.Idempotency == nil {
		return jobsInternal("jobs: executor requires event and idempotency stores", nil)
	}
	startedAt := e.now()
	eventID = strings.TrimSpace(eventID)
	fields := map[string]any{
		"event_id": eventID,
		"handler":  strings.TrimSpace(handlerName),
	}
	if eventID == "" {
		err := core.Permanent(jobsBadInput("jobs: event id is required", nil))
		e.Observer.Observe(ctx, startedAt, "job.execute", err, fields)
		return err
	}

	event, err := e.Events.Load(ctx, eventID)
	if err != nil {
		if core.IsNotFound(err) {
			err = core.Permanent(err)
			fields["outcome"] = "load_failed"
			e.Observer.Observe(ctx, startedAt, "job.execute", err, fields)
			return err
		}
		return e.abort(ctx, startedAt, core.Event{ID: eventID}, e.attemptInfo(ctx, 0), err, "load_failed", fields)
	}
	fields["source"] = event.Source
	fields["event_type"] = event.EventType
	fields["idempotency_key"] = event.IdempotencyKey

	processed, err := e.Idempotency.IsProcessed(ctx, event.IdempotencyKey)
	if err != nil {
		return e.abort(ctx, startedAt, event, e.attemptInfo(ctx, event.Attempts+1), err, "processed_check_failed", fields)
	}
	if processed {
		if !event.Status.Terminal() {
			if err := e.Events.SetStatus(ctx, eventID, core.EventStatusProcessed, ""); err != nil {
				fields["outcome"] = "status_failed"
				e.Observer.Observe(ctx, startedAt, "job.execute", err, fields)
				return err
			}
		}
		fields["outcome"] = "already_processed"
		e.Observer.Observe(ctx, startedAt, "job.execute", nil, fields)
		return nil
	}

	attempts, err := e.Events.IncrementAttempts(ctx, eventID)
	if err != nil {
		return e.abort(ctx, startedAt, event, e.attemptInfo(ctx, event.Attempts+1), err, "attempt_failed", fields)
	}
	event.Attempts = attempts
	info := e.attemptInfo(ctx, attempts)
	fields["attempt"] = info.Attempt
	if err := e.Events.SetStatus(ctx, eventID, core.EventStatusProcessing, ""); err != nil {
		return e.abort(ctx, startedAt, event, info, err, "status_failed", fields)
	}

	handlerErr := e.invoke(ctx, handlerName, newJobContext(event, info, e.Events))

	// Bookkeeping must survive a handler that ran into the job timeout.
	settleCtx := context.WithoutCancel(ctx)
	if handlerErr == nil {
		e.succeed(settleCtx, event, fields)
		e.Observer.Observe(ctx, startedAt, "job.execute", nil, fields)
		return nil
	}

	if core.Classify(handlerErr) == core.ErrorClassTransient {
		fields["outcome"] = "retry"
		e.setStatus(settleCtx, eventID, core.EventStatusQueued, handlerErr.Error(), fields)
		if info.Remaining() == 0 {
			fields["outcome"] = "exhausted"
			e.alert(settleCtx, event, info, handlerErr, "retries exhausted")
		}
		e.Observer.Observe(ctx, startedAt, "job.execute", handlerErr, fields)
		return handlerErr
	}

	fields["outcome"] = "failed"
	e.setStatus(settleCtx, eventID, core.EventStatusFailed, handlerErr.Error(), fields)
	e.alert(settleCtx, event, info, handlerErr, "permanent failure")
	e.Observer.Observe(ctx, startedAt, "job.execute", handlerErr, fields)
	return nil
}

// abort settles a failure that happened before the handler ran, following
// the same rules as a handler error: a permanent failure leaves the event
// failed, and the last transient attempt alerts once. The error is returned
// so the worker dead-letters or reschedules the job.
func (e *Executor) abort(ctx context.Context, startedAt time.Time, event core.Event, info core.AttemptInfo, err error, outcome string, fields map[string]any) error {
	fields["outcome"] = outcome
	settleCtx := context.WithoutCancel(ctx)
	switch {
	case core.Classify(err) != core.ErrorClassTransient:
		e.setStatus(settleCtx, event.ID, core.EventStatusFailed, err.Error(), fields)
		e.alert(settleCtx, event, info, err, "permanent failure")
	case info.Remaining() == 0:
		fields["outcome"] = "exhausted"
		e.setStatus(settleCtx, event.ID, core.EventStatusQueued, err.Error(), fields)
		e.alert(settleCtx, event, info, err, "retries exhausted")
	}
	e.Observer.Observe(ctx, startedAt, "job.execute", err, fields)
	return err
}

func (e *Executor) invoke(ctx context.Context, handlerName string, job *JobContext) (err error) {
	handler, ok := e.Registry.Lookup(handlerName)
	if !ok {
		return core.Permanent(jobsBadInput("jobs: handler is not registered", map[string]any{"handler": handlerName}))
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = core.Permanent(fmt.Errorf("jobs: handler panic: %v", recovered))
		}
	}()
	return handler.Handle(ctx, job)
}

func (e *Executor) succeed(ctx context.Context, event core.Event, fields map[string]any) {
	fields["outcome"] = "processed"
	if err := e.Idempotency.MarkProcessed(ctx, event.IdempotencyKey); err != nil {
		e.Observer.Error(ctx, "job processed marker failed", mergeFields(fields, map[string]any{"error": err.Error()}))
	}
	applied, err := e.Events.TransitionStatus(
		ctx,
		event.ID,
		[]core.EventStatus{core.EventStatusReceived, core.EventStatusQueued, core.EventStatusProcessing},
		core.EventStatusProcessed,
		"",
	)
	if err != nil {
		e.Observer.Error(ctx, "job status update failed", mergeFields(fields, map[string]any{"error": err.Error()}))
		return
	}
	if !applied {
		fields["outcome"] = "handler_status"
	}
}

func (e *Executor) setStatus(ctx context.Context, eventID string, status core.EventStatus, lastError string, fields map[string]any) {
	if err := e.Events.SetStatus(ctx, eventID, status, lastError); err != nil {
		e.Observer.Error(ctx, "job status update failed", mergeFields(fields, map[string]any{
			"error":  err.Error(),
			"status": string(status),
		}))
	}
}

// alert is best-effort; its failure is only logged.
func (e *Executor) alert(ctx context.Context, event core.Event, info core.AttemptInfo, cause error, reason string) {
	if e.Alerter == nil {
		return
	}
	if err := e.Alerter.Notify(ctx, AlertText(event, info, cause, reason)); err != nil {
		e.Observer.Warn(ctx, "job alert failed", map[string]any{
			"event_id": event.ID,
			"error":    err.Error(),
		})
	}
}

func (e *Executor) attemptInfo(ctx context.Context, attempts int) core.AttemptInfo {
	if info, ok := core.AttemptInfoFromContext(ctx); ok && info.MaxAttempts > 0 {
		if info.Attempt <= 0 {
			info.Attempt = attempts
		}
		return info
	}
	return core.AttemptInfo{
		Attempt:     attempts,
		MaxAttempts: e.Policy.Normalize().MaxAttempts,
		StartedAt:   e.now(),
	}
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// AlertText formats the terminal failure message sent to the alerter.
func AlertText(event core.Event, info core.AttemptInfo, cause error, reason string) string {
	var b strings.Builder
	if event.Source == "" && event.EventType == "" {
		fmt.Fprintf(&b, "[hooks] %s: event %s", reason, event.ID)
	} else {
		fmt.Fprintf(&b, "[hooks] %s: %s %s event %s", reason, event.Source, event.EventType, event.ID)
	}
	if contact := event.Contact(); contact != "" {
		fmt.Fprintf(&b, " (contact %s)", contact)
	}
	fmt.Fprintf(&b, " after attempt %d/%d", info.Attempt, info.MaxAttempts)
	if cause != nil {
		fmt.Fprintf(&b, ": %s", cause.Error())
	}
	return b.String()
}

func mergeFields(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for key, value := range base {
		out[key] = value
	}
	for key, value := range extra {
		out[key] = value
	}
	return out
}
