package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-hooks/core"
)

// Runner executes one job message. A nil error acknowledges the job; a
// transient error reschedules it while attempts remain.
type Runner interface {
	Run(ctx context.Context, msg *core.JobExecutionMessage) error
}

type RunnerFunc func(ctx context.Context, msg *core.JobExecutionMessage) error

func (f RunnerFunc) Run(ctx context.Context, msg *core.JobExecutionMessage) error {
	return f(ctx, msg)
}

type WorkerOptions struct {
	Timeout     time.Duration
	IdleDelay   time.Duration
	Concurrency int
	Hooks       []core.JobWorkerHook
	Observer    *core.Observer
}

type Worker struct {
	dequeuer core.JobDequeuer
	runner   Runner
	options  WorkerOptions
	now      func() time.Time
}

func NewWorker(dequeuer core.JobDequeuer, runner Runner, options WorkerOptions) (*Worker, error) {
	if dequeuer == nil {
		return nil, queueInternal("queue: worker dequeuer is required", nil)
	}
	if runner == nil {
		return nil, queueInternal("queue: worker runner is required", nil)
	}
	if options.Timeout <= 0 {
		options.Timeout = 15 * time.Minute
	}
	if options.IdleDelay <= 0 {
		options.IdleDelay = 2 * time.Second
	}
	if options.Concurrency <= 0 {
		options.Concurrency = 1
	}
	if options.Observer == nil {
		options.Observer = core.NewObserver(nil, nil)
	}
	return &Worker{
		dequeuer: dequeuer,
		runner:   runner,
		options:  options,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// Run polls until ctx is cancelled. Each of the configured goroutines
// processes jobs sequentially.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.options.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.options.Observer.Warn(ctx, "worker poll failed", map[string]any{"error": err.Error()})
		}
		if processed {
			continue
		}
		timer := time.NewTimer(w.options.IdleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce dequeues and settles at most one job. It reports whether a job
// was handled.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	delivery, err := w.dequeuer.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}

	msg := delivery.Message()
	attempt := max(delivery.Attempt(), 1)
	policy := core.PolicyFromMessage(msg)
	startedAt := w.now()
	event := core.JobWorkerEvent{
		Message:   msg,
		Attempt:   attempt,
		StartedAt: startedAt,
	}
	w.emit(ctx, event, core.JobWorkerHook.OnStart)
	fields := map[string]any{
		"job_id":   msg.JobID,
		"handler":  msg.ScriptPath,
		"event_id": core.EventIDFromMessage(msg),
		"attempt":  attempt,
	}

	// A lapsed lease or a stray SQS receive can hand back a job that already
	// used its last attempt; it must not run again.
	if maxAttempts := policy.Normalize().MaxAttempts; attempt > maxAttempts {
		overrun := queueBadInput("queue: delivery exceeds the attempt cap", map[string]any{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
		})
		event.Err = overrun
		fields["outcome"] = "dead_letter"
		err = delivery.Nack(context.WithoutCancel(ctx), core.JobNackOptions{
			DeadLetter: true,
			Reason:     truncateReason(overrun.Error()),
		})
		w.emit(ctx, event, core.JobWorkerHook.OnFailure)
		w.options.Observer.Observe(ctx, startedAt, "worker.job", overrun, fields)
		return true, err
	}

	runCtx := core.WithAttemptInfo(ctx, core.AttemptInfo{
		Attempt:     attempt,
		MaxAttempts: policy.MaxAttempts,
		StartedAt:   startedAt,
	})
	runCtx, cancel := context.WithTimeout(runCtx, w.options.Timeout)
	runErr := w.runner.Run(runCtx, msg)
	cancel()

	event.Duration = w.now().Sub(startedAt)
	event.Err = runErr

	settleCtx := context.WithoutCancel(ctx)
	switch {
	case runErr == nil:
		fields["outcome"] = "ack"
		err = delivery.Ack(settleCtx)
		w.emit(ctx, event, core.JobWorkerHook.OnSuccess)
	case core.IsTransient(runErr) && !policy.Exhausted(attempt):
		delay := policy.DelayAfter(attempt)
		event.Delay = delay
		fields["outcome"] = "retry"
		fields["delay_ms"] = delay.Milliseconds()
		err = delivery.Nack(settleCtx, core.JobNackOptions{
			Delay:   delay,
			Requeue: true,
			Reason:  truncateReason(runErr.Error()),
		})
		w.emit(ctx, event, core.JobWorkerHook.OnRetry)
	default:
		fields["outcome"] = "dead_letter"
		err = delivery.Nack(settleCtx, core.JobNackOptions{
			DeadLetter: true,
			Reason:     truncateReason(runErr.Error()),
		})
		w.emit(ctx, event, core.JobWorkerHook.OnFailure)
	}
	w.options.Observer.Observe(ctx, startedAt, "worker.job", runErr, fields)
	return true, err
}

func (w *Worker) emit(ctx context.Context, event core.JobWorkerEvent, call func(core.JobWorkerHook, context.Context, core.JobWorkerEvent)) {
	for _, hook := range w.options.Hooks {
		if hook == nil {
			continue
		}
		call(hook, ctx, event)
	}
}

func truncateReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if len(reason) > 1024 {
		return reason[:1024]
	}
	return reason
}
