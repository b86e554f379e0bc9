package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goliatone/go-hooks/core"
)

type recordingHook struct {
	mu     sync.Mutex
	events []string
	delays []time.Duration
}

func (h *recordingHook) record(name string, event core.JobWorkerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, name)
	if name == "retry" {
		h.delays = append(h.delays, event.Delay)
	}
}

func (h *recordingHook) OnStart(_ context.Context, event core.JobWorkerEvent) {
	h.record("start", event)
}

func (h *recordingHook) OnSuccess(_ context.Context, event core.JobWorkerEvent) {
	h.record("success", event)
}

func (h *recordingHook) OnFailure(_ context.Context, event core.JobWorkerEvent) {
	h.record("failure", event)
}

func (h *recordingHook) OnRetry(_ context.Context, event core.JobWorkerEvent) {
	h.record("retry", event)
}

func drain(t *testing.T, worker *Worker, queue *MemoryQueue, now *time.Time) int {
	t.Helper()
	runs := 0
	for i := 0; i < 20; i++ {
		handled, err := worker.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("run once: %v", err)
		}
		if handled {
			runs++
			continue
		}
		next, ok := queue.NextRunAt()
		if !ok {
			return runs
		}
		*now = next
	}
	t.Fatalf("queue did not drain")
	return runs
}

func TestWorker_RetriesTransientWithScheduleThenDeadLetters(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	queue := NewMemoryQueue()
	queue.Now = func() time.Time { return now }
	if err := queue.Enqueue(context.Background(), newTestMessage(t, "e1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var attempts []core.AttemptInfo
	runner := RunnerFunc(func(ctx context.Context, _ *core.JobExecutionMessage) error {
		info, _ := core.AttemptInfoFromContext(ctx)
		attempts = append(attempts, info)
		return core.Transient(errors.New("upstream 503"))
	})
	hook := &recordingHook{}
	worker, err := NewWorker(queue, runner, WorkerOptions{Hooks: []core.JobWorkerHook{hook}})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	if runs := drain(t, worker, queue, &now); runs != 4 {
		t.Fatalf("expected 4 executions, got %d", runs)
	}
	for i, info := range attempts {
		if info.Attempt != i+1 || info.MaxAttempts != 4 {
			t.Fatalf("unexpected attempt info at %d: %#v", i, info)
		}
	}
	if attempts[3].Remaining() != 0 {
		t.Fatalf("expected no attempts remaining on the last run")
	}
	wantDelays := []time.Duration{0, time.Minute, 5 * time.Minute}
	if len(hook.delays) != len(wantDelays) {
		t.Fatalf("expected %d retries, got %d", len(wantDelays), len(hook.delays))
	}
	for i, delay := range wantDelays {
		if hook.delays[i] != delay {
			t.Fatalf("retry %d: expected delay %s, got %s", i+1, delay, hook.delays[i])
		}
	}
	dead := queue.Dead()
	if len(dead) != 1 || dead[0].Attempt != 4 {
		t.Fatalf("expected job dead-lettered after attempt 4, got %#v", dead)
	}
	if hook.events[len(hook.events)-1] != "failure" {
		t.Fatalf("expected final failure hook, got %v", hook.events)
	}
}

func TestWorker_AcksOnSuccessAndDeadLettersPermanent(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue()
	_ = queue.Enqueue(ctx, newTestMessage(t, "ok"))
	_ = queue.Enqueue(ctx, newTestMessage(t, "bad"))

	calls := map[string]int{}
	runner := RunnerFunc(func(_ context.Context, msg *core.JobExecutionMessage) error {
		eventID := core.EventIDFromMessage(msg)
		calls[eventID]++
		if eventID == "bad" {
			return errors.New("unexpected nil pointer")
		}
		return nil
	})
	worker, err := NewWorker(queue, runner, WorkerOptions{})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := worker.RunOnce(ctx); err != nil {
			t.Fatalf("run once: %v", err)
		}
	}
	if calls["ok"] != 1 || calls["bad"] != 1 {
		t.Fatalf("expected one call each, got %v", calls)
	}
	if queue.Completed() != 1 {
		t.Fatalf("expected one acked job, got %d", queue.Completed())
	}
	if dead := queue.Dead(); len(dead) != 1 || core.EventIDFromMessage(dead[0].Message) != "bad" {
		t.Fatalf("expected unclassified error to dead-letter at once, got %#v", dead)
	}
}

func TestWorker_TimeoutIsRetried(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue()
	_ = queue.Enqueue(ctx, newTestMessage(t, "slow"))

	runner := RunnerFunc(func(ctx context.Context, _ *core.JobExecutionMessage) error {
		<-ctx.Done()
		return ctx.Err()
	})
	worker, err := NewWorker(queue, runner, WorkerOptions{Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if _, err := worker.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	retry, _ := queue.Dequeue(ctx)
	if retry == nil || retry.Attempt() != 2 {
		t.Fatalf("expected timed out job to be redelivered as attempt 2")
	}
}

func TestWorker_DeadLettersDeliveryPastAttemptCap(t *testing.T) {
	ctx := context.Background()
	body, err := EncodeMessage(newTestMessage(t, "e1"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	client := &fakeSQS{receive: []types.Message{{
		Body:          aws.String(body),
		ReceiptHandle: aws.String("r-5"),
		Attributes:    map[string]string{"ApproximateReceiveCount": "5"},
	}}}
	sqsQueue, err := NewSQSQueue(client, SQSOptions{QueueURL: "https://sqs.local/000/hooks"})
	if err != nil {
		t.Fatalf("new sqs queue: %v", err)
	}
	calls := 0
	runner := RunnerFunc(func(context.Context, *core.JobExecutionMessage) error {
		calls++
		return nil
	})
	hook := &recordingHook{}
	worker, err := NewWorker(sqsQueue, runner, WorkerOptions{Hooks: []core.JobWorkerHook{hook}})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	handled, err := worker.RunOnce(ctx)
	if err != nil || !handled {
		t.Fatalf("run once: handled=%v err=%v", handled, err)
	}
	if calls != 0 {
		t.Fatalf("expected the fifth delivery under a four attempt policy not to run, got %d calls", calls)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "r-5" {
		t.Fatalf("expected the delivery to be dead-lettered, got %v", client.deleted)
	}
	if hook.events[len(hook.events)-1] != "failure" {
		t.Fatalf("expected failure hook, got %v", hook.events)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	queue := NewMemoryQueue()
	worker, err := NewWorker(queue, RunnerFunc(func(context.Context, *core.JobExecutionMessage) error {
		return nil
	}), WorkerOptions{IdleDelay: time.Millisecond, Concurrency: 2})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	_ = queue.Enqueue(context.Background(), newTestMessage(t, "e1"))
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop")
	}
	if queue.Completed() != 1 {
		t.Fatalf("expected job to be processed before shutdown, got %d", queue.Completed())
	}
}

func TestNewWorker_RequiresCollaborators(t *testing.T) {
	if _, err := NewWorker(nil, RunnerFunc(nil), WorkerOptions{}); err == nil {
		t.Fatalf("expected error without dequeuer")
	}
	if _, err := NewWorker(NewMemoryQueue(), nil, WorkerOptions{}); err == nil {
		t.Fatalf("expected error without runner")
	}
}
