package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-hooks/core"
	hooksqueue "github.com/goliatone/go-hooks/queue"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

func newMessage(t *testing.T, eventID string) *core.JobExecutionMessage {
	t.Helper()
	msg, err := core.NewJobMessage(core.EnqueueRequest{
		Handler:        "calendly.invitee",
		EventID:        eventID,
		IdempotencyKey: "calendly:invitee.created:" + eventID,
		Policy:         core.DefaultRetryPolicy(),
	})
	if err != nil {
		t.Fatalf("new job message: %v", err)
	}
	return msg
}

func TestMessageMappingRoundTrip(t *testing.T) {
	original := newMessage(t, "e1")
	roundTrip := FromExecutionMessage(ToExecutionMessage(original))
	if roundTrip.JobID != original.JobID || roundTrip.ScriptPath != original.ScriptPath {
		t.Fatalf("unexpected round trip %+v", roundTrip)
	}
	if roundTrip.IdempotencyKey != original.IdempotencyKey || roundTrip.DedupPolicy != core.DedupPolicyDrop {
		t.Fatalf("expected idempotency fields to survive, got %+v", roundTrip)
	}
	if core.EventIDFromMessage(roundTrip) != "e1" {
		t.Fatalf("expected event id parameter to survive mapping")
	}
}

func TestEnqueueAndDequeueAdapters(t *testing.T) {
	ctx := context.Background()
	enqueuer := &stubQueueEnqueuer{}
	if err := NewEnqueuerAdapter(enqueuer).Enqueue(ctx, newMessage(t, "e1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.JobID != "calendly:invitee.created:e1:e1" {
		t.Fatalf("expected mapped go-job message, got %+v", enqueuer.last)
	}

	raw := &stubQueueDelivery{msg: enqueuer.last}
	delivery, err := NewDequeuerAdapter(&stubQueueDequeuer{delivery: raw}).Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if delivery.Attempt() != 1 {
		t.Fatalf("expected attempt floor of 1, got %d", delivery.Attempt())
	}
	if err := delivery.Ack(ctx); err != nil || !raw.acked {
		t.Fatalf("expected ack on underlying delivery: %v", err)
	}

	empty, err := NewDequeuerAdapter(&stubQueueDequeuer{}).Dequeue(ctx)
	if err != nil || empty != nil {
		t.Fatalf("expected nil delivery for an empty poll, got %v %v", empty, err)
	}
}

func TestDeliveryAdapter_PrefersBackendAttempt(t *testing.T) {
	raw := &countingDelivery{stubQueueDelivery: stubQueueDelivery{msg: ToExecutionMessage(newMessage(t, "e1"))}, attempt: 3}
	if got := NewDeliveryAdapter(raw).Attempt(); got != 3 {
		t.Fatalf("expected backend attempt 3, got %d", got)
	}
}

func TestNormalizeNack_Bounds(t *testing.T) {
	policy := core.DefaultRetryPolicy()

	out := NormalizeNack(policy, core.JobNackOptions{Delay: 2 * time.Hour, Reason: " slow "}, 1)
	if !out.Requeue || out.DeadLetter || out.Delay != policy.Delays[len(policy.Delays)-1] || out.Reason != "slow" {
		t.Fatalf("expected bounded requeue, got %+v", out)
	}
	out = NormalizeNack(policy, core.JobNackOptions{Delay: -time.Second}, 2)
	if out.Delay != 0 {
		t.Fatalf("expected negative delay to clamp, got %s", out.Delay)
	}
	out = NormalizeNack(policy, core.JobNackOptions{Delay: time.Minute, Requeue: true}, policy.MaxAttempts)
	if out.Requeue || !out.DeadLetter {
		t.Fatalf("expected dead letter once attempts are exhausted, got %+v", out)
	}
}

func TestDeliveryAdapter_NackDeadLettersExhaustedJob(t *testing.T) {
	msg := newMessage(t, "e1")
	msg.Parameters[core.ParamAttempt] = 4
	raw := &stubQueueDelivery{msg: ToExecutionMessage(msg)}
	if err := NewDeliveryAdapter(raw).Nack(context.Background(), core.JobNackOptions{Delay: time.Minute, Requeue: true}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if !raw.nackOpts.DeadLetter || raw.nackOpts.Requeue {
		t.Fatalf("expected dead letter, got %+v", raw.nackOpts)
	}
}

func TestWorkerRunsOnGoJobBackend(t *testing.T) {
	ctx := context.Background()
	enqueuer := &stubQueueEnqueuer{}
	if err := NewEnqueuerAdapter(enqueuer).Enqueue(ctx, newMessage(t, "e1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	raw := &stubQueueDelivery{msg: enqueuer.last}
	var seen string
	w, err := hooksqueue.NewWorker(
		NewDequeuerAdapter(&stubQueueDequeuer{delivery: raw}),
		hooksqueue.RunnerFunc(func(_ context.Context, msg *core.JobExecutionMessage) error {
			seen = core.EventIDFromMessage(msg)
			return core.NewTransient("crm busy")
		}),
		hooksqueue.WorkerOptions{},
	)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if seen != "e1" {
		t.Fatalf("expected runner to see event e1, got %q", seen)
	}
	if !raw.nackOpts.Requeue || raw.nackOpts.Delay != 0 {
		t.Fatalf("expected immediate requeue after first attempt, got %+v", raw.nackOpts)
	}
	if got := core.AttemptFromMessage(FromExecutionMessage(raw.msg)); got != 2 {
		t.Fatalf("expected requeued message to carry attempt 2, got %d", got)
	}
}

func TestWorkerHookAdapterEventMapping(t *testing.T) {
	now := time.Now().UTC().Add(-time.Second)
	coreHook := &capturingHook{}
	adapter := NewWorkerHookAdapter(coreHook)

	adapter.OnRetry(context.Background(), worker.Event{
		Message: &job.ExecutionMessage{
			JobID:          "calendly:invitee.created:e1:e1",
			ScriptPath:     "calendly.invitee",
			IdempotencyKey: "calendly:invitee.created:e1",
		},
		Attempt:   2,
		Delay:     time.Minute,
		Err:       errors.New("retry"),
		StartedAt: now,
		Duration:  250 * time.Millisecond,
	})
	got := coreHook.last
	if got.Message == nil || got.Message.ScriptPath != "calendly.invitee" {
		t.Fatalf("expected message mapping, got %+v", got.Message)
	}
	if got.Attempt != 2 || got.Delay != time.Minute || got.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected event mapping %+v", got)
	}
	if got.Err == nil || got.Err.Error() != "retry" || got.StartedAt.IsZero() {
		t.Fatalf("expected error and start time mapping")
	}

	var nilAdapter *WorkerHookAdapter
	nilAdapter.OnStart(context.Background(), worker.Event{})
}

type stubQueueEnqueuer struct {
	last *job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.last = msg
	return nil
}

type stubQueueDequeuer struct {
	delivery queue.Delivery
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	return s.delivery, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nackOpts = opts
	return nil
}

type countingDelivery struct {
	stubQueueDelivery
	attempt int
}

func (d *countingDelivery) Attempt() int {
	return d.attempt
}

type capturingHook struct {
	last core.JobWorkerEvent
}

func (h *capturingHook) OnStart(context.Context, core.JobWorkerEvent)   {}
func (h *capturingHook) OnSuccess(context.Context, core.JobWorkerEvent) {}
func (h *capturingHook) OnFailure(context.Context, core.JobWorkerEvent) {}
func (h *capturingHook) OnRetry(_ context.Context, event core.JobWorkerEvent) {
	h.last = event
}
