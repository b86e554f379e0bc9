package adapters_test

import (
	"context"
	"testing"

	"github.com/goliatone/go-command"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/goliatone/go-hooks/adapters/gocommand"
	"github.com/goliatone/go-hooks/adapters/gojob"
	"github.com/goliatone/go-hooks/adapters/gologger"
	hookscommand "github.com/goliatone/go-hooks/command"
	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/events"
	"github.com/goliatone/go-hooks/idempotency"
	"github.com/goliatone/go-hooks/ingress"
	"github.com/goliatone/go-hooks/jobs"
	hooksqueue "github.com/goliatone/go-hooks/queue"
)

func TestRuntimeCompatibility_IngressToGoJobWorkerThroughCommands(t *testing.T) {
	ctx := context.Background()

	zapCore, logs := observer.New(zapcore.DebugLevel)
	provider := gologger.NewProvider(zap.New(zapCore))
	loggers := gologger.ResolveNamed("hooks", provider, nil)
	if loggers.JobProvider == nil || loggers.JobLogger == nil {
		t.Fatalf("expected go-job logger bridges")
	}
	logger := loggers.Logger
	observerHook := core.NewObserver(logger, nil)

	eventStore := events.NewMemoryStore(0)
	idemStore := idempotency.NewMemoryStore(0, 0)
	backend := &compatBackend{}

	accept := ingress.New(idemStore, eventStore, hooksqueue.NewDispatcher(gojob.NewEnqueuerAdapter(backend)))
	accept.Observer = observerHook
	if err := accept.Register(ingress.Source{
		Name:    "crm",
		Handler: "crm.contact",
		Parser:  ingress.JSONParser{Source: "crm"},
	}); err != nil {
		t.Fatalf("register source: %v", err)
	}

	handled := 0
	registry := jobs.NewRegistry()
	if err := registry.Register("crm.contact", jobs.HandlerFunc(func(context.Context, *jobs.JobContext) error {
		handled++
		return nil
	})); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	executor := jobs.NewExecutor(eventStore, idemStore, registry, nil)
	executor.Observer = observerHook

	subs, err := gocommand.RegisterOperatorHandlers(gocommand.NewRegistryAdapter(command.NewRegistry()), gocommand.OperatorHandlers{
		ProcessEvent: hookscommand.NewProcessEventCommand(executor),
	})
	if err != nil {
		t.Fatalf("register operator handlers: %v", err)
	}
	defer subs.Unsubscribe()

	result, err := accept.Accept(ctx, ingress.Request{
		Source: "crm",
		Body:   []byte(`{"event":"contact.created","id":"c-1"}`),
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !result.Queued || len(backend.pending) != 1 {
		t.Fatalf("expected one queued go-job message, got %+v with %d pending", result, len(backend.pending))
	}
	if backend.pending[0].JobID != core.JobIDFor("crm:contact.created:c-1", result.EventID) {
		t.Fatalf("unexpected go-job id %q", backend.pending[0].JobID)
	}

	worker, err := hooksqueue.NewWorker(
		gojob.NewDequeuerAdapter(backend),
		hooksqueue.RunnerFunc(func(ctx context.Context, msg *core.JobExecutionMessage) error {
			return gocommand.Dispatch(ctx, hookscommand.ProcessEventMessage{
				Handler: msg.ScriptPath,
				EventID: core.EventIDFromMessage(msg),
			})
		}),
		hooksqueue.WorkerOptions{Observer: observerHook},
	)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if ran, err := worker.RunOnce(ctx); err != nil || !ran {
		t.Fatalf("expected worker to run the job, ran=%v err=%v", ran, err)
	}

	if handled != 1 || backend.acked != 1 {
		t.Fatalf("expected one handled and acked job, handled=%d acked=%d", handled, backend.acked)
	}
	event, err := eventStore.Load(ctx, result.EventID)
	if err != nil {
		t.Fatalf("load event: %v", err)
	}
	if event.Status != core.EventStatusProcessed {
		t.Fatalf("expected processed event, got %s", event.Status)
	}
	if processed, _ := idemStore.IsProcessed(ctx, "crm:contact.created:c-1"); !processed {
		t.Fatalf("expected processed marker")
	}
	if logs.Len() == 0 {
		t.Fatalf("expected observer output through the zap logger")
	}
}

// compatBackend stands in for a go-job queue backend.
type compatBackend struct {
	pending []*job.ExecutionMessage
	acked   int
}

func (b *compatBackend) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	b.pending = append(b.pending, msg)
	return nil
}

func (b *compatBackend) Dequeue(context.Context) (queue.Delivery, error) {
	if len(b.pending) == 0 {
		return nil, nil
	}
	msg := b.pending[0]
	b.pending = b.pending[1:]
	return &compatDelivery{backend: b, msg: msg}, nil
}

type compatDelivery struct {
	backend *compatBackend
	msg     *job.ExecutionMessage
}

func (d *compatDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *compatDelivery) Ack(context.Context) error {
	d.backend.acked++
	return nil
}

func (d *compatDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	if opts.Requeue {
		d.backend.pending = append(d.backend.pending, d.msg)
	}
	return nil
}
