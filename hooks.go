// Package hooks accepts signed webhooks, deduplicates them by idempotency key
// and runs their handlers on a retrying work queue.
package hooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	jobqueue "github.com/goliatone/go-job/queue"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"

	"github.com/goliatone/go-hooks/adapters/gocommand"
	"github.com/goliatone/go-hooks/adapters/gojob"
	"github.com/goliatone/go-hooks/adapters/gologger"
	"github.com/goliatone/go-hooks/alert"
	hookscommand "github.com/goliatone/go-hooks/command"
	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/events"
	"github.com/goliatone/go-hooks/idempotency"
	"github.com/goliatone/go-hooks/ingress"
	"github.com/goliatone/go-hooks/jobs"
	hooksquery "github.com/goliatone/go-hooks/query"
	"github.com/goliatone/go-hooks/queue"
	sqlstore "github.com/goliatone/go-hooks/store/sql"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type Config = core.Config

func DefaultConfig() Config {
	return core.DefaultConfig()
}

type Option func(*builder)

type builder struct {
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	commandQueue   *jobqueuecommand.Registry
	persistence    *persistence.Client
	redis          goredis.Cmdable
	sqs            queue.SQSAPI
	jobEnqueuer    jobqueue.Enqueuer
	jobDequeuer    jobqueue.Dequeuer
	alerter        core.Alerter
	httpClient     alert.HTTPDoer
	handlers       map[string]jobs.Handler
	sources        []ingress.Source
	workerHooks    []core.JobWorkerHook
}

func WithLogger(logger core.Logger) Option {
	return func(b *builder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *builder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(b *builder) {
		b.metrics = recorder
	}
}

// WithPersistenceClient reuses an open go-persistence-bun client for the
// sqlite and postgres store drivers. The runtime does not close it.
func WithPersistenceClient(client *persistence.Client) Option {
	return func(b *builder) {
		b.persistence = client
	}
}

func WithRedisClient(client goredis.Cmdable) Option {
	return func(b *builder) {
		b.redis = client
	}
}

func WithSQSClient(client queue.SQSAPI) Option {
	return func(b *builder) {
		b.sqs = client
	}
}

// WithGoJobQueue runs jobs on a go-job queue backend instead of the
// configured queue.driver.
func WithGoJobQueue(enqueuer jobqueue.Enqueuer, dequeuer jobqueue.Dequeuer) Option {
	return func(b *builder) {
		b.jobEnqueuer = enqueuer
		b.jobDequeuer = dequeuer
	}
}

// WithCommandQueueRegistry mirrors the operator commands into a go-job
// queue command registry when the runtime subscribes them.
func WithCommandQueueRegistry(registry *jobqueuecommand.Registry) Option {
	return func(b *builder) {
		b.commandQueue = registry
	}
}

// WithAlerter replaces the alerter built from alert.* configuration.
func WithAlerter(alerter core.Alerter) Option {
	return func(b *builder) {
		b.alerter = alerter
	}
}

func WithHTTPClient(client alert.HTTPDoer) Option {
	return func(b *builder) {
		b.httpClient = client
	}
}

func WithHandler(name string, handler jobs.Handler) Option {
	return func(b *builder) {
		if b.handlers == nil {
			b.handlers = map[string]jobs.Handler{}
		}
		b.handlers[name] = handler
	}
}

// WithSource registers a source built in code, next to the configured ones.
func WithSource(source ingress.Source) Option {
	return func(b *builder) {
		b.sources = append(b.sources, source)
	}
}

func WithWorkerHook(hook core.JobWorkerHook) Option {
	return func(b *builder) {
		b.workerHooks = append(b.workerHooks, hook)
	}
}

// Runtime is one assembled hooks deployment: stores, queue, ingress,
// executor and the operator commands over them.
type Runtime struct {
	Config      Config
	Logger      core.Logger
	Loggers     gologger.Loggers
	Observer    *core.Observer
	Policy      core.RetryPolicy
	Idempotency core.IdempotencyStore
	Events      core.EventStore
	Jobs        core.JobEnqueuer
	Dequeuer    core.JobDequeuer
	Dispatcher  *queue.Dispatcher
	Ingress     *ingress.Ingress
	Registry    *jobs.Registry
	Executor    *jobs.Executor
	Alerter     core.Alerter
	Router      *ingress.Router
	Persistence *persistence.Client

	metrics      core.MetricsRecorder
	commandQueue *jobqueuecommand.Registry
	workerHooks  []core.JobWorkerHook
	closers      []func() error
}

// New assembles a Runtime from cfg. The configuration is validated first;
// SQL schemas are not migrated here.
func New(ctx context.Context, cfg Config, opts ...Option) (*Runtime, error) {
	b := builder{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&b)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := cfg.Retry.Policy()
	if err != nil {
		return nil, err
	}

	loggers := gologger.ResolveNamed(gologger.DefaultName, b.loggerProvider, b.logger)
	logger := loggers.Logger

	rt := &Runtime{
		Config:       cfg,
		Logger:       logger,
		Loggers:      loggers,
		Observer:     core.NewObserver(logger, b.metrics),
		Policy:       policy,
		Registry:     jobs.NewRegistry(),
		metrics:      b.metrics,
		commandQueue: b.commandQueue,
		workerHooks:  b.workerHooks,
	}
	fail := func(err error) (*Runtime, error) {
		_ = rt.Close()
		return nil, err
	}

	if err := rt.buildStores(ctx, &b); err != nil {
		return fail(err)
	}
	if err := rt.buildQueue(ctx, &b); err != nil {
		return fail(err)
	}

	rt.Alerter = b.alerter
	if rt.Alerter == nil {
		rt.Alerter = alert.FromConfig(cfg.Alert, rt.Observer, b.httpClient)
	}

	rt.Executor = jobs.NewExecutor(rt.Events, rt.Idempotency, rt.Registry, rt.Alerter)
	rt.Executor.Observer = rt.Observer
	rt.Executor.Policy = policy
	for name, handler := range b.handlers {
		if err := rt.Registry.Register(name, handler); err != nil {
			return fail(err)
		}
	}

	rt.Dispatcher = queue.NewDispatcher(rt.Jobs)
	rt.Ingress = ingress.New(rt.Idempotency, rt.Events, rt.Dispatcher)
	rt.Ingress.Policy = policy
	rt.Ingress.Observer = rt.Observer

	rateLimits := map[string]core.RateLimitConfig{}
	for _, sourceCfg := range cfg.Sources {
		source, err := ingress.NewSourceFromConfig(sourceCfg)
		if err != nil {
			return fail(err)
		}
		if err := rt.Ingress.Register(source); err != nil {
			return fail(err)
		}
		if sourceCfg.RateLimit.RPS > 0 {
			rateLimits[source.Name] = sourceCfg.RateLimit
		}
	}
	for _, source := range b.sources {
		if err := rt.Ingress.Register(source); err != nil {
			return fail(err)
		}
	}
	rt.Router = ingress.NewRouter(rt.Ingress, ingress.RouterOptions{
		Events:     rt.Events,
		RateLimits: rateLimits,
	})

	rt.Observer.Info(ctx, "hooks runtime ready", map[string]any{
		"store":   cfg.Store.Driver,
		"queue":   rt.queueDriver(&b),
		"sources": rt.Ingress.Sources(),
	})
	return rt, nil
}

func (rt *Runtime) buildStores(ctx context.Context, b *builder) error {
	cfg := rt.Config
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "", core.StoreDriverMemory:
		rt.Idempotency = idempotency.NewMemoryStore(cfg.Idempotency.ClaimDuration(), cfg.Idempotency.ProcessedDuration())
		rt.Events = events.NewMemoryStore(cfg.Events.TTLDuration())
	case core.StoreDriverRedis:
		client := b.redis
		if client == nil {
			owned := goredis.NewClient(&goredis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			rt.closers = append(rt.closers, owned.Close)
			client = owned
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("hooks: redis ping failed: %w", err)
		}
		rt.Idempotency = idempotency.NewRedisStore(client, cfg.Redis.Prefix, cfg.Idempotency.ClaimDuration(), cfg.Idempotency.ProcessedDuration())
		rt.Events = events.NewRedisStore(client, cfg.Redis.Prefix, cfg.Events.TTLDuration())
	case core.StoreDriverSQLite, core.StoreDriverPostgres:
		client := b.persistence
		if client == nil {
			opened, err := OpenPersistence(cfg.Store, cfg.ServiceName)
			if err != nil {
				return err
			}
			rt.closers = append(rt.closers, opened.Close)
			client = opened
		}
		rt.Persistence = client
		factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, sqlstore.OptionsFromConfig(cfg))
		if err != nil {
			return err
		}
		rt.Idempotency = factory.IdempotencyStore()
		rt.Events = factory.EventStore()
		rt.Jobs = factory.JobQueue()
		rt.Dequeuer = factory.JobQueue()
	}
	return nil
}

func (rt *Runtime) buildQueue(ctx context.Context, b *builder) error {
	if b.jobEnqueuer != nil || b.jobDequeuer != nil {
		if b.jobEnqueuer == nil || b.jobDequeuer == nil {
			return fmt.Errorf("hooks: go-job queue needs both an enqueuer and a dequeuer")
		}
		rt.Jobs = gojob.NewEnqueuerAdapter(b.jobEnqueuer)
		rt.Dequeuer = gojob.NewDequeuerAdapter(b.jobDequeuer)
		return nil
	}

	cfg := rt.Config.Queue
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", core.QueueDriverMemory:
		memory := queue.NewMemoryQueue()
		rt.Jobs = memory
		rt.Dequeuer = memory
	case core.QueueDriverSQL:
		// buildStores already wired the SQL job queue.
		if rt.Jobs == nil {
			return fmt.Errorf("hooks: sql queue requires a sqlite or postgres store")
		}
	case core.QueueDriverSQS:
		client := b.sqs
		if client == nil {
			sqsClient, err := queue.NewSQSClient(ctx, cfg.SQS)
			if err != nil {
				return err
			}
			client = sqsClient
		}
		sqsQueue, err := queue.NewSQSQueue(client, queue.SQSOptions{
			QueueURL:          cfg.SQS.QueueURL,
			WaitSeconds:       cfg.SQS.WaitSeconds,
			VisibilityTimeout: cfg.VisibilityDuration(),
		})
		if err != nil {
			return err
		}
		rt.Jobs = sqsQueue
		rt.Dequeuer = sqsQueue
	}
	return nil
}

func (rt *Runtime) queueDriver(b *builder) string {
	if b.jobEnqueuer != nil {
		return "go-job"
	}
	if driver := strings.TrimSpace(rt.Config.Queue.Driver); driver != "" {
		return driver
	}
	return core.QueueDriverMemory
}

func (rt *Runtime) RegisterHandler(name string, handler jobs.Handler) error {
	return rt.Registry.Register(name, handler)
}

// NewWorker builds a queue worker that runs the executor with the configured
// timeout and poll delay.
func (rt *Runtime) NewWorker(concurrency int) (*queue.Worker, error) {
	return queue.NewWorker(rt.Dequeuer, rt.Executor, queue.WorkerOptions{
		Timeout:     rt.Config.Queue.TimeoutDuration(),
		IdleDelay:   rt.Config.Queue.IdleDelayDuration(),
		Concurrency: concurrency,
		Hooks:       rt.workerHooks,
		Observer:    core.NewObserver(rt.Loggers.Named("hooks.worker"), rt.metrics),
	})
}

// ResolveHandler maps a source name to the handler its events run with.
func (rt *Runtime) ResolveHandler(source string) (string, bool) {
	registered, ok := rt.Ingress.Source(source)
	if !ok {
		return "", false
	}
	return registered.Handler, true
}

func (rt *Runtime) OperatorHandlers() gocommand.OperatorHandlers {
	return gocommand.OperatorHandlers{
		ProcessEvent: hookscommand.NewProcessEventCommand(rt.Executor),
		ReplayEvent:  hookscommand.NewReplayEventCommand(rt.Events, rt.Idempotency, rt.Dispatcher, rt.ResolveHandler, rt.Policy),
		ReleaseClaim: hookscommand.NewReleaseClaimCommand(rt.Idempotency),
		GetEvent:     hooksquery.NewGetEventQuery(rt.Events),
		IsProcessed:  hooksquery.NewIsProcessedQuery(rt.Idempotency),
	}
}

// Subscribe registers the operator commands and queries on the go-command
// dispatcher.
func (rt *Runtime) Subscribe(adapter *gocommand.RegistryAdapter) (gocommand.Subscriptions, error) {
	if adapter == nil {
		adapter = gocommand.NewRegistryAdapter(nil)
	}
	if rt.commandQueue != nil {
		if err := adapter.MirrorToQueue("hooks.queue", rt.commandQueue); err != nil {
			return nil, err
		}
	}
	subs, err := gocommand.RegisterOperatorHandlers(adapter, rt.OperatorHandlers())
	if err != nil {
		return nil, err
	}
	if err := adapter.Initialize(); err != nil {
		subs.Unsubscribe()
		return nil, err
	}
	return subs, nil
}

// Close releases connections the runtime opened itself.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

type persistenceConfig struct {
	driver     string
	server     string
	debug      bool
	identifier string
}

func (c persistenceConfig) GetDebug() bool {
	return c.debug
}

func (c persistenceConfig) GetDriver() string {
	return c.driver
}

func (c persistenceConfig) GetServer() string {
	return c.server
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	return 5 * time.Second
}

func (c persistenceConfig) GetOtelIdentifier() string {
	return c.identifier
}

// OpenPersistence opens a go-persistence-bun client for the sqlite or
// postgres store driver.
func OpenPersistence(cfg core.StoreConfig, serviceName string) (*persistence.Client, error) {
	var (
		sqlDriver string
		dialect   schema.Dialect
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case core.StoreDriverSQLite:
		sqlDriver, dialect = "sqlite3", sqlitedialect.New()
	case core.StoreDriverPostgres:
		sqlDriver, dialect = "postgres", pgdialect.New()
	default:
		return nil, fmt.Errorf("hooks: store driver %q has no sql backend", cfg.Driver)
	}

	sqlDB, err := sql.Open(sqlDriver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("hooks: open %s: %w", sqlDriver, err)
	}
	if sqlDriver == "sqlite3" {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{
		driver:     sqlDriver,
		server:     cfg.DSN,
		debug:      cfg.Debug,
		identifier: serviceName,
	}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return client, nil
}

// DB exposes the bun handle behind the SQL stores, or nil for other drivers.
func (rt *Runtime) DB() *bun.DB {
	if rt == nil || rt.Persistence == nil {
		return nil
	}
	return rt.Persistence.DB()
}
