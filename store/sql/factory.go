package sqlstore

import (
	"fmt"
	"time"

	"github.com/goliatone/go-hooks/core"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

type FactoryOptions struct {
	EventTTL     time.Duration
	ClaimTTL     time.Duration
	ProcessedTTL time.Duration
	JobLease     time.Duration
}

// RepositoryFactory builds every SQL-backed store over one bun database.
type RepositoryFactory struct {
	db      *bun.DB
	options FactoryOptions

	eventStore       *EventStore
	idempotencyStore *IdempotencyStore
	jobQueue         *JobQueue
}

func NewRepositoryFactory(options FactoryOptions) *RepositoryFactory {
	return &RepositoryFactory{options: options}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, options FactoryOptions) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(options)
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, options FactoryOptions) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(options)
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.eventStore != nil && f.idempotencyStore != nil && f.jobQueue != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) EventStore() *EventStore {
	if f == nil {
		return nil
	}
	return f.eventStore
}

func (f *RepositoryFactory) IdempotencyStore() *IdempotencyStore {
	if f == nil {
		return nil
	}
	return f.idempotencyStore
}

func (f *RepositoryFactory) JobQueue() *JobQueue {
	if f == nil {
		return nil
	}
	return f.jobQueue
}

func (f *RepositoryFactory) initStores() error {
	eventStore, err := NewEventStore(f.db, f.options.EventTTL)
	if err != nil {
		return err
	}
	f.eventStore = eventStore
	idempotencyStore, err := NewIdempotencyStore(f.db, f.options.ClaimTTL, f.options.ProcessedTTL)
	if err != nil {
		return err
	}
	f.idempotencyStore = idempotencyStore
	jobQueue, err := NewJobQueue(f.db, f.options.JobLease)
	if err != nil {
		return err
	}
	f.jobQueue = jobQueue
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}

// OptionsFromConfig maps the runtime configuration onto store options.
func OptionsFromConfig(cfg core.Config) FactoryOptions {
	return FactoryOptions{
		EventTTL:     cfg.Events.TTLDuration(),
		ClaimTTL:     cfg.Idempotency.ClaimDuration(),
		ProcessedTTL: cfg.Idempotency.ProcessedDuration(),
		JobLease:     cfg.Queue.LeaseDuration(),
	}
}
