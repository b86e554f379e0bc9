package sqlstore_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-hooks/core"
	hookmigrations "github.com/goliatone/go-hooks/migrations"
	sqlstore "github.com/goliatone/go-hooks/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-hooks-tests"
}

var testDBCounter atomic.Int64

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{"hook_events", "hook_idempotency_claims", "hook_processed_markers", "hook_jobs"} {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if tableName != table {
			t.Fatalf("expected %s table, got %q", table, tableName)
		}
	}
}

func TestEventStore_LifecycleAndGuards(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	store := factory.EventStore()

	created, err := store.Create(ctx, core.CreateEventInput{
		EventID:        "e1",
		Source:         "calendly",
		EventType:      "invitee.created",
		ExternalID:     "123",
		IdempotencyKey: "calendly:invitee.created:123",
		Payload:        map[string]any{"email": "a@example.com"},
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if created.Status != core.EventStatusReceived || created.Attempts != 0 {
		t.Fatalf("expected received with zero attempts, got %q/%d", created.Status, created.Attempts)
	}

	if _, err := store.Create(ctx, core.CreateEventInput{
		EventID:        "e1",
		Source:         "calendly",
		IdempotencyKey: "other",
	}); !core.IsConflict(err) {
		t.Fatalf("expected conflict on duplicate event id, got %v", err)
	}

	applied, err := store.TransitionStatus(ctx, "e1", []core.EventStatus{core.EventStatusReceived}, core.EventStatusQueued, "")
	if err != nil {
		t.Fatalf("transition received->queued: %v", err)
	}
	if !applied {
		t.Fatalf("expected transition to apply")
	}
	applied, err = store.TransitionStatus(ctx, "e1", []core.EventStatus{core.EventStatusReceived}, core.EventStatusQueued, "")
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if applied {
		t.Fatalf("expected second transition to be skipped")
	}

	for want := 1; want <= 3; want++ {
		attempts, err := store.IncrementAttempts(ctx, "e1")
		if err != nil {
			t.Fatalf("increment attempts: %v", err)
		}
		if attempts != want {
			t.Fatalf("expected attempts=%d, got %d", want, attempts)
		}
	}

	if err := store.SetStatus(ctx, "e1", core.EventStatusQueued, "rate limited"); err != nil {
		t.Fatalf("set status with error: %v", err)
	}
	if err := store.SetStatus(ctx, "e1", core.EventStatusProcessed, ""); err != nil {
		t.Fatalf("set status without error: %v", err)
	}

	loaded, err := store.Load(ctx, "e1")
	if err != nil {
		t.Fatalf("load event: %v", err)
	}
	if loaded.Status != core.EventStatusProcessed {
		t.Fatalf("expected processed, got %q", loaded.Status)
	}
	if loaded.Attempts != 3 {
		t.Fatalf("expected attempts=3, got %d", loaded.Attempts)
	}
	if loaded.LastError != "rate limited" {
		t.Fatalf("expected last error to survive an empty update, got %q", loaded.LastError)
	}
	if loaded.Payload["email"] != "a@example.com" {
		t.Fatalf("expected payload round trip, got %#v", loaded.Payload)
	}

	if _, err := store.Load(ctx, "missing"); !core.IsNotFound(err) {
		t.Fatalf("expected not found for missing event, got %v", err)
	}
	if err := store.SetStatus(ctx, "missing", core.EventStatusFailed, "x"); !core.IsNotFound(err) {
		t.Fatalf("expected not found on set status, got %v", err)
	}
	if _, err := store.TransitionStatus(ctx, "missing", []core.EventStatus{core.EventStatusReceived}, core.EventStatusQueued, ""); !core.IsNotFound(err) {
		t.Fatalf("expected not found on transition, got %v", err)
	}
	if _, err := store.IncrementAttempts(ctx, "missing"); !core.IsNotFound(err) {
		t.Fatalf("expected not found on increment, got %v", err)
	}
}

func TestEventStore_ListAndExpiry(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	store := factory.EventStore()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.TTL = time.Hour
	store.Now = func() time.Time { return now }

	for i, id := range []string{"e1", "e2", "e3"} {
		now = now.Add(time.Duration(i) * time.Second)
		if _, err := store.Create(ctx, core.CreateEventInput{
			EventID:        id,
			Source:         "src",
			IdempotencyKey: "src:evt:" + id,
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := store.SetStatus(ctx, "e2", core.EventStatusFailed, "boom"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	failed, err := store.List(ctx, core.EventStatusFailed)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "e2" {
		t.Fatalf("expected only e2 as failed, got %#v", failed)
	}
	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "e1" {
		t.Fatalf("expected three events oldest first, got %#v", all)
	}

	now = now.Add(2 * time.Hour)
	if _, err := store.Load(ctx, "e1"); !core.IsNotFound(err) {
		t.Fatalf("expected expired event to read as not found, got %v", err)
	}
	purged, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge expired: %v", err)
	}
	if purged != 3 {
		t.Fatalf("expected three purged rows, got %d", purged)
	}
}

func TestIdempotencyStore_ClaimReleaseAndProcessed(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	store := factory.IdempotencyStore()

	first, err := store.Claim(ctx, "src:evt:123", "e1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !first.Claimed {
		t.Fatalf("expected first claim to win")
	}
	second, err := store.Claim(ctx, "src:evt:123", "e2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second.Claimed || second.ExistingEventID != "e1" {
		t.Fatalf("expected duplicate pointing at e1, got %#v", second)
	}

	if err := store.Release(ctx, "src:evt:123"); err != nil {
		t.Fatalf("release: %v", err)
	}
	third, err := store.Claim(ctx, "src:evt:123", "e3")
	if err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	if !third.Claimed {
		t.Fatalf("expected claim after release to win")
	}

	processed, err := store.IsProcessed(ctx, "src:evt:123")
	if err != nil {
		t.Fatalf("is processed: %v", err)
	}
	if processed {
		t.Fatalf("expected key not processed yet")
	}
	if err := store.MarkProcessed(ctx, "src:evt:123"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if err := store.MarkProcessed(ctx, "src:evt:123"); err != nil {
		t.Fatalf("mark processed twice: %v", err)
	}
	processed, err = store.IsProcessed(ctx, "src:evt:123")
	if err != nil {
		t.Fatalf("is processed after mark: %v", err)
	}
	if !processed {
		t.Fatalf("expected key processed")
	}
}

func TestIdempotencyStore_ExpiredClaimIsReclaimable(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	store := factory.IdempotencyStore()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }
	store.ClaimTTL = time.Minute
	store.ProcessedTTL = time.Hour

	if result, err := store.Claim(ctx, "k", "e1"); err != nil || !result.Claimed {
		t.Fatalf("expected initial claim, got %#v err=%v", result, err)
	}
	if err := store.MarkProcessed(ctx, "k"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	now = now.Add(2 * time.Minute)
	result, err := store.Claim(ctx, "k", "e2")
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if !result.Claimed {
		t.Fatalf("expected expired claim to be taken over, got %#v", result)
	}
	processed, err := store.IsProcessed(ctx, "k")
	if err != nil || !processed {
		t.Fatalf("expected processed marker to outlive the claim, got %v err=%v", processed, err)
	}

	now = now.Add(2 * time.Hour)
	processed, err = store.IsProcessed(ctx, "k")
	if err != nil {
		t.Fatalf("is processed after marker expiry: %v", err)
	}
	if processed {
		t.Fatalf("expected processed marker to expire")
	}
}

func TestIdempotencyStore_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	store := factory.IdempotencyStore()

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := store.Claim(ctx, "shared", fmt.Sprintf("e%d", i))
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			if result.Claimed {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
}

func TestJobQueue_EnqueueDequeueAckNack(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	queue := factory.JobQueue()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	queue.Now = func() time.Time { return now }

	msg, err := core.NewJobMessage(core.EnqueueRequest{
		Handler:        "calendly.invitee",
		EventID:        "e1",
		IdempotencyKey: "src:evt:123",
		Policy:         core.DefaultRetryPolicy(),
	})
	if err != nil {
		t.Fatalf("new job message: %v", err)
	}
	if err := queue.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := queue.Enqueue(ctx, msg); err != nil {
		t.Fatalf("duplicate enqueue should be dropped, got %v", err)
	}
	pending, err := queue.Jobs(ctx, sqlstore.JobStatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending job after duplicate enqueue, got %d", len(pending))
	}

	delivery, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if delivery == nil {
		t.Fatalf("expected a delivery")
	}
	if delivery.Attempt() != 1 {
		t.Fatalf("expected attempt 1, got %d", delivery.Attempt())
	}
	if got := core.EventIDFromMessage(delivery.Message()); got != "e1" {
		t.Fatalf("expected event id e1, got %q", got)
	}
	if got := core.AttemptFromMessage(delivery.Message()); got != 1 {
		t.Fatalf("expected attempt parameter 1, got %d", got)
	}
	if policy := core.PolicyFromMessage(delivery.Message()); policy.MaxAttempts != 4 {
		t.Fatalf("expected policy to travel with the job, got %#v", policy)
	}

	empty, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue while leased: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected no delivery while the job is leased")
	}

	if err := delivery.Nack(ctx, core.JobNackOptions{Delay: time.Minute, Requeue: true, Reason: "rate limited"}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if early, err := queue.Dequeue(ctx); err != nil || early != nil {
		t.Fatalf("expected delayed job to stay hidden, got %v err=%v", early, err)
	}

	now = now.Add(time.Minute)
	retry, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue retry: %v", err)
	}
	if retry == nil || retry.Attempt() != 2 {
		t.Fatalf("expected second attempt after delay, got %#v", retry)
	}
	if err := retry.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	done, err := queue.Jobs(ctx, sqlstore.JobStatusDone)
	if err != nil {
		t.Fatalf("list done: %v", err)
	}
	if len(done) != 1 || done[0].LastError != "rate limited" {
		t.Fatalf("expected one done job with the last nack reason, got %#v", done)
	}
}

func TestJobQueue_DeadLetterAndLeaseRedelivery(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	queue := factory.JobQueue()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	queue.Now = func() time.Time { return now }
	queue.Lease = 10 * time.Minute

	for _, eventID := range []string{"e1", "e2"} {
		msg, err := core.NewJobMessage(core.EnqueueRequest{Handler: "h", EventID: eventID, IdempotencyKey: "k-" + eventID})
		if err != nil {
			t.Fatalf("new job message: %v", err)
		}
		if err := queue.Enqueue(ctx, msg); err != nil {
			t.Fatalf("enqueue %s: %v", eventID, err)
		}
		now = now.Add(time.Second)
	}

	first, err := queue.Dequeue(ctx)
	if err != nil || first == nil {
		t.Fatalf("dequeue first: %v", err)
	}
	if err := first.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: "permanent"}); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	dead, err := queue.Jobs(ctx, sqlstore.JobStatusDead)
	if err != nil {
		t.Fatalf("list dead: %v", err)
	}
	if len(dead) != 1 || dead[0].EventID != "e1" {
		t.Fatalf("expected e1 dead-lettered, got %#v", dead)
	}

	crashed, err := queue.Dequeue(ctx)
	if err != nil || crashed == nil {
		t.Fatalf("dequeue second: %v", err)
	}
	now = now.Add(11 * time.Minute)
	redelivered, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue after lease expiry: %v", err)
	}
	if redelivered == nil {
		t.Fatalf("expected lease expiry to redeliver the job")
	}
	if redelivered.Attempt() != 2 {
		t.Fatalf("expected redelivery to count as attempt 2, got %d", redelivered.Attempt())
	}
	if err := crashed.Ack(ctx); err != nil {
		t.Fatalf("late ack: %v", err)
	}
	running, err := queue.Jobs(ctx, sqlstore.JobStatusRunning)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(running) != 1 || running[0].Attempt != 2 {
		t.Fatalf("expected the stale ack to leave the re-claimed job running, got %#v", running)
	}
	if err := redelivered.Ack(ctx); err != nil {
		t.Fatalf("ack redelivery: %v", err)
	}
	done, err := queue.Jobs(ctx, sqlstore.JobStatusDone)
	if err != nil || len(done) != 1 {
		t.Fatalf("expected redelivery ack to finish the job, got %#v err=%v", done, err)
	}
}

func TestJobQueue_ConcurrentDequeueClaimsOnce(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	queue := factory.JobQueue()

	msg, err := core.NewJobMessage(core.EnqueueRequest{Handler: "h", EventID: "e1", IdempotencyKey: "k-e1"})
	if err != nil {
		t.Fatalf("new job message: %v", err)
	}
	if err := queue.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var wg sync.WaitGroup
	var claimed atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			delivery, err := queue.Dequeue(ctx)
			if err != nil {
				t.Errorf("dequeue: %v", err)
				return
			}
			if delivery != nil {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	if claimed.Load() != 1 {
		t.Fatalf("expected exactly one claim, got %d", claimed.Load())
	}
	running, err := queue.Jobs(ctx, sqlstore.JobStatusRunning)
	if err != nil || len(running) != 1 || running[0].Attempt != 1 {
		t.Fatalf("expected one running job on attempt 1, got %#v err=%v", running, err)
	}
}

func TestRepositoryFactory_RequiresDB(t *testing.T) {
	if _, err := sqlstore.NewRepositoryFactoryFromDB(nil, sqlstore.FactoryOptions{}); err == nil {
		t.Fatalf("expected error without a database")
	}
	var factory *sqlstore.RepositoryFactory
	if factory.EventStore() != nil || factory.DB() != nil {
		t.Fatalf("expected nil accessors on nil factory")
	}
}

func newFactory(t *testing.T) *sqlstore.RepositoryFactory {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	t.Cleanup(cleanup)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, sqlstore.FactoryOptions{})
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:hooks-test-%d-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
		testDBCounter.Add(1),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	if err := hookmigrations.Apply(ctx, client, hookmigrations.DialectSQLite); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
