package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusDead    = "dead"
)

// JobQueue is a durable delay queue on the hook_jobs table. Each dequeue
// claims one due job under a lease; a job whose lease lapses is handed out
// again with its attempt counter advanced.
type JobQueue struct {
	db    *bun.DB
	repo  repository.Repository[*jobRecord]
	Lease time.Duration
	Now   func() time.Time
}

func NewJobQueue(db *bun.DB, lease time.Duration) (*JobQueue, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*jobRecord](db, jobHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid job repository wiring: %w", err)
		}
	}
	if lease <= 0 {
		lease = 16 * time.Minute
	}
	return &JobQueue{
		db:    db,
		repo:  repo,
		Lease: lease,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// Enqueue stores msg as a pending job. A second enqueue with the same job id
// is dropped.
func (q *JobQueue) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if q == nil || q.repo == nil {
		return sqlstoreInternal("sqlstore: job queue is not configured", nil)
	}
	if msg == nil || strings.TrimSpace(msg.JobID) == "" {
		return sqlstoreBadInput("sqlstore: job id is required", nil)
	}
	now := q.now()
	record := &jobRecord{
		ID:             uuid.NewString(),
		JobID:          strings.TrimSpace(msg.JobID),
		Handler:        strings.TrimSpace(msg.ScriptPath),
		EventID:        core.EventIDFromMessage(msg),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		Parameters:     copyAnyMap(msg.Parameters),
		Status:         JobStatusPending,
		Attempt:        0,
		RunAt:          now,
		LastError:      "",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := q.repo.Create(ctx, record); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return sqlstoreWrapError(err, "sqlstore: enqueue job failed", map[string]any{"job_id": record.JobID})
	}
	return nil
}

// Dequeue claims the oldest due job. It returns nil when nothing is due.
func (q *JobQueue) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if q == nil || q.db == nil {
		return nil, sqlstoreInternal("sqlstore: job queue is not configured", nil)
	}
	now := q.now()
	leaseUntil := now.Add(q.Lease)
	// Postgres skips rows another worker is claiming. The outer WHERE
	// repeats the due predicate so a claim that waited on a row lock does
	// not take a row that was claimed meanwhile.
	lock := ""
	if q.db.Dialect().Name() == dialect.PG {
		lock = "\n\tFOR UPDATE SKIP LOCKED"
	}
	query := `
WITH claimed AS (
	SELECT id
	FROM hook_jobs
	WHERE (status = ? AND run_at <= ?)
	   OR (status = ? AND lease_until IS NOT NULL AND lease_until <= ?)
	ORDER BY run_at ASC
	LIMIT 1` + lock + `
)
UPDATE hook_jobs
SET status = ?, attempt = attempt + 1, lease_until = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND ((status = ? AND run_at <= ?)
   OR (status = ? AND lease_until IS NOT NULL AND lease_until <= ?))
RETURNING
	id,
	job_id,
	handler,
	event_id,
	idempotency_key,
	parameters,
	status,
	attempt,
	run_at,
	lease_until,
	last_error,
	created_at,
	updated_at
`
	var records []jobRecord
	err := q.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return tx.NewRaw(
			query,
			JobStatusPending, now,
			JobStatusRunning, now,
			JobStatusRunning, leaseUntil, now,
			JobStatusPending, now,
			JobStatusRunning, now,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, sqlstoreWrapError(err, "sqlstore: dequeue job failed", nil)
	}
	if len(records) == 0 {
		return nil, nil
	}
	record := records[0]
	return &jobDelivery{queue: q, record: record}, nil
}

// Jobs lists jobs in the given status, oldest first.
func (q *JobQueue) Jobs(ctx context.Context, status string) ([]JobInfo, error) {
	if q == nil || q.repo == nil {
		return nil, sqlstoreInternal("sqlstore: job queue is not configured", nil)
	}
	records, _, err := q.repo.List(ctx,
		repository.SelectBy("status", "=", strings.TrimSpace(status)),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, sqlstoreWrapError(err, "sqlstore: list jobs failed", nil)
	}
	out := make([]JobInfo, 0, len(records))
	for _, record := range records {
		out = append(out, JobInfo{
			JobID:     record.JobID,
			Handler:   record.Handler,
			EventID:   record.EventID,
			Status:    record.Status,
			Attempt:   record.Attempt,
			RunAt:     record.RunAt.UTC(),
			LastError: record.LastError,
		})
	}
	return out, nil
}

type JobInfo struct {
	JobID     string
	Handler   string
	EventID   string
	Status    string
	Attempt   int
	RunAt     time.Time
	LastError string
}

// finish settles a claimed job. The attempt check makes a delivery whose
// lease lapsed and was re-claimed a no-op.
func (q *JobQueue) finish(ctx context.Context, id string, attempt int, status string, runAt *time.Time, lastError string) error {
	update := q.db.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("status = ?", status).
		Set("lease_until = NULL").
		Set("updated_at = ?", q.now()).
		Where("id = ?", id).
		Where("status = ?", JobStatusRunning).
		Where("attempt = ?", attempt)
	if runAt != nil {
		update = update.Set("run_at = ?", runAt.UTC())
	}
	if lastError = strings.TrimSpace(lastError); lastError != "" {
		update = update.Set("last_error = ?", lastError)
	}
	if _, err := update.Exec(ctx); err != nil {
		return sqlstoreWrapError(err, "sqlstore: update job failed", map[string]any{"id": id, "status": status})
	}
	return nil
}

func (q *JobQueue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

type jobDelivery struct {
	queue  *JobQueue
	record jobRecord
}

func (d *jobDelivery) Message() *core.JobExecutionMessage {
	params := copyAnyMap(d.record.Parameters)
	params[core.ParamAttempt] = d.record.Attempt
	return &core.JobExecutionMessage{
		JobID:          d.record.JobID,
		ScriptPath:     d.record.Handler,
		Parameters:     params,
		IdempotencyKey: d.record.IdempotencyKey,
		DedupPolicy:    core.DedupPolicyDrop,
	}
}

func (d *jobDelivery) Attempt() int {
	return d.record.Attempt
}

func (d *jobDelivery) Ack(ctx context.Context) error {
	return d.queue.finish(ctx, d.record.ID, d.record.Attempt, JobStatusDone, nil, "")
}

func (d *jobDelivery) Nack(ctx context.Context, opts core.JobNackOptions) error {
	if opts.DeadLetter {
		return d.queue.finish(ctx, d.record.ID, d.record.Attempt, JobStatusDead, nil, opts.Reason)
	}
	runAt := d.queue.now().Add(max(opts.Delay, 0))
	return d.queue.finish(ctx, d.record.ID, d.record.Attempt, JobStatusPending, &runAt, opts.Reason)
}
