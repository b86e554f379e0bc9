package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-hooks/core"
)

type memoryJob struct {
	msg       *core.JobExecutionMessage
	attempt   int
	runAt     time.Time
	lastError string
	seq       uint64
}

// DeadJob is a job the memory queue gave up on.
type DeadJob struct {
	Message *core.JobExecutionMessage
	Attempt int
	Reason  string
}

// MemoryQueue is an in-process delay queue. Job ids are remembered for the
// lifetime of the queue, so re-enqueueing a known id is a no-op.
type MemoryQueue struct {
	Now func() time.Time

	mu       sync.Mutex
	seq      uint64
	pending  []*memoryJob
	inflight map[uint64]*memoryJob
	known    map[string]struct{}
	dead     []DeadJob
	done     int
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		Now: func() time.Time {
			return time.Now().UTC()
		},
		inflight: map[uint64]*memoryJob{},
		known:    map[string]struct{}{},
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg *core.JobExecutionMessage) error {
	if q == nil {
		return queueInternal("queue: memory queue is nil", nil)
	}
	if msg == nil || strings.TrimSpace(msg.JobID) == "" {
		return queueBadInput("queue: job id is required", nil)
	}
	jobID := strings.TrimSpace(msg.JobID)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.ensureLocked()
	if _, exists := q.known[jobID]; exists {
		return nil
	}
	q.known[jobID] = struct{}{}
	q.seq++
	q.pending = append(q.pending, &memoryJob{
		msg:   core.CloneJobMessage(msg),
		runAt: q.now(),
		seq:   q.seq,
	})
	q.sortLocked()
	return nil
}

// Dequeue hands out the earliest due job, or nil when none is due.
func (q *MemoryQueue) Dequeue(_ context.Context) (core.JobDelivery, error) {
	if q == nil {
		return nil, queueInternal("queue: memory queue is nil", nil)
	}
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.ensureLocked()
	if len(q.pending) == 0 || q.pending[0].runAt.After(now) {
		return nil, nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	job.attempt++
	q.inflight[job.seq] = job
	return &memoryDelivery{queue: q, job: job, attempt: job.attempt}, nil
}

// NextRunAt reports when the earliest pending job becomes due.
func (q *MemoryQueue) NextRunAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return time.Time{}, false
	}
	return q.pending[0].runAt, true
}

// Len returns the number of pending and in-flight jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

func (q *MemoryQueue) Completed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

func (q *MemoryQueue) Dead() []DeadJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadJob, 0, len(q.dead))
	for _, job := range q.dead {
		out = append(out, DeadJob{
			Message: core.CloneJobMessage(job.Message),
			Attempt: job.Attempt,
			Reason:  job.Reason,
		})
	}
	return out
}

func (q *MemoryQueue) ack(job *memoryJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[job.seq]; !ok {
		return nil
	}
	delete(q.inflight, job.seq)
	q.done++
	return nil
}

func (q *MemoryQueue) nack(job *memoryJob, opts core.JobNackOptions) error {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[job.seq]; !ok {
		return nil
	}
	delete(q.inflight, job.seq)
	job.lastError = strings.TrimSpace(opts.Reason)
	if opts.DeadLetter {
		q.dead = append(q.dead, DeadJob{
			Message: core.CloneJobMessage(job.msg),
			Attempt: job.attempt,
			Reason:  job.lastError,
		})
		return nil
	}
	job.runAt = now.Add(max(opts.Delay, 0))
	q.pending = append(q.pending, job)
	q.sortLocked()
	return nil
}

func (q *MemoryQueue) sortLocked() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].runAt.Equal(q.pending[j].runAt) {
			return q.pending[i].seq < q.pending[j].seq
		}
		return q.pending[i].runAt.Before(q.pending[j].runAt)
	})
}

func (q *MemoryQueue) ensureLocked() {
	if q.inflight == nil {
		q.inflight = map[uint64]*memoryJob{}
	}
	if q.known == nil {
		q.known = map[string]struct{}{}
	}
}

func (q *MemoryQueue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

type memoryDelivery struct {
	queue   *MemoryQueue
	job     *memoryJob
	attempt int
}

func (d *memoryDelivery) Message() *core.JobExecutionMessage {
	msg := core.CloneJobMessage(d.job.msg)
	msg.Parameters[core.ParamAttempt] = d.attempt
	return msg
}

func (d *memoryDelivery) Attempt() int {
	return d.attempt
}

func (d *memoryDelivery) Ack(context.Context) error {
	return d.queue.ack(d.job)
}

func (d *memoryDelivery) Nack(_ context.Context, opts core.JobNackOptions) error {
	return d.queue.nack(d.job, opts)
}

var (
	_ core.JobEnqueuer = (*MemoryQueue)(nil)
	_ core.JobDequeuer = (*MemoryQueue)(nil)
	_ core.JobDelivery = (*memoryDelivery)(nil)
)
