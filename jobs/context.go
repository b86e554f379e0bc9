package jobs

import (
	"context"

	"github.com/goliatone/go-hooks/core"
)

// JobContext is the read-only view of an event handed to handlers.
type JobContext struct {
	EventID        string
	IdempotencyKey string
	Source         string
	EventType      string
	ExternalID     string
	Contact        string
	Payload        map[string]any
	Attempt        int
	MaxAttempts    int

	events core.EventStore
}

func newJobContext(event core.Event, info core.AttemptInfo, store core.EventStore) *JobContext {
	return &JobContext{
		EventID:        event.ID,
		IdempotencyKey: event.IdempotencyKey,
		Source:         event.Source,
		EventType:      event.EventType,
		ExternalID:     event.ExternalID,
		Contact:        event.Contact(),
		Payload:        core.CopyAnyMap(event.Payload),
		Attempt:        info.Attempt,
		MaxAttempts:    info.MaxAttempts,
		events:         store,
	}
}

// SetStatus records a status chosen by the handler. A terminal status set
// here is kept when the handler returns successfully.
func (j *JobContext) SetStatus(ctx context.Context, status core.EventStatus, lastError string) error {
	if j == nil || j.events == nil {
		return jobsInternal("jobs: job context has no event store", nil)
	}
	return j.events.SetStatus(ctx, j.EventID, status, lastError)
}

// MarkIgnored records that no action was needed for this event.
func (j *JobContext) MarkIgnored(ctx context.Context, reason string) error {
	return j.SetStatus(ctx, core.EventStatusIgnored, reason)
}
