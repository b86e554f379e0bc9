package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-hooks/core"
)

type EventProcessor interface {
	Execute(ctx context.Context, handlerName string, eventID string) error
}

// HandlerResolver maps an event source to the job handler registered for it.
type HandlerResolver func(source string) (string, bool)

type ProcessEventCommand struct {
	processor EventProcessor
}

func NewProcessEventCommand(processor EventProcessor) *ProcessEventCommand {
	return &ProcessEventCommand{processor: processor}
}

func (c *ProcessEventCommand) Execute(ctx context.Context, msg ProcessEventMessage) error {
	if c == nil || c.processor == nil {
		return commandDependencyError("command: event processor is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.processor.Execute(ctx, strings.TrimSpace(msg.Handler), strings.TrimSpace(msg.EventID))
}

// ReplayEventCommand puts a failed or stalled event back on the queue under
// a fresh job id. Processed and ignored events are refused.
type ReplayEventCommand struct {
	events      core.EventStore
	idempotency core.IdempotencyStore
	enqueuer    core.Enqueuer
	resolve     HandlerResolver
	policy      core.RetryPolicy
}

func NewReplayEventCommand(
	events core.EventStore,
	idempotency core.IdempotencyStore,
	enqueuer core.Enqueuer,
	resolve HandlerResolver,
	policy core.RetryPolicy,
) *ReplayEventCommand {
	return &ReplayEventCommand{
		events:      events,
		idempotency: idempotency,
		enqueuer:    enqueuer,
		resolve:     resolve,
		policy:      policy,
	}
}

var replayableStatuses = []core.EventStatus{
	core.EventStatusFailed,
	core.EventStatusQueued,
	core.EventStatusReceived,
}

func (c *ReplayEventCommand) Execute(ctx context.Context, msg ReplayEventMessage) error {
	if c == nil || c.events == nil || c.idempotency == nil || c.enqueuer == nil {
		return commandDependencyError("command: replay requires event store, idempotency store and enqueuer")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	event, err := c.events.Load(ctx, strings.TrimSpace(msg.EventID))
	if err != nil {
		return err
	}
	if !slices.Contains(replayableStatuses, event.Status) {
		return commandConflictError("command: event is not replayable", map[string]any{
			"event_id": event.ID,
			"status":   string(event.Status),
		})
	}
	handler := strings.TrimSpace(msg.Handler)
	if handler == "" && c.resolve != nil {
		handler, _ = c.resolve(event.Source)
	}
	if handler == "" {
		return commandValidationError("handler", "handler is required for source "+event.Source)
	}

	processed, err := c.idempotency.IsProcessed(ctx, event.IdempotencyKey)
	if err != nil {
		return err
	}
	if processed {
		return commandConflictError("command: idempotency key already processed", map[string]any{
			"event_id":        event.ID,
			"idempotency_key": event.IdempotencyKey,
		})
	}
	// An enqueue failure at ingress released the key; take it back unless a
	// newer event owns it now.
	claim, err := c.idempotency.Claim(ctx, event.IdempotencyKey, event.ID)
	if err != nil {
		return err
	}
	if !claim.Claimed && claim.ExistingEventID != event.ID {
		return commandConflictError("command: idempotency key is owned by another event", map[string]any{
			"event_id":          event.ID,
			"existing_event_id": claim.ExistingEventID,
		})
	}

	applied, err := c.events.TransitionStatus(ctx, event.ID, replayableStatuses, core.EventStatusQueued, "")
	if err != nil {
		return c.releaseOwnClaim(ctx, claim, event.IdempotencyKey, err)
	}
	if !applied {
		return c.releaseOwnClaim(ctx, claim, event.IdempotencyKey,
			commandConflictError("command: event changed while replaying", map[string]any{"event_id": event.ID}))
	}

	jobID := ReplayJobID(event)
	if err := c.enqueuer.Enqueue(ctx, core.EnqueueRequest{
		Handler:        handler,
		EventID:        event.ID,
		JobID:          jobID,
		IdempotencyKey: event.IdempotencyKey,
		Policy:         c.policy,
	}); err != nil {
		// Record the failure before the key becomes claimable again.
		if statusErr := c.events.SetStatus(context.WithoutCancel(ctx), event.ID, core.EventStatusFailed, err.Error()); statusErr != nil {
			err = errors.Join(err, statusErr)
		}
		return c.releaseOwnClaim(ctx, claim, event.IdempotencyKey, err)
	}
	storeResult(ctx, ReplayResult{EventID: event.ID, JobID: jobID})
	return nil
}

// releaseOwnClaim gives the key back only when this replay took it, so a
// claim the event already held stays in place. It returns cause, joined with
// the release error if there is one.
func (c *ReplayEventCommand) releaseOwnClaim(ctx context.Context, claim core.ClaimResult, key string, cause error) error {
	if !claim.Claimed {
		return cause
	}
	if err := c.idempotency.Release(context.WithoutCancel(ctx), key); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// ReplayJobID is "<key>:<event_id>:replay-<attempts>". Replaying again
// before any new attempt ran yields the same id, which the queue drops.
func ReplayJobID(event core.Event) string {
	return fmt.Sprintf("%s:replay-%d", core.JobIDFor(event.IdempotencyKey, event.ID), event.Attempts)
}

type ReleaseClaimCommand struct {
	idempotency core.IdempotencyStore
}

func NewReleaseClaimCommand(idempotency core.IdempotencyStore) *ReleaseClaimCommand {
	return &ReleaseClaimCommand{idempotency: idempotency}
}

func (c *ReleaseClaimCommand) Execute(ctx context.Context, msg ReleaseClaimMessage) error {
	if c == nil || c.idempotency == nil {
		return commandDependencyError("command: idempotency store is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.idempotency.Release(ctx, strings.TrimSpace(msg.IdempotencyKey))
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}

var (
	_ gocmd.Commander[ProcessEventMessage] = (*ProcessEventCommand)(nil)
	_ gocmd.Commander[ReplayEventMessage]  = (*ReplayEventCommand)(nil)
	_ gocmd.Commander[ReleaseClaimMessage] = (*ReleaseClaimCommand)(nil)
)
