package command

import (
	"strings"
)

const (
	TypeProcessEvent = "hooks.command.event.process"
	TypeReplayEvent  = "hooks.command.event.replay"
	TypeReleaseClaim = "hooks.command.claim.release"
)

// ProcessEventMessage runs the execution wrapper for one event in the
// calling process instead of through the queue.
type ProcessEventMessage struct {
	Handler string
	EventID string
}

func (ProcessEventMessage) Type() string { return TypeProcessEvent }

func (m ProcessEventMessage) Validate() error {
	if strings.TrimSpace(m.Handler) == "" {
		return commandValidationError("handler", "handler is required")
	}
	if strings.TrimSpace(m.EventID) == "" {
		return commandValidationError("event_id", "event id is required")
	}
	return nil
}

// ReplayEventMessage re-enqueues a failed or stalled event. Handler may be
// left empty when the command can resolve it from the event source.
type ReplayEventMessage struct {
	EventID string
	Handler string
}

func (ReplayEventMessage) Type() string { return TypeReplayEvent }

func (m ReplayEventMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return commandValidationError("event_id", "event id is required")
	}
	return nil
}

type ReplayResult struct {
	EventID string
	JobID   string
}

type ReleaseClaimMessage struct {
	IdempotencyKey string
}

func (ReleaseClaimMessage) Type() string { return TypeReleaseClaim }

func (m ReleaseClaimMessage) Validate() error {
	if strings.TrimSpace(m.IdempotencyKey) == "" {
		return commandValidationError("idempotency_key", "idempotency key is required")
	}
	return nil
}
