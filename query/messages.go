package query

import "strings"

const (
	TypeGetEvent    = "hooks.query.event.get"
	TypeIsProcessed = "hooks.query.idempotency.processed"
)

type GetEventMessage struct {
	EventID string
}

func (GetEventMessage) Type() string { return TypeGetEvent }

func (m GetEventMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return queryValidationError("event_id", "event id is required")
	}
	return nil
}

type IsProcessedMessage struct {
	IdempotencyKey string
}

func (IsProcessedMessage) Type() string { return TypeIsProcessed }

func (m IsProcessedMessage) Validate() error {
	if strings.TrimSpace(m.IdempotencyKey) == "" {
		return queryValidationError("idempotency_key", "idempotency key is required")
	}
	return nil
}
