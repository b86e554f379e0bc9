package core

import (
	"strings"
	"time"
)

type EventStatus string

const (
	EventStatusReceived   EventStatus = "received"
	EventStatusQueued     EventStatus = "queued"
	EventStatusProcessing EventStatus = "processing"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusIgnored    EventStatus = "ignored"
	EventStatusFailed     EventStatus = "failed"
)

func (s EventStatus) String() string {
	return string(s)
}

// Valid reports whether s is one of the known lifecycle states.
func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusReceived,
		EventStatusQueued,
		EventStatusProcessing,
		EventStatusProcessed,
		EventStatusIgnored,
		EventStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further automatic transition is expected.
func (s EventStatus) Terminal() bool {
	switch s {
	case EventStatusProcessed, EventStatusIgnored, EventStatusFailed:
		return true
	default:
		return false
	}
}

func ParseEventStatus(value string) (EventStatus, bool) {
	status := EventStatus(strings.ToLower(strings.TrimSpace(value)))
	return status, status.Valid()
}

// Event is the durable record of one accepted webhook occurrence.
type Event struct {
	ID             string
	Source         string
	EventType      string
	ExternalID     string
	IdempotencyKey string
	Payload        map[string]any
	Status         EventStatus
	Attempts       int
	LastError      string
	ReceivedAt     time.Time
	UpdatedAt      time.Time
}

// Contact returns the best-effort contact identifier recorded with the
// payload, used only to make alert messages actionable.
func (e Event) Contact() string {
	if len(e.Payload) == 0 {
		return ""
	}
	return trimAny(e.Payload[PayloadKeyContact])
}

type CreateEventInput struct {
	EventID        string
	Source         string
	EventType      string
	ExternalID     string
	IdempotencyKey string
	Payload        map[string]any
}

// NormalizedEvent is what a source parser derives from a raw webhook body.
type NormalizedEvent struct {
	EventType      string
	ExternalID     string
	IdempotencyKey string
	Contact        string
	Payload        map[string]any
}

type ClaimResult struct {
	Claimed         bool
	ExistingEventID string
}

const (
	PayloadKeyContact = "_contact"
	PayloadKeyRaw     = "_raw"
)

// DefaultIdempotencyKey derives the dedup unit from the source tuple.
func DefaultIdempotencyKey(source, eventType, externalID string) string {
	return strings.Join([]string{
		strings.TrimSpace(source),
		strings.TrimSpace(eventType),
		strings.TrimSpace(externalID),
	}, ":")
}

// JobIDFor composes the queue job id from the idempotency key and event id.
func JobIDFor(idempotencyKey, eventID string) string {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return idempotencyKey
	}
	if idempotencyKey == "" {
		return eventID
	}
	return idempotencyKey + ":" + eventID
}

func CloneEvent(in Event) Event {
	out := in
	out.Payload = CopyAnyMap(in.Payload)
	return out
}

func CopyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
