package events

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
)

func eventsError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func eventsWrapError(source error, message string, metadata map[string]any) error {
	if source == nil {
		return eventsInternal(message, metadata)
	}
	err := goerrors.Wrap(source, goerrors.CategoryExternal, message).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(core.ErrorInternal)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func eventsBadInput(message string, metadata map[string]any) error {
	return eventsError(message, goerrors.CategoryBadInput, http.StatusBadRequest, core.ErrorBadInput, metadata)
}

func eventsInternal(message string, metadata map[string]any) error {
	return eventsError(message, goerrors.CategoryInternal, http.StatusInternalServerError, core.ErrorInternal, metadata)
}

func eventNotFound(eventID string) error {
	return core.NewNotFound("events: event not found", map[string]any{"event_id": eventID})
}

func eventExists(eventID string) error {
	return core.NewConflict("events: event already exists", map[string]any{"event_id": eventID})
}

// ValidateCreate checks the fields every backend requires on create.
func ValidateCreate(in core.CreateEventInput) (core.CreateEventInput, error) {
	in.EventID = trim(in.EventID)
	in.Source = trim(in.Source)
	in.EventType = trim(in.EventType)
	in.ExternalID = trim(in.ExternalID)
	in.IdempotencyKey = trim(in.IdempotencyKey)
	if in.EventID == "" {
		return in, eventsBadInput("events: event id is required", nil)
	}
	if in.Source == "" {
		return in, eventsBadInput("events: source is required", map[string]any{"event_id": in.EventID})
	}
	if in.IdempotencyKey == "" {
		return in, eventsBadInput("events: idempotency key is required", map[string]any{"event_id": in.EventID})
	}
	return in, nil
}

// ValidateStatus rejects unknown lifecycle states.
func ValidateStatus(eventID string, status core.EventStatus) error {
	if trim(eventID) == "" {
		return eventsBadInput("events: event id is required", nil)
	}
	if !status.Valid() {
		return eventsBadInput("events: unknown status", map[string]any{
			"event_id": eventID,
			"status":   string(status),
		})
	}
	return nil
}
