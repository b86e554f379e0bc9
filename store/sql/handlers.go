package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// keyedRecord is a bun model with a uuid primary key and a separate lookup
// column repositories resolve records by.
type keyedRecord interface {
	comparable
	primaryKey() *string
	lookupValue() string
}

func (r *eventRecord) primaryKey() *string { return &r.ID }
func (r *eventRecord) lookupValue() string { return r.ID }
func (r *jobRecord) primaryKey() *string   { return &r.ID }
func (r *jobRecord) lookupValue() string   { return r.JobID }

func modelHandlers[T keyedRecord](newRecord func() T, lookupColumn string) repository.ModelHandlers[T] {
	var none T
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			if record == none {
				return uuid.Nil
			}
			return parseUUID(*record.primaryKey())
		},
		SetID: func(record T, id uuid.UUID) {
			if record != none {
				*record.primaryKey() = id.String()
			}
		},
		GetIdentifier: func() string { return lookupColumn },
		GetIdentifierValue: func(record T) string {
			if record == none {
				return ""
			}
			return strings.TrimSpace(record.lookupValue())
		},
	}
}

func eventHandlers() repository.ModelHandlers[*eventRecord] {
	return modelHandlers(func() *eventRecord { return &eventRecord{} }, "id")
}

func jobHandlers() repository.ModelHandlers[*jobRecord] {
	return modelHandlers(func() *jobRecord { return &jobRecord{} }, "job_id")
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
