package events

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-hooks/core"
)

type memoryRecord struct {
	event     core.Event
	expiresAt time.Time
}

// MemoryStore is an in-process Event Record Store. A zero TTL keeps records
// forever.
type MemoryStore struct {
	TTL time.Duration
	Now func() time.Time

	mu      sync.RWMutex
	records map[string]memoryRecord
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		TTL: ttl,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		records: map[string]memoryRecord{},
	}
}

func (s *MemoryStore) Create(_ context.Context, in core.CreateEventInput) (core.Event, error) {
	if s == nil {
		return core.Event{}, eventsInternal("events: store is nil", nil)
	}
	in, err := ValidateCreate(in)
	if err != nil {
		return core.Event{}, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = map[string]memoryRecord{}
	}
	if existing, ok := s.records[in.EventID]; ok && !s.expired(existing, now) {
		return core.Event{}, eventExists(in.EventID)
	}
	event := core.Event{
		ID:             in.EventID,
		Source:         in.Source,
		EventType:      in.EventType,
		ExternalID:     in.ExternalID,
		IdempotencyKey: in.IdempotencyKey,
		Payload:        core.CopyAnyMap(in.Payload),
		Status:         core.EventStatusReceived,
		ReceivedAt:     now,
		UpdatedAt:      now,
	}
	record := memoryRecord{event: event}
	if s.TTL > 0 {
		record.expiresAt = now.Add(s.TTL)
	}
	s.records[in.EventID] = record
	return core.CloneEvent(event), nil
}

func (s *MemoryStore) SetStatus(_ context.Context, eventID string, status core.EventStatus, lastError string) error {
	if s == nil {
		return eventsInternal("events: store is nil", nil)
	}
	eventID = trim(eventID)
	if err := ValidateStatus(eventID, status); err != nil {
		return err
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[eventID]
	if !ok || s.expired(record, now) {
		return eventNotFound(eventID)
	}
	applyStatus(&record.event, status, lastError, now)
	s.records[eventID] = record
	return nil
}

func (s *MemoryStore) TransitionStatus(
	_ context.Context,
	eventID string,
	from []core.EventStatus,
	to core.EventStatus,
	lastError string,
) (bool, error) {
	if s == nil {
		return false, eventsInternal("events: store is nil", nil)
	}
	eventID = trim(eventID)
	if err := ValidateStatus(eventID, to); err != nil {
		return false, err
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[eventID]
	if !ok || s.expired(record, now) {
		return false, eventNotFound(eventID)
	}
	if !slices.Contains(from, record.event.Status) {
		return false, nil
	}
	applyStatus(&record.event, to, lastError, now)
	s.records[eventID] = record
	return true, nil
}

func (s *MemoryStore) IncrementAttempts(_ context.Context, eventID string) (int, error) {
	if s == nil {
		return 0, eventsInternal("events: store is nil", nil)
	}
	eventID = trim(eventID)
	if eventID == "" {
		return 0, eventsBadInput("events: event id is required", nil)
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[eventID]
	if !ok || s.expired(record, now) {
		return 0, eventNotFound(eventID)
	}
	record.event.Attempts++
	record.event.UpdatedAt = now
	s.records[eventID] = record
	return record.event.Attempts, nil
}

func (s *MemoryStore) Load(_ context.Context, eventID string) (core.Event, error) {
	if s == nil {
		return core.Event{}, eventsInternal("events: store is nil", nil)
	}
	eventID = trim(eventID)
	if eventID == "" {
		return core.Event{}, eventsBadInput("events: event id is required", nil)
	}
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[eventID]
	if !ok || s.expired(record, now) {
		return core.Event{}, eventNotFound(eventID)
	}
	return core.CloneEvent(record.event), nil
}

// List returns non-expired events in the given statuses, oldest first. An
// empty status list matches everything.
func (s *MemoryStore) List(_ context.Context, statuses ...core.EventStatus) ([]core.Event, error) {
	if s == nil {
		return nil, eventsInternal("events: store is nil", nil)
	}
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Event, 0, len(s.records))
	for _, record := range s.records {
		if s.expired(record, now) {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, record.event.Status) {
			continue
		}
		out = append(out, core.CloneEvent(record.event))
	}
	slices.SortFunc(out, func(a, b core.Event) int {
		if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryStore) expired(record memoryRecord, now time.Time) bool {
	return !record.expiresAt.IsZero() && !now.Before(record.expiresAt)
}

func (s *MemoryStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func applyStatus(event *core.Event, status core.EventStatus, lastError string, now time.Time) {
	event.Status = status
	if lastError = strings.TrimSpace(lastError); lastError != "" {
		event.LastError = lastError
	}
	event.UpdatedAt = now
}

func trim(value string) string {
	return strings.TrimSpace(value)
}

var _ core.EventStore = (*MemoryStore)(nil)
