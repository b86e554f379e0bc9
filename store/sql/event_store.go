package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/events"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

type EventStore struct {
	db   *bun.DB
	repo repository.Repository[*eventRecord]
	TTL  time.Duration
	Now  func() time.Time
}

func NewEventStore(db *bun.DB, ttl time.Duration) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*eventRecord](db, eventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid event repository wiring: %w", err)
		}
	}
	return &EventStore{
		db:   db,
		repo: repo,
		TTL:  ttl,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *EventStore) Create(ctx context.Context, in core.CreateEventInput) (core.Event, error) {
	if s == nil || s.repo == nil {
		return core.Event{}, sqlstoreInternal("sqlstore: event store is not configured", nil)
	}
	in, err := events.ValidateCreate(in)
	if err != nil {
		return core.Event{}, err
	}
	now := s.now()
	record := &eventRecord{
		ID:             in.EventID,
		Source:         in.Source,
		EventType:      in.EventType,
		ExternalID:     in.ExternalID,
		IdempotencyKey: in.IdempotencyKey,
		Payload:        copyAnyMap(in.Payload),
		Status:         string(core.EventStatusReceived),
		Attempts:       0,
		LastError:      "",
		ReceivedAt:     now,
		UpdatedAt:      now,
	}
	if s.TTL > 0 {
		expiresAt := now.Add(s.TTL)
		record.ExpiresAt = &expiresAt
	}

	if _, err := s.repo.Create(ctx, record); err != nil {
		if isUniqueViolation(err) {
			return core.Event{}, core.NewConflict("sqlstore: event already exists", map[string]any{"event_id": in.EventID})
		}
		return core.Event{}, sqlstoreWrapError(err, "sqlstore: create event failed", map[string]any{"event_id": in.EventID})
	}
	return record.toDomain(), nil
}

func (s *EventStore) SetStatus(ctx context.Context, eventID string, status core.EventStatus, lastError string) error {
	if s == nil || s.db == nil {
		return sqlstoreInternal("sqlstore: event store is not configured", nil)
	}
	eventID = strings.TrimSpace(eventID)
	if err := events.ValidateStatus(eventID, status); err != nil {
		return err
	}
	query := s.db.NewUpdate().
		Model((*eventRecord)(nil)).
		Set("status = ?", string(status)).
		Set("updated_at = ?", s.now()).
		Where("id = ?", eventID)
	if lastError = strings.TrimSpace(lastError); lastError != "" {
		query = query.Set("last_error = ?", lastError)
	}
	result, err := query.Exec(ctx)
	if err != nil {
		return sqlstoreWrapError(err, "sqlstore: set event status failed", map[string]any{"event_id": eventID})
	}
	return requireAffected(result, eventID)
}

func (s *EventStore) TransitionStatus(
	ctx context.Context,
	eventID string,
	from []core.EventStatus,
	to core.EventStatus,
	lastError string,
) (bool, error) {
	if s == nil || s.db == nil {
		return false, sqlstoreInternal("sqlstore: event store is not configured", nil)
	}
	eventID = strings.TrimSpace(eventID)
	if err := events.ValidateStatus(eventID, to); err != nil {
		return false, err
	}
	if len(from) == 0 {
		return false, nil
	}
	allowed := make([]string, 0, len(from))
	for _, status := range from {
		allowed = append(allowed, string(status))
	}
	query := s.db.NewUpdate().
		Model((*eventRecord)(nil)).
		Set("status = ?", string(to)).
		Set("updated_at = ?", s.now()).
		Where("id = ?", eventID).
		Where("status IN (?)", bun.In(allowed))
	if lastError = strings.TrimSpace(lastError); lastError != "" {
		query = query.Set("last_error = ?", lastError)
	}
	result, err := query.Exec(ctx)
	if err != nil {
		return false, sqlstoreWrapError(err, "sqlstore: transition event status failed", map[string]any{"event_id": eventID})
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, sqlstoreWrapError(err, "sqlstore: transition event status failed", map[string]any{"event_id": eventID})
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := s.Load(ctx, eventID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *EventStore) IncrementAttempts(ctx context.Context, eventID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, sqlstoreInternal("sqlstore: event store is not configured", nil)
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return 0, sqlstoreBadInput("sqlstore: event id is required", nil)
	}
	var attempts []int
	err := s.db.NewUpdate().
		Model((*eventRecord)(nil)).
		Set("attempts = attempts + 1").
		Set("updated_at = ?", s.now()).
		Where("id = ?", eventID).
		Returning("attempts").
		Scan(ctx, &attempts)
	if err != nil {
		return 0, sqlstoreWrapError(err, "sqlstore: increment attempts failed", map[string]any{"event_id": eventID})
	}
	if len(attempts) == 0 {
		return 0, core.NewNotFound("sqlstore: event not found", map[string]any{"event_id": eventID})
	}
	return attempts[0], nil
}

func (s *EventStore) Load(ctx context.Context, eventID string) (core.Event, error) {
	if s == nil || s.db == nil {
		return core.Event{}, sqlstoreInternal("sqlstore: event store is not configured", nil)
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return core.Event{}, sqlstoreBadInput("sqlstore: event id is required", nil)
	}
	record := &eventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", eventID).
		Where("(?TableAlias.expires_at IS NULL OR ?TableAlias.expires_at > ?)", s.now()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Event{}, core.NewNotFound("sqlstore: event not found", map[string]any{"event_id": eventID})
		}
		return core.Event{}, sqlstoreWrapError(err, "sqlstore: load event failed", map[string]any{"event_id": eventID})
	}
	return record.toDomain(), nil
}

// List returns events in the given statuses, oldest first.
func (s *EventStore) List(ctx context.Context, statuses ...core.EventStatus) ([]core.Event, error) {
	if s == nil || s.repo == nil {
		return nil, sqlstoreInternal("sqlstore: event store is not configured", nil)
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("received_at ASC"),
	}
	if len(statuses) > 0 {
		values := make([]string, 0, len(statuses))
		for _, status := range statuses {
			values = append(values, string(status))
		}
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.status IN (?)", bun.In(values))
		}))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, sqlstoreWrapError(err, "sqlstore: list events failed", nil)
	}
	out := make([]core.Event, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// PurgeExpired deletes event rows past their expiry.
func (s *EventStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, sqlstoreInternal("sqlstore: event store is not configured", nil)
	}
	result, err := s.db.NewDelete().
		Model((*eventRecord)(nil)).
		Where("expires_at IS NOT NULL").
		Where("expires_at <= ?", s.now()).
		Exec(ctx)
	if err != nil {
		return 0, sqlstoreWrapError(err, "sqlstore: purge events failed", nil)
	}
	return result.RowsAffected()
}

func (s *EventStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *eventRecord) toDomain() core.Event {
	if r == nil {
		return core.Event{}
	}
	return core.Event{
		ID:             r.ID,
		Source:         r.Source,
		EventType:      r.EventType,
		ExternalID:     r.ExternalID,
		IdempotencyKey: r.IdempotencyKey,
		Payload:        copyAnyMap(r.Payload),
		Status:         core.EventStatus(r.Status),
		Attempts:       r.Attempts,
		LastError:      r.LastError,
		ReceivedAt:     r.ReceivedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func requireAffected(result sql.Result, eventID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return sqlstoreWrapError(err, "sqlstore: read affected rows failed", map[string]any{"event_id": eventID})
	}
	if affected == 0 {
		return core.NewNotFound("sqlstore: event not found", map[string]any{"event_id": eventID})
	}
	return nil
}
