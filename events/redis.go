package events

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
	goredis "github.com/redis/go-redis/v9"
)

var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
local ttl = tonumber(ARGV[1])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

var setStatusScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[3])
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'last_error', ARGV[2])
end
return 1
`)

var transitionScript = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
  return -1
end
for i = 4, #ARGV do
  if ARGV[i] == current then
    redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[3])
    if ARGV[2] ~= '' then
      redis.call('HSET', KEYS[1], 'last_error', ARGV[2])
    end
    return 1
  end
end
return 0
`)

var incrementScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
return attempts
`)

// RedisStore keeps each event as a hash. Every mutation runs as a script so
// updates to a missing or expired record never recreate a partial hash.
type RedisStore struct {
	Client goredis.Cmdable
	Prefix string
	TTL    time.Duration
	Now    func() time.Time
}

func NewRedisStore(client goredis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		Client: client,
		Prefix: prefix,
		TTL:    ttl,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *RedisStore) EventKey(eventID string) string {
	prefix := strings.Trim(strings.TrimSpace(s.Prefix), ":")
	if prefix == "" {
		prefix = "hooks"
	}
	return prefix + ":event:" + eventID
}

func (s *RedisStore) Create(ctx context.Context, in core.CreateEventInput) (core.Event, error) {
	if err := s.ready(); err != nil {
		return core.Event{}, err
	}
	in, err := ValidateCreate(in)
	if err != nil {
		return core.Event{}, err
	}
	now := s.now()
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
	fields, err := EncodeEventFields(event)
	if err != nil {
		return core.Event{}, eventsBadInput("events: payload is not serializable", map[string]any{
			"event_id": in.EventID,
			"error":    err.Error(),
		})
	}
	args := append([]any{s.TTL.Milliseconds()}, fields...)
	created, err := createScript.Run(ctx, s.Client, []string{s.EventKey(in.EventID)}, args...).Int()
	if err != nil {
		return core.Event{}, eventsWrapError(err, "events: create failed", map[string]any{"event_id": in.EventID})
	}
	if created == 0 {
		return core.Event{}, eventExists(in.EventID)
	}
	return event, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, eventID string, status core.EventStatus, lastError string) error {
	if err := s.ready(); err != nil {
		return err
	}
	eventID = trim(eventID)
	if err := ValidateStatus(eventID, status); err != nil {
		return err
	}
	result, err := setStatusScript.Run(ctx, s.Client, []string{s.EventKey(eventID)},
		string(status),
		strings.TrimSpace(lastError),
		formatTime(s.now()),
	).Int()
	if err != nil {
		return eventsWrapError(err, "events: set status failed", map[string]any{"event_id": eventID})
	}
	if result < 0 {
		return eventNotFound(eventID)
	}
	return nil
}

func (s *RedisStore) TransitionStatus(
	ctx context.Context,
	eventID string,
	from []core.EventStatus,
	to core.EventStatus,
	lastError string,
) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	eventID = trim(eventID)
	if err := ValidateStatus(eventID, to); err != nil {
		return false, err
	}
	args := []any{string(to), strings.TrimSpace(lastError), formatTime(s.now())}
	for _, status := range from {
		args = append(args, string(status))
	}
	result, err := transitionScript.Run(ctx, s.Client, []string{s.EventKey(eventID)}, args...).Int()
	if err != nil {
		return false, eventsWrapError(err, "events: transition failed", map[string]any{"event_id": eventID})
	}
	if result < 0 {
		return false, eventNotFound(eventID)
	}
	return result == 1, nil
}

func (s *RedisStore) IncrementAttempts(ctx context.Context, eventID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	eventID = trim(eventID)
	if eventID == "" {
		return 0, eventsBadInput("events: event id is required", nil)
	}
	attempts, err := incrementScript.Run(ctx, s.Client, []string{s.EventKey(eventID)}, formatTime(s.now())).Int()
	if err != nil {
		return 0, eventsWrapError(err, "events: increment attempts failed", map[string]any{"event_id": eventID})
	}
	if attempts < 0 {
		return 0, eventNotFound(eventID)
	}
	return attempts, nil
}

func (s *RedisStore) Load(ctx context.Context, eventID string) (core.Event, error) {
	if err := s.ready(); err != nil {
		return core.Event{}, err
	}
	eventID = trim(eventID)
	if eventID == "" {
		return core.Event{}, eventsBadInput("events: event id is required", nil)
	}
	fields, err := s.Client.HGetAll(ctx, s.EventKey(eventID)).Result()
	if err != nil {
		return core.Event{}, eventsWrapError(err, "events: load failed", map[string]any{"event_id": eventID})
	}
	if len(fields) == 0 {
		return core.Event{}, eventNotFound(eventID)
	}
	event, err := DecodeEventFields(fields)
	if err != nil {
		return core.Event{}, eventsInternal("events: stored record is corrupt", map[string]any{
			"event_id": eventID,
			"error":    err.Error(),
		})
	}
	return event, nil
}

func (s *RedisStore) ready() error {
	if s == nil || s.Client == nil {
		return eventsInternal("events: redis client is not configured", nil)
	}
	return nil
}

func (s *RedisStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// EncodeEventFields flattens an event into HSET field/value pairs.
func EncodeEventFields(event core.Event) ([]any, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, err
	}
	return []any{
		"id", event.ID,
		"source", event.Source,
		"event_type", event.EventType,
		"external_id", event.ExternalID,
		"idempotency_key", event.IdempotencyKey,
		"payload", string(payload),
		"status", string(event.Status),
		"attempts", strconv.Itoa(event.Attempts),
		"last_error", event.LastError,
		"received_at", formatTime(event.ReceivedAt),
		"updated_at", formatTime(event.UpdatedAt),
	}, nil
}

func DecodeEventFields(fields map[string]string) (core.Event, error) {
	event := core.Event{
		ID:             fields["id"],
		Source:         fields["source"],
		EventType:      fields["event_type"],
		ExternalID:     fields["external_id"],
		IdempotencyKey: fields["idempotency_key"],
		Status:         core.EventStatus(fields["status"]),
		LastError:      fields["last_error"],
		Payload:        map[string]any{},
	}
	if raw := strings.TrimSpace(fields["payload"]); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &event.Payload); err != nil {
			return core.Event{}, err
		}
	}
	if raw := strings.TrimSpace(fields["attempts"]); raw != "" {
		attempts, err := strconv.Atoi(raw)
		if err != nil {
			return core.Event{}, err
		}
		event.Attempts = attempts
	}
	var err error
	if event.ReceivedAt, err = parseTime(fields["received_at"]); err != nil {
		return core.Event{}, err
	}
	if event.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return core.Event{}, err
	}
	return event, nil
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

var _ core.EventStore = (*RedisStore)(nil)
