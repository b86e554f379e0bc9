package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps claims and processed markers under separate key
// namespaces so each can expire on its own schedule.
type RedisStore struct {
	Client       goredis.Cmdable
	Prefix       string
	ClaimTTL     time.Duration
	ProcessedTTL time.Duration
}

func NewRedisStore(client goredis.Cmdable, prefix string, claimTTL, processedTTL time.Duration) *RedisStore {
	return &RedisStore{
		Client:       client,
		Prefix:       prefix,
		ClaimTTL:     claimTTL,
		ProcessedTTL: processedTTL,
	}
}

func (s *RedisStore) ClaimKey(key string) string {
	return s.namespace() + ":idem:claim:" + key
}

func (s *RedisStore) ProcessedKey(key string) string {
	return s.namespace() + ":idem:processed:" + key
}

func (s *RedisStore) Claim(ctx context.Context, key string, eventID string) (core.ClaimResult, error) {
	if err := s.ready(); err != nil {
		return core.ClaimResult{}, err
	}
	key = strings.TrimSpace(key)
	eventID = strings.TrimSpace(eventID)
	if key == "" {
		return core.ClaimResult{}, storeBadInput("idempotency: key is required", nil)
	}
	if eventID == "" {
		return core.ClaimResult{}, storeBadInput("idempotency: event id is required", map[string]any{"key": key})
	}

	claimKey := s.ClaimKey(key)
	// A claim can expire between SETNX and GET; one retry covers that window.
	for range 2 {
		claimed, err := s.Client.SetNX(ctx, claimKey, eventID, ttlOr(s.ClaimTTL)).Result()
		if err != nil {
			return core.ClaimResult{}, storeWrapError(err, "idempotency: claim failed", map[string]any{"key": key})
		}
		if claimed {
			return core.ClaimResult{Claimed: true}, nil
		}
		existing, err := s.Client.Get(ctx, claimKey).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return core.ClaimResult{}, storeWrapError(err, "idempotency: read claim failed", map[string]any{"key": key})
		}
		return core.ClaimResult{Claimed: false, ExistingEventID: existing}, nil
	}
	return core.ClaimResult{}, storeInternal("idempotency: claim did not settle", map[string]any{"key": key})
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return storeBadInput("idempotency: key is required", nil)
	}
	if err := s.Client.Del(ctx, s.ClaimKey(key)).Err(); err != nil {
		return storeWrapError(err, "idempotency: release failed", map[string]any{"key": key})
	}
	return nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return storeBadInput("idempotency: key is required", nil)
	}
	if err := s.Client.Set(ctx, s.ProcessedKey(key), "1", ttlOr(s.ProcessedTTL)).Err(); err != nil {
		return storeWrapError(err, "idempotency: mark processed failed", map[string]any{"key": key})
	}
	return nil
}

func (s *RedisStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, storeBadInput("idempotency: key is required", nil)
	}
	count, err := s.Client.Exists(ctx, s.ProcessedKey(key)).Result()
	if err != nil {
		return false, storeWrapError(err, "idempotency: processed lookup failed", map[string]any{"key": key})
	}
	return count > 0, nil
}

func (s *RedisStore) ready() error {
	if s == nil || s.Client == nil {
		return storeInternal("idempotency: redis client is not configured", nil)
	}
	return nil
}

func (s *RedisStore) namespace() string {
	prefix := strings.Trim(strings.TrimSpace(s.Prefix), ":")
	if prefix == "" {
		return "hooks"
	}
	return prefix
}

var _ core.IdempotencyStore = (*RedisStore)(nil)
