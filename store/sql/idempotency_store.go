package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
	"github.com/uptrace/bun"
)

const defaultIdempotencyTTL = 90 * 24 * time.Hour

// IdempotencyStore keeps claims and processed markers in two tables. A claim
// is taken with an upsert that only overwrites expired rows, so concurrent
// callers settle on a single winner.
type IdempotencyStore struct {
	db           *bun.DB
	ClaimTTL     time.Duration
	ProcessedTTL time.Duration
	Now          func() time.Time
}

func NewIdempotencyStore(db *bun.DB, claimTTL, processedTTL time.Duration) (*IdempotencyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &IdempotencyStore{
		db:           db,
		ClaimTTL:     claimTTL,
		ProcessedTTL: processedTTL,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *IdempotencyStore) Claim(ctx context.Context, key string, eventID string) (core.ClaimResult, error) {
	if s == nil || s.db == nil {
		return core.ClaimResult{}, sqlstoreInternal("sqlstore: idempotency store is not configured", nil)
	}
	key = strings.TrimSpace(key)
	eventID = strings.TrimSpace(eventID)
	if key == "" || eventID == "" {
		return core.ClaimResult{}, sqlstoreBadInput("sqlstore: idempotency key and event id are required", nil)
	}
	now := s.now()
	expiresAt := now.Add(ttlOr(s.ClaimTTL))

	var holder string
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
INSERT INTO hook_idempotency_claims (idempotency_key, event_id, expires_at, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (idempotency_key) DO UPDATE
SET event_id = excluded.event_id,
	expires_at = excluded.expires_at,
	created_at = excluded.created_at
WHERE hook_idempotency_claims.expires_at <= ?
`
		if _, err := tx.NewRaw(query, key, eventID, expiresAt, now, now).Exec(ctx); err != nil {
			return err
		}
		return tx.NewSelect().
			Model((*claimRecord)(nil)).
			Column("event_id").
			Where("idempotency_key = ?", key).
			Limit(1).
			Scan(ctx, &holder)
	})
	if err != nil {
		return core.ClaimResult{}, sqlstoreWrapError(err, "sqlstore: claim idempotency key failed", map[string]any{"key": key})
	}
	if holder == eventID {
		return core.ClaimResult{Claimed: true}, nil
	}
	return core.ClaimResult{Claimed: false, ExistingEventID: holder}, nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return sqlstoreInternal("sqlstore: idempotency store is not configured", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return sqlstoreBadInput("sqlstore: idempotency key is required", nil)
	}
	_, err := s.db.NewDelete().
		Model((*claimRecord)(nil)).
		Where("idempotency_key = ?", key).
		Exec(ctx)
	if err != nil {
		return sqlstoreWrapError(err, "sqlstore: release idempotency key failed", map[string]any{"key": key})
	}
	return nil
}

func (s *IdempotencyStore) MarkProcessed(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return sqlstoreInternal("sqlstore: idempotency store is not configured", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return sqlstoreBadInput("sqlstore: idempotency key is required", nil)
	}
	now := s.now()
	record := &processedRecord{
		IdempotencyKey: key,
		ExpiresAt:      now.Add(ttlOr(s.ProcessedTTL)),
		CreatedAt:      now,
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (idempotency_key) DO UPDATE").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	if err != nil {
		return sqlstoreWrapError(err, "sqlstore: mark processed failed", map[string]any{"key": key})
	}
	return nil
}

func (s *IdempotencyStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	if s == nil || s.db == nil {
		return false, sqlstoreInternal("sqlstore: idempotency store is not configured", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, sqlstoreBadInput("sqlstore: idempotency key is required", nil)
	}
	record := &processedRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.idempotency_key = ?", key).
		Where("?TableAlias.expires_at > ?", s.now()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, sqlstoreWrapError(err, "sqlstore: processed lookup failed", map[string]any{"key": key})
	}
	return true, nil
}

// PurgeExpired removes expired claims and markers.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, sqlstoreInternal("sqlstore: idempotency store is not configured", nil)
	}
	now := s.now()
	var total int64
	for _, model := range []any{(*claimRecord)(nil), (*processedRecord)(nil)} {
		result, err := s.db.NewDelete().Model(model).Where("expires_at <= ?", now).Exec(ctx)
		if err != nil {
			return total, sqlstoreWrapError(err, "sqlstore: purge idempotency rows failed", nil)
		}
		affected, _ := result.RowsAffected()
		total += affected
	}
	return total, nil
}

func (s *IdempotencyStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func ttlOr(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultIdempotencyTTL
	}
	return ttl
}
