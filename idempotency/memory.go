package idempotency

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-hooks/core"
)

const DefaultTTL = 90 * 24 * time.Hour

type claimEntry struct {
	EventID   string
	ExpiresAt time.Time
}

// MemoryStore keeps claims and processed markers in two maps guarded by one
// mutex, so Claim is atomic within the process.
type MemoryStore struct {
	ClaimTTL     time.Duration
	ProcessedTTL time.Duration
	Now          func() time.Time

	mu        sync.Mutex
	claims    map[string]claimEntry
	processed map[string]time.Time
}

func NewMemoryStore(claimTTL, processedTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		ClaimTTL:     claimTTL,
		ProcessedTTL: processedTTL,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		claims:    map[string]claimEntry{},
		processed: map[string]time.Time{},
	}
}

func (s *MemoryStore) Claim(_ context.Context, key string, eventID string) (core.ClaimResult, error) {
	if s == nil {
		return core.ClaimResult{}, storeInternal("idempotency: store is nil", nil)
	}
	key = strings.TrimSpace(key)
	eventID = strings.TrimSpace(eventID)
	if key == "" {
		return core.ClaimResult{}, storeBadInput("idempotency: key is required", nil)
	}
	if eventID == "" {
		return core.ClaimResult{}, storeBadInput("idempotency: event id is required", map[string]any{"key": key})
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked()
	if entry, exists := s.claims[key]; exists && now.Before(entry.ExpiresAt) {
		return core.ClaimResult{Claimed: false, ExistingEventID: entry.EventID}, nil
	}
	s.claims[key] = claimEntry{EventID: eventID, ExpiresAt: now.Add(ttlOr(s.ClaimTTL))}
	return core.ClaimResult{Claimed: true}, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	if s == nil {
		return storeInternal("idempotency: store is nil", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return storeBadInput("idempotency: key is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, key string) error {
	if s == nil {
		return storeInternal("idempotency: store is nil", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return storeBadInput("idempotency: key is required", nil)
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked()
	s.processed[key] = now.Add(ttlOr(s.ProcessedTTL))
	return nil
}

func (s *MemoryStore) IsProcessed(_ context.Context, key string) (bool, error) {
	if s == nil {
		return false, storeInternal("idempotency: store is nil", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, storeBadInput("idempotency: key is required", nil)
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, exists := s.processed[key]
	if !exists {
		return false, nil
	}
	if !now.Before(expiresAt) {
		delete(s.processed, key)
		return false, nil
	}
	return true, nil
}

// Sweep drops expired claims and markers.
func (s *MemoryStore) Sweep() int {
	if s == nil {
		return 0
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.claims {
		if !now.Before(entry.ExpiresAt) {
			delete(s.claims, key)
			removed++
		}
	}
	for key, expiresAt := range s.processed {
		if !now.Before(expiresAt) {
			delete(s.processed, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) ensureLocked() {
	if s.claims == nil {
		s.claims = map[string]claimEntry{}
	}
	if s.processed == nil {
		s.processed = map[string]time.Time{}
	}
}

func (s *MemoryStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func ttlOr(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

var _ core.IdempotencyStore = (*MemoryStore)(nil)
