package tokens

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const tokenCacheKeyPrefix = "go-hooks::token::v1"

// CachedSource shares a token through a go-repository-cache service, so
// several sources or processes backed by the same cache fetch it once.
// Entries that are about to expire are evicted and fetched again.
type CachedSource struct {
	name        string
	fetch       Fetcher
	cache       repositorycache.CacheService
	renewBefore time.Duration
	now         func() time.Time
}

func NewCachedSource(
	name string,
	fetch Fetcher,
	cacheService repositorycache.CacheService,
	renewBefore time.Duration,
) (*CachedSource, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("tokens: cached source name is required")
	}
	if fetch == nil {
		return nil, fmt.Errorf("tokens: fetcher is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("tokens: cache service is required")
	}
	if renewBefore <= 0 {
		renewBefore = DefaultRenewBefore
	}
	return &CachedSource{
		name:        strings.TrimSpace(name),
		fetch:       fetch,
		cache:       cacheService,
		renewBefore: renewBefore,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// CacheKey returns go-hooks::token::v1::<name> with the name path-escaped.
func CacheKey(name string) string {
	return tokenCacheKeyPrefix + "::" + url.PathEscape(strings.ToLower(strings.TrimSpace(name)))
}

func (s *CachedSource) Token(ctx context.Context) (string, error) {
	key := CacheKey(s.name)
	token, err := s.get(ctx, key)
	if err != nil {
		return "", err
	}
	if token.Valid(s.now(), s.renewBefore) {
		return token.Value, nil
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		return "", err
	}
	token, err = s.get(ctx, key)
	if err != nil {
		return "", err
	}
	if !token.Valid(s.now(), 0) {
		return "", fmt.Errorf("tokens: fetched token for %s is already expired", s.name)
	}
	return token.Value, nil
}

// Invalidate evicts the shared token.
func (s *CachedSource) Invalidate(ctx context.Context) error {
	return s.cache.Delete(ctx, CacheKey(s.name))
}

func (s *CachedSource) get(ctx context.Context, key string) (Token, error) {
	return repositorycache.GetOrFetch(ctx, s.cache, key, func(ctx context.Context) (Token, error) {
		token, err := s.fetch(ctx)
		if err != nil {
			return Token{}, err
		}
		if strings.TrimSpace(token.Value) == "" {
			return Token{}, fmt.Errorf("tokens: fetcher returned an empty token")
		}
		token.ExpiresAt = token.ExpiresAt.UTC()
		return token, nil
	})
}

var _ core.TokenSource = (*CachedSource)(nil)
