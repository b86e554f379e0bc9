package tokens

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-hooks/core"
)

const DefaultRenewBefore = time.Minute

type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token can still be used at now, keeping a
// renewal margin before ExpiresAt. A zero ExpiresAt never expires.
func (t Token) Valid(now time.Time, renewBefore time.Duration) bool {
	if strings.TrimSpace(t.Value) == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(renewBefore).Before(t.ExpiresAt)
}

// Fetcher obtains a fresh token from the issuing API.
type Fetcher func(ctx context.Context) (Token, error)

// Cache holds one token in memory. Concurrent callers that find it stale
// share a single fetch; no lock is held while fetching.
type Cache struct {
	Fetch       Fetcher
	RenewBefore time.Duration
	Now         func() time.Time

	mu       sync.Mutex
	current  Token
	inflight *fetchCall
}

type fetchCall struct {
	done  chan struct{}
	token Token
	err   error
}

func NewCache(fetch Fetcher, renewBefore time.Duration) *Cache {
	if renewBefore <= 0 {
		renewBefore = DefaultRenewBefore
	}
	return &Cache{
		Fetch:       fetch,
		RenewBefore: renewBefore,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (c *Cache) Token(ctx context.Context) (string, error) {
	if c == nil || c.Fetch == nil {
		return "", fmt.Errorf("tokens: fetcher is required")
	}
	c.mu.Lock()
	if c.current.Valid(c.now(), c.RenewBefore) {
		value := c.current.Value
		c.mu.Unlock()
		return value, nil
	}
	call := c.inflight
	if call == nil {
		call = &fetchCall{done: make(chan struct{})}
		c.inflight = call
		c.mu.Unlock()
		c.run(ctx, call)
	} else {
		c.mu.Unlock()
	}

	select {
	case <-call.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if call.err != nil {
		return "", call.err
	}
	return call.token.Value, nil
}

func (c *Cache) run(ctx context.Context, call *fetchCall) {
	token, err := c.Fetch(context.WithoutCancel(ctx))
	if err == nil && strings.TrimSpace(token.Value) == "" {
		err = fmt.Errorf("tokens: fetcher returned an empty token")
	}
	call.token, call.err = token, err

	c.mu.Lock()
	if err == nil {
		c.current = token
	}
	c.inflight = nil
	c.mu.Unlock()
	close(call.done)
}

// Invalidate drops the cached token, e.g. after the API rejected it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = Token{}
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

var _ core.TokenSource = (*Cache)(nil)
