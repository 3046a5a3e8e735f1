package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRefreshBuffer is how long before expiry a cached token is replaced.
const DefaultRefreshBuffer = 10 * time.Minute

// DefaultIssueTimeout bounds a single issuer call.
const DefaultIssueTimeout = 30 * time.Second

// Token is a bearer token and the time it stops being accepted.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Issuer exchanges held credentials for a token scoped to audience.
type Issuer interface {
	Issue(ctx context.Context, audience string) (Token, error)
}

// Cache memoizes a single token for one audience and refreshes it once the
// safety buffer before expiry is reached. It is safe for concurrent use;
// concurrent refreshes collapse into one issuer call and no lock is held
// while the issuer is called. The shared issuer call does not inherit any
// caller's cancellation; a cancelled caller stops waiting on its own.
type Cache struct {
	issuer       Issuer
	audience     string
	buffer       time.Duration
	issueTimeout time.Duration
	now          func() time.Time

	// OnRefresh is called after every successful issuer call.
	OnRefresh func()

	mu     sync.RWMutex
	cached Token
	group  singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithRefreshBuffer overrides DefaultRefreshBuffer.
func WithRefreshBuffer(d time.Duration) Option {
	return func(c *Cache) { c.buffer = d }
}

// WithIssueTimeout overrides DefaultIssueTimeout.
func WithIssueTimeout(d time.Duration) Option {
	return func(c *Cache) { c.issueTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates an empty cache. The first Token call always reaches the
// issuer.
func NewCache(issuer Issuer, audience string, opts ...Option) *Cache {
	c := &Cache{
		issuer:       issuer,
		audience:     audience,
		buffer:       DefaultRefreshBuffer,
		issueTimeout: DefaultIssueTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the cached token while the current time is before its
// expiry minus the buffer, and a freshly issued one otherwise.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok := c.cached
	c.mu.RUnlock()

	if c.usable(tok) {
		return tok.Value, nil
	}

	ch := c.group.DoChan(c.audience, func() (any, error) {
		issueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.issueTimeout)
		defer cancel()

		fresh, err := c.issuer.Issue(issueCtx, c.audience)
		if err != nil {
			return nil, fmt.Errorf("issuing token for %s: %w", c.audience, err)
		}
		c.mu.Lock()
		c.cached = fresh
		c.mu.Unlock()
		if c.OnRefresh != nil {
			c.OnRefresh()
		}
		return fresh.Value, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// usable treats a zero expiry as never valid.
func (c *Cache) usable(tok Token) bool {
	if tok.ExpiresAt.IsZero() {
		return false
	}
	return c.now().Before(tok.ExpiresAt.Add(-c.buffer))
}
