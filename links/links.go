// Package links caches temporary download links minted by the blob store.
// Concurrent lookups for the same path share one upstream call and the
// resulting link is reused until shortly before it expires.
package links

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/audionix/blobstore"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a minted link is reused. Dropbox temporary links
// are valid for four hours.
const DefaultTTL = 3 * time.Hour

type cachedLink struct {
	url       string
	expiresAt time.Time
}

// Cache deduplicates GetLink calls per storage path.
type Cache struct {
	store  blobstore.Store
	group  singleflight.Group
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	links map[string]cachedLink
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithTTL sets how long a link is reused. Zero disables reuse, leaving only
// in-flight deduplication.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// New creates a link cache over s.
func New(s blobstore.Store, opts ...Option) *Cache {
	c := &Cache{
		store:  s,
		ttl:    DefaultTTL,
		logger: slog.Default(),
		now:    time.Now,
		links:  make(map[string]cachedLink),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a temporary link for path and whether it was shared with
// another caller or served from the cache.
//
// If ctx expires before the store answers, Get returns the context error but
// the in-flight lookup continues for other waiters.
func (c *Cache) Get(ctx context.Context, path string) (string, bool, error) {
	if link, ok := c.cached(path); ok {
		return link, true, nil
	}

	ch := c.group.DoChan(path, func() (any, error) {
		link, err := c.store.GetLink(context.WithoutCancel(ctx), path)
		if err != nil {
			return "", err
		}
		if c.ttl > 0 {
			c.mu.Lock()
			c.links[path] = cachedLink{url: link, expiresAt: c.now().Add(c.ttl)}
			c.mu.Unlock()
		}
		return link, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.forgetOnError(path, res.Err)
			return "", res.Shared, res.Err
		}
		return res.Val.(string), res.Shared, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// Invalidate drops any cached link for path, e.g. after the object is
// deleted.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.links, path)
	c.mu.Unlock()
	c.group.Forget(path)
}

// Len returns the number of cached links, including expired ones not yet
// replaced.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.links)
}

func (c *Cache) cached(path string) (string, bool) {
	c.mu.RLock()
	l, ok := c.links[path]
	c.mu.RUnlock()
	if !ok || !c.now().Before(l.expiresAt) {
		return "", false
	}
	return l.url, true
}

// forgetOnError lets the next caller retry after a real failure. Caller
// timeouts leave the in-flight lookup shared.
func (c *Cache) forgetOnError(path string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if !errors.Is(err, blobstore.ErrLinkUnsupported) && !errors.Is(err, blobstore.ErrNotFound) {
		c.logger.Warn("temporary link lookup failed", "path", path, "error", err)
	}
	c.group.Forget(path)
}
