package catalog

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/audionix/blobstore"
	"github.com/wolfeidau/audionix/telemetry"
)

// Reload reasons reported to metrics.
const (
	reloadStartup = "startup"
	reloadMiss    = "miss"
	reloadManual  = "manual"
	reloadScan    = "scan"
)

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Prefix is the folder holding metadata objects.
	Prefix string

	// FetchConcurrency bounds parallel fetches during LoadAll.
	// Default is 16.
	FetchConcurrency int

	// HTTPClient reads objects through temporary links when the store has
	// no direct download.
	HTTPClient *http.Client

	// Logger for cache events.
	Logger *slog.Logger
}

// Cache is the in-memory index of Records keyed by id. It is a derived view
// of the metadata folder and can always be rebuilt with LoadAll.
//
// The lock protects the map only. Concurrent misses each trigger their own
// reload and concurrent writers to one id race with last writer wins.
type Cache struct {
	scanner *scanner
	logger  *slog.Logger

	// afterLoad runs after every successful reload that replaced the map.
	afterLoad func(ctx context.Context)

	mu      sync.RWMutex
	records map[string]*Record
}

// NewCache creates an empty cache over the metadata folder in store.
func NewCache(store blobstore.Store, codec *Codec, cfg CacheConfig) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = DefaultFetchConcurrency
	}
	logger := cfg.Logger.With("component", "cache")
	return &Cache{
		scanner: &scanner{
			store:       store,
			codec:       codec,
			client:      cfg.HTTPClient,
			prefix:      blobstore.CleanPath(cfg.Prefix),
			concurrency: cfg.FetchConcurrency,
			logger:      logger,
		},
		logger:  logger,
		records: make(map[string]*Record),
	}
}

// LoadAll rebuilds the cache from a full scan of the metadata folder and
// replaces the map wholesale, so externally deleted objects disappear.
// Objects that cannot be fetched or parsed are reported, not fatal.
func (c *Cache) LoadAll(ctx context.Context) (*ScanReport, error) {
	return c.load(ctx, reloadManual)
}

func (c *Cache) load(ctx context.Context, reason string) (*ScanReport, error) {
	start := time.Now()
	report, err := c.scanner.scan(ctx)
	if err != nil {
		telemetry.RecordCacheReload(ctx, reason, "error", 0, 0, time.Since(start))
		c.logger.Error("cache reload failed", "reason", reason, "error", err)
		return nil, err
	}

	next := make(map[string]*Record, len(report.Entries))
	for _, e := range report.Entries {
		if e.Status != ScanOK {
			continue
		}
		if prev, ok := next[e.Record.ID]; ok {
			c.logger.Warn("duplicate record id",
				"id", e.Record.ID,
				"kept", e.Path,
				"dropped", prev.MetadataPath,
			)
		}
		next[e.Record.ID] = e.Record
	}

	c.mu.Lock()
	c.records = next
	c.mu.Unlock()

	skipped := len(report.Entries) - report.Loaded()
	telemetry.RecordCacheReload(ctx, reason, "success", len(next), skipped, time.Since(start))
	c.logger.Info("cache reloaded",
		"reason", reason,
		"records", len(next),
		"skipped", skipped,
		"duration", time.Since(start),
	)
	if c.afterLoad != nil {
		c.afterLoad(ctx)
	}
	return report, nil
}

// Get returns the Record for id. On a miss it reloads once and retries.
func (c *Cache) Get(ctx context.Context, id string) (*Record, error) {
	if r, ok := c.Peek(id); ok {
		telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
		return r, nil
	}

	telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
	telemetry.SetCacheResult(ctx, telemetry.CacheMiss)

	if _, err := c.load(ctx, reloadMiss); err != nil {
		return nil, upstream("reload", err)
	}
	if r, ok := c.Peek(id); ok {
		return r, nil
	}
	return nil, ErrNotFound
}

// Peek returns the cached Record for id without reloading.
func (c *Cache) Peek(id string) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Put stores r, replacing any Record with the same id.
func (c *Cache) Put(r *Record) {
	c.mu.Lock()
	c.records[r.ID] = r.clone()
	n := len(c.records)
	c.mu.Unlock()
	telemetry.UpdateCacheSize(context.Background(), n)
}

// Remove evicts id.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	delete(c.records, id)
	n := len(c.records)
	c.mu.Unlock()
	telemetry.UpdateCacheSize(context.Background(), n)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.records = make(map[string]*Record)
	c.mu.Unlock()
	telemetry.UpdateCacheSize(context.Background(), 0)
}

// Len returns the number of cached Records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// List returns every cached Record, newest first.
func (c *Cache) List() []*Record {
	c.mu.RLock()
	out := make([]*Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.After(out[j].UploadedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// scan runs a metadata scan without touching the cache.
func (c *Cache) scan(ctx context.Context) (*ScanReport, error) {
	start := time.Now()
	report, err := c.scanner.scan(ctx)
	if err != nil {
		telemetry.RecordCacheReload(ctx, reloadScan, "error", 0, 0, time.Since(start))
		return nil, err
	}
	telemetry.RecordCacheReload(ctx, reloadScan, "success", report.Loaded(), len(report.Skipped()), time.Since(start))
	return report, nil
}
