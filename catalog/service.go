// Package catalog is the metadata index of audionix. It keeps an in-memory
// cache of Records in sync with the metadata folder of a blob store,
// resolves ids and raw paths to audio paths, and orchestrates the
// multi-object writes behind upload, change, delete and cover migration.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/audionix/blobstore"
	"github.com/wolfeidau/audionix/imagehost"
	"github.com/wolfeidau/audionix/links"
)

// Default storage folders.
const (
	DefaultSongsDir    = "/songs"
	DefaultCoversDir   = "/covers"
	DefaultMetadataDir = "/metadata"
)

// Lifecycle is a background component started and stopped with the service,
// such as the credential manager.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop()
}

// Config configures a Service.
type Config struct {
	// Store holds audio, covers and metadata. Required.
	Store blobstore.Store

	// ImageHost receives covers when CoverMode is CoverModeImageHost.
	ImageHost imagehost.Host

	// Credentials is started before the initial load and stopped last.
	Credentials Lifecycle

	SongsDir    string
	CoversDir   string
	MetadataDir string

	// CoverMode selects how new covers are stored.
	// Default is CoverModeBlob.
	CoverMode CoverMode

	// FetchConcurrency bounds parallel metadata fetches.
	// Default is 16.
	FetchConcurrency int

	// CompressionThreshold is passed to the Codec. Zero keeps the default,
	// which writes plain JSON.
	CompressionThreshold int

	// Migrate runs the cover migration after the first successful load.
	Migrate bool

	// LinkTTL is how long temporary stream links are reused.
	// Default is 3 hours.
	LinkTTL time.Duration

	// HTTPClient reads through temporary links when the store has no
	// direct download.
	HTTPClient *http.Client

	// Logger for service events.
	Logger *slog.Logger
}

// Service is the media index: one instance owns the cache and every
// orchestrator, and is started and stopped with the process.
type Service struct {
	cfg      Config
	store    blobstore.Store
	codec    *Codec
	cache    *Cache
	resolver *Resolver
	covers   *coverWriter
	migrator *Migrator
	links    *links.Cache
	logger   *slog.Logger
	now      func() time.Time

	// migratePending is set by Start and cleared by the first load that
	// completes a migration pass.
	migratePending atomic.Bool
}

// New creates a Service. Call Start before serving requests.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("catalog: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SongsDir == "" {
		cfg.SongsDir = DefaultSongsDir
	}
	if cfg.CoversDir == "" {
		cfg.CoversDir = DefaultCoversDir
	}
	if cfg.MetadataDir == "" {
		cfg.MetadataDir = DefaultMetadataDir
	}
	if cfg.CoverMode == "" {
		cfg.CoverMode = CoverModeBlob
	}
	if cfg.CoverMode == CoverModeImageHost && cfg.ImageHost == nil {
		return nil, fmt.Errorf("catalog: cover mode %s requires an image host", cfg.CoverMode)
	}
	if cfg.LinkTTL == 0 {
		cfg.LinkTTL = links.DefaultTTL
	}

	var codecOpts []CodecOption
	if cfg.CompressionThreshold != 0 {
		codecOpts = append(codecOpts, WithCompressionThreshold(cfg.CompressionThreshold))
	}
	codec, err := NewCodec(codecOpts...)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.With("component", "catalog")
	cache := NewCache(cfg.Store, codec, CacheConfig{
		Prefix:           cfg.MetadataDir,
		FetchConcurrency: cfg.FetchConcurrency,
		HTTPClient:       cfg.HTTPClient,
		Logger:           cfg.Logger,
	})

	s := &Service{
		cfg:      cfg,
		store:    cfg.Store,
		codec:    codec,
		cache:    cache,
		resolver: NewResolver(cache),
		covers: &coverWriter{
			store:     cfg.Store,
			host:      cfg.ImageHost,
			coversDir: cfg.CoversDir,
		},
		links:  links.New(cfg.Store, links.WithTTL(cfg.LinkTTL), links.WithLogger(cfg.Logger)),
		logger: logger,
		now:    time.Now,
	}
	s.migrator = newMigrator(s)
	cache.afterLoad = s.migrateOnce
	return s, nil
}

// Start starts the credential manager, loads the cache and, when enabled,
// migrates inline covers. A failed initial load is logged and the cache
// stays empty; the first lookup miss retries it and runs the pending
// migration. Migration failures never fail Start.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Credentials != nil {
		if err := s.cfg.Credentials.Start(ctx); err != nil {
			return fmt.Errorf("starting credentials: %w", err)
		}
	}

	s.migratePending.Store(s.cfg.Migrate)
	if _, err := s.cache.load(ctx, reloadStartup); err != nil {
		s.logger.Error("initial load failed, continuing with empty cache", "error", err)
	}
	return nil
}

// migrateOnce runs the startup migration after the first successful load.
// An interrupted pass stays pending for the next load.
func (s *Service) migrateOnce(ctx context.Context) {
	if !s.migratePending.CompareAndSwap(true, false) {
		return
	}
	if _, err := s.migrator.Run(ctx); err != nil {
		s.migratePending.Store(true)
		s.logger.Error("migration interrupted", "error", err)
	}
}

// Stop stops background components and releases codec resources.
func (s *Service) Stop() {
	if s.cfg.Credentials != nil {
		s.cfg.Credentials.Stop()
	}
	s.codec.Close()
}

// Cache exposes the record cache.
func (s *Service) Cache() *Cache {
	return s.cache
}

// Lookup returns the record with id, reloading once on a miss.
func (s *Service) Lookup(ctx context.Context, id string) (*Record, error) {
	return s.cache.Get(ctx, id)
}

// ListAll returns every cached record, newest first.
func (s *Service) ListAll(_ context.Context) []*Record {
	return s.cache.List()
}

// Resolve maps a target to its audio path.
func (s *Service) Resolve(ctx context.Context, t Target) (*Resolution, error) {
	return s.resolver.Resolve(ctx, t)
}

// Reload rebuilds the cache from the store.
func (s *Service) Reload(ctx context.Context) (*ScanReport, error) {
	report, err := s.cache.LoadAll(ctx)
	if err != nil {
		return nil, upstream("reload", err)
	}
	return report, nil
}

// RunMigration runs one cover migration pass over the cache.
func (s *Service) RunMigration(ctx context.Context) (*MigrationReport, error) {
	return s.migrator.Run(ctx)
}

// StreamLink resolves t and returns a temporary link to its audio. Stores
// that cannot mint links return an error matching blobstore.ErrLinkUnsupported
// together with the resolution, so callers can fall back to OpenAudio.
func (s *Service) StreamLink(ctx context.Context, t Target) (*Resolution, string, error) {
	res, err := s.resolver.Resolve(ctx, t)
	if err != nil {
		return nil, "", err
	}
	link, _, err := s.links.Get(ctx, res.Path)
	if err != nil {
		if errors.Is(err, blobstore.ErrLinkUnsupported) {
			return res, "", err
		}
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", upstream("get link", err)
	}
	return res, link, nil
}

// OpenAudio returns the audio content at path. The caller must close it.
func (s *Service) OpenAudio(ctx context.Context, path string) (io.ReadCloser, error) {
	var (
		rc  io.ReadCloser
		err error
	)
	if d, ok := s.store.(blobstore.Downloader); ok {
		rc, err = d.Download(ctx, path)
	} else {
		var data []byte
		data, err = blobstore.Fetch(ctx, s.store, s.cfg.HTTPClient, path)
		if err == nil {
			rc = io.NopCloser(bytes.NewReader(data))
		}
	}
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, upstream("download", err)
	}
	return rc, nil
}
