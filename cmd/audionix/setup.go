package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/audionix/blobstore"
	"github.com/wolfeidau/audionix/catalog"
	"github.com/wolfeidau/audionix/credentials"
	"github.com/wolfeidau/audionix/credentials/opprovider"
	"github.com/wolfeidau/audionix/imagehost"
	"github.com/wolfeidau/audionix/telemetry"
)

// Globals are flags shared by every command.
type Globals struct {
	Config      kong.ConfigFlag  `help:"YAML configuration file." placeholder:"FILE"`
	Version     kong.VersionFlag `help:"Print the version and exit."`
	LogLevel    string           `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"AUDIONIX_LOG_LEVEL"`
	LogFormat   string           `help:"Log format." enum:"tint,text,json" default:"text" env:"AUDIONIX_LOG_FORMAT"`
	Credentials string           `help:"Credentials template (YAML or JSON)." type:"path" env:"AUDIONIX_CREDENTIALS"`
	OPAccount   string           `name:"op-account" help:"1Password account used by the op template function." env:"OP_ACCOUNT"`
}

// StoreFlags select and configure the blob store and catalog layout.
type StoreFlags struct {
	Store                string        `help:"Blob store backend." enum:"dropbox,filesystem,bolt" default:"dropbox" env:"AUDIONIX_STORE"`
	StorePath            string        `help:"Root directory for the filesystem store or database file for the bolt store." default:"./data" type:"path"`
	SongsDir             string        `help:"Folder holding audio blobs." default:"/songs"`
	CoversDir            string        `help:"Folder holding stored cover images." default:"/covers"`
	MetadataDir          string        `help:"Folder holding metadata objects." default:"/metadata"`
	CoverMode            string        `help:"How new covers are stored." enum:"inline,blob,imagehost" default:"blob" env:"AUDIONIX_COVER_MODE"`
	FetchConcurrency     int           `help:"Parallel metadata fetches during a reload." default:"16"`
	CompressionThreshold int           `help:"Compress metadata objects larger than this many bytes; plain JSON readers cannot read them (negative disables)." default:"-1"`
	LinkTTL              time.Duration `help:"How long a temporary link is reused." default:"3h"`
	TokenRefresh         time.Duration `help:"Dropbox access token refresh interval." default:"3h"`
	UpstreamTimeout      time.Duration `help:"Timeout for calls to Dropbox and the image host." default:"2m"`
}

func (g *Globals) logger() (*slog.Logger, error) {
	var level slog.Level
	switch g.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", g.LogLevel)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	switch g.LogFormat {
	case "tint":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("invalid log format: %s", g.LogFormat)
	}
	return slog.New(handler), nil
}

// resolveCredentials renders the credentials template. It returns nil without
// error when no template is configured.
func (g *Globals) resolveCredentials(ctx context.Context, logger *slog.Logger) (*credentials.Credentials, error) {
	if g.Credentials == "" {
		return nil, nil
	}
	var opOpts []opprovider.Option
	if g.OPAccount != "" {
		opOpts = append(opOpts, opprovider.WithAccount(g.OPAccount))
	}
	resolver := credentials.NewResolver(
		credentials.WithLogger(logger),
		opprovider.WithOnePassword(opOpts...),
	)
	return resolver.ResolveFile(ctx, g.Credentials)
}

// tokenProvider builds the Dropbox token endpoint client from the app key
// and secret in the credentials template.
func (g *Globals) tokenProvider(ctx context.Context, logger *slog.Logger) (*credentials.DropboxTokenProvider, error) {
	creds, err := g.resolveCredentials(ctx, logger)
	if err != nil {
		return nil, err
	}
	if creds == nil || creds.Dropbox == nil || creds.Dropbox.AppKey == "" || creds.Dropbox.AppSecret == "" {
		return nil, fmt.Errorf("%w: dropbox app_key and app_secret are required", credentials.ErrMissingCredentials)
	}
	return credentials.NewDropboxTokenProvider(creds.Dropbox.AppKey, creds.Dropbox.AppSecret,
		credentials.WithTokenHTTPClient(upstreamClient("dropbox_oauth", 30*time.Second)),
	), nil
}

func upstreamClient(name string, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: telemetry.NewInstrumentedTransport(nil, name),
		Timeout:   timeout,
	}
}

// build wires the blob store, credentials and image host into a catalog
// service. The returned func releases the store.
func (f *StoreFlags) build(ctx context.Context, g *Globals, logger *slog.Logger, migrate bool) (*catalog.Service, func(), error) {
	mode, err := catalog.ParseCoverMode(f.CoverMode)
	if err != nil {
		return nil, nil, err
	}

	creds, err := g.resolveCredentials(ctx, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving credentials: %w", err)
	}

	var (
		store     blobstore.Store
		lifecycle catalog.Lifecycle
		closeFn   = func() {}
	)
	switch f.Store {
	case "dropbox":
		if creds == nil {
			return nil, nil, fmt.Errorf("%w: the dropbox store needs --credentials", credentials.ErrMissingCredentials)
		}
		if err := creds.Validate(); err != nil {
			return nil, nil, err
		}

		var tokens blobstore.TokenSource
		if creds.Dropbox.CanRefresh() {
			provider := credentials.NewDropboxTokenProvider(creds.Dropbox.AppKey, creds.Dropbox.AppSecret,
				credentials.WithTokenHTTPClient(upstreamClient("dropbox_oauth", 30*time.Second)),
			)
			mgr := credentials.NewManager(credentials.ManagerConfig{
				Provider: provider,
				Secret:   creds.Dropbox.RefreshToken,
				Interval: f.TokenRefresh,
				Logger:   logger,
			})
			tokens, lifecycle = mgr, mgr
		} else {
			logger.Warn("using a static dropbox access token; it will not be refreshed")
			tokens = credentials.StaticToken(creds.Dropbox.AccessToken)
		}
		store = blobstore.NewDropbox(tokens,
			blobstore.WithHTTPClient(upstreamClient("dropbox", f.UpstreamTimeout)),
		)

	case "filesystem":
		fs, err := blobstore.NewFilesystem(f.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("creating filesystem store: %w", err)
		}
		store = fs

	case "bolt":
		db, err := blobstore.OpenBolt(f.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening bolt store: %w", err)
		}
		store = db
		closeFn = func() {
			if err := db.Close(); err != nil {
				logger.Warn("closing bolt store failed", "error", err)
			}
		}

	default:
		return nil, nil, fmt.Errorf("unknown store: %s", f.Store)
	}

	var host imagehost.Host
	if creds != nil && creds.ImgBB != nil && creds.ImgBB.APIKey != "" {
		host = imagehost.NewImgBB(creds.ImgBB.APIKey,
			imagehost.WithHTTPClient(upstreamClient("imgbb", f.UpstreamTimeout)),
		)
	}

	svc, err := catalog.New(catalog.Config{
		Store:                blobstore.NewInstrumented(store, f.Store),
		ImageHost:            host,
		Credentials:          lifecycle,
		SongsDir:             f.SongsDir,
		CoversDir:            f.CoversDir,
		MetadataDir:          f.MetadataDir,
		CoverMode:            mode,
		FetchConcurrency:     f.FetchConcurrency,
		CompressionThreshold: f.CompressionThreshold,
		Migrate:              migrate,
		LinkTTL:              f.LinkTTL,
		HTTPClient:           upstreamClient("dropbox_content", f.UpstreamTimeout),
		Logger:               logger,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return svc, closeFn, nil
}
