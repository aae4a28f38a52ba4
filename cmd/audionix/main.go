// Command audionix serves a metadata index over audio and cover media
// stored in Dropbox.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/audionix/catalog"
	"github.com/wolfeidau/audionix/server"
	"github.com/wolfeidau/audionix/telemetry"
)

var version = "dev"

// CLI is the command line of audionix.
type CLI struct {
	Globals

	Serve        ServeCmd        `cmd:"" help:"Run the HTTP server."`
	Migrate      MigrateCmd      `cmd:"" help:"Move inline covers out of metadata objects."`
	AuthURL      AuthURLCmd      `cmd:"" name:"auth-url" help:"Print the Dropbox authorization URL."`
	ExchangeCode ExchangeCodeCmd `cmd:"" name:"exchange-code" help:"Exchange an authorization code for a refresh token."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("audionix"),
		kong.Description("Metadata index and identifier resolution for audio and cover media in Dropbox."),
		kong.UsageOnError(),
		kong.Configuration(yamlConfig, "/etc/audionix/config.yaml", "~/.config/audionix/config.yaml"),
		kong.Vars{"version": version},
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

// ServeCmd runs the HTTP server.
type ServeCmd struct {
	StoreFlags

	Address       string        `help:"Address to listen on." default:":8080" env:"AUDIONIX_ADDRESS"`
	MaxUploadSize int64         `help:"Largest accepted upload in bytes." default:"209715200"`
	Migrate       bool          `help:"Migrate inline covers after the initial load." default:"true" negatable:"" env:"AUDIONIX_MIGRATE"`
	OTLPEndpoint  string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus    bool          `help:"Expose Prometheus metrics at /metrics." default:"true" negatable:""`
	MetricsFlush  time.Duration `help:"Metrics export interval." default:"10s"`
	ShutdownGrace time.Duration `help:"How long to wait for in-flight requests on shutdown." default:"10s"`
}

func (c *ServeCmd) Run(g *Globals) error {
	logger, err := g.logger()
	if err != nil {
		return err
	}

	shutdownMetrics, err := telemetry.InitMetrics(context.Background(), telemetry.MetricsConfig{
		ServiceName:      "audionix",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
		FlushInterval:    c.MetricsFlush,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(ctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, closeStore, err := c.build(ctx, g, logger, c.Migrate)
	if err != nil {
		return err
	}
	defer closeStore()

	srv, err := server.New(server.Config{
		Address:       c.Address,
		Catalog:       svc,
		MaxUploadSize: c.MaxUploadSize,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"store", c.Store,
		"cover_mode", c.CoverMode,
		"version", version,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), c.ShutdownGrace)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// MigrateCmd runs one cover migration pass and exits.
type MigrateCmd struct {
	StoreFlags
}

func (c *MigrateCmd) Run(g *Globals) error {
	logger, err := g.logger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, closeStore, err := c.build(ctx, g, logger, false)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	report, err := svc.RunMigration(ctx)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}

	for _, res := range report.Results {
		if res.Outcome == catalog.MigrationFailed {
			logger.Warn("record not migrated", "id", res.ID, "error", res.Error)
		}
	}
	logger.Info("migration finished",
		"examined", report.Examined,
		"migrated", report.Migrated,
		"unchanged", report.Unchanged,
		"failed", report.Failed,
	)
	if report.Failed > 0 {
		return fmt.Errorf("%d records failed to migrate", report.Failed)
	}
	return nil
}

// AuthURLCmd prints the URL that starts the offline authorization flow.
type AuthURLCmd struct {
	RedirectURI string `help:"Redirect URI registered for the app. Leave empty to show the code to the user."`
}

func (c *AuthURLCmd) Run(g *Globals) error {
	logger, err := g.logger()
	if err != nil {
		return err
	}
	provider, err := g.tokenProvider(context.Background(), logger)
	if err != nil {
		return err
	}
	fmt.Println(provider.AuthorizeURL(c.RedirectURI))
	return nil
}

// ExchangeCodeCmd trades an authorization code for a refresh token and
// prints it as a credentials fragment.
type ExchangeCodeCmd struct {
	Code        string `arg:"" help:"Authorization code returned by Dropbox."`
	RedirectURI string `help:"Redirect URI used when requesting the code."`
}

func (c *ExchangeCodeCmd) Run(g *Globals) error {
	logger, err := g.logger()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	provider, err := g.tokenProvider(ctx, logger)
	if err != nil {
		return err
	}
	resp, err := provider.ExchangeCode(ctx, c.Code, c.RedirectURI)
	if err != nil {
		return err
	}
	if resp.RefreshToken == "" {
		return errors.New("token endpoint returned no refresh token; request offline access")
	}

	out := map[string]map[string]string{
		"dropbox": {"refresh_token": resp.RefreshToken},
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}
