// Package server provides the HTTP server for the media index.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/audionix/catalog"
	"github.com/wolfeidau/audionix/telemetry"
)

const (
	// DefaultMaxUploadSize bounds the request body of upload and change requests.
	DefaultMaxUploadSize = 200 << 20

	// multipartMemory is how much of a multipart form is held in memory
	// before parts spill to temporary files.
	multipartMemory = 32 << 20
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Catalog serves every media operation. Required.
	Catalog *catalog.Service

	// MaxUploadSize is the largest accepted upload body in bytes.
	// Default: 200 MiB
	MaxUploadSize int64

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the media index.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	catalog    *catalog.Service
	handler    http.Handler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("server: catalog is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		catalog: cfg.Catalog,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute, // uploads carry whole audio files
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /songs", s.handleList)
	mux.HandleFunc("GET /songs/{id}", s.handleGet)
	mux.HandleFunc("GET /resolve", s.handleResolve)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("PATCH /songs/{id}", s.handleChange)
	mux.HandleFunc("DELETE /songs", s.handleDelete)
	mux.HandleFunc("DELETE /songs/{id}", s.handleDelete)

	// GET also matches HEAD.
	mux.HandleFunc("GET /stream", s.handleStream)

	mux.HandleFunc("POST /reload", s.handleReload)
	mux.HandleFunc("POST /migrate", s.handleMigrate)
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.RecordID != "" {
			attrs = append(attrs, "record_id", tags.RecordID)
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the catalog and then the server. It blocks until the
// listener stops.
func (s *Server) Start(ctx context.Context) error {
	if err := s.catalog.Start(ctx); err != nil {
		return fmt.Errorf("starting catalog: %w", err)
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and stops the catalog.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	s.catalog.Stop()
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
