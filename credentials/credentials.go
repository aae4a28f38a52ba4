// Package credentials resolves the secrets audionix needs to reach Dropbox
// and the image host, and keeps a short-lived Dropbox access token fresh.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const (
	// maxInputSize is the maximum size of a credentials template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// ErrMissingCredentials is returned by Validate when no usable Dropbox
// credential is present.
var ErrMissingCredentials = errors.New("missing credentials")

// Credentials holds all resolved credential values.
type Credentials struct {
	Dropbox *DropboxCredentials `json:"dropbox,omitempty" yaml:"dropbox,omitempty"`
	ImgBB   *ImgBBCredentials   `json:"imgbb,omitempty" yaml:"imgbb,omitempty"`
}

// DropboxCredentials are the app and token values for the Dropbox API.
// Either RefreshToken (with AppKey and AppSecret) or a long-lived
// AccessToken must be set.
type DropboxCredentials struct {
	AppKey       string `json:"app_key,omitempty" yaml:"app_key,omitempty"`
	AppSecret    string `json:"app_secret,omitempty" yaml:"app_secret,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
	AccessToken  string `json:"access_token,omitempty" yaml:"access_token,omitempty"`
}

// CanRefresh reports whether the credentials carry everything needed to
// mint new access tokens.
func (d *DropboxCredentials) CanRefresh() bool {
	return d != nil && d.AppKey != "" && d.AppSecret != "" && d.RefreshToken != ""
}

// ImgBBCredentials hold the API key for the ImgBB image host.
type ImgBBCredentials struct {
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// Validate checks that the Dropbox section can produce an access token.
func (c *Credentials) Validate() error {
	if c.Dropbox == nil {
		return fmt.Errorf("%w: dropbox section is required", ErrMissingCredentials)
	}
	if c.Dropbox.CanRefresh() || c.Dropbox.AccessToken != "" {
		return nil
	}
	return fmt.Errorf("%w: dropbox needs app_key, app_secret and refresh_token, or access_token", ErrMissingCredentials)
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders a credentials template and decodes the result. The
// rendered document may be YAML or JSON.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("credentials resolved",
		"path", path,
		"dropbox", creds.Dropbox != nil,
		"imgbb", creds.ImgBB != nil,
	)
	return creds, nil
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	rendered, err := r.render(ctx, string(data))
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := yaml.Unmarshal(rendered, &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials document after template execution: %w", err)
	}
	return &creds, nil
}

func (r *Resolver) render(ctx context.Context, text string) ([]byte, error) {
	// Memoized per render so a secret referenced twice is fetched once.
	cache := make(map[string]string)

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcMap(ctx, cache)).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxOutputSize)
	}
	return buf.Bytes(), nil
}

func (r *Resolver) funcMap(ctx context.Context, cache map[string]string) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		// JSON string literals are valid YAML scalars, so "json" quotes
		// values safely for either document style.
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	for name, provider := range r.providers {
		fm[name] = memoize(ctx, name, provider, cache)
	}
	return fm
}

func memoize(ctx context.Context, name string, provider SecretProvider, cache map[string]string) func(string) (string, error) {
	return func(ref string) (string, error) {
		key := name + ":" + ref
		if val, ok := cache[key]; ok {
			return val, nil
		}
		val, err := provider(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
		}
		cache[key] = val
		return val, nil
	}
}
