package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultDropboxAPIURL is the Dropbox RPC endpoint host.
	DefaultDropboxAPIURL = "https://api.dropboxapi.com"

	// DefaultDropboxContentURL is the Dropbox content endpoint host.
	DefaultDropboxContentURL = "https://content.dropboxapi.com"

	// DefaultTimeout is the default timeout for Dropbox requests.
	DefaultTimeout = 60 * time.Second

	// dropboxListLimit is the page size requested from list_folder.
	dropboxListLimit = 2000
)

// TokenSource supplies the current access token. It reports false while no
// valid token is available.
type TokenSource interface {
	AccessToken() (string, bool)
}

// Dropbox implements Store against the Dropbox HTTP API v2.
type Dropbox struct {
	apiURL     string
	contentURL string
	tokens     TokenSource
	client     *http.Client
}

// DropboxOption configures a Dropbox store.
type DropboxOption func(*Dropbox)

// WithDropboxAPIURL sets the RPC endpoint host.
func WithDropboxAPIURL(url string) DropboxOption {
	return func(d *Dropbox) {
		d.apiURL = strings.TrimSuffix(url, "/")
	}
}

// WithDropboxContentURL sets the content endpoint host.
func WithDropboxContentURL(url string) DropboxOption {
	return func(d *Dropbox) {
		d.contentURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) DropboxOption {
	return func(d *Dropbox) {
		d.client = client
	}
}

// NewDropbox creates a Dropbox store authenticated by tokens.
func NewDropbox(tokens TokenSource, opts ...DropboxOption) *Dropbox {
	d := &Dropbox{
		apiURL:     DefaultDropboxAPIURL,
		contentURL: DefaultDropboxContentURL,
		tokens:     tokens,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type dropboxEntry struct {
	Tag            string    `json:".tag"`
	Name           string    `json:"name"`
	PathDisplay    string    `json:"path_display"`
	Size           int64     `json:"size"`
	ServerModified time.Time `json:"server_modified"`
}

func (e dropboxEntry) toEntry() Entry {
	return Entry{
		Name:     e.Name,
		Path:     e.PathDisplay,
		IsDir:    e.Tag == "folder",
		Size:     e.Size,
		Modified: e.ServerModified,
	}
}

type dropboxListResponse struct {
	Entries []dropboxEntry `json:"entries"`
	Cursor  string         `json:"cursor"`
	HasMore bool           `json:"has_more"`
}

// List calls list_folder, or list_folder/continue when cursor is set.
func (d *Dropbox) List(ctx context.Context, prefix, cursor string) (*ListResult, error) {
	var (
		op  string
		arg any
	)
	if cursor == "" {
		op = "files/list_folder"
		p := CleanPath(prefix)
		if p == Separator {
			// Dropbox addresses the root folder as the empty path.
			p = ""
		}
		arg = map[string]any{"path": p, "recursive": false, "limit": dropboxListLimit}
	} else {
		op = "files/list_folder/continue"
		arg = map[string]any{"cursor": cursor}
	}

	var resp dropboxListResponse
	if err := d.rpc(ctx, op, arg, &resp); err != nil {
		return nil, err
	}

	result := &ListResult{Cursor: resp.Cursor, HasMore: resp.HasMore}
	for _, e := range resp.Entries {
		if e.Tag == "deleted" {
			continue
		}
		result.Entries = append(result.Entries, e.toEntry())
	}
	return result, nil
}

// GetLink calls get_temporary_link. Dropbox links stay valid for four hours.
func (d *Dropbox) GetLink(ctx context.Context, p string) (string, error) {
	var resp struct {
		Link string `json:"link"`
	}
	if err := d.rpc(ctx, "files/get_temporary_link", map[string]any{"path": CleanPath(p)}, &resp); err != nil {
		return "", err
	}
	return resp.Link, nil
}

// Upload sends the content through the upload endpoint.
func (d *Dropbox) Upload(ctx context.Context, p string, r io.Reader, opts UploadOptions) (*UploadResult, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeAdd
	}
	arg, err := json.Marshal(map[string]any{
		"path":       CleanPath(p),
		"mode":       string(mode),
		"autorename": opts.Autorename,
		"mute":       true,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding upload arg: %w", err)
	}

	req, err := d.newRequest(ctx, d.contentURL+"/2/files/upload", r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Dropbox-API-Arg", string(arg))

	var meta dropboxEntry
	if err := d.do(req, "files/upload", &meta); err != nil {
		return nil, err
	}
	return &UploadResult{Path: meta.PathDisplay, Size: meta.Size}, nil
}

// Download streams the content through the download endpoint.
func (d *Dropbox) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	arg, err := json.Marshal(map[string]any{"path": CleanPath(p)})
	if err != nil {
		return nil, fmt.Errorf("encoding download arg: %w", err)
	}

	req, err := d.newRequest(ctx, d.contentURL+"/2/files/download", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Dropbox-API-Arg", string(arg))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("files/download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeDropboxError("files/download", resp)
	}
	return resp.Body, nil
}

// Delete calls delete_v2.
func (d *Dropbox) Delete(ctx context.Context, p string) (string, error) {
	var resp struct {
		Metadata dropboxEntry `json:"metadata"`
	}
	if err := d.rpc(ctx, "files/delete_v2", map[string]any{"path": CleanPath(p)}, &resp); err != nil {
		return "", err
	}
	return resp.Metadata.Name, nil
}

// rpc issues a JSON-in JSON-out call against the RPC host.
func (d *Dropbox) rpc(ctx context.Context, op string, arg, out any) error {
	body, err := json.Marshal(arg)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", op, err)
	}
	req, err := d.newRequest(ctx, d.apiURL+"/2/"+op, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req, op, out)
}

func (d *Dropbox) newRequest(ctx context.Context, url string, body io.Reader) (*http.Request, error) {
	token, ok := d.tokens.AccessToken()
	if !ok {
		return nil, ErrUnavailable
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func (d *Dropbox) do(req *http.Request, op string, out any) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decodeDropboxError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}

// decodeDropboxError maps an error response onto the package errors.
// Endpoint errors arrive as 409 with an error_summary such as
// "path_lookup/not_found/..".
func decodeDropboxError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	summary := strings.TrimSpace(string(body))
	var apiErr struct {
		ErrorSummary string `json:"error_summary"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.ErrorSummary != "" {
		summary = apiErr.ErrorSummary
	}

	if resp.StatusCode == http.StatusConflict {
		switch {
		case strings.Contains(summary, "not_found"):
			return ErrNotFound
		case strings.Contains(summary, "conflict"):
			return ErrConflict
		}
	}
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Summary: summary}
}

// Compile-time interface checks
var (
	_ Store      = (*Dropbox)(nil)
	_ Downloader = (*Dropbox)(nil)
)
