// Package blobstore provides the remote object store abstraction the media
// index is built on, with a Dropbox implementation and local stores for
// development and tests.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a path does not exist in the store.
	ErrNotFound = errors.New("blobstore: not found")

	// ErrConflict is returned when an add-mode upload targets an existing path
	// and autorename is disabled.
	ErrConflict = errors.New("blobstore: path already exists")

	// ErrUnavailable is returned when the store has no usable access credential.
	ErrUnavailable = errors.New("blobstore: no access credential available")

	// ErrLinkUnsupported is returned by stores that cannot mint direct-fetch links.
	ErrLinkUnsupported = errors.New("blobstore: temporary links not supported")
)

// Separator is the store's path separator. Canonical paths begin with it.
const Separator = "/"

// WriteMode selects how an upload treats an existing object at the target path.
type WriteMode string

const (
	// ModeAdd never replaces an existing object.
	ModeAdd WriteMode = "add"
	// ModeOverwrite replaces any existing object.
	ModeOverwrite WriteMode = "overwrite"
)

// Entry is one item returned by a listing.
type Entry struct {
	Name     string
	Path     string
	IsDir    bool
	Size     int64
	Modified time.Time
}

// ListResult is one page of a listing.
type ListResult struct {
	Entries []Entry
	// Cursor continues the listing when HasMore is true.
	Cursor  string
	HasMore bool
}

// UploadOptions controls an upload.
type UploadOptions struct {
	Mode WriteMode
	// Autorename picks a free name instead of failing when Mode is ModeAdd
	// and the path is taken.
	Autorename bool
}

// UploadResult describes a completed upload.
type UploadResult struct {
	// Path is the final path the object was written to, which differs from
	// the requested one when autorename applied.
	Path string
	Size int64
}

// Store defines the primitives of the remote object store.
// Implementations must be safe for concurrent use.
type Store interface {
	// List returns one page of the direct children of prefix. An empty cursor
	// starts a listing; a non-empty cursor continues one and prefix is ignored.
	// Returns ErrNotFound if prefix does not exist.
	List(ctx context.Context, prefix, cursor string) (*ListResult, error)

	// GetLink returns a time-limited URL serving the object's bytes.
	GetLink(ctx context.Context, path string) (string, error)

	// Upload writes the reader's content to path.
	Upload(ctx context.Context, path string, r io.Reader, opts UploadOptions) (*UploadResult, error)

	// Delete removes the object at path and returns its name.
	// Returns ErrNotFound if the path does not exist.
	Delete(ctx context.Context, path string) (string, error)
}

// Downloader extends Store with direct content access.
// Stores implementing it are read without minting a link first.
type Downloader interface {
	Store

	// Download returns the object's content. The caller must close it.
	Download(ctx context.Context, path string) (io.ReadCloser, error)
}

// StatusError reports a failed call to a remote store.
type StatusError struct {
	Op         string
	StatusCode int
	Summary    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Summary)
}

// Fetch reads the full content at path, using Download when the store
// supports it and a temporary link otherwise.
func Fetch(ctx context.Context, s Store, client *http.Client, p string) ([]byte, error) {
	if d, ok := s.(Downloader); ok {
		rc, err := d.Download(ctx, p)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rc.Close() }()
		return io.ReadAll(rc)
	}

	link, err := s.GetLink(ctx, p)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("creating fetch request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", p, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{Op: "fetch", StatusCode: resp.StatusCode, Summary: strings.TrimSpace(string(body))}
	}
	return io.ReadAll(resp.Body)
}

// CleanPath returns the canonical form of p: rooted at Separator, with no
// trailing separator and no relative elements.
func CleanPath(p string) string {
	return path.Clean(Separator + strings.TrimPrefix(p, Separator))
}

// Join joins a folder and a name into a canonical path.
func Join(dir, name string) string {
	return CleanPath(path.Join(dir, name))
}

// autorenameCandidate returns the n-th alternative name for p in the style
// "name (n).ext".
func autorenameCandidate(p string, n int) string {
	dir, file := path.Split(p)
	ext := path.Ext(file)
	base := strings.TrimSuffix(file, ext)
	return dir + fmt.Sprintf("%s (%d)%s", base, n, ext)
}
