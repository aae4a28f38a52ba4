package blobstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultPageSize is the default number of entries per listing page for the
// local stores.
const DefaultPageSize = 500

// maxAutorename bounds the search for a free name.
const maxAutorename = 1000

// Filesystem implements Store using the local filesystem.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root     string
	pageSize int
}

// FilesystemOption configures a Filesystem store.
type FilesystemOption func(*Filesystem)

// WithFilesystemPageSize sets the listing page size.
func WithFilesystemPageSize(n int) FilesystemOption {
	return func(fs *Filesystem) {
		if n > 0 {
			fs.pageSize = n
		}
	}
}

// NewFilesystem creates a new filesystem store rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string, opts ...FilesystemOption) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	fs := &Filesystem{root: absRoot, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(fs)
	}
	return fs, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// List returns one page of the direct children of prefix, sorted by name.
func (fs *Filesystem) List(ctx context.Context, prefix, cursor string) (*ListResult, error) {
	offset := 0
	if cursor != "" {
		var err error
		prefix, offset, err = decodeOffsetCursor(cursor)
		if err != nil {
			return nil, err
		}
	}
	prefix = CleanPath(prefix)

	dirEntries, err := os.ReadDir(fs.toFSPath(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		// Skip temp files
		if strings.HasPrefix(de.Name(), ".tmp-") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		e := Entry{
			Name:     de.Name(),
			Path:     Join(prefix, de.Name()),
			IsDir:    de.IsDir(),
			Modified: info.ModTime(),
		}
		if !de.IsDir() {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	if offset > len(entries) {
		offset = len(entries)
	}
	end := min(offset+fs.pageSize, len(entries))

	result := &ListResult{Entries: entries[offset:end]}
	if end < len(entries) {
		result.HasMore = true
		result.Cursor = encodeOffsetCursor(prefix, end)
	}
	return result, nil
}

// GetLink is not supported by the filesystem store; use Download.
func (fs *Filesystem) GetLink(ctx context.Context, p string) (string, error) {
	return "", ErrLinkUnsupported
}

// Download opens the object at the given path.
func (fs *Filesystem) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	f, err := os.Open(fs.toFSPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Upload stores data at the given path using atomic write.
func (fs *Filesystem) Upload(ctx context.Context, p string, r io.Reader, opts UploadOptions) (*UploadResult, error) {
	p = CleanPath(p)

	final, err := fs.chooseTarget(p, opts)
	if err != nil {
		return nil, err
	}
	dst := fs.toFSPath(final)

	// Ensure parent directory exists
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	// Write to temp file first
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return nil, fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return nil, fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return &UploadResult{Path: final, Size: n}, nil
}

// Delete removes the object at the given path.
func (fs *Filesystem) Delete(ctx context.Context, p string) (string, error) {
	p = CleanPath(p)
	if err := os.Remove(fs.toFSPath(p)); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("removing file: %w", err)
	}
	return path.Base(p), nil
}

func (fs *Filesystem) chooseTarget(p string, opts UploadOptions) (string, error) {
	if opts.Mode == ModeOverwrite {
		return p, nil
	}
	if !fs.exists(p) {
		return p, nil
	}
	if !opts.Autorename {
		return "", ErrConflict
	}
	for n := 1; n <= maxAutorename; n++ {
		candidate := autorenameCandidate(p, n)
		if !fs.exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name for %s: %w", p, ErrConflict)
}

func (fs *Filesystem) exists(p string) bool {
	_, err := os.Stat(fs.toFSPath(p))
	return err == nil
}

// toFSPath converts a store path to a filesystem path under the root.
func (fs *Filesystem) toFSPath(p string) string {
	return filepath.Join(fs.root, filepath.FromSlash(strings.TrimPrefix(CleanPath(p), Separator)))
}

// encodeOffsetCursor packs a folder and page offset into an opaque cursor.
func encodeOffsetCursor(prefix string, offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset) + ":" + prefix))
}

func decodeOffsetCursor(cursor string) (string, int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", 0, fmt.Errorf("decoding cursor: %w", err)
	}
	offStr, prefix, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", 0, fmt.Errorf("malformed cursor")
	}
	offset, err := strconv.Atoi(offStr)
	if err != nil || offset < 0 {
		return "", 0, fmt.Errorf("malformed cursor offset %q", offStr)
	}
	return prefix, offset, nil
}

// Compile-time interface checks
var (
	_ Store      = (*Filesystem)(nil)
	_ Downloader = (*Filesystem)(nil)
)
