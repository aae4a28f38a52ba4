package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/audionix/telemetry"
)

// Instrumented wraps a Store with metrics recording.
type Instrumented struct {
	store Store
	name  string
}

// NewInstrumented creates a new instrumented store wrapper.
func NewInstrumented(s Store, name string) *Instrumented {
	return &Instrumented{store: s, name: name}
}

func (is *Instrumented) List(ctx context.Context, prefix, cursor string) (*ListResult, error) {
	start := time.Now()
	res, err := is.store.List(ctx, prefix, cursor)
	telemetry.RecordStoreOp(ctx, is.name, "list", outcomeFromError(err), time.Since(start), 0)
	return res, err
}

func (is *Instrumented) GetLink(ctx context.Context, p string) (string, error) {
	start := time.Now()
	link, err := is.store.GetLink(ctx, p)
	telemetry.RecordStoreOp(ctx, is.name, "get_link", outcomeFromError(err), time.Since(start), 0)
	return link, err
}

func (is *Instrumented) Upload(ctx context.Context, p string, r io.Reader, opts UploadOptions) (*UploadResult, error) {
	start := time.Now()
	cr := &countingReader{r: r}
	res, err := is.store.Upload(ctx, p, cr, opts)
	telemetry.RecordStoreOp(ctx, is.name, "upload", outcomeFromError(err), time.Since(start), cr.n)
	return res, err
}

func (is *Instrumented) Delete(ctx context.Context, p string) (string, error) {
	start := time.Now()
	name, err := is.store.Delete(ctx, p)
	telemetry.RecordStoreOp(ctx, is.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return name, err
}

// Download delegates to the underlying store if it implements Downloader,
// otherwise it reads through a temporary link.
func (is *Instrumented) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	start := time.Now()
	d, ok := is.store.(Downloader)
	if !ok {
		data, err := Fetch(ctx, is.store, nil, p)
		telemetry.RecordStoreOp(ctx, is.name, "download", outcomeFromError(err), time.Since(start), int64(len(data)))
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	rc, err := d.Download(ctx, p)
	if err != nil {
		telemetry.RecordStoreOp(ctx, is.name, "download", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &countingReadCloser{
		ReadCloser: rc,
		done: func(n int64) {
			telemetry.RecordStoreOp(ctx, is.name, "download", "success", time.Since(start), n)
		},
	}, nil
}

// Unwrap returns the underlying store.
func (is *Instrumented) Unwrap() Store {
	return is.store
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// countingReadCloser records the bytes read when closed.
type countingReadCloser struct {
	io.ReadCloser
	n      int64
	done   func(int64)
	closed bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	if !c.closed {
		c.closed = true
		c.done(c.n)
	}
	return c.ReadCloser.Close()
}

// Compile-time interface checks
var (
	_ Store      = (*Instrumented)(nil)
	_ Downloader = (*Instrumented)(nil)
)
