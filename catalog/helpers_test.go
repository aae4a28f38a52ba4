package catalog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/audionix/blobstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// localStores returns a constructor for each local store so behaviour is
// checked against all of them.
func localStores() map[string]func(t *testing.T) blobstore.Downloader {
	return map[string]func(t *testing.T) blobstore.Downloader{
		"filesystem": func(t *testing.T) blobstore.Downloader {
			fs, err := blobstore.NewFilesystem(t.TempDir(), blobstore.WithFilesystemPageSize(2))
			require.NoError(t, err)
			return fs
		},
		"bolt": func(t *testing.T) blobstore.Downloader {
			b, err := blobstore.OpenBolt(filepath.Join(t.TempDir(), "store.db"),
				blobstore.WithBoltPageSize(2),
				blobstore.WithBoltNoSync(true),
			)
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

// recordingStore counts calls and can fail uploads under a prefix.
type recordingStore struct {
	blobstore.Downloader

	mu          sync.Mutex
	uploads     []string
	deletes     []string
	lists       int
	failPrefix  string
	failErr     error
	unavailable bool
}

func (s *recordingStore) List(ctx context.Context, prefix, cursor string) (*blobstore.ListResult, error) {
	s.mu.Lock()
	s.lists++
	unavailable := s.unavailable
	s.mu.Unlock()
	if unavailable {
		return nil, blobstore.ErrUnavailable
	}
	return s.Downloader.List(ctx, prefix, cursor)
}

func (s *recordingStore) Upload(ctx context.Context, p string, r io.Reader, opts blobstore.UploadOptions) (*blobstore.UploadResult, error) {
	s.mu.Lock()
	s.uploads = append(s.uploads, p)
	failPrefix, failErr, unavailable := s.failPrefix, s.failErr, s.unavailable
	s.mu.Unlock()
	if unavailable {
		return nil, blobstore.ErrUnavailable
	}
	if failPrefix != "" && strings.HasPrefix(p, failPrefix) {
		return nil, failErr
	}
	return s.Downloader.Upload(ctx, p, r, opts)
}

func (s *recordingStore) Delete(ctx context.Context, p string) (string, error) {
	s.mu.Lock()
	s.deletes = append(s.deletes, p)
	s.mu.Unlock()
	return s.Downloader.Delete(ctx, p)
}

func (s *recordingStore) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.uploads...)
}

func (s *recordingStore) failUploads(prefix string, err error) {
	s.mu.Lock()
	s.failPrefix, s.failErr = prefix, err
	s.mu.Unlock()
}

// fakeHost is an in-memory image host.
type fakeHost struct {
	mu      sync.Mutex
	uploads map[string][]byte
	err     error
}

func (h *fakeHost) Upload(_ context.Context, data []byte, name string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return "", h.err
	}
	if h.uploads == nil {
		h.uploads = make(map[string][]byte)
	}
	h.uploads[name] = append([]byte(nil), data...)
	return "https://i.example/" + name + ".png", nil
}

// fakeLifecycle records Start and Stop calls.
type fakeLifecycle struct {
	started, stopped int
	err              error
}

func (f *fakeLifecycle) Start(context.Context) error { f.started++; return f.err }
func (f *fakeLifecycle) Stop()                       { f.stopped++ }

func newTestService(t *testing.T, store blobstore.Store, mutate ...func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		Store:  store,
		Logger: testLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	svc, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	return svc
}

func readObject(t *testing.T, s blobstore.Downloader, p string) []byte {
	t.Helper()
	rc, err := s.Download(context.Background(), p)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func requireMissing(t *testing.T, s blobstore.Downloader, p string) {
	t.Helper()
	_, err := s.Download(context.Background(), p)
	require.True(t, errors.Is(err, blobstore.ErrNotFound), "expected %s to be absent, got %v", p, err)
}

// putObject writes raw bytes into the store, bypassing the service.
func putObject(t *testing.T, s blobstore.Store, p string, data []byte) {
	t.Helper()
	_, err := s.Upload(context.Background(), p, bytes.NewReader(data), blobstore.UploadOptions{Mode: blobstore.ModeOverwrite})
	require.NoError(t, err)
}

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake-cover")

func mp3Upload(name, song, artist string) UploadInput {
	return UploadInput{
		Audio:     strings.NewReader("ID3 audio bytes for " + song),
		AudioName: name,
		AudioType: "audio/mpeg",
		SongName:  song,
		Artist:    artist,
	}
}
