package links

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/audionix"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStream_HappyPath(t *testing.T) {
	content := []byte("ID3 fake mp3 payload")

	r := httptest.NewRequest(http.MethodGet, "/stream", nil)
	w := httptest.NewRecorder()

	res, err := Stream(w, r, bytes.NewReader(content), StreamOptions{
		ContentType:   "audio/mpeg",
		ContentLength: int64(len(content)),
		ExtraHeaders:  map[string]string{"X-Record-Id": "abc"},
		Expected:      audionix.DigestBytes(content),
	}, testLogger())
	require.NoError(t, err)
	require.Equal(t, audionix.DigestBytes(content), res.Digest)
	require.Equal(t, int64(len(content)), res.Size)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, content, w.Body.Bytes())
	require.Equal(t, "audio/mpeg", w.Header().Get("Content-Type"))
	require.Equal(t, fmt.Sprintf("%d", len(content)), w.Header().Get("Content-Length"))
	require.Equal(t, "abc", w.Header().Get("X-Record-Id"))
}

func TestStream_DefaultContentType(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/stream", nil)
	w := httptest.NewRecorder()

	_, err := Stream(w, r, bytes.NewReader([]byte("x")), StreamOptions{}, testLogger())
	require.NoError(t, err)
	require.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
}

func TestStream_HeadRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodHead, "/stream", nil)
	w := httptest.NewRecorder()

	src := bytes.NewReader([]byte("should not be read"))
	_, err := Stream(w, r, src, StreamOptions{ContentType: "audio/ogg", ContentLength: 42}, testLogger())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Body.Bytes())
	require.Equal(t, int64(18), int64(src.Len()), "source must not be consumed")
}

func TestStream_DigestMismatch(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/stream", nil)
	w := httptest.NewRecorder()

	_, err := Stream(w, r, bytes.NewReader([]byte("actual")), StreamOptions{
		Expected: audionix.DigestBytes([]byte("expected")),
	}, testLogger())
	require.ErrorIs(t, err, ErrDigestMismatch)
	require.Equal(t, []byte("actual"), w.Body.Bytes())
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestStream_ErrorBeforeBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/stream", nil)
	w := httptest.NewRecorder()

	_, err := Stream(w, r, &failingReader{err: errors.New("connection reset")}, StreamOptions{}, testLogger())
	require.Error(t, err)
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestStream_ErrorAfterPartialWrite(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/stream", nil)
	w := httptest.NewRecorder()

	_, err := Stream(w, r, &failingReader{data: []byte("partial"), err: errors.New("connection reset")}, StreamOptions{}, testLogger())
	require.Error(t, err)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []byte("partial"), w.Body.Bytes())
}

func TestStream_ContentLengthMismatch(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/stream", nil)
	w := httptest.NewRecorder()

	_, err := Stream(w, r, bytes.NewReader([]byte("short")), StreamOptions{ContentLength: 100}, testLogger())
	require.Error(t, err)
	require.Contains(t, err.Error(), "content-length mismatch")
}
