package blobstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticTokens struct {
	token string
}

func (s staticTokens) AccessToken() (string, bool) {
	return s.token, s.token != ""
}

// fakeDropbox is a minimal in-memory Dropbox API used by the tests.
type fakeDropbox struct {
	t     *testing.T
	files map[string]string
}

func (f *fakeDropbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	require.Equal(f.t, "Bearer test-token", r.Header.Get("Authorization"))

	writeJSON := func(v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	conflict := func(summary string) {
		w.WriteHeader(http.StatusConflict)
		writeJSON(map[string]any{"error_summary": summary})
	}

	var arg map[string]any
	switch r.URL.Path {
	case "/2/files/upload", "/2/files/download":
		require.NoError(f.t, json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg))
	default:
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&arg))
	}

	switch r.URL.Path {
	case "/2/files/list_folder":
		require.Equal(f.t, "/metadata", arg["path"])
		writeJSON(map[string]any{
			"entries": []map[string]any{
				{".tag": "file", "name": "a.json", "path_display": "/metadata/a.json", "size": 2},
				{".tag": "folder", "name": "old", "path_display": "/metadata/old"},
			},
			"cursor":   "page-2",
			"has_more": true,
		})
	case "/2/files/list_folder/continue":
		require.Equal(f.t, "page-2", arg["cursor"])
		writeJSON(map[string]any{
			"entries": []map[string]any{
				{".tag": "file", "name": "b.json", "path_display": "/metadata/b.json", "size": 2},
				{".tag": "deleted", "name": "c.json", "path_display": "/metadata/c.json"},
			},
			"cursor":   "page-3",
			"has_more": false,
		})
	case "/2/files/get_temporary_link":
		if _, ok := f.files[arg["path"].(string)]; !ok {
			conflict("path/not_found/..")
			return
		}
		writeJSON(map[string]any{"link": "https://dl.example/" + strings.TrimPrefix(arg["path"].(string), "/")})
	case "/2/files/upload":
		p := arg["path"].(string)
		if _, exists := f.files[p]; exists && arg["mode"] == "add" && arg["autorename"] == false {
			conflict("path/conflict/file/..")
			return
		}
		if _, exists := f.files[p]; exists && arg["autorename"] == true {
			p = strings.TrimSuffix(p, ".json") + " (1).json"
		}
		body, _ := io.ReadAll(r.Body)
		f.files[p] = string(body)
		writeJSON(map[string]any{"name": p[strings.LastIndex(p, "/")+1:], "path_display": p, "size": len(body)})
	case "/2/files/download":
		content, ok := f.files[arg["path"].(string)]
		if !ok {
			conflict("path/not_found/")
			return
		}
		_, _ = w.Write([]byte(content))
	case "/2/files/delete_v2":
		p := arg["path"].(string)
		if _, ok := f.files[p]; !ok {
			conflict("path_lookup/not_found/..")
			return
		}
		delete(f.files, p)
		writeJSON(map[string]any{"metadata": map[string]any{".tag": "file", "name": p[strings.LastIndex(p, "/")+1:], "path_display": p}})
	default:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("unknown endpoint"))
	}
}

func newTestDropbox(t *testing.T) (*Dropbox, *fakeDropbox) {
	t.Helper()
	fake := &fakeDropbox{t: t, files: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	d := NewDropbox(staticTokens{token: "test-token"},
		WithDropboxAPIURL(srv.URL),
		WithDropboxContentURL(srv.URL+"/"),
		WithHTTPClient(srv.Client()),
	)
	return d, fake
}

func TestDropboxListPaginates(t *testing.T) {
	d, _ := newTestDropbox(t)
	ctx := context.Background()

	first, err := d.List(ctx, "/metadata", "")
	require.NoError(t, err)
	require.True(t, first.HasMore)
	require.Equal(t, "page-2", first.Cursor)
	require.Len(t, first.Entries, 2)
	require.False(t, first.Entries[0].IsDir)
	require.True(t, first.Entries[1].IsDir)

	second, err := d.List(ctx, "", first.Cursor)
	require.NoError(t, err)
	require.False(t, second.HasMore)
	require.Len(t, second.Entries, 1, "deleted entries are dropped")
	require.Equal(t, "/metadata/b.json", second.Entries[0].Path)
}

func TestDropboxUploadDownloadDelete(t *testing.T) {
	d, fake := newTestDropbox(t)
	ctx := context.Background()

	res, err := d.Upload(ctx, "/metadata/a.json", strings.NewReader(`{"id":"a"}`), UploadOptions{Mode: ModeAdd, Autorename: true})
	require.NoError(t, err)
	require.Equal(t, "/metadata/a.json", res.Path)

	res, err = d.Upload(ctx, "/metadata/a.json", strings.NewReader(`{"id":"b"}`), UploadOptions{Mode: ModeAdd, Autorename: true})
	require.NoError(t, err)
	require.Equal(t, "/metadata/a (1).json", res.Path)

	_, err = d.Upload(ctx, "/metadata/a.json", strings.NewReader(`{}`), UploadOptions{Mode: ModeAdd})
	require.ErrorIs(t, err, ErrConflict)

	data, err := Fetch(ctx, d, nil, "/metadata/a.json")
	require.NoError(t, err)
	require.Equal(t, `{"id":"a"}`, string(data))

	name, err := d.Delete(ctx, "/metadata/a.json")
	require.NoError(t, err)
	require.Equal(t, "a.json", name)
	require.NotContains(t, fake.files, "/metadata/a.json")

	_, err = d.Delete(ctx, "/metadata/a.json")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = d.Download(ctx, "/metadata/a.json")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDropboxGetLink(t *testing.T) {
	d, fake := newTestDropbox(t)
	fake.files["/songs/x_intro.mp3"] = "audio"

	link, err := d.GetLink(context.Background(), "/songs/x_intro.mp3")
	require.NoError(t, err)
	require.Equal(t, "https://dl.example/songs/x_intro.mp3", link)

	_, err = d.GetLink(context.Background(), "/songs/missing.mp3")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDropboxWithoutToken(t *testing.T) {
	d := NewDropbox(staticTokens{})
	_, err := d.List(context.Background(), "/metadata", "")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestDropboxStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error_summary":"expired_access_token/.."}`))
	}))
	defer srv.Close()

	d := NewDropbox(staticTokens{token: "old"}, WithDropboxAPIURL(srv.URL), WithHTTPClient(srv.Client()))
	_, err := d.GetLink(context.Background(), "/songs/x.mp3")

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	require.Equal(t, "expired_access_token/..", statusErr.Summary)
}
