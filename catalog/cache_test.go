package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/audionix/blobstore"
)

func seedRecord(t *testing.T, s blobstore.Store, r Record) {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	putObject(t, s, r.MetadataPath, data)
}

func newTestCache(t *testing.T, s blobstore.Store) *Cache {
	t.Helper()
	codec, err := NewCodec()
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return NewCache(s, codec, CacheConfig{Prefix: DefaultMetadataDir, FetchConcurrency: 3, Logger: testLogger()})
}

func TestCache_LoadAll(t *testing.T) {
	for name, newStore := range localStores() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

			for i := range 5 {
				id := fmt.Sprintf("record%010d", i)
				seedRecord(t, s, Record{
					ID:           id,
					SongName:     "song",
					Artist:       "artist",
					AudioPath:    "/songs/" + id + "_a.mp3",
					UploadedAt:   base.Add(time.Duration(i) * time.Hour),
					MetadataPath: "/metadata/" + id + ".json",
				})
			}
			putObject(t, s, "/metadata/broken.json", []byte("{not json"))
			putObject(t, s, "/metadata/noid.json", []byte(`{"songName":"orphan"}`))
			putObject(t, s, "/metadata/readme.txt", []byte("ignored"))
			putObject(t, s, "/metadata/nested/deep.json", []byte(`{"id":"nested"}`))

			c := newTestCache(t, s)
			report, err := c.LoadAll(ctx)
			require.NoError(t, err)

			require.Equal(t, 5, report.Loaded())
			require.Len(t, report.Entries, 7)
			skipped := report.Skipped()
			require.Len(t, skipped, 2)
			skippedPaths := []string{skipped[0].Path, skipped[1].Path}
			require.ElementsMatch(t, []string{"/metadata/broken.json", "/metadata/noid.json"}, skippedPaths)
			for _, e := range skipped {
				require.Equal(t, ScanSkipped, e.Status)
				require.NotEmpty(t, e.Reason)
				require.Nil(t, e.Record)
			}
			require.Equal(t, 5, c.Len())

			list := c.List()
			require.Len(t, list, 5)
			require.Equal(t, "record0000000004", list[0].ID, "newest first")
			require.Equal(t, "record0000000000", list[4].ID)
		})
	}
}

func TestCache_MissingFolderIsEmpty(t *testing.T) {
	for name, newStore := range localStores() {
		t.Run(name, func(t *testing.T) {
			c := newTestCache(t, newStore(t))
			report, err := c.LoadAll(context.Background())
			require.NoError(t, err)
			require.Empty(t, report.Entries)
			require.Equal(t, 0, c.Len())
		})
	}
}

func TestCache_ExternalDeletionDisappearsOnReload(t *testing.T) {
	for name, newStore := range localStores() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			seedRecord(t, s, Record{ID: "keep", AudioPath: "/songs/keep.mp3", MetadataPath: "/metadata/keep.json"})
			seedRecord(t, s, Record{ID: "gone", AudioPath: "/songs/gone.mp3", MetadataPath: "/metadata/gone.json"})

			c := newTestCache(t, s)
			_, err := c.LoadAll(ctx)
			require.NoError(t, err)
			require.Equal(t, 2, c.Len())

			_, err = s.Delete(ctx, "/metadata/gone.json")
			require.NoError(t, err)

			_, err = c.LoadAll(ctx)
			require.NoError(t, err)
			_, ok := c.Peek("gone")
			require.False(t, ok)
			_, ok = c.Peek("keep")
			require.True(t, ok)
		})
	}
}

func TestCache_GetReloadsOnceOnMiss(t *testing.T) {
	for name, newStore := range localStores() {
		t.Run(name, func(t *testing.T) {
			s := &recordingStore{Downloader: newStore(t)}
			ctx := context.Background()
			c := newTestCache(t, s)

			seedRecord(t, s, Record{ID: "late", AudioPath: "/songs/late.mp3", MetadataPath: "/metadata/late.json"})

			r, err := c.Get(ctx, "late")
			require.NoError(t, err)
			require.Equal(t, "/songs/late.mp3", r.AudioPath)
			listsAfterMiss := s.lists

			_, err = c.Get(ctx, "late")
			require.NoError(t, err)
			require.Equal(t, listsAfterMiss, s.lists, "hit must not reload")

			_, err = c.Get(ctx, "absent")
			require.ErrorIs(t, err, ErrNotFound)
			require.Greater(t, s.lists, listsAfterMiss, "miss reloads")
		})
	}
}

func TestCache_GetUnavailable(t *testing.T) {
	s := &recordingStore{Downloader: localStores()["filesystem"](t), unavailable: true}
	c := newTestCache(t, s)

	_, err := c.Get(context.Background(), "anything")
	require.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestCache_DuplicateIDLastWins(t *testing.T) {
	s := localStores()["bolt"](t)
	seedRecord(t, s, Record{ID: "dup", SongName: "first", MetadataPath: "/metadata/a.json"})
	seedRecord(t, s, Record{ID: "dup", SongName: "second", MetadataPath: "/metadata/b.json"})

	c := newTestCache(t, s)
	_, err := c.LoadAll(context.Background())
	require.NoError(t, err)

	r, ok := c.Peek("dup")
	require.True(t, ok)
	require.Equal(t, "second", r.SongName)
	require.Equal(t, "/metadata/b.json", r.MetadataPath)
}

func TestCache_MetadataPathFromListing(t *testing.T) {
	s := localStores()["filesystem"](t)
	data, err := json.Marshal(Record{ID: "nopath", AudioPath: "/songs/n.mp3"})
	require.NoError(t, err)
	putObject(t, s, "/metadata/nopath.json", data)

	c := newTestCache(t, s)
	_, err = c.LoadAll(context.Background())
	require.NoError(t, err)

	r, ok := c.Peek("nopath")
	require.True(t, ok)
	require.Equal(t, "/metadata/nopath.json", r.MetadataPath)
}

func TestCache_PutRemoveClear(t *testing.T) {
	c := newTestCache(t, localStores()["filesystem"](t))

	r := &Record{ID: "a", SongName: "one"}
	c.Put(r)
	r.SongName = "mutated"

	got, ok := c.Peek("a")
	require.True(t, ok)
	require.Equal(t, "one", got.SongName, "cache holds its own copy")

	got.SongName = "also mutated"
	again, _ := c.Peek("a")
	require.Equal(t, "one", again.SongName)

	c.Put(&Record{ID: "b"})
	require.Equal(t, 2, c.Len())
	c.Remove("a")
	require.Equal(t, 1, c.Len())
	c.Clear()
	require.Equal(t, 0, c.Len())
}
