package blobstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var bucketObjects = []byte("objects")

// modTimeSize is the length of the modification-time header stored in front
// of every object value.
const modTimeSize = 8

// Bolt implements Store as a single-file embedded object store backed by bbolt.
// Object paths are bucket keys; listings walk a bbolt cursor, so continuation
// cursors are simply the last key returned.
type Bolt struct {
	db       *bbolt.DB
	pageSize int
	now      func() time.Time
	noSync   bool
}

// BoltOption configures a Bolt store.
type BoltOption func(*Bolt)

// WithBoltPageSize sets the listing page size.
func WithBoltPageSize(n int) BoltOption {
	return func(b *Bolt) {
		if n > 0 {
			b.pageSize = n
		}
	}
}

// WithBoltNow sets the time function for testing.
func WithBoltNow(now func() time.Time) BoltOption {
	return func(b *Bolt) {
		b.now = now
	}
}

// WithBoltNoSync disables fsync per transaction.
// WARNING: This risks data loss on crash. Use only for testing.
func WithBoltNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// OpenBolt opens (creating if needed) the bbolt database at path.
func OpenBolt(dbPath string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{pageSize: DefaultPageSize, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketObjects, err)
	}

	b.db = db
	return b, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// List returns one page of the direct children of prefix in key order.
// Sub-folders are reported once, as directory entries.
func (b *Bolt) List(ctx context.Context, prefix, cursor string) (*ListResult, error) {
	var after string
	if cursor != "" {
		var err error
		prefix, after, err = decodeKeyCursor(cursor)
		if err != nil {
			return nil, err
		}
	}
	prefix = CleanPath(prefix)

	dirPrefix := prefix
	if dirPrefix != Separator {
		dirPrefix += Separator
	}
	dp := []byte(dirPrefix)

	result := &ListResult{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketObjects).Cursor()

		var k, v []byte
		if after == "" {
			k, v = c.Seek(dp)
		} else {
			k, v = c.Seek([]byte(after))
			if k != nil && string(k) == after {
				k, v = c.Next()
			}
		}

		for k != nil && bytes.HasPrefix(k, dp) {
			if len(result.Entries) == b.pageSize {
				result.HasMore = true
				break
			}

			rest := string(k[len(dp):])
			if name, _, isDir := strings.Cut(rest, Separator); isDir {
				result.Entries = append(result.Entries, Entry{
					Name:  name,
					Path:  dirPrefix + name,
					IsDir: true,
				})
				// Jump past every key in the sub-folder. 0xff never occurs in UTF-8.
				after = dirPrefix + name + Separator + "\xff"
				k, v = c.Seek([]byte(after))
				continue
			}

			result.Entries = append(result.Entries, Entry{
				Name:     rest,
				Path:     string(k),
				Size:     int64(len(v) - modTimeSize),
				Modified: decodeModTime(v),
			})
			after = string(k)
			k, v = c.Next()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}

	if cursor == "" && len(result.Entries) == 0 && prefix != Separator {
		return nil, ErrNotFound
	}
	if result.HasMore {
		result.Cursor = encodeKeyCursor(prefix, after)
	}
	return result, nil
}

// GetLink is not supported by the bolt store; use Download.
func (b *Bolt) GetLink(ctx context.Context, p string) (string, error) {
	return "", ErrLinkUnsupported
}

// Download returns the content stored at path.
func (b *Bolt) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	key := []byte(CleanPath(p))
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketObjects).Get(key)
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		data = bytes.Clone(v[modTimeSize:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Upload stores the reader's content at path.
func (b *Bolt) Upload(ctx context.Context, p string, r io.Reader, opts UploadOptions) (*UploadResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading data: %w", err)
	}
	p = CleanPath(p)

	value := make([]byte, modTimeSize+len(data))
	binary.BigEndian.PutUint64(value, uint64(b.now().UnixNano()))
	copy(value[modTimeSize:], data)

	var final string
	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)

		final = p
		if opts.Mode != ModeOverwrite && bucket.Get([]byte(p)) != nil {
			if !opts.Autorename {
				return ErrConflict
			}
			final = ""
			for n := 1; n <= maxAutorename; n++ {
				candidate := autorenameCandidate(p, n)
				if bucket.Get([]byte(candidate)) == nil {
					final = candidate
					break
				}
			}
			if final == "" {
				return fmt.Errorf("no free name for %s: %w", p, ErrConflict)
			}
		}
		return bucket.Put([]byte(final), value)
	})
	if err != nil {
		return nil, err
	}
	return &UploadResult{Path: final, Size: int64(len(data))}, nil
}

// Delete removes the object at path.
func (b *Bolt) Delete(ctx context.Context, p string) (string, error) {
	p = CleanPath(p)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		if bucket.Get([]byte(p)) == nil {
			return ErrNotFound
		}
		return bucket.Delete([]byte(p))
	})
	if err != nil {
		return "", err
	}
	return path.Base(p), nil
}

func decodeModTime(v []byte) time.Time {
	if len(v) < modTimeSize {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(v[:modTimeSize])))
}

// encodeKeyCursor packs a folder and the last key returned into an opaque cursor.
func encodeKeyCursor(prefix, after string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(prefix + "\x00" + after))
}

func decodeKeyCursor(cursor string) (string, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", fmt.Errorf("decoding cursor: %w", err)
	}
	prefix, after, ok := strings.Cut(string(raw), "\x00")
	if !ok {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return prefix, after, nil
}

// Compile-time interface checks
var (
	_ Store      = (*Bolt)(nil)
	_ Downloader = (*Bolt)(nil)
)
