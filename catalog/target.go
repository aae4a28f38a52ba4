package catalog

import (
	"context"
	"strings"

	"github.com/wolfeidau/audionix"
	"github.com/wolfeidau/audionix/blobstore"
)

type targetKind int

const (
	targetNone targetKind = iota
	targetID
	targetPath
)

// Target names the item an operation acts on: either an opaque record id
// or a canonical storage path. Build one with ByID, ByPath or ParseTarget.
type Target struct {
	kind  targetKind
	value string
}

// ByID targets the record with the given id.
func ByID(id string) Target { return Target{kind: targetID, value: id} }

// ByPath targets a storage path directly. The path is canonicalized.
func ByPath(p string) Target { return Target{kind: targetPath, value: blobstore.CleanPath(p)} }

// ID returns the id and true for an id target.
func (t Target) ID() (string, bool) { return t.value, t.kind == targetID }

// Path returns the path and true for a path target.
func (t Target) Path() (string, bool) { return t.value, t.kind == targetPath }

// IsZero reports whether t names nothing.
func (t Target) IsZero() bool { return t.kind == targetNone }

func (t Target) String() string {
	switch t.kind {
	case targetID:
		return "id:" + t.value
	case targetPath:
		return "path:" + t.value
	default:
		return "none"
	}
}

// ParseTarget turns caller input, where either field may be empty, into a
// Target. Clients send both raw paths and ids through the path parameter:
//
//   - a path beginning with the separator is already canonical
//   - a path shaped like an id is an id
//   - otherwise a supplied id wins
//   - a residual relative path is rooted
//
// It returns ErrInvalidInput when both are empty.
func ParseTarget(id, path string) (Target, error) {
	id = strings.TrimSpace(id)
	path = strings.TrimSpace(path)

	switch {
	case strings.HasPrefix(path, blobstore.Separator):
		return ByPath(path), nil
	case audionix.IsID(path):
		return ByID(path), nil
	case id != "":
		return ByID(id), nil
	case path != "":
		return ByPath(blobstore.Separator + path), nil
	default:
		return Target{}, ErrInvalidInput
	}
}

// Resolution is a Target resolved to the audio path it refers to. Record is
// set when the target was an id.
type Resolution struct {
	Path   string
	Record *Record
}

// Resolver maps Targets to audio paths using the cache.
type Resolver struct {
	cache *Cache
}

// NewResolver creates a resolver over c.
func NewResolver(c *Cache) *Resolver {
	return &Resolver{cache: c}
}

// Resolve returns the audio path for t. An id target returns ErrNotFound
// when no record has that id, even after a reload. A path target is
// returned as is, without a record.
func (r *Resolver) Resolve(ctx context.Context, t Target) (*Resolution, error) {
	if id, ok := t.ID(); ok {
		rec, err := r.cache.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Resolution{Path: rec.AudioPath, Record: rec}, nil
	}
	if p, ok := t.Path(); ok {
		return &Resolution{Path: p}, nil
	}
	return nil, ErrInvalidInput
}
