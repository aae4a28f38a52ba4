package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/wolfeidau/audionix/blobstore"
)

// ChangeInput holds the fields to update. Blank strings and a nil or empty
// cover leave the current value in place.
type ChangeInput struct {
	SongName string
	Artist   string
	Cover    *CoverInput
}

// Change updates the record with id and rewrites its metadata object in
// place. A new cover replaces the old representation; a stored old cover at
// a different path is deleted best-effort. If the new cover cannot be
// stored nothing is rewritten.
func (s *Service) Change(ctx context.Context, id string, in ChangeInput) (*Record, error) {
	current, err := s.cache.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := current.clone()
	changed := false
	if v := strings.TrimSpace(in.SongName); v != "" && v != updated.SongName {
		updated.SongName = v
		changed = true
	}
	if v := strings.TrimSpace(in.Artist); v != "" && v != updated.Artist {
		updated.Artist = v
		changed = true
	}
	if in.Cover.present() {
		cover, err := s.covers.write(ctx, s.cfg.CoverMode, id, in.Cover)
		if err != nil {
			return nil, err
		}
		updated.Cover = cover
		changed = true
	}
	if !changed {
		return current, nil
	}

	if err := s.writeMetadata(ctx, updated); err != nil {
		return nil, err
	}
	s.cache.Put(updated)

	if old := current.Cover; old.Kind == CoverPath && !(updated.Cover.Kind == CoverPath && updated.Cover.Value == old.Value) {
		s.deleteCover(ctx, id, old)
	}

	s.logger.Info("record changed", "id", id, "cover", updated.Cover.Kind.String())
	return updated.clone(), nil
}

// deleteCover removes a stored cover asset, logging failures.
func (s *Service) deleteCover(ctx context.Context, id string, c Cover) bool {
	if c.Kind != CoverPath || c.Value == "" {
		return false
	}
	if _, err := s.store.Delete(ctx, c.Value); err != nil {
		if !errors.Is(err, blobstore.ErrNotFound) {
			s.logger.Warn("cover delete failed", "id", id, "path", c.Value, "error", err)
		}
		return false
	}
	return true
}
