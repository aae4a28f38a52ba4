package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/wolfeidau/audionix/blobstore"
)

// Ack reports what Delete removed.
type Ack struct {
	// Path is the resolved audio path.
	Path string
	// IDs lists the records whose metadata was removed.
	IDs []string

	AudioDeleted    bool
	MetadataDeleted int
	CoversDeleted   int

	// Scan holds the per-object results when no cached record matched and
	// the metadata folder was scanned for one.
	Scan *ScanReport
}

// Delete removes the audio blob for t together with its record. A missing
// audio blob is tolerated. Without a cached record the metadata folder is
// scanned for records whose audio path matches. It returns ErrNotFound when
// neither the audio nor a record was found.
func (s *Service) Delete(ctx context.Context, t Target) (*Ack, error) {
	res, err := s.resolver.Resolve(ctx, t)
	if err != nil {
		return nil, err
	}

	ack := &Ack{Path: res.Path}
	if _, err := s.store.Delete(ctx, res.Path); err != nil {
		if !errors.Is(err, blobstore.ErrNotFound) {
			return nil, upstream("audio delete", err)
		}
		s.logger.Info("audio already absent", "path", res.Path)
	} else {
		ack.AudioDeleted = true
	}
	s.links.Invalidate(res.Path)

	if res.Record != nil {
		if err := s.deleteRecord(ctx, res.Record, ack); err != nil {
			return nil, err
		}
		return ack, nil
	}

	report, err := s.cache.scan(ctx)
	if err != nil {
		return nil, upstream("metadata scan", err)
	}
	ack.Scan = report
	for _, e := range report.Entries {
		if e.Status != ScanOK || !strings.EqualFold(e.Record.AudioPath, res.Path) {
			continue
		}
		if err := s.deleteRecord(ctx, e.Record, ack); err != nil {
			return nil, err
		}
	}

	if !ack.AudioDeleted && ack.MetadataDeleted == 0 {
		return nil, ErrNotFound
	}
	return ack, nil
}

// deleteRecord removes a record's metadata object and stored cover and
// evicts it from the cache.
func (s *Service) deleteRecord(ctx context.Context, rec *Record, ack *Ack) error {
	if _, err := s.store.Delete(ctx, rec.MetadataPath); err != nil {
		if !errors.Is(err, blobstore.ErrNotFound) {
			return upstream("metadata delete", err)
		}
	} else {
		ack.MetadataDeleted++
	}
	if s.deleteCover(ctx, rec.ID, rec.Cover) {
		ack.CoversDeleted++
	}
	s.cache.Remove(rec.ID)
	ack.IDs = append(ack.IDs, rec.ID)

	s.logger.Info("record deleted", "id", rec.ID, "metadata_path", rec.MetadataPath)
	return nil
}
