package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/wolfeidau/audionix/blobstore"
	"golang.org/x/sync/errgroup"
)

// DefaultFetchConcurrency bounds concurrent metadata fetches during a scan.
const DefaultFetchConcurrency = 16

// metadataExt is the suffix of metadata objects.
const metadataExt = ".json"

// ScanStatus is the outcome for one scanned metadata object.
type ScanStatus int

const (
	// ScanOK means the object parsed into a Record.
	ScanOK ScanStatus = iota
	// ScanSkipped means the object was fetched or parsed unsuccessfully.
	ScanSkipped
)

func (s ScanStatus) String() string {
	if s == ScanOK {
		return "ok"
	}
	return "skipped"
}

// ScanEntry is the result of scanning one metadata object.
type ScanEntry struct {
	Path   string
	Status ScanStatus
	Record *Record // set when Status is ScanOK
	Reason string  // set when Status is ScanSkipped
}

// ScanReport aggregates the per-object results of a metadata scan, in
// listing order.
type ScanReport struct {
	Entries []ScanEntry
}

// Loaded returns the number of objects that parsed into a Record.
func (r *ScanReport) Loaded() int {
	n := 0
	for _, e := range r.Entries {
		if e.Status == ScanOK {
			n++
		}
	}
	return n
}

// Skipped returns the entries that did not yield a Record.
func (r *ScanReport) Skipped() []ScanEntry {
	var out []ScanEntry
	for _, e := range r.Entries {
		if e.Status == ScanSkipped {
			out = append(out, e)
		}
	}
	return out
}

// scanner lists and parses every metadata object under a prefix.
type scanner struct {
	store       blobstore.Store
	codec       *Codec
	client      *http.Client
	prefix      string
	concurrency int
	logger      *slog.Logger
}

// listMetadata returns the paths of every metadata object, following
// continuation cursors. A missing folder yields no paths.
func (s *scanner) listMetadata(ctx context.Context) ([]string, error) {
	var paths []string
	cursor := ""
	for {
		page, err := s.store.List(ctx, s.prefix, cursor)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) && cursor == "" {
				return nil, nil
			}
			return nil, fmt.Errorf("listing %s: %w", s.prefix, err)
		}
		for _, e := range page.Entries {
			if e.IsDir || !strings.EqualFold(path.Ext(e.Name), metadataExt) {
				continue
			}
			paths = append(paths, e.Path)
		}
		if !page.HasMore || page.Cursor == "" {
			return paths, nil
		}
		cursor = page.Cursor
	}
}

// scan fetches and parses every metadata object concurrently. Individual
// failures become skipped entries; only a listing failure is returned.
func (s *scanner) scan(ctx context.Context) (*ScanReport, error) {
	paths, err := s.listMetadata(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]ScanEntry, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	limit := s.concurrency
	if limit <= 0 {
		limit = DefaultFetchConcurrency
	}
	g.SetLimit(limit)

	for i, p := range paths {
		g.Go(func() error {
			entries[i] = s.scanOne(gctx, p)
			return nil
		})
	}
	_ = g.Wait()

	report := &ScanReport{Entries: entries}
	for _, e := range report.Skipped() {
		s.logger.Warn("skipping metadata object", "path", e.Path, "reason", e.Reason)
	}
	return report, nil
}

func (s *scanner) scanOne(ctx context.Context, p string) ScanEntry {
	data, err := blobstore.Fetch(ctx, s.store, s.client, p)
	if err != nil {
		return ScanEntry{Path: p, Status: ScanSkipped, Reason: "fetch: " + err.Error()}
	}
	r, err := s.codec.Decode(data)
	if err != nil {
		return ScanEntry{Path: p, Status: ScanSkipped, Reason: err.Error()}
	}
	if r.ID == "" || strings.Contains(r.ID, blobstore.Separator) {
		return ScanEntry{Path: p, Status: ScanSkipped, Reason: "missing or invalid id"}
	}
	// The listed location is authoritative for where updates are written.
	if r.MetadataPath != p {
		if r.MetadataPath != "" {
			s.logger.Debug("metadata path differs from listing",
				"id", r.ID,
				"recorded", r.MetadataPath,
				"listed", p,
			)
		}
		r.MetadataPath = p
	}
	return ScanEntry{Path: p, Status: ScanOK, Record: r}
}
