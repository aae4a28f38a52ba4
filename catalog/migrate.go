package catalog

import (
	"context"
	"log/slog"

	"github.com/wolfeidau/audionix/telemetry"
)

// MigrationOutcome is the result of migrating one record.
type MigrationOutcome string

const (
	MigrationMigrated  MigrationOutcome = "migrated"
	MigrationUnchanged MigrationOutcome = "unchanged"
	MigrationFailed    MigrationOutcome = "failed"
)

// MigrationResult describes what happened to one record.
type MigrationResult struct {
	ID      string
	Outcome MigrationOutcome
	Cover   Cover // the new reference when migrated
	Error   string
}

// MigrationReport summarizes a migration pass.
type MigrationReport struct {
	Examined  int
	Migrated  int
	Unchanged int
	Failed    int
	Results   []MigrationResult
}

func (r *MigrationReport) add(res MigrationResult) {
	r.Examined++
	switch res.Outcome {
	case MigrationMigrated:
		r.Migrated++
	case MigrationUnchanged:
		r.Unchanged++
	case MigrationFailed:
		r.Failed++
	}
	r.Results = append(r.Results, res)
}

// Migrator moves records with inline cover data to a referenced cover. It
// only ever moves records forward, so running it again is a no-op.
type Migrator struct {
	svc    *Service
	mode   CoverMode
	logger *slog.Logger
}

// newMigrator targets the image host when covers go there and blob storage
// otherwise.
func newMigrator(s *Service) *Migrator {
	mode := CoverModeBlob
	if s.cfg.CoverMode == CoverModeImageHost {
		mode = CoverModeImageHost
	}
	return &Migrator{
		svc:    s,
		mode:   mode,
		logger: s.logger.With("component", "migration"),
	}
}

// Run migrates every cached record. Per-record failures are logged and
// counted; only cancellation of ctx stops the pass early.
func (m *Migrator) Run(ctx context.Context) (*MigrationReport, error) {
	report := &MigrationReport{}
	for _, rec := range m.svc.cache.List() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := m.migrate(ctx, rec)
		telemetry.RecordMigration(ctx, string(res.Outcome))
		report.add(res)
	}

	m.logger.Info("migration finished",
		"examined", report.Examined,
		"migrated", report.Migrated,
		"unchanged", report.Unchanged,
		"failed", report.Failed,
	)
	return report, nil
}

func (m *Migrator) migrate(ctx context.Context, rec *Record) MigrationResult {
	if rec.SchemaVersion() != SchemaInline {
		return MigrationResult{ID: rec.ID, Outcome: MigrationUnchanged}
	}

	fail := func(stage string, err error) MigrationResult {
		m.logger.Warn("record migration failed", "id", rec.ID, "stage", stage, "error", err)
		return MigrationResult{ID: rec.ID, Outcome: MigrationFailed, Error: stage + ": " + err.Error()}
	}

	in, err := decodeDataURL(rec.Cover.Value)
	if err != nil {
		return fail("decode", err)
	}
	cover, err := m.svc.covers.write(ctx, m.mode, rec.ID, in)
	if err != nil {
		return fail("upload", err)
	}

	updated := rec.clone()
	updated.Cover = cover
	if err := m.svc.writeMetadata(ctx, updated); err != nil {
		return fail("rewrite", err)
	}
	m.svc.cache.Put(updated)

	m.logger.Debug("record migrated", "id", rec.ID, "cover", cover.Value)
	return MigrationResult{ID: rec.ID, Outcome: MigrationMigrated, Cover: cover}
}
