package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grant-datastore/internal/checker"
	"github.com/sells-group/grant-datastore/internal/model"
)

// RecheckStore is the persistence the rechecker needs.
type RecheckStore interface {
	GetRun(ctx context.Context, runID int64) (*model.IngestRun, error)
	RunSourceFiles(ctx context.Context, runID int64) ([]model.SourceFile, error)
	Snapshot(ctx context.Context, series model.Series) (*model.Snapshot, error)
	SnapshotSourceFiles(ctx context.Context, series model.Series) ([]model.SourceFile, error)
	SourceFileGrants(ctx context.Context, sourceFileID int64) ([]json.RawMessage, error)
	UpdateSourceFileBlobs(ctx context.Context, sourceFileID int64, q model.Quality, agg *model.Aggregate) error
}

// Clearer drops cached rollups.
type Clearer interface {
	Clear(ctx context.Context) error
}

// RecheckResult summarises one recheck.
type RecheckResult struct {
	SourceFiles int           `json:"source_files"`
	Checked     int           `json:"checked"`
	Skipped     int           `json:"skipped"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Rechecker re-runs the quality checker over stored grants and replaces
// the quality and aggregate blobs of each source file.
type Rechecker struct {
	store   RecheckStore
	checker checker.Checker
	cache   Clearer
	log     *zap.Logger
}

// NewRechecker creates a Rechecker. cache may be nil.
func NewRechecker(st RecheckStore, chk checker.Checker, cache Clearer) *Rechecker {
	return &Rechecker{
		store:   st,
		checker: chk,
		cache:   cache,
		log:     zap.L().With(zap.String("component", "ingest.recheck")),
	}
}

// RecheckRun rewrites the blobs of every source file of runID.
func (r *Rechecker) RecheckRun(ctx context.Context, runID int64) (*RecheckResult, error) {
	if _, err := r.store.GetRun(ctx, runID); err != nil {
		return nil, eris.Wrapf(err, "ingest: recheck run %d", runID)
	}
	files, err := r.store.RunSourceFiles(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: source files of run %d", runID)
	}
	return r.recheck(ctx, files, r.log.With(zap.Int64("run_id", runID)))
}

// RecheckCurrent rewrites the blobs of every source file in the CURRENT
// snapshot.
func (r *Rechecker) RecheckCurrent(ctx context.Context) (*RecheckResult, error) {
	snap, err := r.store.Snapshot(ctx, model.SeriesCurrent)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: recheck current snapshot")
	}
	files, err := r.store.SnapshotSourceFiles(ctx, model.SeriesCurrent)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: source files of current snapshot")
	}
	return r.recheck(ctx, files, r.log.With(zap.String("snapshot_id", snap.ID.String())))
}

func (r *Rechecker) recheck(ctx context.Context, files []model.SourceFile, log *zap.Logger) (*RecheckResult, error) {
	if r.checker == nil {
		return nil, eris.New("ingest: recheck needs a quality checker")
	}
	start := time.Now()
	res := &RecheckResult{SourceFiles: len(files)}

	err := r.checkAll(ctx, files, res)
	// Blobs already rewritten stay rewritten, so cached rollups are stale
	// even when a later file fails.
	if res.Checked > 0 && r.cache != nil {
		if cerr := r.cache.Clear(context.WithoutCancel(ctx)); cerr != nil {
			log.Warn("failed to clear rollup cache", zap.Error(cerr))
		}
	}
	if err != nil {
		return nil, err
	}

	res.Elapsed = time.Since(start)
	log.Info("recheck complete",
		zap.Int("source_files", res.SourceFiles),
		zap.Int("checked", res.Checked),
		zap.Int("skipped", res.Skipped),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func (r *Rechecker) checkAll(ctx context.Context, files []model.SourceFile, res *RecheckResult) error {
	for _, sf := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		grants, err := r.store.SourceFileGrants(ctx, sf.ID)
		if err != nil {
			return eris.Wrapf(err, "ingest: grants of %s", sf.Identifier)
		}
		if len(grants) == 0 {
			res.Skipped++
			continue
		}
		q, agg, err := r.checker.Check(ctx, grants)
		if err != nil {
			return eris.Wrapf(err, "ingest: check %s", sf.Identifier)
		}
		if err := r.store.UpdateSourceFileBlobs(ctx, sf.ID, q, agg); err != nil {
			return eris.Wrapf(err, "ingest: store blobs of %s", sf.Identifier)
		}
		res.Checked++
	}
	return nil
}
