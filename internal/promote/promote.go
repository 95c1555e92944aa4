// Package promote chooses the best-known-good set of source files for an
// ingest run and rotates it into the CURRENT snapshot slot.
package promote

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grant-datastore/internal/ledger"
	"github.com/sells-group/grant-datastore/internal/model"
	"github.com/sells-group/grant-datastore/internal/store"
)

// Store is the persistence the promoter needs.
type Store interface {
	ListRuns(ctx context.Context) ([]model.RunSummary, error)
	GetRun(ctx context.Context, runID int64) (*model.IngestRun, error)
	RunSourceFiles(ctx context.Context, runID int64) ([]model.SourceFile, error)
	FallbackCandidates(ctx context.Context, identifier string) ([]model.SourceFile, error)
	DiscardNext(ctx context.Context) error
	PromoteSnapshot(ctx context.Context, snap model.Snapshot, sourceFileIDs []int64) (*uuid.UUID, error)
	RebuildShortcut(ctx context.Context) (int64, error)
}

// Clearer empties the rollup cache.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Recorder receives promotion outcomes, e.g. for Prometheus.
type Recorder interface {
	PromotionFinished(outcome string, grants int64, dropped int, elapsed time.Duration)
}

// Candidate is one source file chosen for the snapshot.
type Candidate struct {
	SourceFile model.SourceFile `json:"source_file"`
	// Replaces is the failed source file this one stands in for; zero for
	// files taken from the run itself.
	Replaces int64 `json:"replaces,omitempty"`
}

// Dropped is a failed source file that could not be replaced.
type Dropped struct {
	SourceFileID int64  `json:"source_file_id"`
	Identifier   string `json:"identifier"`
	Reason       error  `json:"-"`
}

// Plan is the outcome of candidate selection for one run.
type Plan struct {
	RunID      int64       `json:"run_id"`
	Candidates []Candidate `json:"candidates"`
	Dropped    []Dropped   `json:"dropped"`
	// Empty counts eligible files of the run that carry no grants.
	Empty      int   `json:"empty"`
	GrantCount int64 `json:"grant_count"`
}

// SourceFileIDs returns the ids of every candidate.
func (p *Plan) SourceFileIDs() []int64 {
	ids := make([]int64, 0, len(p.Candidates))
	for _, c := range p.Candidates {
		ids = append(ids, c.SourceFile.ID)
	}
	return ids
}

// Fallbacks counts candidates taken from earlier runs.
func (p *Plan) Fallbacks() int {
	n := 0
	for _, c := range p.Candidates {
		if c.Replaces != 0 {
			n++
		}
	}
	return n
}

// Result describes a completed promotion.
type Result struct {
	Plan     *Plan          `json:"plan"`
	Snapshot model.Snapshot `json:"snapshot"`
	Evicted  *uuid.UUID     `json:"evicted,omitempty"`
}

// Promoter runs promotions.
type Promoter struct {
	store    Store
	cache    Clearer
	recorder Recorder
	now      func() time.Time
	log      *zap.Logger
}

// Option configures a Promoter.
type Option func(*Promoter)

// WithCache clears c after every successful promotion or reindex.
func WithCache(c Clearer) Option { return func(p *Promoter) { p.cache = c } }

// WithRecorder reports promotion outcomes to r.
func WithRecorder(r Recorder) Option { return func(p *Promoter) { p.recorder = r } }

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option { return func(p *Promoter) { p.now = now } }

// New creates a Promoter.
func New(st Store, opts ...Option) *Promoter {
	p := &Promoter{
		store: st,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "promote")),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// PromoteLatest promotes the most recently started run.
func (p *Promoter) PromoteLatest(ctx context.Context) (*Result, error) {
	runs, err := p.store.ListRuns(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "promote: list runs")
	}
	if len(runs) == 0 {
		return nil, eris.Wrap(store.ErrNotFound, "promote: no ingest runs")
	}
	return p.Promote(ctx, runs[0].ID)
}

// Promote builds a candidate set for runID, falling back to earlier runs for
// failed files, and rotates it into CURRENT. Staging and rotation happen in
// one transaction; readers never see a half-rotated series.
func (p *Promoter) Promote(ctx context.Context, runID int64) (*Result, error) {
	start := time.Now()
	log := p.log.With(zap.Int64("run_id", runID))

	if err := p.store.DiscardNext(ctx); err != nil {
		return nil, eris.Wrap(err, "promote: discard stale next")
	}

	plan, err := p.Plan(ctx, runID)
	if err != nil {
		p.record("error", 0, 0, start)
		return nil, err
	}
	if plan.GrantCount == 0 {
		log.Warn("promotion aborted, no grants in candidate set",
			zap.Int("dropped", len(plan.Dropped)),
			zap.Int("empty", plan.Empty),
		)
		p.record("aborted", 0, len(plan.Dropped), start)
		return nil, eris.Wrapf(ErrPromotionAborted, "promote: run %d", runID)
	}

	snap := model.Snapshot{
		ID:         uuid.New(),
		RunID:      runID,
		CreatedAt:  p.now().UTC(),
		GrantCount: plan.GrantCount,
		Series:     model.SeriesCurrent,
	}
	evicted, err := p.store.PromoteSnapshot(ctx, snap, plan.SourceFileIDs())
	if err != nil {
		p.record("error", 0, len(plan.Dropped), start)
		return nil, eris.Wrapf(err, "promote: rotate run %d", runID)
	}

	if p.cache != nil {
		if err := p.cache.Clear(ctx); err != nil {
			log.Warn("failed to clear cache after promotion", zap.Error(err))
		}
	}
	p.record("promoted", plan.GrantCount, len(plan.Dropped), start)

	log.Info("promoted snapshot",
		zap.String("snapshot_id", snap.ID.String()),
		zap.Int("source_files", len(plan.Candidates)),
		zap.Int("fallbacks", plan.Fallbacks()),
		zap.Int("dropped", len(plan.Dropped)),
		zap.Int64("grants", plan.GrantCount),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &Result{Plan: plan, Snapshot: snap, Evicted: evicted}, nil
}

// Plan selects the candidate set for runID without writing anything.
func (p *Promoter) Plan(ctx context.Context, runID int64) (*Plan, error) {
	if _, err := p.store.GetRun(ctx, runID); err != nil {
		return nil, eris.Wrapf(err, "promote: load run %d", runID)
	}
	files, err := p.store.RunSourceFiles(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "promote: source files of run %d", runID)
	}

	plan := &Plan{RunID: runID, Candidates: []Candidate{}, Dropped: []Dropped{}}
	chosen := make(map[int64]bool)

	eligible, failed := ledger.Partition(files)
	for _, f := range eligible {
		if f.GrantCount == 0 {
			plan.Empty++
			continue
		}
		chosen[f.ID] = true
		plan.Candidates = append(plan.Candidates, Candidate{SourceFile: f})
		plan.GrantCount += f.GrantCount
	}

	for _, f := range failed {
		repl, err := p.resolveFallback(ctx, f)
		if err == nil && chosen[repl.ID] {
			err = eris.Wrapf(ErrFallbackReused, "source file %d", repl.ID)
		}
		if err != nil {
			if !isFallbackError(err) {
				return nil, err
			}
			p.log.Warn("no replacement for failed source file",
				zap.Int64("run_id", runID),
				zap.Int64("source_file_id", f.ID),
				zap.String("identifier", f.Identifier),
				zap.Error(err),
			)
			plan.Dropped = append(plan.Dropped, Dropped{SourceFileID: f.ID, Identifier: f.Identifier, Reason: err})
			continue
		}
		chosen[repl.ID] = true
		plan.Candidates = append(plan.Candidates, Candidate{SourceFile: repl, Replaces: f.ID})
		plan.GrantCount += repl.GrantCount
		p.log.Debug("found replacement for failed source file",
			zap.String("identifier", f.Identifier),
			zap.Int64("replacement_id", repl.ID),
			zap.Int64("replacement_run_id", repl.RunID),
		)
	}
	return plan, nil
}

// resolveFallback finds the most recent eligible, non-empty source file that
// shares failed's identifier.
func (p *Promoter) resolveFallback(ctx context.Context, failed model.SourceFile) (model.SourceFile, error) {
	cands, err := p.store.FallbackCandidates(ctx, failed.Identifier)
	if err != nil {
		return model.SourceFile{}, eris.Wrapf(err, "promote: fallback candidates for %s", failed.Identifier)
	}

	usable := cands[:0]
	for _, c := range cands {
		if c.Promotable() {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		return model.SourceFile{}, eris.Wrapf(ErrFallbackNotFound, "identifier %s", failed.Identifier)
	}

	SortByRecency(usable)
	first := usable[0]
	if len(usable) > 1 {
		second := usable[1]
		if second.RunID != first.RunID && second.RunStartedAt.Equal(first.RunStartedAt) {
			return model.SourceFile{}, eris.Wrapf(ErrAmbiguousFallback,
				"identifier %s: runs %d and %d both started at %s",
				failed.Identifier, first.RunID, second.RunID, first.RunStartedAt.Format(time.RFC3339Nano))
		}
	}
	return first, nil
}

// SortByRecency orders files by run start time, newest first, breaking ties
// by run id then source file id, both descending.
func SortByRecency(files []model.SourceFile) {
	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if !a.RunStartedAt.Equal(b.RunStartedAt) {
			return a.RunStartedAt.After(b.RunStartedAt)
		}
		if a.RunID != b.RunID {
			return a.RunID > b.RunID
		}
		return a.ID > b.ID
	})
}

func isFallbackError(err error) bool {
	return errors.Is(err, ErrFallbackNotFound) ||
		errors.Is(err, ErrAmbiguousFallback) ||
		errors.Is(err, ErrFallbackReused)
}

// Reindex rebuilds the grant shortcut table for every readable slot.
func (p *Promoter) Reindex(ctx context.Context) (int64, error) {
	n, err := p.store.RebuildShortcut(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "promote: reindex")
	}
	if p.cache != nil {
		if err := p.cache.Clear(ctx); err != nil {
			p.log.Warn("failed to clear cache after reindex", zap.Error(err))
		}
	}
	p.log.Info("rebuilt grant shortcut", zap.Int64("rows", n))
	return n, nil
}

func (p *Promoter) record(outcome string, grants int64, dropped int, start time.Time) {
	if p.recorder != nil {
		p.recorder.PromotionFinished(outcome, grants, dropped, time.Since(start))
	}
}
