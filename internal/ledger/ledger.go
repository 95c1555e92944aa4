// Package ledger records ingest runs and answers which of their source
// files are usable. It also owns the retention operations (delete,
// archive) and the status flags polled by downstream consumers.
package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grant-datastore/internal/model"
	"github.com/sells-group/grant-datastore/internal/store"
)

// Store is the persistence the ledger needs.
type Store interface {
	GetRun(ctx context.Context, runID int64) (*model.IngestRun, error)
	ListRuns(ctx context.Context) ([]model.RunSummary, error)
	RunInUse(ctx context.Context, runID int64) (bool, error)
	DeleteRun(ctx context.Context, runID int64) error
	ArchiveRun(ctx context.Context, runID int64) error
	SetStatus(ctx context.Context, what string, status model.StatusValue) error
	Statuses(ctx context.Context) ([]model.Status, error)
	ResetStatuses(ctx context.Context) error
}

// Clearer empties the rollup cache.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Action is what a retention operation did to one run.
type Action string

const (
	ActionDeleted         Action = "deleted"
	ActionArchived        Action = "archived"
	ActionSkippedInUse    Action = "skipped (in use)"
	ActionMissing         Action = "missing"
	ActionAlreadyArchived Action = "already archived"
)

// Outcome reports the action taken for one run id.
type Outcome struct {
	RunID  int64  `json:"run_id"`
	Action Action `json:"action"`
}

// Options control retention operations.
type Options struct {
	// Force acts on runs whose source files back a live snapshot.
	Force bool
}

// Ledger is the run ledger and validity filter.
type Ledger struct {
	store Store
	cache Clearer
	now   func() time.Time
	log   *zap.Logger
}

// New creates a Ledger. cache may be nil.
func New(st Store, cache Clearer) *Ledger {
	return &Ledger{
		store: st,
		cache: cache,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "ledger")),
	}
}

// Partition splits files into eligible and ineligible, preserving order.
func Partition(files []model.SourceFile) (eligible, ineligible []model.SourceFile) {
	for _, f := range files {
		if f.Eligible() {
			eligible = append(eligible, f)
		} else {
			ineligible = append(ineligible, f)
		}
	}
	return eligible, ineligible
}

// List returns every run, newest first.
func (l *Ledger) List(ctx context.Context) ([]model.RunSummary, error) {
	runs, err := l.store.ListRuns(ctx)
	return runs, eris.Wrap(err, "ledger: list runs")
}

// Latest returns the newest run, or store.ErrNotFound when there is none.
func (l *Ledger) Latest(ctx context.Context) (*model.RunSummary, error) {
	runs, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, eris.Wrap(store.ErrNotFound, "ledger: no runs")
	}
	return &runs[0], nil
}

// Total returns the number of recorded runs.
func (l *Ledger) Total(ctx context.Context) (int, error) {
	runs, err := l.List(ctx)
	return len(runs), err
}

// Selector picks runs for a retention operation. All criteria are unioned.
type Selector struct {
	IDs           []int64
	Oldest        bool
	OlderThanDays int
	NotInUse      bool
}

// Empty reports whether the selector names nothing.
func (s Selector) Empty() bool {
	return len(s.IDs) == 0 && !s.Oldest && s.OlderThanDays <= 0 && !s.NotInUse
}

// Resolve expands a selector into a sorted, de-duplicated list of run ids.
func (l *Ledger) Resolve(ctx context.Context, sel Selector) ([]int64, error) {
	set := make(map[int64]struct{}, len(sel.IDs))
	for _, id := range sel.IDs {
		set[id] = struct{}{}
	}

	if sel.Oldest || sel.OlderThanDays > 0 || sel.NotInUse {
		runs, err := l.List(ctx)
		if err != nil {
			return nil, err
		}
		if sel.Oldest && len(runs) > 0 {
			set[runs[len(runs)-1].ID] = struct{}{}
		}
		if sel.OlderThanDays > 0 {
			cutoff := l.now().AddDate(0, 0, -sel.OlderThanDays)
			for _, r := range runs {
				if r.StartedAt.Before(cutoff) {
					set[r.ID] = struct{}{}
				}
			}
		}
		if sel.NotInUse {
			for _, r := range runs {
				if !r.InUse {
					set[r.ID] = struct{}{}
				}
			}
		}
	}

	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Delete removes all data of each run. Runs backing CURRENT or PREVIOUS are
// skipped unless opts.Force is set. Missing runs are a logged no-op.
func (l *Ledger) Delete(ctx context.Context, ids []int64, opts Options) ([]Outcome, error) {
	return l.apply(ctx, ids, opts, false)
}

// Archive deletes the grants of each run but keeps its publishers and
// source files. Already-archived and missing runs are logged no-ops.
func (l *Ledger) Archive(ctx context.Context, ids []int64, opts Options) ([]Outcome, error) {
	return l.apply(ctx, ids, opts, true)
}

func (l *Ledger) apply(ctx context.Context, ids []int64, opts Options, archive bool) ([]Outcome, error) {
	var (
		out     []Outcome
		mutated bool
	)
	for _, id := range ids {
		run, err := l.store.GetRun(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			l.log.Info("run does not exist, nothing to do", zap.Int64("run_id", id))
			out = append(out, Outcome{RunID: id, Action: ActionMissing})
			continue
		}
		if err != nil {
			return out, eris.Wrapf(err, "ledger: load run %d", id)
		}
		if archive && run.Archived {
			l.log.Info("run already archived", zap.Int64("run_id", id))
			out = append(out, Outcome{RunID: id, Action: ActionAlreadyArchived})
			continue
		}

		inUse, err := l.store.RunInUse(ctx, id)
		if err != nil {
			return out, eris.Wrapf(err, "ledger: check run %d in use", id)
		}
		if inUse && !opts.Force {
			l.log.Warn("run is in use by a snapshot, skipped", zap.Int64("run_id", id))
			out = append(out, Outcome{RunID: id, Action: ActionSkippedInUse})
			continue
		}

		if archive {
			if err := l.store.ArchiveRun(ctx, id); err != nil {
				return out, eris.Wrapf(err, "ledger: archive run %d", id)
			}
			out = append(out, Outcome{RunID: id, Action: ActionArchived})
		} else {
			if err := l.store.DeleteRun(ctx, id); err != nil {
				return out, eris.Wrapf(err, "ledger: delete run %d", id)
			}
			out = append(out, Outcome{RunID: id, Action: ActionDeleted})
		}
		mutated = true
		l.log.Info("run retired",
			zap.Int64("run_id", id),
			zap.Bool("archive", archive),
			zap.Bool("forced", inUse),
		)
	}

	if mutated {
		if err := l.clearCache(ctx); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (l *Ledger) clearCache(ctx context.Context) error {
	if l.cache == nil {
		return nil
	}
	return eris.Wrap(l.cache.Clear(ctx), "ledger: clear cache")
}

// SetStatus records a status flag such as datagetter=in progress.
func (l *Ledger) SetStatus(ctx context.Context, what string, status model.StatusValue) error {
	if what == "" {
		return eris.New("ledger: status subject is required")
	}
	return eris.Wrapf(l.store.SetStatus(ctx, what, status), "ledger: set status %s", what)
}

// Statuses lists every status flag.
func (l *Ledger) Statuses(ctx context.Context) ([]model.Status, error) {
	st, err := l.store.Statuses(ctx)
	return st, eris.Wrap(err, "ledger: list statuses")
}

// ResetStatuses sets every flag back to idle.
func (l *Ledger) ResetStatuses(ctx context.Context) error {
	return eris.Wrap(l.store.ResetStatuses(ctx), "ledger: reset statuses")
}
