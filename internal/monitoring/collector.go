package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grant-datastore/internal/model"
	"github.com/sells-group/grant-datastore/internal/store"
)

// MetricsSnapshot holds a point-in-time view of datastore health.
type MetricsSnapshot struct {
	// Ingest runs.
	Runs              int        `json:"runs"`
	LatestRunID       int64      `json:"latest_run_id,omitempty"`
	LatestRunAt       *time.Time `json:"latest_run_at,omitempty"`
	LatestSourceFiles int        `json:"latest_source_files"`
	LatestIneligible  int        `json:"latest_ineligible"`
	IneligibleRate    float64    `json:"ineligible_rate"`

	// Snapshots.
	HasCurrent      bool    `json:"has_current"`
	CurrentID       string  `json:"current_id,omitempty"`
	CurrentRunID    int64   `json:"current_run_id,omitempty"`
	CurrentGrants   int64   `json:"current_grants"`
	CurrentAgeHours float64 `json:"current_age_hours"`
	PreviousGrants  int64   `json:"previous_grants"`

	// Entities.
	Funders    int64 `json:"funders"`
	Recipients int64 `json:"recipients"`

	Statuses    map[string]model.StatusValue `json:"statuses"`
	CollectedAt time.Time                    `json:"collected_at"`
}

// Store is the read-only view the collector needs.
type Store interface {
	ListRuns(ctx context.Context) ([]model.RunSummary, error)
	RunSourceFiles(ctx context.Context, runID int64) ([]model.SourceFile, error)
	Snapshot(ctx context.Context, series model.Series) (*model.Snapshot, error)
	CountEntities(ctx context.Context, kind model.EntityKind) (int64, error)
	Statuses(ctx context.Context) ([]model.Status, error)
}

// Collector gathers health metrics from the store.
type Collector struct {
	store Store
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st Store) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot of datastore metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		Statuses:    map[string]model.StatusValue{},
		CollectedAt: now,
	}

	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	snap.Runs = len(runs)
	if len(runs) > 0 {
		latest := runs[0]
		at := latest.StartedAt
		snap.LatestRunID = latest.ID
		snap.LatestRunAt = &at

		files, err := c.store.RunSourceFiles(ctx, latest.ID)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: latest run source files")
		}
		snap.LatestSourceFiles = len(files)
		for _, f := range files {
			if !f.Eligible() {
				snap.LatestIneligible++
			}
		}
		if len(files) > 0 {
			snap.IneligibleRate = float64(snap.LatestIneligible) / float64(len(files))
		}
	}

	cur, err := c.snapshot(ctx, model.SeriesCurrent)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		snap.HasCurrent = true
		snap.CurrentID = cur.ID.String()
		snap.CurrentRunID = cur.RunID
		snap.CurrentGrants = cur.GrantCount
		snap.CurrentAgeHours = now.Sub(cur.CreatedAt).Hours()
	}
	prev, err := c.snapshot(ctx, model.SeriesPrevious)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		snap.PreviousGrants = prev.GrantCount
	}

	if snap.Funders, err = c.store.CountEntities(ctx, model.EntityFunder); err != nil {
		return nil, eris.Wrap(err, "monitoring: count funders")
	}
	if snap.Recipients, err = c.store.CountEntities(ctx, model.EntityRecipient); err != nil {
		return nil, eris.Wrap(err, "monitoring: count recipients")
	}

	statuses, err := c.store.Statuses(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: statuses")
	}
	for _, s := range statuses {
		snap.Statuses[s.What] = s.Status
	}
	return snap, nil
}

func (c *Collector) snapshot(ctx context.Context, series model.Series) (*model.Snapshot, error) {
	s, err := c.store.Snapshot(ctx, series)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: %s snapshot", series)
	}
	return s, nil
}
