// Package rollup combines the per-file quality and aggregate blobs of the
// CURRENT snapshot into scope-wide percentages, histograms and totals.
package rollup

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/grant-datastore/internal/cache"
	"github.com/sells-group/grant-datastore/internal/model"
	"github.com/sells-group/grant-datastore/internal/store"
)

// ErrUnknownPublisher is returned when a prefix has no files in the snapshot.
var ErrUnknownPublisher = eris.New("rollup: publisher not in snapshot")

// Store is the persistence the rollup service needs.
type Store interface {
	Snapshot(ctx context.Context, series model.Series) (*model.Snapshot, error)
	SnapshotSourceFiles(ctx context.Context, series model.Series) ([]model.SourceFile, error)
	SnapshotPublishers(ctx context.Context, series model.Series) ([]model.Publisher, error)
	UpdatePublisherBlobs(ctx context.Context, blobs []store.PublisherBlobs) error
}

// Config tunes the rollup service.
type Config struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// Service serves cached rollups of the CURRENT snapshot.
type Service struct {
	store   Store
	cache   cache.Cache
	workers int
	now     func() time.Time
	log     *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock that anchors recency windows.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a Service. A nil cache disables caching.
func NewService(st Store, c cache.Cache, cfg Config, opts ...Option) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	s := &Service{
		store:   st,
		cache:   c,
		workers: workers,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "rollup")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Overview rolls up the whole CURRENT snapshot.
func (s *Service) Overview(ctx context.Context, mode Mode) (*Result, error) {
	return s.cached(ctx, "", mode)
}

// Publisher rolls up one publisher's files within the CURRENT snapshot.
func (s *Service) Publisher(ctx context.Context, prefix string, mode Mode) (*Result, error) {
	return s.cached(ctx, prefix, mode)
}

func (s *Service) cached(ctx context.Context, prefix string, mode Mode) (*Result, error) {
	snap, err := s.store.Snapshot(ctx, model.SeriesCurrent)
	if err != nil {
		return nil, eris.Wrap(err, "rollup: resolve current snapshot")
	}
	scope := prefix
	if scope == "" {
		scope = "all"
	}
	key := cache.Key("rollup", snap.ID.String(), scope, string(mode))

	if b, ok, err := s.cache.Get(ctx, key); err != nil {
		s.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		var res Result
		if err := json.Unmarshal(b, &res); err == nil {
			return &res, nil
		}
		s.log.Warn("discarding undecodable cache entry", zap.String("key", key))
	}

	files, err := s.store.SnapshotSourceFiles(ctx, model.SeriesCurrent)
	if err != nil {
		return nil, eris.Wrap(err, "rollup: load snapshot source files")
	}
	if prefix != "" {
		files = filterPublisher(files, prefix)
		if len(files) == 0 {
			return nil, eris.Wrapf(ErrUnknownPublisher, "prefix %s", prefix)
		}
	}

	res := Compute(files, mode, s.now())
	res.Publisher = prefix
	res.SnapshotID = snap.ID.String()
	if len(res.ExternalIDsUnreported) > 0 {
		s.log.Warn("aggregates lack recipient org-id prefix counts, external org-id histogram is incomplete",
			zap.Strings("publishers", res.ExternalIDsUnreported))
	}

	if b, err := json.Marshal(res); err != nil {
		s.log.Warn("failed to encode rollup", zap.Error(err))
	} else if err := s.cache.Set(ctx, key, b); err != nil {
		s.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return res, nil
}

func filterPublisher(files []model.SourceFile, prefix string) []model.SourceFile {
	var out []model.SourceFile
	for _, f := range files {
		if f.PublisherPrefix == prefix {
			out = append(out, f)
		}
	}
	return out
}

// PublisherRollup is what RefreshPublishers stores on a publisher row.
type PublisherRollup struct {
	Prefix    string
	Quality   map[string]Metric
	Aggregate PublisherAggregate
}

// PublisherAggregate is the aggregate blob stored per publisher.
type PublisherAggregate struct {
	Totals       Totals            `json:"total"`
	FileTypes    map[string]Metric `json:"file_types"`
	AwardYears   map[string]Metric `json:"award_years"`
	GrantsByYear map[string]int64  `json:"grants_by_year"`
	LastModified string            `json:"last_modified,omitempty"`
}

// RefreshPublishers recomputes every publisher's grants-mode rollup over a
// fixed worker pool and persists it to the publisher's newest row in the
// snapshot. Nothing is written if any publisher fails.
func (s *Service) RefreshPublishers(ctx context.Context) (int, error) {
	start := time.Now()
	files, err := s.store.SnapshotSourceFiles(ctx, model.SeriesCurrent)
	if err != nil {
		return 0, eris.Wrap(err, "rollup: load snapshot source files")
	}
	pubs, err := s.store.SnapshotPublishers(ctx, model.SeriesCurrent)
	if err != nil {
		return 0, eris.Wrap(err, "rollup: load snapshot publishers")
	}

	groups := groupByPublisher(files)
	now := s.now()
	results := make([]PublisherRollup, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, grp := range groups {
		i, grp := i, grp
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r := Compute(grp.files, ModeGrants, now)
			results[i] = PublisherRollup{
				Prefix:  grp.prefix,
				Quality: r.Quality,
				Aggregate: PublisherAggregate{
					Totals:       r.Totals,
					FileTypes:    r.FileTypes,
					AwardYears:   r.AwardYears,
					GrantsByYear: r.GrantsByYear,
					LastModified: r.LastModified,
				},
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, eris.Wrap(err, "rollup: compute publisher rollups")
	}

	rows := newestPublisherRows(pubs)
	blobs := make([]store.PublisherBlobs, 0, len(results))
	for _, r := range results {
		id, ok := rows[r.Prefix]
		if !ok {
			s.log.Warn("no publisher row for prefix", zap.String("prefix", r.Prefix))
			continue
		}
		q, err := json.Marshal(r.Quality)
		if err != nil {
			return 0, eris.Wrapf(err, "rollup: encode quality of %s", r.Prefix)
		}
		a, err := json.Marshal(r.Aggregate)
		if err != nil {
			return 0, eris.Wrapf(err, "rollup: encode aggregate of %s", r.Prefix)
		}
		blobs = append(blobs, store.PublisherBlobs{PublisherID: id, Quality: q, Aggregate: a})
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].PublisherID < blobs[j].PublisherID })

	if err := s.store.UpdatePublisherBlobs(ctx, blobs); err != nil {
		return 0, eris.Wrap(err, "rollup: persist publisher rollups")
	}
	if err := s.cache.Clear(ctx); err != nil {
		s.log.Warn("failed to clear cache after publisher refresh", zap.Error(err))
	}

	s.log.Info("refreshed publisher rollups",
		zap.Int("publishers", len(blobs)),
		zap.Int("workers", s.workers),
		zap.Duration("elapsed", time.Since(start)),
	)
	return len(blobs), nil
}

// newestPublisherRows maps each prefix to the id of its row from the most
// recent run.
func newestPublisherRows(pubs []model.Publisher) map[string]int64 {
	runs := make(map[string]int64, len(pubs))
	ids := make(map[string]int64, len(pubs))
	for _, p := range pubs {
		if r, ok := runs[p.Prefix]; !ok || p.RunID > r {
			runs[p.Prefix] = p.RunID
			ids[p.Prefix] = p.ID
		}
	}
	return ids
}
