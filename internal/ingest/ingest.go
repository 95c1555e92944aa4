// Package ingest loads a datagetter output directory into a new IngestRun.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grant-datastore/internal/checker"
	"github.com/sells-group/grant-datastore/internal/model"
)

const (
	datasetsFile = "data_all.json"
	grantsDir    = "json_all"
)

// ErrNotDatagetterDir is returned when a directory lacks data_all.json or
// json_all/.
var ErrNotDatagetterDir = eris.New("ingest: not a datagetter output directory")

// Store is the persistence the loader needs.
type Store interface {
	CreateRun(ctx context.Context, startedAt time.Time) (*model.IngestRun, error)
	DeleteRun(ctx context.Context, runID int64) error
	UpsertPublisher(ctx context.Context, p *model.Publisher) error
	InsertSourceFile(ctx context.Context, sf *model.SourceFile) error
	InsertGrants(ctx context.Context, grants []model.Grant) (int64, error)
	UpdateSourceFileBlobs(ctx context.Context, sourceFileID int64, q model.Quality, agg *model.Aggregate) error
}

// Config tunes the loader.
type Config struct {
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
}

// Result summarises one load.
type Result struct {
	Run         *model.IngestRun `json:"run"`
	SourceFiles int              `json:"source_files"`
	Eligible    int              `json:"eligible"`
	Missing     int              `json:"missing"`
	Grants      int64            `json:"grants"`
	Elapsed     time.Duration    `json:"elapsed"`
}

// Loader loads datagetter output.
type Loader struct {
	store     Store
	checker   checker.Checker
	batchSize int
	now       func() time.Time
	log       *zap.Logger
}

// NewLoader creates a Loader. A nil checker leaves quality and aggregate
// blobs empty.
func NewLoader(st Store, chk checker.Checker, cfg Config) *Loader {
	bs := cfg.BatchSize
	if bs <= 0 {
		bs = 5000
	}
	return &Loader{
		store:     st,
		checker:   chk,
		batchSize: bs,
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "ingest")),
	}
}

// CheckDir verifies dir looks like datagetter output.
func CheckDir(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, datasetsFile)); err != nil {
		return eris.Wrapf(ErrNotDatagetterDir, "%s: missing %s", dir, datasetsFile)
	}
	info, err := os.Stat(filepath.Join(dir, grantsDir))
	if err != nil || !info.IsDir() {
		return eris.Wrapf(ErrNotDatagetterDir, "%s: missing %s/", dir, grantsDir)
	}
	return nil
}

// Load creates a run and loads every dataset listed in dir/data_all.json.
// Datasets whose grant file is missing are kept as source files without
// grants. If loading fails the partially loaded run is deleted.
func (l *Loader) Load(ctx context.Context, dir string) (*Result, error) {
	start := time.Now()
	if err := CheckDir(dir); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, datasetsFile))
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read %s", datasetsFile)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, eris.Wrapf(err, "ingest: decode %s", datasetsFile)
	}

	run, err := l.store.CreateRun(ctx, l.now().UTC())
	if err != nil {
		return nil, eris.Wrap(err, "ingest: create run")
	}
	log := l.log.With(zap.Int64("run_id", run.ID), zap.String("dir", dir))
	log.Info("loading datagetter output", zap.Int("datasets", len(entries)))

	res := &Result{Run: run}
	if err := l.loadAll(ctx, dir, run, entries, res); err != nil {
		log.Error("load failed, removing partial run", zap.Error(err))
		if delErr := l.store.DeleteRun(context.WithoutCancel(ctx), run.ID); delErr != nil {
			log.Error("failed to remove partial run", zap.Error(delErr))
		}
		return nil, err
	}

	res.Elapsed = time.Since(start)
	log.Info("load complete",
		zap.Int("source_files", res.SourceFiles),
		zap.Int("eligible", res.Eligible),
		zap.Int("missing", res.Missing),
		zap.Int64("grants", res.Grants),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func (l *Loader) loadAll(ctx context.Context, dir string, run *model.IngestRun, entries []json.RawMessage, res *Result) error {
	publishers := make(map[string]*model.Publisher)
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		sf, ds, err := model.NewSourceFile(run.ID, entry)
		if err != nil {
			return eris.Wrapf(err, "ingest: decode dataset %d", i)
		}

		pub, ok := publishers[ds.Publisher.Prefix]
		if !ok {
			data, err := json.Marshal(ds.Publisher)
			if err != nil {
				return eris.Wrapf(err, "ingest: encode publisher %s", ds.Publisher.Prefix)
			}
			pub = &model.Publisher{
				RunID:  run.ID,
				Prefix: ds.Publisher.Prefix,
				Name:   ds.Publisher.Name,
				OrgID:  ds.Publisher.OrgID,
				Data:   data,
			}
			if err := l.store.UpsertPublisher(ctx, pub); err != nil {
				return eris.Wrapf(err, "ingest: publisher %s", ds.Publisher.Prefix)
			}
			publishers[ds.Publisher.Prefix] = pub
		}

		if err := l.store.InsertSourceFile(ctx, &sf); err != nil {
			return eris.Wrapf(err, "ingest: source file %s", sf.Identifier)
		}
		res.SourceFiles++
		if sf.Eligible() {
			res.Eligible++
		}

		grants, err := l.readGrants(dir, ds.DatagetterMetadata.JSON)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				l.log.Info("no grant data for dataset",
					zap.String("identifier", sf.Identifier),
					zap.Bool("eligible", sf.Eligible()),
				)
				res.Missing++
				continue
			}
			return eris.Wrapf(err, "ingest: grants of %s", sf.Identifier)
		}

		n, err := l.insertGrants(ctx, run.ID, sf.ID, pub, grants)
		if err != nil {
			return err
		}
		res.Grants += n

		if l.checker != nil && len(grants) > 0 {
			q, agg, err := l.checker.Check(ctx, grants)
			if err != nil {
				return eris.Wrapf(err, "ingest: check %s", sf.Identifier)
			}
			if err := l.store.UpdateSourceFileBlobs(ctx, sf.ID, q, agg); err != nil {
				return eris.Wrapf(err, "ingest: store blobs of %s", sf.Identifier)
			}
		}
	}
	return nil
}

// readGrants reads json_all/<basename of jsonPath>. The datagetter records
// the path it wrote to, which is rarely where the directory now lives.
func (l *Loader) readGrants(dir, jsonPath string) ([]json.RawMessage, error) {
	if jsonPath == "" {
		return nil, fs.ErrNotExist
	}
	b, err := os.ReadFile(filepath.Join(dir, grantsDir, filepath.Base(jsonPath)))
	if err != nil {
		return nil, err
	}
	var doc struct {
		Grants []json.RawMessage `json:"grants"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, eris.Wrapf(err, "ingest: decode %s", filepath.Base(jsonPath))
	}
	return doc.Grants, nil
}

func (l *Loader) insertGrants(ctx context.Context, runID, sourceFileID int64, pub *model.Publisher, raw []json.RawMessage) (int64, error) {
	var total int64
	batch := make([]model.Grant, 0, min(len(raw), l.batchSize))
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := l.store.InsertGrants(ctx, batch)
		if err != nil {
			return eris.Wrapf(err, "ingest: insert grants of source file %d", sourceFileID)
		}
		total += n
		batch = batch[:0]
		return nil
	}

	for _, r := range raw {
		p, err := model.ParseGrantPayload(r)
		if err != nil || p.ID == "" {
			l.log.Warn("skipping grant without id",
				zap.Int64("source_file_id", sourceFileID),
				zap.Error(err),
			)
			continue
		}
		batch = append(batch, model.Grant{
			GrantID:         p.ID,
			RunID:           runID,
			SourceFileID:    sourceFileID,
			PublisherID:     pub.ID,
			Data:            r,
			RecipientOrgIDs: p.RecipientIDs(),
			FundingOrgIDs:   p.FunderIDs(),
			PublisherOrgID:  pub.OrgID,
		})
		if len(batch) >= l.batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	return total, flush()
}
