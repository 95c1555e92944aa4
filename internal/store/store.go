package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/grant-datastore/internal/model"
)

// ErrNotFound is returned when a run, snapshot slot or row does not exist.
var ErrNotFound = eris.New("store: not found")

// PublisherBlobs is one publisher's computed rollup, persisted in bulk.
type PublisherBlobs struct {
	PublisherID int64
	Quality     json.RawMessage
	Aggregate   json.RawMessage
}

// Store defines the persistence interface for the grant datastore.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, startedAt time.Time) (*model.IngestRun, error)
	GetRun(ctx context.Context, runID int64) (*model.IngestRun, error)
	ListRuns(ctx context.Context) ([]model.RunSummary, error)
	RunInUse(ctx context.Context, runID int64) (bool, error)
	DeleteRun(ctx context.Context, runID int64) error
	ArchiveRun(ctx context.Context, runID int64) error

	// Ingest
	UpsertPublisher(ctx context.Context, p *model.Publisher) error
	InsertSourceFile(ctx context.Context, sf *model.SourceFile) error
	InsertGrants(ctx context.Context, grants []model.Grant) (int64, error)
	UpdateSourceFileBlobs(ctx context.Context, sourceFileID int64, q model.Quality, agg *model.Aggregate) error
	UpdatePublisherBlobs(ctx context.Context, blobs []PublisherBlobs) error
	SourceFileGrants(ctx context.Context, sourceFileID int64) ([]json.RawMessage, error)

	// Candidate selection
	RunSourceFiles(ctx context.Context, runID int64) ([]model.SourceFile, error)
	FallbackCandidates(ctx context.Context, identifier string) ([]model.SourceFile, error)

	// Snapshots
	Slots(ctx context.Context) (model.Slots, error)
	Snapshot(ctx context.Context, series model.Series) (*model.Snapshot, error)
	DiscardNext(ctx context.Context) error
	PromoteSnapshot(ctx context.Context, snap model.Snapshot, sourceFileIDs []int64) (evicted *uuid.UUID, err error)
	RebuildShortcut(ctx context.Context) (int64, error)
	SnapshotSourceFiles(ctx context.Context, series model.Series) ([]model.SourceFile, error)
	SnapshotPublishers(ctx context.Context, series model.Series) ([]model.Publisher, error)
	ShortcutGrantIDs(ctx context.Context, series model.Series) ([]int64, error)
	JoinGrantIDs(ctx context.Context, series model.Series) ([]int64, error)
	StreamSnapshotGrants(ctx context.Context, series model.Series, fn func(model.Grant) error) error

	// Entities
	ReplaceEntities(ctx context.Context, entities []*model.Entity) error
	StreamEntities(ctx context.Context, kind model.EntityKind, fn func(model.Entity) error) error
	CountEntities(ctx context.Context, kind model.EntityKind) (int64, error)

	// Organisation registry
	UpsertOrgInfo(ctx context.Context, orgID, name string, linkedOrgIDs []string) error
	LinkedIDGroups(ctx context.Context) ([][]string, error)

	// Status flags
	SetStatus(ctx context.Context, what string, status model.StatusValue) error
	Statuses(ctx context.Context) ([]model.Status, error)
	ResetStatuses(ctx context.Context) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
