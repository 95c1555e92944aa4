package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/grant-datastore/internal/db"
	"github.com/sells-group/grant-datastore/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the candidate-selection queries prepared on each
// new connection; promotion runs them once per source file.
var preparedStatements = map[string]string{
	"run_source_files":    pgRunSourceFiles,
	"fallback_candidates": pgFallbackCandidates,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies the embedded schema under an advisory lock so concurrent
// processes do not race on DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
			return eris.Wrap(err, "postgres: acquire migration lock")
		}
		_, err := tx.Exec(ctx, postgresSchema)
		return eris.Wrap(err, "postgres: migrate")
	})
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, startedAt time.Time) (*model.IngestRun, error) {
	startedAt = startedAt.UTC().Truncate(time.Microsecond)
	run := model.IngestRun{StartedAt: startedAt}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO ingest_runs (started_at) VALUES ($1) RETURNING id`, startedAt,
	).Scan(&run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID int64) (*model.IngestRun, error) {
	var r model.IngestRun
	err := s.pool.QueryRow(ctx,
		`SELECT id, started_at, archived FROM ingest_runs WHERE id = $1`, runID,
	).Scan(&r.ID, &r.StartedAt, &r.Archived)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: run %d", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %d", runID)
	}
	return &r, nil
}

const pgInUse = `
EXISTS (
	SELECT 1 FROM snapshot_source_files ssf
	JOIN source_files sf ON sf.id = ssf.source_file_id
	JOIN snapshot_slots sl ON sl.snapshot_id = ssf.snapshot_id
	WHERE sf.run_id = r.id
)`

func (s *PostgresStore) ListRuns(ctx context.Context) ([]model.RunSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.started_at, r.archived,
			(SELECT COUNT(*) FROM source_files sf WHERE sf.run_id = r.id),
			(SELECT COUNT(*) FROM grants g WHERE g.run_id = r.id),
			`+pgInUse+`
		FROM ingest_runs r
		ORDER BY r.started_at DESC, r.id DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.RunSummary
	for rows.Next() {
		var r model.RunSummary
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.Archived, &r.SourceFiles, &r.Grants, &r.InUse); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) RunInUse(ctx context.Context, runID int64) (bool, error) {
	var inUse bool
	err := s.pool.QueryRow(ctx,
		`SELECT `+pgInUse+` FROM ingest_runs r WHERE r.id = $1`, runID,
	).Scan(&inUse)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return inUse, eris.Wrapf(err, "postgres: run %d in use", runID)
}

func (s *PostgresStore) DeleteRun(ctx context.Context, runID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ingest_runs WHERE id = $1`, runID)
	return eris.Wrapf(err, "postgres: delete run %d", runID)
}

func (s *PostgresStore) ArchiveRun(ctx context.Context, runID int64) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM grants WHERE run_id = $1`, runID); err != nil {
			return eris.Wrapf(err, "postgres: delete grants of run %d", runID)
		}
		_, err := tx.Exec(ctx, `UPDATE ingest_runs SET archived = true WHERE id = $1`, runID)
		return eris.Wrapf(err, "postgres: archive run %d", runID)
	})
}

// --- Ingest ---

func (s *PostgresStore) UpsertPublisher(ctx context.Context, p *model.Publisher) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO publishers (run_id, prefix, name, org_id, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, prefix) DO UPDATE SET
			name = EXCLUDED.name, org_id = EXCLUDED.org_id, data = EXCLUDED.data
		RETURNING id`,
		p.RunID, p.Prefix, p.Name, p.OrgID, jsonb(p.Data),
	).Scan(&p.ID)
	return eris.Wrapf(err, "postgres: upsert publisher %s", p.Prefix)
}

func (s *PostgresStore) InsertSourceFile(ctx context.Context, sf *model.SourceFile) error {
	quality, agg, err := marshalBlobs(sf.Quality, sf.Aggregate)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO source_files (run_id, identifier, publisher_prefix, data, downloaded,
			schema_valid, licence_acceptable, file_type, modified, quality, aggregate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		sf.RunID, sf.Identifier, sf.PublisherPrefix, jsonb(sf.Data), sf.Downloaded,
		sf.SchemaValid, sf.LicenceAcceptable, sf.FileType, sf.Modified, jsonb(quality), jsonb(agg),
	).Scan(&sf.ID)
	return eris.Wrapf(err, "postgres: insert source file %s", sf.Identifier)
}

var grantCopyColumns = []string{
	"grant_id", "run_id", "source_file_id", "publisher_id", "data",
	"additional_data", "recipient_org_ids", "funding_org_ids", "publisher_org_id",
}

// InsertGrants bulk-loads grants with COPY.
func (s *PostgresStore) InsertGrants(ctx context.Context, grants []model.Grant) (int64, error) {
	rows := make([][]any, 0, len(grants))
	for _, g := range grants {
		rows = append(rows, []any{
			g.GrantID, g.RunID, g.SourceFileID, nullID(g.PublisherID), []byte(g.Data),
			jsonb(g.AdditionalData), nonNil(g.RecipientOrgIDs), nonNil(g.FundingOrgIDs), g.PublisherOrgID,
		})
	}
	n, err := db.CopyFrom(ctx, s.pool, "grants", grantCopyColumns, rows)
	return n, eris.Wrap(err, "postgres: insert grants")
}

func (s *PostgresStore) UpdateSourceFileBlobs(ctx context.Context, sourceFileID int64, q model.Quality, agg *model.Aggregate) error {
	quality, aggregate, err := marshalBlobs(q, agg)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE source_files SET quality = $1, aggregate = $2 WHERE id = $3`,
		jsonb(quality), jsonb(aggregate), sourceFileID)
	return eris.Wrapf(err, "postgres: update blobs of source file %d", sourceFileID)
}

// UpdatePublisherBlobs writes every publisher rollup in one COPY + UPDATE.
func (s *PostgresStore) UpdatePublisherBlobs(ctx context.Context, blobs []PublisherBlobs) error {
	rows := make([][]any, 0, len(blobs))
	for _, b := range blobs {
		rows = append(rows, []any{b.PublisherID, jsonb(b.Quality), jsonb(b.Aggregate)})
	}
	_, err := db.BulkUpdate(ctx, s.pool, db.UpdateConfig{
		Table:      "publishers",
		KeyCols:    []string{"id"},
		UpdateCols: []string{"quality", "aggregate"},
	}, rows)
	return eris.Wrap(err, "postgres: update publisher blobs")
}

func (s *PostgresStore) SourceFileGrants(ctx context.Context, sourceFileID int64) ([]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM grants WHERE source_file_id = $1 ORDER BY id`, sourceFileID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: grants of source file %d", sourceFileID)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan grant data")
		}
		out = append(out, json.RawMessage(data))
	}
	return out, eris.Wrap(rows.Err(), "postgres: grants iterate")
}

// --- Candidate selection ---

const pgSourceFileColumns = `
	sf.id, sf.run_id, sf.identifier, sf.publisher_prefix, sf.downloaded, sf.schema_valid,
	sf.licence_acceptable, sf.file_type, sf.modified, sf.quality, sf.aggregate,
	(SELECT COUNT(*) FROM grants g WHERE g.source_file_id = sf.id), r.started_at`

const pgRunSourceFiles = `
SELECT` + pgSourceFileColumns + `
FROM source_files sf
JOIN ingest_runs r ON r.id = sf.run_id
WHERE sf.run_id = $1
ORDER BY sf.id`

const pgFallbackCandidates = `
SELECT` + pgSourceFileColumns + `
FROM source_files sf
JOIN ingest_runs r ON r.id = sf.run_id
WHERE sf.identifier = $1
  AND sf.downloaded AND sf.schema_valid AND sf.licence_acceptable
  AND EXISTS (SELECT 1 FROM grants g WHERE g.source_file_id = sf.id)
ORDER BY r.started_at DESC, r.id DESC`

func (s *PostgresStore) RunSourceFiles(ctx context.Context, runID int64) ([]model.SourceFile, error) {
	return s.querySourceFiles(ctx, pgRunSourceFiles, runID)
}

func (s *PostgresStore) FallbackCandidates(ctx context.Context, identifier string) ([]model.SourceFile, error) {
	return s.querySourceFiles(ctx, pgFallbackCandidates, identifier)
}

func (s *PostgresStore) querySourceFiles(ctx context.Context, query string, args ...any) ([]model.SourceFile, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query source files")
	}
	defer rows.Close()

	var out []model.SourceFile
	for rows.Next() {
		var (
			sf           model.SourceFile
			quality, agg []byte
		)
		if err := rows.Scan(&sf.ID, &sf.RunID, &sf.Identifier, &sf.PublisherPrefix,
			&sf.Downloaded, &sf.SchemaValid, &sf.LicenceAcceptable, &sf.FileType, &sf.Modified,
			&quality, &agg, &sf.GrantCount, &sf.RunStartedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source file")
		}
		if err := unmarshalBlobs(&sf, quality, agg); err != nil {
			return nil, err
		}
		out = append(out, sf)
	}
	return out, eris.Wrap(rows.Err(), "postgres: source files iterate")
}

// --- Snapshots ---

func (s *PostgresStore) Slots(ctx context.Context) (model.Slots, error) {
	var slots model.Slots
	rows, err := s.pool.Query(ctx, `SELECT series, snapshot_id FROM snapshot_slots`)
	if err != nil {
		return slots, eris.Wrap(err, "postgres: list slots")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			series string
			id     uuid.UUID
		)
		if err := rows.Scan(&series, &id); err != nil {
			return slots, eris.Wrap(err, "postgres: scan slot")
		}
		setSlot(&slots, model.Series(series), id)
	}
	return slots, eris.Wrap(rows.Err(), "postgres: slots iterate")
}

func (s *PostgresStore) Snapshot(ctx context.Context, series model.Series) (*model.Snapshot, error) {
	snap := model.Snapshot{Series: series}
	err := s.pool.QueryRow(ctx, `
		SELECT s.id, s.run_id, s.created_at, s.grant_count
		FROM snapshot_slots sl JOIN snapshots s ON s.id = sl.snapshot_id
		WHERE sl.series = $1`, string(series),
	).Scan(&snap.ID, &snap.RunID, &snap.CreatedAt, &snap.GrantCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: snapshot %s", series)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get snapshot %s", series)
	}
	return &snap, nil
}

const pgDiscardNext = `DELETE FROM snapshots WHERE id IN (SELECT snapshot_id FROM snapshot_slots WHERE series = 'NEXT')`

func (s *PostgresStore) DiscardNext(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgDiscardNext)
	return eris.Wrap(err, "postgres: discard next")
}

// PromoteSnapshot stages snap as NEXT and rotates it into CURRENT in one
// transaction. A transaction-scoped advisory lock keeps concurrent
// promotions from interleaving.
func (s *PostgresStore) PromoteSnapshot(ctx context.Context, snap model.Snapshot, sourceFileIDs []int64) (*uuid.UUID, error) {
	var evicted *uuid.UUID
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", promotionLockID); err != nil {
			return eris.Wrap(err, "postgres: acquire promotion lock")
		}
		if _, err := tx.Exec(ctx, pgDiscardNext); err != nil {
			return eris.Wrap(err, "postgres: discard next")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO snapshots (id, run_id, created_at, grant_count) VALUES ($1, $2, $3, $4)`,
			snap.ID, snap.RunID, snap.CreatedAt.UTC(), snap.GrantCount,
		); err != nil {
			return eris.Wrap(err, "postgres: insert snapshot")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO snapshot_slots (series, snapshot_id) VALUES ('NEXT', $1)`, snap.ID,
		); err != nil {
			return eris.Wrap(err, "postgres: stage next")
		}

		links := make([][]any, 0, len(sourceFileIDs))
		for _, id := range sourceFileIDs {
			links = append(links, []any{snap.ID, id})
		}
		if _, err := db.CopyFrom(ctx, tx, "snapshot_source_files", []string{"snapshot_id", "source_file_id"}, links); err != nil {
			return eris.Wrap(err, "postgres: link source files")
		}

		var prev uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT snapshot_id FROM snapshot_slots WHERE series = 'PREVIOUS'`).Scan(&prev)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return eris.Wrap(err, "postgres: read previous slot")
		default:
			evicted = &prev
			if _, err := tx.Exec(ctx, `DELETE FROM snapshots WHERE id = $1`, prev); err != nil {
				return eris.Wrap(err, "postgres: delete previous snapshot")
			}
		}

		for _, stmt := range []string{
			`UPDATE snapshot_slots SET series = 'PREVIOUS' WHERE series = 'CURRENT'`,
			`UPDATE snapshot_slots SET series = 'CURRENT' WHERE series = 'NEXT'`,
		} {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return eris.Wrap(err, "postgres: rotate slots")
			}
		}
		_, err = pgRebuildShortcut(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

func (s *PostgresStore) RebuildShortcut(ctx context.Context) (int64, error) {
	var n int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		n, err = pgRebuildShortcut(ctx, tx)
		return err
	})
	return n, err
}

func pgRebuildShortcut(ctx context.Context, tx pgx.Tx) (int64, error) {
	if _, err := tx.Exec(ctx, `DELETE FROM snapshot_grants`); err != nil {
		return 0, eris.Wrap(err, "postgres: clear shortcut")
	}
	tag, err := tx.Exec(ctx, shortcutInsert)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: rebuild shortcut")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SnapshotSourceFiles(ctx context.Context, series model.Series) ([]model.SourceFile, error) {
	return s.querySourceFiles(ctx, `
		SELECT`+pgSourceFileColumns+`
		FROM snapshot_slots sl
		JOIN snapshot_source_files ssf ON ssf.snapshot_id = sl.snapshot_id
		JOIN source_files sf ON sf.id = ssf.source_file_id
		JOIN ingest_runs r ON r.id = sf.run_id
		WHERE sl.series = $1
		ORDER BY sf.id`, string(series))
}

func (s *PostgresStore) SnapshotPublishers(ctx context.Context, series model.Series) ([]model.Publisher, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT p.id, p.run_id, p.prefix, p.name, p.org_id, p.quality, p.aggregate
		FROM snapshot_slots sl
		JOIN snapshot_source_files ssf ON ssf.snapshot_id = sl.snapshot_id
		JOIN source_files sf ON sf.id = ssf.source_file_id
		JOIN publishers p ON p.run_id = sf.run_id AND p.prefix = sf.publisher_prefix
		WHERE sl.series = $1
		ORDER BY p.prefix, p.run_id`, string(series))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: snapshot publishers")
	}
	defer rows.Close()

	var out []model.Publisher
	for rows.Next() {
		var p model.Publisher
		var quality, agg []byte
		if err := rows.Scan(&p.ID, &p.RunID, &p.Prefix, &p.Name, &p.OrgID, &quality, &agg); err != nil {
			return nil, eris.Wrap(err, "postgres: scan publisher")
		}
		p.Quality, p.Aggregate = quality, agg
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: publishers iterate")
}

func (s *PostgresStore) ShortcutGrantIDs(ctx context.Context, series model.Series) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT sg.grant_id FROM snapshot_grants sg
		JOIN snapshot_slots sl ON sl.snapshot_id = sg.snapshot_id
		WHERE sl.series = $1
		ORDER BY sg.grant_id`, string(series))
}

func (s *PostgresStore) JoinGrantIDs(ctx context.Context, series model.Series) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT g.id FROM snapshot_slots sl
		JOIN snapshot_source_files ssf ON ssf.snapshot_id = sl.snapshot_id
		JOIN grants g ON g.source_file_id = ssf.source_file_id
		WHERE sl.series = $1
		ORDER BY g.id`, string(series))
}

func (s *PostgresStore) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query ids")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, eris.Wrap(err, "postgres: collect ids")
}

func (s *PostgresStore) StreamSnapshotGrants(ctx context.Context, series model.Series, fn func(model.Grant) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT g.id, g.grant_id, g.run_id, g.source_file_id, g.publisher_id, g.data,
			g.additional_data, g.recipient_org_ids, g.funding_org_ids, g.publisher_org_id
		FROM snapshot_slots sl
		JOIN snapshot_grants sg ON sg.snapshot_id = sl.snapshot_id
		JOIN grants g ON g.id = sg.grant_id
		WHERE sl.series = $1
		ORDER BY g.id`, string(series))
	if err != nil {
		return eris.Wrapf(err, "postgres: stream %s grants", series)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			g           model.Grant
			publisherID *int64
			data, extra []byte
		)
		if err := rows.Scan(&g.ID, &g.GrantID, &g.RunID, &g.SourceFileID, &publisherID, &data,
			&extra, &g.RecipientOrgIDs, &g.FundingOrgIDs, &g.PublisherOrgID); err != nil {
			return eris.Wrap(err, "postgres: scan grant")
		}
		if publisherID != nil {
			g.PublisherID = *publisherID
		}
		g.Data, g.AdditionalData = data, extra
		if err := fn(g); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "postgres: grants iterate")
}

// --- Entities ---

var entityCopyColumns = []string{"kind", "org_id", "name", "alternative_names", "aggregate"}

// ReplaceEntities deletes every entity and COPYs the new set in, inside one
// transaction.
func (s *PostgresStore) ReplaceEntities(ctx context.Context, entities []*model.Entity) error {
	rows := make([][]any, 0, len(entities))
	for _, e := range entities {
		agg, err := json.Marshal(e.Aggregate)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal aggregate of %s", e.OrgID)
		}
		rows = append(rows, []any{string(e.Kind), e.OrgID, e.Name, nonNil(e.AlternativeNames), agg})
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM entities`); err != nil {
			return eris.Wrap(err, "postgres: clear entities")
		}
		_, err := db.CopyFrom(ctx, tx, "entities", entityCopyColumns, rows)
		return eris.Wrap(err, "postgres: insert entities")
	})
}

func (s *PostgresStore) StreamEntities(ctx context.Context, kind model.EntityKind, fn func(model.Entity) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT org_id, name, alternative_names, aggregate FROM entities WHERE kind = $1 ORDER BY org_id`,
		string(kind))
	if err != nil {
		return eris.Wrapf(err, "postgres: list %s entities", kind)
	}
	defer rows.Close()

	for rows.Next() {
		e := model.Entity{Kind: kind}
		var agg []byte
		if err := rows.Scan(&e.OrgID, &e.Name, &e.AlternativeNames, &agg); err != nil {
			return eris.Wrap(err, "postgres: scan entity")
		}
		if err := decodeEntity(&e, nil, agg); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "postgres: entities iterate")
}

func (s *PostgresStore) CountEntities(ctx context.Context, kind model.EntityKind) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM entities WHERE kind = $1`, string(kind)).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count %s entities", kind)
}

// --- Organisation registry ---

func (s *PostgresStore) UpsertOrgInfo(ctx context.Context, orgID, name string, linkedOrgIDs []string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO org_info (org_id, name, linked_org_ids) VALUES ($1, $2, $3)
		ON CONFLICT (org_id) DO UPDATE SET name = EXCLUDED.name, linked_org_ids = EXCLUDED.linked_org_ids`,
		orgID, name, nonNil(linkedOrgIDs))
	return eris.Wrapf(err, "postgres: upsert org info %s", orgID)
}

func (s *PostgresStore) LinkedIDGroups(ctx context.Context) ([][]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT linked_org_ids FROM org_info ORDER BY org_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: linked id groups")
	}
	groups, err := pgx.CollectRows(rows, pgx.RowTo[[]string])
	return groups, eris.Wrap(err, "postgres: collect linked ids")
}

// --- Status flags ---

func (s *PostgresStore) SetStatus(ctx context.Context, what string, status model.StatusValue) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO statuses (what, status, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (what) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		what, string(status))
	return eris.Wrapf(err, "postgres: set status %s", what)
}

func (s *PostgresStore) Statuses(ctx context.Context) ([]model.Status, error) {
	rows, err := s.pool.Query(ctx, `SELECT what, status, updated_at FROM statuses ORDER BY what`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list statuses")
	}
	defer rows.Close()

	var out []model.Status
	for rows.Next() {
		var st model.Status
		var status string
		if err := rows.Scan(&st.What, &status, &st.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status")
		}
		st.Status = model.StatusValue(status)
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: statuses iterate")
}

func (s *PostgresStore) ResetStatuses(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `UPDATE statuses SET status = $1, updated_at = now()`, string(model.StatusIdle))
	return eris.Wrap(err, "postgres: reset statuses")
}

// jsonb maps an empty blob to NULL and passes raw JSON through otherwise.
func jsonb(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
