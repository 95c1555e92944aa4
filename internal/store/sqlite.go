package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/grant-datastore/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Org-id lists are
// stored as JSON text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps per-connection pragmas (foreign_keys) in force
	// and matches SQLite's single writer.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, startedAt time.Time) (*model.IngestRun, error) {
	startedAt = startedAt.UTC().Truncate(time.Microsecond)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (started_at, archived) VALUES (?, 0)`, startedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: run id")
	}
	return &model.IngestRun{ID: id, StartedAt: startedAt}, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID int64) (*model.IngestRun, error) {
	var r model.IngestRun
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, archived FROM ingest_runs WHERE id = ?`, runID,
	).Scan(&r.ID, &r.StartedAt, &r.Archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %d", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %d", runID)
	}
	return &r, nil
}

const sqliteRunSummaryQuery = `
SELECT r.id, r.started_at, r.archived,
	(SELECT COUNT(*) FROM source_files sf WHERE sf.run_id = r.id),
	(SELECT COUNT(*) FROM grants g WHERE g.run_id = r.id),
	EXISTS (
		SELECT 1 FROM snapshot_source_files ssf
		JOIN source_files sf ON sf.id = ssf.source_file_id
		JOIN snapshot_slots sl ON sl.snapshot_id = ssf.snapshot_id
		WHERE sf.run_id = r.id
	)
FROM ingest_runs r
ORDER BY r.started_at DESC, r.id DESC`

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, sqliteRunSummaryQuery)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RunSummary
	for rows.Next() {
		var r model.RunSummary
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.Archived, &r.SourceFiles, &r.Grants, &r.InUse); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) RunInUse(ctx context.Context, runID int64) (bool, error) {
	var inUse bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM snapshot_source_files ssf
			JOIN source_files sf ON sf.id = ssf.source_file_id
			JOIN snapshot_slots sl ON sl.snapshot_id = ssf.snapshot_id
			WHERE sf.run_id = ?
		)`, runID).Scan(&inUse)
	return inUse, eris.Wrapf(err, "sqlite: run %d in use", runID)
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ingest_runs WHERE id = ?`, runID)
	return eris.Wrapf(err, "sqlite: delete run %d", runID)
}

func (s *SQLiteStore) ArchiveRun(ctx context.Context, runID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM grants WHERE run_id = ?`, runID); err != nil {
			return eris.Wrapf(err, "sqlite: delete grants of run %d", runID)
		}
		_, err := tx.ExecContext(ctx, `UPDATE ingest_runs SET archived = 1 WHERE id = ?`, runID)
		return eris.Wrapf(err, "sqlite: archive run %d", runID)
	})
}

// --- Ingest ---

func (s *SQLiteStore) UpsertPublisher(ctx context.Context, p *model.Publisher) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO publishers (run_id, prefix, name, org_id, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, prefix) DO UPDATE SET
			name = excluded.name, org_id = excluded.org_id, data = excluded.data
		RETURNING id`,
		p.RunID, p.Prefix, p.Name, p.OrgID, nullText(p.Data),
	).Scan(&p.ID)
	return eris.Wrapf(err, "sqlite: upsert publisher %s", p.Prefix)
}

func (s *SQLiteStore) InsertSourceFile(ctx context.Context, sf *model.SourceFile) error {
	quality, agg, err := marshalBlobs(sf.Quality, sf.Aggregate)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO source_files (run_id, identifier, publisher_prefix, data, downloaded,
			schema_valid, licence_acceptable, file_type, modified, quality, aggregate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		sf.RunID, sf.Identifier, sf.PublisherPrefix, nullText(sf.Data), sf.Downloaded,
		sf.SchemaValid, sf.LicenceAcceptable, sf.FileType, sf.Modified, nullText(quality), nullText(agg),
	).Scan(&sf.ID)
	return eris.Wrapf(err, "sqlite: insert source file %s", sf.Identifier)
}

func (s *SQLiteStore) InsertGrants(ctx context.Context, grants []model.Grant) (int64, error) {
	if len(grants) == 0 {
		return 0, nil
	}
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO grants (grant_id, run_id, source_file_id, publisher_id, data,
				additional_data, recipient_org_ids, funding_org_ids, publisher_org_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare grant insert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, g := range grants {
			recipients, err := json.Marshal(nonNil(g.RecipientOrgIDs))
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal recipient ids")
			}
			funders, err := json.Marshal(nonNil(g.FundingOrgIDs))
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal funder ids")
			}
			if _, err := stmt.ExecContext(ctx,
				g.GrantID, g.RunID, g.SourceFileID, nullID(g.PublisherID), string(g.Data),
				nullText(g.AdditionalData), string(recipients), string(funders), g.PublisherOrgID,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert grant %s", g.GrantID)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) UpdateSourceFileBlobs(ctx context.Context, sourceFileID int64, q model.Quality, agg *model.Aggregate) error {
	quality, aggregate, err := marshalBlobs(q, agg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE source_files SET quality = ?, aggregate = ? WHERE id = ?`,
		nullText(quality), nullText(aggregate), sourceFileID)
	return eris.Wrapf(err, "sqlite: update blobs of source file %d", sourceFileID)
}

func (s *SQLiteStore) UpdatePublisherBlobs(ctx context.Context, blobs []PublisherBlobs) error {
	if len(blobs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, b := range blobs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE publishers SET quality = ?, aggregate = ? WHERE id = ?`,
				nullText(b.Quality), nullText(b.Aggregate), b.PublisherID,
			); err != nil {
				return eris.Wrapf(err, "sqlite: update blobs of publisher %d", b.PublisherID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) SourceFileGrants(ctx context.Context, sourceFileID int64) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM grants WHERE source_file_id = ? ORDER BY id`, sourceFileID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: grants of source file %d", sourceFileID)
	}
	defer rows.Close() //nolint:errcheck

	var out []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan grant data")
		}
		out = append(out, json.RawMessage(data))
	}
	return out, eris.Wrap(rows.Err(), "sqlite: grants iterate")
}

// --- Candidate selection ---

const sqliteSourceFileColumns = `
	sf.id, sf.run_id, sf.identifier, sf.publisher_prefix, sf.downloaded, sf.schema_valid,
	sf.licence_acceptable, sf.file_type, sf.modified, sf.quality, sf.aggregate,
	(SELECT COUNT(*) FROM grants g WHERE g.source_file_id = sf.id), r.started_at`

func (s *SQLiteStore) RunSourceFiles(ctx context.Context, runID int64) ([]model.SourceFile, error) {
	return s.querySourceFiles(ctx, `
		SELECT`+sqliteSourceFileColumns+`
		FROM source_files sf
		JOIN ingest_runs r ON r.id = sf.run_id
		WHERE sf.run_id = ?
		ORDER BY sf.id`, runID)
}

func (s *SQLiteStore) FallbackCandidates(ctx context.Context, identifier string) ([]model.SourceFile, error) {
	return s.querySourceFiles(ctx, `
		SELECT`+sqliteSourceFileColumns+`
		FROM source_files sf
		JOIN ingest_runs r ON r.id = sf.run_id
		WHERE sf.identifier = ?
		  AND sf.downloaded = 1 AND sf.schema_valid = 1 AND sf.licence_acceptable = 1
		  AND EXISTS (SELECT 1 FROM grants g WHERE g.source_file_id = sf.id)
		ORDER BY r.started_at DESC, r.id DESC`, identifier)
}

func (s *SQLiteStore) querySourceFiles(ctx context.Context, query string, args ...any) ([]model.SourceFile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query source files")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SourceFile
	for rows.Next() {
		var (
			sf           model.SourceFile
			quality, agg sql.NullString
		)
		if err := rows.Scan(&sf.ID, &sf.RunID, &sf.Identifier, &sf.PublisherPrefix,
			&sf.Downloaded, &sf.SchemaValid, &sf.LicenceAcceptable, &sf.FileType, &sf.Modified,
			&quality, &agg, &sf.GrantCount, &sf.RunStartedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source file")
		}
		if err := unmarshalBlobs(&sf, []byte(quality.String), []byte(agg.String)); err != nil {
			return nil, err
		}
		out = append(out, sf)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: source files iterate")
}

// --- Snapshots ---

func (s *SQLiteStore) Slots(ctx context.Context) (model.Slots, error) {
	var slots model.Slots
	rows, err := s.db.QueryContext(ctx, `SELECT series, snapshot_id FROM snapshot_slots`)
	if err != nil {
		return slots, eris.Wrap(err, "sqlite: list slots")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			series string
			id     uuid.UUID
		)
		if err := rows.Scan(&series, &id); err != nil {
			return slots, eris.Wrap(err, "sqlite: scan slot")
		}
		setSlot(&slots, model.Series(series), id)
	}
	return slots, eris.Wrap(rows.Err(), "sqlite: slots iterate")
}

func (s *SQLiteStore) Snapshot(ctx context.Context, series model.Series) (*model.Snapshot, error) {
	snap := model.Snapshot{Series: series}
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.run_id, s.created_at, s.grant_count
		FROM snapshot_slots sl JOIN snapshots s ON s.id = sl.snapshot_id
		WHERE sl.series = ?`, string(series),
	).Scan(&snap.ID, &snap.RunID, &snap.CreatedAt, &snap.GrantCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: snapshot %s", series)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get snapshot %s", series)
	}
	return &snap, nil
}

const sqliteDiscardNext = `DELETE FROM snapshots WHERE id IN (SELECT snapshot_id FROM snapshot_slots WHERE series = 'NEXT')`

func (s *SQLiteStore) DiscardNext(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteDiscardNext)
	return eris.Wrap(err, "sqlite: discard next")
}

func (s *SQLiteStore) PromoteSnapshot(ctx context.Context, snap model.Snapshot, sourceFileIDs []int64) (*uuid.UUID, error) {
	var evicted *uuid.UUID
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqliteDiscardNext); err != nil {
			return eris.Wrap(err, "sqlite: discard next")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (id, run_id, created_at, grant_count) VALUES (?, ?, ?, ?)`,
			snap.ID, snap.RunID, snap.CreatedAt.UTC(), snap.GrantCount,
		); err != nil {
			return eris.Wrap(err, "sqlite: insert snapshot")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot_slots (series, snapshot_id) VALUES ('NEXT', ?)`, snap.ID,
		); err != nil {
			return eris.Wrap(err, "sqlite: stage next")
		}
		for _, id := range sourceFileIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO snapshot_source_files (snapshot_id, source_file_id) VALUES (?, ?)`,
				snap.ID, id,
			); err != nil {
				return eris.Wrapf(err, "sqlite: link source file %d", id)
			}
		}

		var prev uuid.UUID
		err := tx.QueryRowContext(ctx,
			`SELECT snapshot_id FROM snapshot_slots WHERE series = 'PREVIOUS'`).Scan(&prev)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return eris.Wrap(err, "sqlite: read previous slot")
		default:
			evicted = &prev
			if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, prev); err != nil {
				return eris.Wrap(err, "sqlite: delete previous snapshot")
			}
		}

		for _, stmt := range []string{
			`UPDATE snapshot_slots SET series = 'PREVIOUS' WHERE series = 'CURRENT'`,
			`UPDATE snapshot_slots SET series = 'CURRENT' WHERE series = 'NEXT'`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return eris.Wrap(err, "sqlite: rotate slots")
			}
		}
		_, err = sqliteRebuildShortcut(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

func (s *SQLiteStore) RebuildShortcut(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = sqliteRebuildShortcut(ctx, tx)
		return err
	})
	return n, err
}

func sqliteRebuildShortcut(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_grants`); err != nil {
		return 0, eris.Wrap(err, "sqlite: clear shortcut")
	}
	res, err := tx.ExecContext(ctx, shortcutInsert)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rebuild shortcut")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) SnapshotSourceFiles(ctx context.Context, series model.Series) ([]model.SourceFile, error) {
	return s.querySourceFiles(ctx, `
		SELECT`+sqliteSourceFileColumns+`
		FROM snapshot_slots sl
		JOIN snapshot_source_files ssf ON ssf.snapshot_id = sl.snapshot_id
		JOIN source_files sf ON sf.id = ssf.source_file_id
		JOIN ingest_runs r ON r.id = sf.run_id
		WHERE sl.series = ?
		ORDER BY sf.id`, string(series))
}

func (s *SQLiteStore) SnapshotPublishers(ctx context.Context, series model.Series) ([]model.Publisher, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT p.id, p.run_id, p.prefix, p.name, p.org_id, p.quality, p.aggregate
		FROM snapshot_slots sl
		JOIN snapshot_source_files ssf ON ssf.snapshot_id = sl.snapshot_id
		JOIN source_files sf ON sf.id = ssf.source_file_id
		JOIN publishers p ON p.run_id = sf.run_id AND p.prefix = sf.publisher_prefix
		WHERE sl.series = ?
		ORDER BY p.prefix, p.run_id`, string(series))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: snapshot publishers")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Publisher
	for rows.Next() {
		var (
			p            model.Publisher
			quality, agg sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.RunID, &p.Prefix, &p.Name, &p.OrgID, &quality, &agg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan publisher")
		}
		if quality.Valid {
			p.Quality = json.RawMessage(quality.String)
		}
		if agg.Valid {
			p.Aggregate = json.RawMessage(agg.String)
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: publishers iterate")
}

func (s *SQLiteStore) ShortcutGrantIDs(ctx context.Context, series model.Series) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT sg.grant_id FROM snapshot_grants sg
		JOIN snapshot_slots sl ON sl.snapshot_id = sg.snapshot_id
		WHERE sl.series = ?
		ORDER BY sg.grant_id`, string(series))
}

func (s *SQLiteStore) JoinGrantIDs(ctx context.Context, series model.Series) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT g.id FROM snapshot_slots sl
		JOIN snapshot_source_files ssf ON ssf.snapshot_id = sl.snapshot_id
		JOIN grants g ON g.source_file_id = ssf.source_file_id
		WHERE sl.series = ?
		ORDER BY g.id`, string(series))
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query ids")
	}
	defer rows.Close() //nolint:errcheck

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: ids iterate")
}

func (s *SQLiteStore) StreamSnapshotGrants(ctx context.Context, series model.Series, fn func(model.Grant) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.grant_id, g.run_id, g.source_file_id, g.publisher_id, g.data,
			g.additional_data, g.recipient_org_ids, g.funding_org_ids, g.publisher_org_id
		FROM snapshot_slots sl
		JOIN snapshot_grants sg ON sg.snapshot_id = sl.snapshot_id
		JOIN grants g ON g.id = sg.grant_id
		WHERE sl.series = ?
		ORDER BY g.id`, string(series))
	if err != nil {
		return eris.Wrapf(err, "sqlite: stream %s grants", series)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			g                   model.Grant
			publisherID         sql.NullInt64
			data                string
			additional          sql.NullString
			recipients, funders string
		)
		if err := rows.Scan(&g.ID, &g.GrantID, &g.RunID, &g.SourceFileID, &publisherID, &data,
			&additional, &recipients, &funders, &g.PublisherOrgID); err != nil {
			return eris.Wrap(err, "sqlite: scan grant")
		}
		g.PublisherID = publisherID.Int64
		g.Data = json.RawMessage(data)
		if additional.Valid {
			g.AdditionalData = json.RawMessage(additional.String)
		}
		if err := json.Unmarshal([]byte(recipients), &g.RecipientOrgIDs); err != nil {
			return eris.Wrapf(err, "sqlite: decode recipient ids of grant %d", g.ID)
		}
		if err := json.Unmarshal([]byte(funders), &g.FundingOrgIDs); err != nil {
			return eris.Wrapf(err, "sqlite: decode funder ids of grant %d", g.ID)
		}
		if err := fn(g); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "sqlite: grants iterate")
}

// --- Entities ---

func (s *SQLiteStore) ReplaceEntities(ctx context.Context, entities []*model.Entity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities`); err != nil {
			return eris.Wrap(err, "sqlite: clear entities")
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO entities (kind, org_id, name, alternative_names, aggregate) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare entity insert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, e := range entities {
			names, err := json.Marshal(nonNil(e.AlternativeNames))
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal alternative names")
			}
			agg, err := json.Marshal(e.Aggregate)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal entity aggregate")
			}
			if _, err := stmt.ExecContext(ctx, string(e.Kind), e.OrgID, e.Name, string(names), string(agg)); err != nil {
				return eris.Wrapf(err, "sqlite: insert %s %s", e.Kind, e.OrgID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) StreamEntities(ctx context.Context, kind model.EntityKind, fn func(model.Entity) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org_id, name, alternative_names, aggregate FROM entities WHERE kind = ? ORDER BY org_id`,
		string(kind))
	if err != nil {
		return eris.Wrapf(err, "sqlite: list %s entities", kind)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		e := model.Entity{Kind: kind}
		var names, agg string
		if err := rows.Scan(&e.OrgID, &e.Name, &names, &agg); err != nil {
			return eris.Wrap(err, "sqlite: scan entity")
		}
		if err := decodeEntity(&e, []byte(names), []byte(agg)); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "sqlite: entities iterate")
}

func (s *SQLiteStore) CountEntities(ctx context.Context, kind model.EntityKind) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE kind = ?`, string(kind)).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count %s entities", kind)
}

// --- Organisation registry ---

func (s *SQLiteStore) UpsertOrgInfo(ctx context.Context, orgID, name string, linkedOrgIDs []string) error {
	linked, err := json.Marshal(nonNil(linkedOrgIDs))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal linked ids")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO org_info (org_id, name, linked_org_ids) VALUES (?, ?, ?)
		ON CONFLICT (org_id) DO UPDATE SET name = excluded.name, linked_org_ids = excluded.linked_org_ids`,
		orgID, name, string(linked))
	return eris.Wrapf(err, "sqlite: upsert org info %s", orgID)
}

func (s *SQLiteStore) LinkedIDGroups(ctx context.Context) ([][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT linked_org_ids FROM org_info ORDER BY org_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: linked id groups")
	}
	defer rows.Close() //nolint:errcheck

	var groups [][]string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan linked ids")
		}
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode linked ids")
		}
		groups = append(groups, ids)
	}
	return groups, eris.Wrap(rows.Err(), "sqlite: linked ids iterate")
}

// --- Status flags ---

func (s *SQLiteStore) SetStatus(ctx context.Context, what string, status model.StatusValue) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO statuses (what, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (what) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		what, string(status), time.Now().UTC())
	return eris.Wrapf(err, "sqlite: set status %s", what)
}

func (s *SQLiteStore) Statuses(ctx context.Context) ([]model.Status, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT what, status, updated_at FROM statuses ORDER BY what`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list statuses")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Status
	for rows.Next() {
		var st model.Status
		if err := rows.Scan(&st.What, &st.Status, &st.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status")
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: statuses iterate")
}

func (s *SQLiteStore) ResetStatuses(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE statuses SET status = ?, updated_at = ?`, string(model.StatusIdle), time.Now().UTC())
	return eris.Wrap(err, "sqlite: reset statuses")
}
