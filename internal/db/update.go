package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpdateConfig defines the parameters for a bulk update operation.
type UpdateConfig struct {
	Table      string   // target table (e.g., "publishers")
	KeyCols    []string // columns identifying the target row
	UpdateCols []string // columns overwritten from the supplied rows
}

// BulkUpdate overwrites columns of existing rows in one round trip.
// 1. Creates a temp table holding just the key and update columns
// 2. COPY rows (key columns first, then update columns) into it
// 3. UPDATE target SET ... FROM temp WHERE keys match
// The temp table is dropped on commit.
func BulkUpdate(ctx context.Context, pool Pool, cfg UpdateConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.KeyCols) == 0 {
		return 0, eris.New("db: update: no key columns specified")
	}
	if len(cfg.UpdateCols) == 0 {
		return 0, eris.New("db: update: no update columns specified")
	}

	var affected int64
	err := WithTx(ctx, pool, func(tx pgx.Tx) error {
		tempTable := fmt.Sprintf("_tmp_update_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

		columns := append(append([]string{}, cfg.KeyCols...), cfg.UpdateCols...)

		// CTAS copies column types but no constraints, so the other
		// NOT NULL columns of the target do not get in the way.
		createSQL := fmt.Sprintf(
			"CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s FROM %s WITH NO DATA",
			pgx.Identifier{tempTable}.Sanitize(),
			quoteAndJoin(columns),
			sanitizeTable(cfg.Table),
		)
		if _, err := tx.Exec(ctx, createSQL); err != nil {
			return eris.Wrapf(err, "db: update: create temp table for %s", cfg.Table)
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, columns, pgx.CopyFromRows(rows)); err != nil {
			return eris.Wrapf(err, "db: update: COPY into temp table for %s", cfg.Table)
		}

		tag, err := tx.Exec(ctx, updateSQL(cfg, tempTable))
		if err != nil {
			return eris.Wrapf(err, "db: update: UPDATE FROM for %s", cfg.Table)
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// updateSQL builds UPDATE target AS t SET c = s.c ... FROM temp AS s WHERE t.k = s.k.
func updateSQL(cfg UpdateConfig, tempTable string) string {
	setClauses := make([]string, len(cfg.UpdateCols))
	for i, col := range cfg.UpdateCols {
		c := pgx.Identifier{col}.Sanitize()
		setClauses[i] = fmt.Sprintf("%s = s.%s", c, c)
	}
	where := make([]string, len(cfg.KeyCols))
	for i, col := range cfg.KeyCols {
		c := pgx.Identifier{col}.Sanitize()
		where[i] = fmt.Sprintf("t.%s = s.%s", c, c)
	}
	return fmt.Sprintf(
		"UPDATE %s AS t SET %s FROM %s AS s WHERE %s",
		sanitizeTable(cfg.Table),
		strings.Join(setClauses, ", "),
		pgx.Identifier{tempTable}.Sanitize(),
		strings.Join(where, " AND "),
	)
}

// sanitizeTable handles schema-qualified table names like "public.grants".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
