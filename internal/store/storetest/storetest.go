// Package storetest seeds temporary SQLite stores for package tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/grant-datastore/internal/model"
	"github.com/sells-group/grant-datastore/internal/store"
)

// NewSQLite opens a migrated SQLite store in t.TempDir().
func NewSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// File describes one source file to seed.
type File struct {
	Identifier string
	Prefix     string // defaults to "360G-" + Identifier
	Invalid    bool   // fails schema validation
	Grants     int    // synthetic grants, used when Payloads is empty
	Payloads   []map[string]any
	FileType   string
	Modified   string
	Quality    model.Quality
	Aggregate  *model.Aggregate
}

// Seed creates a run started at startedAt holding the given files.
func Seed(t *testing.T, st store.Store, startedAt time.Time, files ...File) (*model.IngestRun, []model.SourceFile) {
	t.Helper()
	ctx := context.Background()

	run, err := st.CreateRun(ctx, startedAt)
	require.NoError(t, err)

	out := make([]model.SourceFile, 0, len(files))
	for _, f := range files {
		prefix := f.Prefix
		if prefix == "" {
			prefix = "360G-" + f.Identifier
		}
		pub := &model.Publisher{RunID: run.ID, Prefix: prefix, Name: "Publisher " + prefix}
		require.NoError(t, st.UpsertPublisher(ctx, pub))

		fileType := f.FileType
		if fileType == "" {
			fileType = "json"
		}
		sf := model.SourceFile{
			RunID:             run.ID,
			Identifier:        f.Identifier,
			PublisherPrefix:   prefix,
			Downloaded:        true,
			SchemaValid:       !f.Invalid,
			LicenceAcceptable: true,
			FileType:          fileType,
			Modified:          f.Modified,
			Quality:           f.Quality,
			Aggregate:         f.Aggregate,
		}
		require.NoError(t, st.InsertSourceFile(ctx, &sf))

		payloads := f.Payloads
		if len(payloads) == 0 {
			for i := 0; i < f.Grants; i++ {
				payloads = append(payloads, map[string]any{
					"id":            fmt.Sprintf("%s-%d-%d", prefix, run.ID, i),
					"currency":      "GBP",
					"amountAwarded": 100,
				})
			}
		}
		grants := make([]model.Grant, 0, len(payloads))
		for i, p := range payloads {
			data, err := json.Marshal(p)
			require.NoError(t, err)
			gp, err := model.ParseGrantPayload(data)
			require.NoError(t, err)
			id := gp.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d-%d", prefix, run.ID, i)
			}
			grants = append(grants, model.Grant{
				GrantID:         id,
				RunID:           run.ID,
				SourceFileID:    sf.ID,
				PublisherID:     pub.ID,
				Data:            data,
				RecipientOrgIDs: gp.RecipientIDs(),
				FundingOrgIDs:   gp.FunderIDs(),
			})
		}
		n, err := st.InsertGrants(ctx, grants)
		require.NoError(t, err)
		sf.GrantCount = n
		sf.RunStartedAt = run.StartedAt
		out = append(out, sf)
	}
	return run, out
}
