package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/grant-datastore/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// fileSpec describes one source file to seed: its identifier, whether it
// passed validation and how many grants it carries.
type fileSpec struct {
	identifier string
	prefix     string
	valid      bool
	grants     int
}

func seedRun(t *testing.T, st Store, startedAt time.Time, files ...fileSpec) (*model.IngestRun, []model.SourceFile) {
	t.Helper()
	ctx := context.Background()

	run, err := st.CreateRun(ctx, startedAt)
	require.NoError(t, err)

	var out []model.SourceFile
	for _, f := range files {
		prefix := f.prefix
		if prefix == "" {
			prefix = "360G-" + f.identifier
		}
		pub := &model.Publisher{RunID: run.ID, Prefix: prefix, Name: "Publisher " + prefix}
		require.NoError(t, st.UpsertPublisher(ctx, pub))

		sf := model.SourceFile{
			RunID:             run.ID,
			Identifier:        f.identifier,
			PublisherPrefix:   prefix,
			Downloaded:        true,
			SchemaValid:       f.valid,
			LicenceAcceptable: true,
			FileType:          "json",
		}
		require.NoError(t, st.InsertSourceFile(ctx, &sf))

		grants := make([]model.Grant, 0, f.grants)
		for i := 0; i < f.grants; i++ {
			id := fmt.Sprintf("%s-%d-%d", prefix, run.ID, i)
			data, err := json.Marshal(map[string]any{"id": id, "currency": "GBP", "amountAwarded": 100})
			require.NoError(t, err)
			grants = append(grants, model.Grant{
				GrantID:         id,
				RunID:           run.ID,
				SourceFileID:    sf.ID,
				PublisherID:     pub.ID,
				Data:            data,
				RecipientOrgIDs: []string{"GB-CHC-" + id},
				FundingOrgIDs:   []string{"GB-COH-" + prefix},
			})
		}
		n, err := st.InsertGrants(ctx, grants)
		require.NoError(t, err)
		require.Equal(t, int64(f.grants), n)
		sf.GrantCount = n
		sf.RunStartedAt = run.StartedAt
		out = append(out, sf)
	}
	return run, out
}

func sourceFileIDs(files []model.SourceFile) []int64 {
	ids := make([]int64, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	return ids
}
