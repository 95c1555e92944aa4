package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grant-datastore/internal/checker"
	"github.com/sells-group/grant-datastore/internal/model"
	"github.com/sells-group/grant-datastore/internal/store/storetest"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
}

func dataset(identifier, prefix, jsonPath string, downloads, valid bool) map[string]any {
	meta := map[string]any{
		"downloads":          downloads,
		"acceptable_license": true,
		"file_type":          "json",
	}
	if downloads {
		meta["valid"] = valid
	}
	if jsonPath != "" {
		meta["json"] = jsonPath
	}
	return map[string]any{
		"identifier":          identifier,
		"modified":            "2024-05-01T00:00:00Z",
		"publisher":           map[string]any{"prefix": prefix, "name": "Publisher " + prefix, "org_id": "GB-CHC-" + identifier},
		"datagetter_metadata": meta,
	}
}

func grantsDoc(ids ...string) map[string]any {
	var grants []map[string]any
	for _, id := range ids {
		grants = append(grants, map[string]any{
			"id":                    id,
			"currency":              "GBP",
			"amountAwarded":         50,
			"recipientOrganization": []map[string]any{{"id": "GB-COH-" + id, "name": "R"}},
			"fundingOrganization":   []map[string]any{{"id": "GB-CHC-F", "name": "F"}},
		})
	}
	return map[string]any{"grants": grants}
}

// datagetterDir writes a run with one good dataset, one invalid dataset and
// one whose grant file is missing.
func datagetterDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "json_all"), 0o755))
	writeJSON(t, filepath.Join(dir, "data_all.json"), []map[string]any{
		dataset("a", "360G-a", "/srv/datagetter/json_all/a.json", true, true),
		dataset("b", "360G-b", "", false, false),
		dataset("c", "360G-a", "/elsewhere/c.json", true, true),
	})
	writeJSON(t, filepath.Join(dir, "json_all", "a.json"), grantsDoc("g1", "g2", "g3"))
	return dir
}

func TestCheckDir(t *testing.T) {
	assert.NoError(t, CheckDir(datagetterDir(t)))

	empty := t.TempDir()
	assert.ErrorIs(t, CheckDir(empty), ErrNotDatagetterDir)

	require.NoError(t, os.WriteFile(filepath.Join(empty, "data_all.json"), []byte("[]"), 0o644))
	assert.ErrorIs(t, CheckDir(empty), ErrNotDatagetterDir)
}

func TestLoader_Load(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)

	res, err := NewLoader(st, nil, Config{BatchSize: 2}).Load(ctx, datagetterDir(t))
	require.NoError(t, err)
	assert.Equal(t, 3, res.SourceFiles)
	assert.Equal(t, 2, res.Eligible)
	assert.Equal(t, 2, res.Missing)
	assert.Equal(t, int64(3), res.Grants)

	files, err := st.RunSourceFiles(ctx, res.Run.ID)
	require.NoError(t, err)
	require.Len(t, files, 3)
	byID := map[string]model.SourceFile{}
	for _, f := range files {
		byID[f.Identifier] = f
	}
	assert.True(t, byID["a"].Eligible())
	assert.Equal(t, int64(3), byID["a"].GrantCount)
	assert.False(t, byID["b"].Downloaded)
	assert.False(t, byID["b"].SchemaValid)
	assert.False(t, byID["b"].Eligible())
	assert.Equal(t, int64(0), byID["c"].GrantCount)
	assert.Equal(t, "2024-05-01T00:00:00Z", byID["a"].Modified)

	grants, err := st.SourceFileGrants(ctx, byID["a"].ID)
	require.NoError(t, err)
	assert.Len(t, grants, 3)
}

func TestLoader_Load_StoresCheckerBlobs(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)
	chk := checker.Func(func(_ context.Context, grants []json.RawMessage) (model.Quality, *model.Aggregate, error) {
		return model.Quality{"PlannedDurationNotPresent": {Count: 1}},
			&model.Aggregate{Count: int64(len(grants))}, nil
	})

	res, err := NewLoader(st, chk, Config{}).Load(ctx, datagetterDir(t))
	require.NoError(t, err)

	files, err := st.RunSourceFiles(ctx, res.Run.ID)
	require.NoError(t, err)
	for _, f := range files {
		if f.Identifier != "a" {
			assert.Nil(t, f.Aggregate, f.Identifier)
			continue
		}
		assert.Equal(t, int64(1), f.Quality.Failing("PlannedDurationNotPresent"))
		require.NotNil(t, f.Aggregate)
		assert.Equal(t, int64(3), f.Aggregate.Count)
	}
}

func TestLoader_Load_RemovesRunOnFailure(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)
	chk := checker.Func(func(context.Context, []json.RawMessage) (model.Quality, *model.Aggregate, error) {
		return nil, nil, errors.New("checker crashed")
	})

	_, err := NewLoader(st, chk, Config{}).Load(ctx, datagetterDir(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checker crashed")

	runs, err := st.ListRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestLoader_Load_SkipsGrantsWithoutID(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)
	dir := datagetterDir(t)
	writeJSON(t, filepath.Join(dir, "json_all", "a.json"), map[string]any{
		"grants": []map[string]any{{"id": "g1"}, {"title": "no id"}},
	})

	res, err := NewLoader(st, nil, Config{}).Load(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Grants)
}

func TestLoader_Load_BadDir(t *testing.T) {
	st := storetest.NewSQLite(t)
	_, err := NewLoader(st, nil, Config{}).Load(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrNotDatagetterDir)
}

type recordingStore struct {
	Store
	publishers []model.Publisher
}

func (r *recordingStore) UpsertPublisher(ctx context.Context, p *model.Publisher) error {
	if err := r.Store.UpsertPublisher(ctx, p); err != nil {
		return err
	}
	r.publishers = append(r.publishers, *p)
	return nil
}

func TestLoader_Load_EncodesPublisherData(t *testing.T) {
	rec := &recordingStore{Store: storetest.NewSQLite(t)}

	_, err := NewLoader(rec, nil, Config{}).Load(context.Background(), datagetterDir(t))
	require.NoError(t, err)
	require.Len(t, rec.publishers, 2)

	var block model.DatasetPublisher
	require.NoError(t, json.Unmarshal(rec.publishers[0].Data, &block))
	assert.Equal(t, model.DatasetPublisher{Prefix: "360G-a", Name: "Publisher 360G-a", OrgID: "GB-CHC-a"}, block)
}
