package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grant-datastore/internal/cache"
	"github.com/sells-group/grant-datastore/internal/model"
	"github.com/sells-group/grant-datastore/internal/store"
	"github.com/sells-group/grant-datastore/internal/store/storetest"
)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.AddDate(0, 1, 0)
	t2 = t1.AddDate(0, 1, 0)
)

func promote(t *testing.T, st store.Store, run *model.IngestRun, files []model.SourceFile) {
	t.Helper()
	ids := make([]int64, 0, len(files))
	var total int64
	for _, f := range files {
		ids = append(ids, f.ID)
		total += f.GrantCount
	}
	_, err := st.PromoteSnapshot(context.Background(), model.Snapshot{
		ID: uuid.New(), RunID: run.ID, CreatedAt: time.Now(), GrantCount: total,
	}, ids)
	require.NoError(t, err)
}

func TestPartition(t *testing.T) {
	files := []model.SourceFile{
		{ID: 1, Downloaded: true, SchemaValid: true, LicenceAcceptable: true},
		{ID: 2, Downloaded: true, SchemaValid: false, LicenceAcceptable: true},
		{ID: 3, Downloaded: false},
		{ID: 4, Downloaded: true, SchemaValid: true, LicenceAcceptable: true},
	}
	ok, bad := Partition(files)
	require.Len(t, ok, 2)
	require.Len(t, bad, 2)
	assert.Equal(t, int64(1), ok[0].ID)
	assert.Equal(t, int64(4), ok[1].ID)
	assert.Equal(t, int64(2), bad[0].ID)
}

func TestLedger_LatestAndTotal(t *testing.T) {
	st := storetest.NewSQLite(t)
	l := New(st, nil)
	ctx := context.Background()

	_, err := l.Latest(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	storetest.Seed(t, st, t0, storetest.File{Identifier: "a", Grants: 1})
	r1, _ := storetest.Seed(t, st, t1, storetest.File{Identifier: "a", Grants: 1})

	latest, err := l.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, latest.ID)

	n, err := l.Total(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLedger_Resolve(t *testing.T) {
	st := storetest.NewSQLite(t)
	l := New(st, nil)
	l.now = func() time.Time { return t2.AddDate(0, 0, 1) }
	ctx := context.Background()

	r0, _ := storetest.Seed(t, st, t0, storetest.File{Identifier: "a", Grants: 1})
	r1, f1 := storetest.Seed(t, st, t1, storetest.File{Identifier: "a", Grants: 1})
	r2, _ := storetest.Seed(t, st, t2, storetest.File{Identifier: "a", Grants: 1})
	promote(t, st, r1, f1)

	ids, err := l.Resolve(ctx, Selector{Oldest: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{r0.ID}, ids)

	ids, err = l.Resolve(ctx, Selector{OlderThanDays: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{r0.ID, r1.ID}, ids)

	ids, err = l.Resolve(ctx, Selector{NotInUse: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{r0.ID, r2.ID}, ids)

	ids, err = l.Resolve(ctx, Selector{IDs: []int64{r2.ID, r2.ID}, Oldest: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{r0.ID, r2.ID}, ids)

	assert.True(t, Selector{}.Empty())
}

func TestLedger_Delete_SkipsInUseUnlessForced(t *testing.T) {
	st := storetest.NewSQLite(t)
	c := cache.NewMemory()
	l := New(st, c)
	ctx := context.Background()

	r0, f0 := storetest.Seed(t, st, t0, storetest.File{Identifier: "a", Grants: 2})
	promote(t, st, r0, f0)
	require.NoError(t, c.Set(ctx, "overview", []byte("stale")))

	out, err := l.Delete(ctx, []int64{r0.ID}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []Outcome{{RunID: r0.ID, Action: ActionSkippedInUse}}, out)
	assert.Equal(t, 1, c.Len(), "nothing changed so the cache is kept")

	out, err = l.Delete(ctx, []int64{r0.ID}, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, []Outcome{{RunID: r0.ID, Action: ActionDeleted}}, out)
	assert.Equal(t, 0, c.Len())

	_, err = st.GetRun(ctx, r0.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLedger_Delete_Idempotent(t *testing.T) {
	st := storetest.NewSQLite(t)
	l := New(st, nil)
	ctx := context.Background()

	r0, _ := storetest.Seed(t, st, t0, storetest.File{Identifier: "a", Grants: 1})

	out, err := l.Delete(ctx, []int64{r0.ID}, Options{})
	require.NoError(t, err)
	assert.Equal(t, ActionDeleted, out[0].Action)

	out, err = l.Delete(ctx, []int64{r0.ID}, Options{})
	require.NoError(t, err)
	assert.Equal(t, ActionMissing, out[0].Action)
}

func TestLedger_Archive(t *testing.T) {
	st := storetest.NewSQLite(t)
	l := New(st, nil)
	ctx := context.Background()

	r0, _ := storetest.Seed(t, st, t0, storetest.File{Identifier: "a", Grants: 3})

	out, err := l.Archive(ctx, []int64{r0.ID}, Options{})
	require.NoError(t, err)
	assert.Equal(t, ActionArchived, out[0].Action)

	runs, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Archived)
	assert.Zero(t, runs[0].Grants)
	assert.Equal(t, int64(1), runs[0].SourceFiles)

	out, err = l.Archive(ctx, []int64{r0.ID, 999}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []Outcome{
		{RunID: r0.ID, Action: ActionAlreadyArchived},
		{RunID: 999, Action: ActionMissing},
	}, out)
}

func TestLedger_Statuses(t *testing.T) {
	st := storetest.NewSQLite(t)
	l := New(st, nil)
	ctx := context.Background()

	require.Error(t, l.SetStatus(ctx, "", model.StatusReady))
	require.NoError(t, l.SetStatus(ctx, model.StatusWhatDatastore, model.StatusLoadingData))

	statuses, err := l.Statuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, model.StatusLoadingData, statuses[0].Status)

	require.NoError(t, l.ResetStatuses(ctx))
	statuses, err = l.Statuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, statuses[0].Status)
}
