package promote

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grant-datastore/internal/cache"
	"github.com/sells-group/grant-datastore/internal/model"
	"github.com/sells-group/grant-datastore/internal/store"
	"github.com/sells-group/grant-datastore/internal/store/storetest"
)

var (
	t0 = time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	t1 = t0.Add(24 * time.Hour)
	t2 = t1.Add(24 * time.Hour)
)

type fakeRecorder struct {
	outcomes []string
	grants   []int64
}

func (f *fakeRecorder) PromotionFinished(outcome string, grants int64, _ int, _ time.Duration) {
	f.outcomes = append(f.outcomes, outcome)
	f.grants = append(f.grants, grants)
}

func TestPromote_FallbackFromEarlierRun(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)

	_, r0 := storetest.Seed(t, st, t0, storetest.File{Identifier: "pub-x", Grants: 3})
	r1, r1Files := storetest.Seed(t, st, t1,
		storetest.File{Identifier: "a", Grants: 5},
		storetest.File{Identifier: "pub-x", Invalid: true},
	)

	rec := &fakeRecorder{}
	p := New(st, WithRecorder(rec))
	res, err := p.Promote(ctx, r1.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(8), res.Snapshot.GrantCount)
	assert.Equal(t, int64(8), res.Plan.GrantCount)
	assert.Equal(t, 1, res.Plan.Fallbacks())
	assert.Empty(t, res.Plan.Dropped)
	assert.Nil(t, res.Evicted)

	ids := res.Plan.SourceFileIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []int64{r0[0].ID, r1Files[0].ID}, ids)

	for _, c := range res.Plan.Candidates {
		if c.SourceFile.ID == r0[0].ID {
			assert.Equal(t, r1Files[1].ID, c.Replaces)
		}
	}

	snap, err := st.Snapshot(ctx, model.SeriesCurrent)
	require.NoError(t, err)
	assert.Equal(t, res.Snapshot.ID, snap.ID)
	assert.Equal(t, int64(8), snap.GrantCount)

	shortcut, err := st.ShortcutGrantIDs(ctx, model.SeriesCurrent)
	require.NoError(t, err)
	assert.Len(t, shortcut, 8)

	assert.Equal(t, []string{"promoted"}, rec.outcomes)
	assert.Equal(t, []int64{8}, rec.grants)
}

func TestPromote_ChoosesMostRecentFallback(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)

	storetest.Seed(t, st, t0, storetest.File{Identifier: "pub-x", Grants: 2})
	_, newer := storetest.Seed(t, st, t1, storetest.File{Identifier: "pub-x", Grants: 4})
	r2, _ := storetest.Seed(t, st, t2, storetest.File{Identifier: "pub-x", Invalid: true})

	plan, err := New(st).Plan(ctx, r2.ID)
	require.NoError(t, err)
	require.Len(t, plan.Candidates, 1)
	assert.Equal(t, newer[0].ID, plan.Candidates[0].SourceFile.ID)
	assert.Equal(t, int64(4), plan.GrantCount)
}

func TestPromote_PlanIsDeterministic(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)

	storetest.Seed(t, st, t0, storetest.File{Identifier: "pub-x", Grants: 2})
	storetest.Seed(t, st, t1, storetest.File{Identifier: "pub-y", Grants: 4})
	r2, _ := storetest.Seed(t, st, t2,
		storetest.File{Identifier: "pub-x", Invalid: true},
		storetest.File{Identifier: "pub-y", Invalid: true},
		storetest.File{Identifier: "c", Grants: 1},
	)

	p := New(st)
	first, err := p.Plan(ctx, r2.ID)
	require.NoError(t, err)
	second, err := p.Plan(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, first.SourceFileIDs(), second.SourceFileIDs())
	assert.Equal(t, int64(7), first.GrantCount)
}

func TestPromote_AmbiguousFallbackIsDropped(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)

	storetest.Seed(t, st, t0, storetest.File{Identifier: "pub-x", Grants: 2})
	storetest.Seed(t, st, t0, storetest.File{Identifier: "pub-x", Grants: 3})
	r2, r2Files := storetest.Seed(t, st, t2,
		storetest.File{Identifier: "a", Grants: 1},
		storetest.File{Identifier: "pub-x", Invalid: true},
	)

	res, err := New(st).Promote(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Snapshot.GrantCount)
	require.Len(t, res.Plan.Dropped, 1)
	assert.Equal(t, r2Files[1].ID, res.Plan.Dropped[0].SourceFileID)
	assert.ErrorIs(t, res.Plan.Dropped[0].Reason, ErrAmbiguousFallback)
}

func TestPromote_FallbackAlreadyChosenIsDropped(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)

	r1, files := storetest.Seed(t, st, t1,
		storetest.File{Identifier: "pub-x", Prefix: "360G-x1", Grants: 2},
		storetest.File{Identifier: "pub-x", Prefix: "360G-x2", Invalid: true},
	)

	plan, err := New(st).Plan(ctx, r1.ID)
	require.NoError(t, err)
	require.Len(t, plan.Candidates, 1)
	assert.Equal(t, files[0].ID, plan.Candidates[0].SourceFile.ID)
	require.Len(t, plan.Dropped, 1)
	assert.ErrorIs(t, plan.Dropped[0].Reason, ErrFallbackReused)
}

func TestPromote_OneFallbackCannotServeTwoFiles(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)

	_, r0 := storetest.Seed(t, st, t0, storetest.File{Identifier: "pub-x", Grants: 2})
	r1, _ := storetest.Seed(t, st, t1,
		storetest.File{Identifier: "a", Grants: 1},
		storetest.File{Identifier: "pub-x", Prefix: "360G-x1", Invalid: true},
		storetest.File{Identifier: "pub-x", Prefix: "360G-x2", Invalid: true},
	)

	plan, err := New(st).Plan(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Fallbacks())
	assert.Equal(t, int64(3), plan.GrantCount)
	require.Len(t, plan.Dropped, 1)
	assert.ErrorIs(t, plan.Dropped[0].Reason, ErrFallbackReused)

	n := 0
	for _, id := range plan.SourceFileIDs() {
		if id == r0[0].ID {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestPromote_NoFallbackAvailable(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)

	r1, _ := storetest.Seed(t, st, t1,
		storetest.File{Identifier: "a", Grants: 2},
		storetest.File{Identifier: "pub-x", Invalid: true},
	)

	plan, err := New(st).Plan(ctx, r1.ID)
	require.NoError(t, err)
	require.Len(t, plan.Dropped, 1)
	assert.ErrorIs(t, plan.Dropped[0].Reason, ErrFallbackNotFound)
	assert.Equal(t, "pub-x", plan.Dropped[0].Identifier)
}

func TestPromote_EmptyEligibleFileIsSkipped(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)

	storetest.Seed(t, st, t0, storetest.File{Identifier: "empty", Grants: 4})
	r1, _ := storetest.Seed(t, st, t1,
		storetest.File{Identifier: "a", Grants: 2},
		storetest.File{Identifier: "empty"},
	)

	plan, err := New(st).Plan(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Empty)
	assert.Len(t, plan.Candidates, 1)
	assert.Equal(t, int64(2), plan.GrantCount)
}

func TestPromote_AbortsWhenNothingToPromote(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)

	r0, _ := storetest.Seed(t, st, t0, storetest.File{Identifier: "a", Grants: 2})
	rec := &fakeRecorder{}
	p := New(st, WithRecorder(rec))
	first, err := p.Promote(ctx, r0.ID)
	require.NoError(t, err)

	r1, _ := storetest.Seed(t, st, t1, storetest.File{Identifier: "b", Invalid: true})
	_, err = p.Promote(ctx, r1.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPromotionAborted)

	slots, err := st.Slots(ctx)
	require.NoError(t, err)
	assert.Nil(t, slots.Next)
	require.NotNil(t, slots.Current)
	assert.Equal(t, first.Snapshot.ID, *slots.Current)
	assert.Nil(t, slots.Previous)
	assert.Equal(t, []string{"promoted", "aborted"}, rec.outcomes)
}

func TestPromote_RotatesAndEvicts(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)
	p := New(st)

	var snaps []model.Snapshot
	for i, at := range []time.Time{t0, t1, t2} {
		run, _ := storetest.Seed(t, st, at, storetest.File{Identifier: "a", Grants: i + 1})
		res, err := p.Promote(ctx, run.ID)
		require.NoError(t, err)
		snaps = append(snaps, res.Snapshot)
		if i == 2 {
			require.NotNil(t, res.Evicted)
			assert.Equal(t, snaps[0].ID, *res.Evicted)
		}
	}

	cur, err := st.Snapshot(ctx, model.SeriesCurrent)
	require.NoError(t, err)
	assert.Equal(t, snaps[2].ID, cur.ID)
	prev, err := st.Snapshot(ctx, model.SeriesPrevious)
	require.NoError(t, err)
	assert.Equal(t, snaps[1].ID, prev.ID)
}

func TestPromote_ClearsCache(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)
	mem := cache.NewMemory()
	require.NoError(t, mem.Set(ctx, "rollup:x", []byte("stale")))

	r0, _ := storetest.Seed(t, st, t0, storetest.File{Identifier: "a", Grants: 1})
	_, err := New(st, WithCache(mem)).Promote(ctx, r0.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, mem.Len())
}

func TestPromote_UnknownRun(t *testing.T) {
	_, err := New(storetest.NewSQLite(t)).Promote(context.Background(), 99)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestPromoteLatest(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)
	p := New(st)

	_, err := p.PromoteLatest(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	storetest.Seed(t, st, t0, storetest.File{Identifier: "a", Grants: 1})
	r1, _ := storetest.Seed(t, st, t1, storetest.File{Identifier: "a", Grants: 2})
	res, err := p.PromoteLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, res.Snapshot.RunID)
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewSQLite(t)
	r0, _ := storetest.Seed(t, st, t0, storetest.File{Identifier: "a", Grants: 3})
	p := New(st)
	_, err := p.Promote(ctx, r0.ID)
	require.NoError(t, err)

	n, err := p.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	joined, err := st.JoinGrantIDs(ctx, model.SeriesCurrent)
	require.NoError(t, err)
	shortcut, err := st.ShortcutGrantIDs(ctx, model.SeriesCurrent)
	require.NoError(t, err)
	assert.ElementsMatch(t, joined, shortcut)
}

func TestSortByRecency(t *testing.T) {
	files := []model.SourceFile{
		{ID: 1, RunID: 1, RunStartedAt: t0},
		{ID: 2, RunID: 2, RunStartedAt: t1},
		{ID: 3, RunID: 3, RunStartedAt: t1},
		{ID: 4, RunID: 3, RunStartedAt: t1},
	}
	SortByRecency(files)
	var ids []int64
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []int64{4, 3, 2, 1}, ids)
}
