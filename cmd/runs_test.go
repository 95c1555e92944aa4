package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grant-datastore/internal/ledger"
	"github.com/sells-group/grant-datastore/internal/model"
	"github.com/sells-group/grant-datastore/internal/store/storetest"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.RunSummary{
		{IngestRun: model.IngestRun{ID: 2, StartedAt: now}, SourceFiles: 12, Grants: 4000, InUse: true},
		{IngestRun: model.IngestRun{ID: 1, StartedAt: now.Add(-24 * time.Hour), Archived: true}, SourceFiles: 11},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "SOURCE_FILES")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "2025-06-14 10:30")
	assert.Contains(t, output, "4000")
	assert.Contains(t, output, "yes")
}

func TestRunRetire_SkipsInUse(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	r0, _ := storetest.Seed(t, env.store, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		storetest.File{Identifier: "a", Grants: 2})
	r1, _ := storetest.Seed(t, env.store, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
		storetest.File{Identifier: "a", Grants: 3})
	_, err := env.promoter().Promote(ctx, r1.ID)
	require.NoError(t, err)

	var buf bytes.Buffer
	sel := ledger.Selector{IDs: []int64{r0.ID, r1.ID, 99}}
	require.NoError(t, runRetire(ctx, env.ledger(), sel, ledger.Options{}, false, &buf))

	out := buf.String()
	assert.Contains(t, out, "deleted")
	assert.Contains(t, out, "skipped (in use)")
	assert.Contains(t, out, "missing")

	runs, err := env.ledger().List(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, r1.ID, runs[0].ID)
}

func TestRunRetire_ArchiveOldest(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	r0, _ := storetest.Seed(t, env.store, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		storetest.File{Identifier: "a", Grants: 2})
	storetest.Seed(t, env.store, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
		storetest.File{Identifier: "a", Grants: 3})

	var buf bytes.Buffer
	require.NoError(t, runRetire(ctx, env.ledger(), ledger.Selector{Oldest: true}, ledger.Options{}, true, &buf))
	assert.Contains(t, buf.String(), "archived")

	run, err := env.store.GetRun(ctx, r0.ID)
	require.NoError(t, err)
	assert.True(t, run.Archived)
}
