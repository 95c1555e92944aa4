package checker

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grant-datastore/internal/model"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestNewExecChecker_DefaultCommand(t *testing.T) {
	c := NewExecChecker(Config{})
	assert.Equal(t, "grant-quality-check", c.binPath)
}

func TestExecChecker_Check(t *testing.T) {
	requireShell(t)
	c := NewExecChecker(Config{
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; echo '{"quality":{"PlannedDurationNotPresent":{"count":2,"heading":"h"}},"aggregate":{"count":3,"distinct_recipient_org_identifier":["GB-CHC-1"]}}'`},
	})

	q, agg, err := c.Check(context.Background(), []json.RawMessage{
		json.RawMessage(`{"id":"a"}`), json.RawMessage(`{"id":"b"}`), json.RawMessage(`{"id":"c"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), q.Failing("PlannedDurationNotPresent"))
	require.NotNil(t, agg)
	assert.Equal(t, int64(3), agg.Count)
	assert.Equal(t, []string{"GB-CHC-1"}, agg.RecipientOrgIDs)
}

func TestExecChecker_ReceivesGrants(t *testing.T) {
	requireShell(t)
	// Reports how many grant ids arrived on stdin.
	c := NewExecChecker(Config{
		Command: "sh",
		Args:    []string{"-c", `n=$(grep -o '"id"' | wc -l | tr -d ' '); echo "{\"aggregate\":{\"count\":$n}}"`},
	})
	q, agg, err := c.Check(context.Background(), []json.RawMessage{
		json.RawMessage(`{"id":"a"}`), json.RawMessage(`{"id":"b"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.Quality{}, q)
	assert.Equal(t, int64(2), agg.Count)
}

func TestExecChecker_CommandFails(t *testing.T) {
	requireShell(t)
	c := NewExecChecker(Config{Command: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})
	_, _, err := c.Check(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestExecChecker_BadOutput(t *testing.T) {
	requireShell(t)
	c := NewExecChecker(Config{Command: "sh", Args: []string{"-c", "cat >/dev/null; echo not-json"}})
	_, _, err := c.Check(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestFunc(t *testing.T) {
	var f Checker = Func(func(_ context.Context, grants []json.RawMessage) (model.Quality, *model.Aggregate, error) {
		return model.Quality{}, &model.Aggregate{Count: int64(len(grants))}, nil
	})
	_, agg, err := f.Check(context.Background(), make([]json.RawMessage, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(4), agg.Count)
}
