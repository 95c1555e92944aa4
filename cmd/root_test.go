package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"migrate", "ingest", "promote", "snapshot", "runs", "entities",
		"registry", "rollup", "cache", "status", "quality", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "grant-datastore", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestPromoteCommand_Flags(t *testing.T) {
	flag := promoteCmd.Flags().Lookup("run")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
	assert.NotNil(t, promoteCmd.Flags().Lookup("dry-run"))
}

func TestRunsRetire_Flags(t *testing.T) {
	for _, c := range []string{"delete", "archive"} {
		cmd, _, err := rootCmd.Find([]string{"runs", c})
		require.NoError(t, err)
		for _, f := range []string{"oldest", "older-than-days", "not-in-use", "force"} {
			assert.NotNil(t, cmd.Flags().Lookup(f), "runs %s should have --%s", c, f)
		}
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestSelectorFromFlags(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"runs", "delete"})
	require.NoError(t, err)

	_, err = selectorFromFlags(cmd, nil)
	assert.Error(t, err, "empty selection is refused")

	_, err = selectorFromFlags(cmd, []string{"abc"})
	assert.Error(t, err)

	sel, err := selectorFromFlags(cmd, []string{"3", "1"})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1}, sel.IDs)
}
