package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scout-cli/internal/config"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"scan", "sessions", "outcome", "weights", "reconcile", "serve", "migrate"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "scout-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestScanCommand_Flags(t *testing.T) {
	for _, name := range []string{"user", "source", "file", "text", "dry-run"} {
		assert.NotNil(t, scanCmd.Flags().Lookup(name), "scan should have --%s flag", name)
	}
	wait := scanCmd.Flags().Lookup("wait")
	require.NotNil(t, wait)
	assert.Equal(t, "true", wait.DefValue)
	assert.Equal(t, "pasted_text", scanCmd.Flags().Lookup("source").DefValue)
}

func TestSessionsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range sessionsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"status", "results", "events", "entities", "run", "stats"} {
		assert.True(t, names[name], "sessions should have subcommand %q", name)
	}
}

func TestWeightsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range weightsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"show", "reset", "events"} {
		assert.True(t, names[name], "weights should have subcommand %q", name)
	}
}

func TestOutcomeCommand_Flags(t *testing.T) {
	for _, name := range []string{"user", "feature", "outcome", "value"} {
		assert.NotNil(t, outcomeCmd.Flags().Lookup(name), "outcome should have --%s flag", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestReconcileCommand_Flags(t *testing.T) {
	flag := reconcileCmd.Flags().Lookup("stale-after")
	require.NotNil(t, flag)
	assert.Equal(t, "0s", flag.DefValue)
}

func TestApplyLogFlags(t *testing.T) {
	t.Cleanup(func() { logLevel, logFormat = "", "" })

	lc := config.LogConfig{Level: "info", Format: "json"}
	applyLogFlags(&lc)
	assert.Equal(t, config.LogConfig{Level: "info", Format: "json"}, lc)

	logLevel, logFormat = "debug", "console"
	applyLogFlags(&lc)
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "console", lc.Format)
}

func TestRootCommand_LogFlags(t *testing.T) {
	for _, name := range []string{"log-level", "log-format"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "root should have --%s flag", name)
	}
	assert.True(t, rootCmd.SilenceUsage)
}
