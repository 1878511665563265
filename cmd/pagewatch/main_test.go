package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTargetsCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "cli.db"))
	t.Setenv("LOG_LEVEL", "error")

	out, err := execute(t, "--config", dir, "targets", "add", "--interval", "15", "--selector", "#hero", "home", "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "added target 1\n", out)

	out, err = execute(t, "--config", dir, "targets", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "home")
	assert.Contains(t, out, "15m")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "#hero")

	_, err = execute(t, "--config", dir, "targets", "add", "home", "https://example.org")
	assert.Error(t, err, "names are unique per owner")

	out, err = execute(t, "--config", dir, "targets", "rm", "1")
	require.NoError(t, err)
	assert.Equal(t, "removed target 1\n", out)

	_, err = execute(t, "--config", dir, "targets", "rm", "1")
	assert.Error(t, err)
}

func TestCheckCommandArgs(t *testing.T) {
	_, err := execute(t, "check")
	assert.Error(t, err)

	_, err = execute(t, "check", "abc")
	assert.ErrorContains(t, err, "invalid target id")
}
