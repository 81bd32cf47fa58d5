package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand()

	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "config")
	assert.Contains(t, names, "version")

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
}

func TestConfigInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")

	root := newRootCommand()
	root.SetArgs([]string{"config", "init", path})
	require.NoError(t, root.Execute())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "server:")
	assert.Contains(t, string(raw), "tasks:")
	assert.Contains(t, string(raw), "observability:")
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o644))

	root := newRootCommand()
	root.SetArgs([]string{"config", "init", path})
	require.Error(t, root.Execute())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "port: 9999")
}
