package registry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runrelay/relay/internal/model"
	"github.com/runrelay/relay/internal/registry"
)

func TestNewValidates(t *testing.T) {
	_, err := registry.New([]model.AgentDescriptor{
		{ID: "a", EntryCommand: "run a"},
		{ID: "a", EntryCommand: "run a"},
	})
	assert.ErrorContains(t, err, "duplicate agent id")

	_, err = registry.New([]model.AgentDescriptor{{Name: "nameless", EntryCommand: "run x"}})
	assert.ErrorContains(t, err, "empty id")

	_, err = registry.New([]model.AgentDescriptor{{ID: "x"}})
	assert.ErrorContains(t, err, "no entry command")
}

func TestListOrderedByID(t *testing.T) {
	r, err := registry.New([]model.AgentDescriptor{
		{ID: "zeta", EntryCommand: "run zeta"},
		{ID: "alpha", EntryCommand: "run alpha"},
	})
	require.NoError(t, err)

	agents := r.List()
	require.Len(t, agents, 2)
	assert.Equal(t, "alpha", agents[0].ID)
	assert.Equal(t, "zeta", agents[1].ID)
}

func TestGet(t *testing.T) {
	r, err := registry.New(registry.Defaults())
	require.NoError(t, err)

	a, err := r.Get("rollback")
	require.NoError(t, err)
	assert.True(t, a.Confirm, "rollback is destructive and requires confirmation")

	_, err = r.Get("no-such-agent")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "backup", "name": "Backup", "description": "Snapshots the database.", "entry_command": "run backup"},
		{"id": "purge", "name": "Purge", "description": "Deletes stale artifacts.", "entry_command": "run purge", "confirm": true}
	]`), 0o600))

	r, err := registry.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	a, err := r.Get("purge")
	require.NoError(t, err)
	assert.True(t, a.Confirm)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := registry.LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))
	_, err = registry.LoadFile(path)
	assert.ErrorContains(t, err, "parse")
}
