package actions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomikpanda/nix-installer/internal/errs"
)

func TestCreateFileNewThenRevert(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nix.conf")

	a, err := PlanCreateFile(path, "", "", 0o644, "build-users-group = nixbld\n", false)
	require.NoError(t, err)
	r, err := a.Execute(ctx)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "build-users-group = nixbld\n", string(data))

	require.NoError(t, r.Revert(ctx))
	assert.NoFileExists(t, path)
}

func TestCreateFileIdenticalIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("same"), 0o644))

	a, err := PlanCreateFile(path, "", "", 0o644, "same", false)
	require.NoError(t, err)
	r, err := a.Execute(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.Revert(context.Background()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "same", string(data))
}

func TestCreateFileDifferentWithoutForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("theirs"), 0o644))

	_, err := PlanCreateFile(path, "", "", 0o644, "ours", false)
	require.Error(t, err)
	assert.True(t, errs.IsExpected(err))
}

func TestCreateFileForceRestoresPrevious(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("theirs"), 0o600))

	a, err := PlanCreateFile(path, "", "", 0o644, "ours", true)
	require.NoError(t, err)
	r, err := a.Execute(ctx)
	require.NoError(t, err)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "ours", string(data))

	require.NoError(t, r.Revert(ctx))
	data, _ = os.ReadFile(path)
	assert.Equal(t, "theirs", string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCreateFileRevertAlreadyRemoved(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "f")

	a, err := PlanCreateFile(path, "", "", 0o644, "x", false)
	require.NoError(t, err)
	r, err := a.Execute(ctx)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	assert.NoError(t, r.Revert(ctx))
}
