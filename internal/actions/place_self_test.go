package actions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeExecutable(t *testing.T, path string) {
	t.Helper()
	prev := Executable
	Executable = func() (string, error) { return path, nil }
	t.Cleanup(func() { Executable = prev })
}

func TestPlaceSelfCopiesBinary(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	self := filepath.Join(dir, "nix-installer-build")
	require.NoError(t, os.WriteFile(self, []byte("\x7fELF installer"), 0o700))
	fakeExecutable(t, self)
	dst := filepath.Join(dir, "nix-installer")

	a, err := PlanPlaceSelf(dst, false)
	require.NoError(t, err)
	r, err := a.Execute(ctx)
	require.NoError(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "\x7fELF installer", string(data))
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	require.NoError(t, r.Revert(ctx))
	assert.NoFileExists(t, dst)
	assert.FileExists(t, self)
}

func TestPlaceSelfExistingConflicts(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "nix-installer")
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o755))

	_, err := PlanPlaceSelf(dst, false)
	assert.Error(t, err)
	_, err = PlanPlaceSelf(dst, true)
	assert.NoError(t, err)
}
