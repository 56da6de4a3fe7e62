package actions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomikpanda/nix-installer/internal/ageutil"
)

const testNetrc = "machine cache.example.com login ci password s3cret\n"

func encryptedNetrc(t *testing.T, dir string) string {
	t.Helper()
	t.Setenv(ageutil.EnvPassphrase, "correct horse")
	key := ageutil.KeyFromEnv("")
	ciphertext, err := key.Seal([]byte(testNetrc))
	require.NoError(t, err)
	path := filepath.Join(dir, "netrc.age")
	require.NoError(t, os.WriteFile(path, ciphertext, 0o600))
	return path
}

func TestPlaceNetrcDecryptsWithMode0600(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := encryptedNetrc(t, dir)
	dst := filepath.Join(dir, "netrc")

	a, err := PlanPlaceNetrc(src, "", dst, false)
	require.NoError(t, err)
	r, err := a.Execute(ctx)
	require.NoError(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, testNetrc, string(data))
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, r.Revert(ctx))
	assert.NoFileExists(t, dst)
}

func TestPlaceNetrcWrongKey(t *testing.T) {
	dir := t.TempDir()
	src := encryptedNetrc(t, dir)
	t.Setenv(ageutil.EnvPassphrase, "wrong")

	a, err := PlanPlaceNetrc(src, "", filepath.Join(dir, "netrc"), false)
	require.NoError(t, err)
	_, err = a.Execute(context.Background())
	assert.ErrorContains(t, err, "decrypt")
}

func TestPlaceNetrcExistingNeedsForce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := encryptedNetrc(t, dir)
	dst := filepath.Join(dir, "netrc")
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o600))

	_, err := PlanPlaceNetrc(src, "", dst, false)
	require.Error(t, err)

	a, err := PlanPlaceNetrc(src, "", dst, true)
	require.NoError(t, err)
	r, err := a.Execute(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Revert(ctx))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestPlaceNetrcMissingSource(t *testing.T) {
	_, err := PlanPlaceNetrc(filepath.Join(t.TempDir(), "nope.age"), "", "/etc/nix/netrc", false)
	assert.Error(t, err)
}
