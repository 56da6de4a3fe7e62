package actions

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	"github.com/atomikpanda/nix-installer/internal/errs"
)

func TestRenderNixConfIsDeterministic(t *testing.T) {
	settings := map[string]string{
		"experimental-features": "nix-command flakes",
		"build-users-group":     "nixbld",
		"max-jobs":              "auto",
	}
	first, err := renderNixConf(settings)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := renderNixConf(settings)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Less(t, strings.Index(first, "build-users-group"), strings.Index(first, "experimental-features"))
	assert.Less(t, strings.Index(first, "experimental-features"), strings.Index(first, "max-jobs"))
}

func TestRenderNixConfKeepsHashVerbatim(t *testing.T) {
	out, err := renderNixConf(map[string]string{"extra-substituters": "https://cache.example.com/#main"})
	require.NoError(t, err)
	assert.NotContains(t, out, "`")
	assert.Contains(t, out, "https://cache.example.com/#main")
}

func TestPlaceNixConfigurationFresh(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nix")

	a, err := PlanPlaceNixConfiguration(dir, map[string]string{"build-users-group": "nixbld"}, false)
	require.NoError(t, err)
	r, err := a.Execute(ctx)
	require.NoError(t, err)

	cfg, err := ini.Load(filepath.Join(dir, "nix.conf"))
	require.NoError(t, err)
	assert.Equal(t, "nixbld", cfg.Section("").Key("build-users-group").String())

	require.NoError(t, r.Revert(ctx))
	assert.NoDirExists(t, dir)
}

func TestPlaceNixConfigurationMergesExisting(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "nix.conf")
	original := "sandbox = false\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	a, err := PlanPlaceNixConfiguration(dir, map[string]string{"build-users-group": "nixbld"}, false)
	require.NoError(t, err)
	r, err := a.Execute(ctx)
	require.NoError(t, err)

	cfg, err := ini.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "false", cfg.Section("").Key("sandbox").String())
	assert.Equal(t, "nixbld", cfg.Section("").Key("build-users-group").String())

	require.NoError(t, r.Revert(ctx))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, string(data))
	assert.DirExists(t, dir)
}

func TestPlaceNixConfigurationConflictingKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nix.conf"), []byte("build-users-group = wheel\n"), 0o644))

	_, err := PlanPlaceNixConfiguration(dir, map[string]string{"build-users-group": "nixbld"}, false)
	assert.ErrorIs(t, err, &errs.Error{Code: errs.CodeConflict})

	_, err = PlanPlaceNixConfiguration(dir, map[string]string{"build-users-group": "nixbld"}, true)
	assert.NoError(t, err, "force overrides the conflict")
}

func TestPlaceNixConfigurationKeepsIncludesAndComments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "nix.conf")
	original := "# site settings\n" +
		"!include /etc/nix/extra.conf\n" +
		"include /etc/nix/other.conf\n" +
		"substituters = https://cache.nixos.org\n" +
		"sandbox = true"
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	settings := map[string]string{"build-users-group": "nixbld", "substituters": "https://cache.example"}
	a, err := PlanPlaceNixConfiguration(dir, settings, true)
	require.NoError(t, err)
	r, err := a.Execute(ctx)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# site settings\n"+
		"!include /etc/nix/extra.conf\n"+
		"include /etc/nix/other.conf\n"+
		"substituters = https://cache.example\n"+
		"sandbox = true\n"+
		"\n# Added by nix-installer.\n"+
		"build-users-group = nixbld\n", string(data))

	require.NoError(t, r.Revert(ctx))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, string(data))
}

func TestPlaceChannelConfiguration(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), ".nix-channels")

	a, err := PlanPlaceChannelConfiguration(path, []Channel{{Name: "nixpkgs", URL: "https://nixos.org/channels/nixpkgs-unstable"}}, false)
	require.NoError(t, err)
	r, err := a.Execute(ctx)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://nixos.org/channels/nixpkgs-unstable nixpkgs\n", string(data))

	require.NoError(t, r.Revert(ctx))
	assert.NoFileExists(t, path)
}
