package planner

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomikpanda/nix-installer/internal/actions"
	"github.com/atomikpanda/nix-installer/internal/config"
	"github.com/atomikpanda/nix-installer/internal/errs"
	"github.com/atomikpanda/nix-installer/internal/interrupt"
	"github.com/atomikpanda/nix-installer/internal/plan"
	"github.com/atomikpanda/nix-installer/internal/shell"
)

// testHost is a scratch root with the directories a real host always has.
func testHost(t *testing.T) Host {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"etc", "etc/profile.d", "root"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	return Host{Root: root, GOOS: "linux"}
}

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	s := config.Default()
	s.NixPackageURL = writeTarball(t)
	s.BuildGroupName = "nixinstallertestbld"
	s.BuildUserPrefix = "nixinstallertestbld"
	s.BuildGroupID = 39000
	s.BuildUserIDBase = 39000
	s.BuildUserCount = 2
	return s
}

// nixDist is the layout of a Nix binary distribution, cut down.
var nixDist = map[string]string{
	"nix-2.24.9-x86_64-linux/install":                                                    "#!/bin/sh\n",
	"nix-2.24.9-x86_64-linux/.reginfo":                                                   "/nix/store/aaa-nix-2.24.9\n",
	"nix-2.24.9-x86_64-linux/store/aaa-nix-2.24.9/bin/nix-store":                         "ELF",
	"nix-2.24.9-x86_64-linux/store/aaa-nix-2.24.9/lib/systemd/system/nix-daemon.socket":  "[Socket]\n",
	"nix-2.24.9-x86_64-linux/store/aaa-nix-2.24.9/lib/systemd/system/nix-daemon.service": "[Service]\n",
	"nix-2.24.9-x86_64-linux/store/aaa-nix-2.24.9/etc/profile.d/nix-daemon.sh":           "export NIX_REMOTE=daemon\n",
}

func writeTarball(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nix.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)
	for name, body := range nixDist {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err = tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	require.NoError(t, f.Close())
	return path
}

func kinds(p *plan.Plan) []actions.Kind {
	var out []actions.Kind
	for _, s := range p.Steps {
		out = append(out, s.Kind())
	}
	return out
}

func TestBuildOrder(t *testing.T) {
	h := testHost(t)
	h.Systemd = true
	p, err := Build(testSettings(t), h)
	require.NoError(t, err)

	got := kinds(p)
	require.Len(t, got, len(nixTree)+10)
	for i := range nixTree {
		assert.Equal(t, actions.KindCreateDirectory, got[i])
	}
	assert.Equal(t, []actions.Kind{
		actions.KindFetchNix,
		actions.KindMoveUnpackedNix,
		actions.KindSetupDefaultProfile,
		actions.KindCreateBuildUsers,
		actions.KindPlaceChannelConfiguration,
		actions.KindPlaceNixConfiguration,
		actions.KindConfigureShellProfile,
		actions.KindStartSystemdUnit,
		actions.KindStartSystemdUnit,
		actions.KindPlaceSelf,
	}, got[len(nixTree):])
	assert.Equal(t, filepath.Join(h.Root, "nix/receipt.json"), p.ReceiptPath)
	assert.Equal(t, plan.StatusBuilt, p.Status())
}

func TestBuildOptionalSteps(t *testing.T) {
	h := testHost(t)
	s := testSettings(t)
	s.ModifyProfile = false
	s.StartDaemon = true
	s.Channels = nil

	p, err := Build(s, h)
	require.NoError(t, err)
	got := kinds(p)
	assert.NotContains(t, got, actions.KindConfigureShellProfile)
	assert.NotContains(t, got, actions.KindStartSystemdUnit, "no systemd on this host")
	assert.NotContains(t, got, actions.KindPlaceChannelConfiguration)
	assert.NotContains(t, got, actions.KindPlaceNetrc)
}

func TestBuildWithNetrc(t *testing.T) {
	h := testHost(t)
	s := testSettings(t)
	s.Netrc = filepath.Join(t.TempDir(), "netrc.age")
	require.NoError(t, os.WriteFile(s.Netrc, []byte("sealed"), 0o600))

	p, err := Build(s, h)
	require.NoError(t, err)
	got := kinds(p)
	assert.Contains(t, got, actions.KindPlaceNetrc)

	conf := NixConf(s, "/etc/nix/netrc")
	assert.Equal(t, "/etc/nix/netrc", conf["netrc-file"])
	assert.Equal(t, "nixinstallertestbld", conf["build-users-group"])
}

func TestNixConfExtraSettingsWin(t *testing.T) {
	s := config.Default()
	s.ExtraConf = map[string]string{"build-users-group": "wheel", "sandbox": "false"}
	conf := NixConf(s, "/etc/nix/netrc")
	assert.Equal(t, map[string]string{"build-users-group": "wheel", "sandbox": "false"}, conf)
}

func TestBuildRefusesWhenReceiptExists(t *testing.T) {
	h := testHost(t)
	require.NoError(t, os.MkdirAll(filepath.Join(h.Root, "nix"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.Root, "nix/receipt.json"), []byte("{}"), 0o600))

	_, err := Build(testSettings(t), h)
	assert.ErrorIs(t, err, &errs.Error{Code: errs.CodeAlreadyInstalled})
}

func TestBuildRefusesUnsupportedOS(t *testing.T) {
	h := testHost(t)
	h.GOOS = "plan9"
	_, err := Build(testSettings(t), h)
	require.Error(t, err)
	assert.True(t, errs.IsExpected(err))
}

func TestBuildSurfacesNixConfConflict(t *testing.T) {
	h := testHost(t)
	require.NoError(t, os.MkdirAll(filepath.Join(h.Root, "etc/nix"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.Root, "etc/nix/nix.conf"), []byte("build-users-group = wheel\n"), 0o644))

	_, err := Build(testSettings(t), h)
	require.Error(t, err)
	assert.ErrorIs(t, err, &errs.Error{Code: errs.CodeConflict})
	assert.Contains(t, err.Error(), "plan nix.conf")
}

func TestInstallThenUninstallLeavesHostClean(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("asserts the linux account commands")
	}
	var commands []string
	t.Cleanup(shell.Replace(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		commands = append(commands, strings.Join(append([]string{name}, args...), " "))
		return nil, nil
	}))

	ctx := context.Background()
	h := testHost(t)
	bashrc := filepath.Join(h.Root, "etc/bash.bashrc")
	require.NoError(t, os.WriteFile(bashrc, []byte("# distro bashrc\n"), 0o644))

	p, err := Build(testSettings(t), h)
	require.NoError(t, err)
	require.NoError(t, p.Execute(ctx, interrupt.New()))
	assert.Equal(t, plan.StatusCompleted, p.Status())

	assert.FileExists(t, p.ReceiptPath)
	assert.FileExists(t, filepath.Join(h.Root, "nix/temp-install-dir/nix-2.24.9-x86_64-linux/install"))
	assert.FileExists(t, filepath.Join(h.Root, "nix/nix-installer"))
	assert.FileExists(t, filepath.Join(h.Root, "nix/store/aaa-nix-2.24.9/bin/nix-store"))
	assert.Contains(t, commands, "sh -c '"+filepath.Join(h.Root, "nix/store/aaa-nix-2.24.9/bin/nix-store")+
		"' --load-db < '"+filepath.Join(h.Root, "nix/temp-install-dir/nix-2.24.9-x86_64-linux/.reginfo")+"'")
	assert.FileExists(t, filepath.Join(h.Root, "etc/profile.d/nix.sh"))
	conf, err := os.ReadFile(filepath.Join(h.Root, "etc/nix/nix.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(conf), "build-users-group = nixinstallertestbld")
	channels, err := os.ReadFile(filepath.Join(h.Root, "root/.nix-channels"))
	require.NoError(t, err)
	assert.Equal(t, "https://nixos.org/channels/nixpkgs-unstable nixpkgs\n", string(channels))
	rc, err := os.ReadFile(bashrc)
	require.NoError(t, err)
	assert.Contains(t, string(rc), DaemonProfile)
	assert.Contains(t, commands, "groupadd -g 39000 --system nixinstallertestbld")

	loaded, err := plan.Load(p.ReceiptPath)
	require.NoError(t, err)
	require.NoError(t, loaded.Uninstall(ctx, interrupt.New()))

	assert.NoDirExists(t, filepath.Join(h.Root, "nix"))
	assert.NoDirExists(t, filepath.Join(h.Root, "etc/nix"))
	assert.NoFileExists(t, filepath.Join(h.Root, "etc/profile.d/nix.sh"))
	assert.NoFileExists(t, filepath.Join(h.Root, "root/.nix-channels"))
	rc, err = os.ReadFile(bashrc)
	require.NoError(t, err)
	assert.Equal(t, "# distro bashrc\n", string(rc))
}

// onHost maps a path the running system would see onto the scratch root,
// following profile symlinks whose targets are system paths.
func onHost(t *testing.T, h Host, p string) string {
	t.Helper()
	resolved := "/"
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i := 0; i < len(parts); i++ {
		next := filepath.Join(resolved, parts[i])
		link, err := os.Readlink(filepath.Join(h.Root, next))
		if err != nil {
			resolved = next
			continue
		}
		if !filepath.IsAbs(link) {
			link = filepath.Join(resolved, link)
		}
		rest := append(strings.Split(strings.TrimPrefix(link, "/"), "/"), parts[i+1:]...)
		parts, resolved, i = rest, "/", -1
	}
	return filepath.Join(h.Root, resolved)
}

func TestUnitFilesExistBeforeDaemonStarts(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("runs the linux account commands")
	}
	h := testHost(t)
	h.Systemd = true
	var linked []string
	t.Cleanup(shell.Replace(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name == "systemctl" && len(args) == 2 && args[0] == "link" {
			_, err := os.Stat(onHost(t, h, args[1]))
			assert.NoError(t, err, "unit file %s is missing when systemd links it", args[1])
			linked = append(linked, args[1])
		}
		if name == "systemctl" && len(args) > 0 && args[0] == "is-active" {
			return nil, &shell.ExitError{Command: "systemctl", Code: 3}
		}
		return nil, nil
	}))

	p, err := Build(testSettings(t), h)
	require.NoError(t, err)
	require.NoError(t, p.Execute(context.Background(), interrupt.New()))
	assert.Equal(t, []string{
		"/nix/var/nix/profiles/default/lib/systemd/system/nix-daemon.socket",
		"/nix/var/nix/profiles/default/lib/systemd/system/nix-daemon.service",
	}, linked)
	_, err = os.Stat(onHost(t, h, DaemonProfile))
	assert.NoError(t, err, "the shell profile script is reachable")
}

func TestBuildCarriesConfiguredChannels(t *testing.T) {
	s := testSettings(t)
	s.Channels = []config.Channel{
		{Name: "nixpkgs", URL: "https://nixos.org/channels/nixos-24.05"},
		{Name: "home-manager", URL: "https://github.com/nix-community/home-manager/archive/master.tar.gz"},
	}
	p, err := Build(s, testHost(t))
	require.NoError(t, err)

	var got []actions.Channel
	for _, step := range p.Steps {
		if a, ok := step.Action.(*actions.PlaceChannelConfiguration); ok {
			got = a.Channels
		}
	}
	assert.Equal(t, []actions.Channel{
		{Name: "nixpkgs", URL: "https://nixos.org/channels/nixos-24.05"},
		{Name: "home-manager", URL: "https://github.com/nix-community/home-manager/archive/master.tar.gz"},
	}, got)
}
