package runner

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atomikpanda/nix-installer/internal/actions"
	"github.com/atomikpanda/nix-installer/internal/audit"
	"github.com/atomikpanda/nix-installer/internal/config"
	"github.com/atomikpanda/nix-installer/internal/errs"
	"github.com/atomikpanda/nix-installer/internal/interaction"
	"github.com/atomikpanda/nix-installer/internal/interrupt"
	"github.com/atomikpanda/nix-installer/internal/plan"
	"github.com/atomikpanda/nix-installer/internal/planner"
	"github.com/atomikpanda/nix-installer/internal/shell"
)

func newTestRunner(t *testing.T, answer bool) (*Runner, *bytes.Buffer) {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"etc", "etc/profile.d", "root"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	prev := audit.Path
	audit.Path = filepath.Join(t.TempDir(), "history.log")
	t.Cleanup(func() { audit.Path = prev })

	out := &bytes.Buffer{}
	return &Runner{
		Host:     planner.Host{Root: root, GOOS: "linux"},
		Prompter: interaction.Fixed(answer),
		Signal:   interrupt.New(),
		Out:      out,
	}, out
}

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	s := config.Default()
	s.NixPackageURL = writeTarball(t)
	s.BuildGroupName = "nixinstallertestbld"
	s.BuildUserPrefix = "nixinstallertestbld"
	s.BuildGroupID = 39000
	s.BuildUserIDBase = 39000
	s.BuildUserCount = 1
	s.ModifyProfile = false
	s.StartDaemon = false
	return s
}

func writeTarball(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, name := range []string{
		"nix-2.24.9-x86_64-linux/install",
		"nix-2.24.9-x86_64-linux/store/aaa-nix-2.24.9/bin/nix",
	} {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: 2, Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		tw.Write([]byte("hi"))
	}
	tw.Close()
	gw.Close()
	path := filepath.Join(t.TempDir(), "nix.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fakeShell(t *testing.T) {
	t.Helper()
	t.Cleanup(shell.Replace(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, nil
	}))
}

// installedReceipt applies a small plan under root and returns its receipt.
func installedReceipt(t *testing.T, root string) (string, []string) {
	t.Helper()
	var steps []actions.Action
	var paths []string
	for _, name := range []string{"a", "a/b"} {
		path := filepath.Join(root, name)
		a, err := actions.PlanCreateDirectory(path, "", "", 0o755, false)
		if err != nil {
			t.Fatal(err)
		}
		steps = append(steps, a)
		paths = append(paths, path)
	}
	p := plan.New(steps...)
	p.ReceiptPath = filepath.Join(root, "receipt.json")
	if err := p.Execute(context.Background(), interrupt.New()); err != nil {
		t.Fatal(err)
	}
	return p.ReceiptPath, paths
}

func TestInstallDeclined(t *testing.T) {
	r, out := newTestRunner(t, false)
	if err := r.Install(context.Background(), testSettings(t)); err != nil {
		t.Fatalf("Install() = %v, want nil on decline", err)
	}
	if !strings.Contains(out.String(), DeclinedMessage) {
		t.Errorf("output %q lacks decline message", out.String())
	}
	if !strings.Contains(out.String(), "Nix install plan") {
		t.Error("the plan should be shown before asking")
	}
	if _, err := os.Stat(filepath.Join(r.Host.Root, "nix")); !os.IsNotExist(err) {
		t.Error("declining must not touch the host")
	}
}

func TestInstallRefusesWhenInstalled(t *testing.T) {
	r, _ := newTestRunner(t, true)
	os.MkdirAll(filepath.Join(r.Host.Root, "nix"), 0o755)
	os.WriteFile(filepath.Join(r.Host.Root, "nix/receipt.json"), []byte("{}"), 0o600)

	err := r.Install(context.Background(), testSettings(t))
	if !errors.Is(err, &errs.Error{Code: errs.CodeAlreadyInstalled}) {
		t.Fatalf("Install() = %v, want already installed", err)
	}
}

func TestInstallAndUninstall(t *testing.T) {
	fakeShell(t)
	r, out := newTestRunner(t, true)
	r.NoConfirm = true
	ctx := context.Background()

	if err := r.Install(ctx, testSettings(t)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Nix was installed successfully!") {
		t.Errorf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), "  -> Create directory") {
		t.Error("progress should list started steps")
	}
	receipt := filepath.Join(r.Host.Root, "nix/receipt.json")
	if _, err := os.Stat(receipt); err != nil {
		t.Fatalf("receipt missing: %v", err)
	}
	if link, err := os.Readlink(filepath.Join(r.Host.Root, "nix/var/nix/profiles/default-1-link")); err != nil || link != "/nix/store/aaa-nix-2.24.9" {
		t.Errorf("default profile links to %q (%v)", link, err)
	}

	out.Reset()
	if err := r.Uninstall(ctx, receipt); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Nix was uninstalled successfully!") {
		t.Errorf("output = %q", out.String())
	}
	if _, err := os.Stat(filepath.Join(r.Host.Root, "nix")); !os.IsNotExist(err) {
		t.Error("/nix should be gone")
	}

	entries, err := audit.Read("", 0)
	if err != nil {
		t.Fatal(err)
	}
	var installs, uninstalls int
	for _, e := range entries {
		switch e.Command {
		case "install":
			installs++
		case "uninstall":
			uninstalls++
		}
	}
	if installs == 0 || installs != uninstalls {
		t.Errorf("audit recorded %d installs and %d uninstalls", installs, uninstalls)
	}
}

func TestUninstallDeclinedKeepsReceipt(t *testing.T) {
	r, out := newTestRunner(t, false)
	receipt, paths := installedReceipt(t, r.Host.Root)

	if err := r.Uninstall(context.Background(), receipt); err != nil {
		t.Fatalf("Uninstall() = %v", err)
	}
	if !strings.Contains(out.String(), DeclinedMessage) {
		t.Errorf("output = %q", out.String())
	}
	if _, err := os.Stat(receipt); err != nil {
		t.Error("receipt must be untouched")
	}
	if _, err := os.Stat(paths[1]); err != nil {
		t.Error("nothing should be reverted")
	}
}

func TestUninstallRemovesReceipt(t *testing.T) {
	r, _ := newTestRunner(t, true)
	receipt, paths := installedReceipt(t, r.Host.Root)

	if err := r.Uninstall(context.Background(), receipt); err != nil {
		t.Fatal(err)
	}
	for _, p := range append(paths, receipt) {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should be gone", p)
		}
	}
}

func TestUninstallCancelled(t *testing.T) {
	r, _ := newTestRunner(t, true)
	r.NoConfirm = true
	r.Signal.Trigger()
	receipt, paths := installedReceipt(t, r.Host.Root)

	err := r.Uninstall(context.Background(), receipt)
	if !errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("Uninstall() = %v, want cancelled", err)
	}
	if _, err := os.Stat(paths[1]); err != nil {
		t.Error("a cancelled uninstall reverts nothing")
	}
	if _, err := os.Stat(receipt); err != nil {
		t.Error("a cancelled uninstall keeps the receipt")
	}
}

func TestUninstallMissingReceipt(t *testing.T) {
	r, _ := newTestRunner(t, true)
	err := r.Uninstall(context.Background(), filepath.Join(r.Host.Root, "nope.json"))
	if err == nil || !strings.Contains(err.Error(), "Reading receipt") {
		t.Fatalf("Uninstall() = %v", err)
	}
}

func TestDescribeHonoursExplain(t *testing.T) {
	r, _ := newTestRunner(t, true)
	p, err := r.Plan(testSettings(t))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(r.Describe(p), "With mode") {
		t.Error("explanations should be hidden by default")
	}
	r.Explain = true
	if !strings.Contains(r.Describe(p), "With mode") {
		t.Error("--explain should show explanations")
	}
}
