// Package planner turns settings into the ordered install plan.
package planner

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/atomikpanda/nix-installer/internal/actions"
	"github.com/atomikpanda/nix-installer/internal/config"
	"github.com/atomikpanda/nix-installer/internal/errs"
	"github.com/atomikpanda/nix-installer/internal/plan"
	"github.com/atomikpanda/nix-installer/internal/platform"
)

// Paths seen by the running system. They are referenced from shells and
// systemd, so they are never prefixed with Host.Root.
const (
	DaemonProfile = "/nix/var/nix/profiles/default/etc/profile.d/nix-daemon.sh"
	unitDir       = "/nix/var/nix/profiles/default/lib/systemd/system"
	DaemonSocket  = "nix-daemon.socket"
	DaemonService = "nix-daemon.service"
)

// Host describes the machine a plan is built for.
type Host struct {
	// Root prefixes every path the plan writes. It is "/" except in tests.
	Root string
	GOOS string
	// Systemd reports whether daemon units should be started.
	Systemd bool
	// Owner and Group own the /nix tree. Empty keeps the creating user.
	Owner, Group string
}

// CurrentHost describes the machine the installer runs on.
func CurrentHost() Host {
	return Host{
		Root:    "/",
		GOOS:    platform.Current(),
		Systemd: platform.HasSystemd(),
		Owner:   "root",
		Group:   "root",
	}
}

func (h Host) path(p string) string {
	return filepath.Join(h.Root, p)
}

// nixTree is created in order, parents first. Everything under /nix belongs
// to Nix, including the receipt, so each directory is pruned on revert.
var nixTree = []struct {
	path string
	mode fs.FileMode
}{
	{"/nix", 0o755},
	{"/nix/var", 0o755},
	{"/nix/var/log", 0o755},
	{"/nix/var/log/nix", 0o755},
	{"/nix/var/log/nix/drvs", 0o755},
	{"/nix/var/nix", 0o755},
	{"/nix/var/nix/db", 0o755},
	{"/nix/var/nix/gcroots", 0o755},
	{"/nix/var/nix/gcroots/per-user", 0o755},
	{"/nix/var/nix/profiles", 0o755},
	{"/nix/var/nix/profiles/per-user", 0o755},
	{"/nix/var/nix/temproots", 0o755},
	{"/nix/var/nix/userpool", 0o755},
	{"/nix/var/nix/daemon-socket", 0o755},
	{"/nix/store", fs.ModeSticky | 0o775},
}

// Build plans a fresh install. It refuses when a receipt already exists,
// because a second install on top of a first cannot be reverted cleanly.
func Build(s *config.Settings, h Host) (*plan.Plan, error) {
	if !platform.Supported(h.GOOS) {
		return nil, errs.Newf(errs.CodeConflict, "nix-installer does not support %q", h.GOOS)
	}
	receiptPath := h.path(s.ReceiptPath)
	if plan.Exists(receiptPath) {
		return nil, errs.Newf(errs.CodeAlreadyInstalled,
			"Found existing receipt `%s`, Nix appears to be installed already; uninstall first", receiptPath)
	}

	var steps []actions.Action
	add := func(a actions.Action, err error) error {
		if err != nil {
			return err
		}
		steps = append(steps, a)
		return nil
	}

	for _, d := range nixTree {
		a, err := actions.PlanCreateDirectory(h.path(d.path), h.Owner, h.Group, d.mode, true)
		if err := add(a, err); err != nil {
			return nil, fmt.Errorf("plan nix tree: %w", err)
		}
	}

	url, err := s.PackageURL()
	if err != nil {
		return nil, err
	}
	unpacked := h.path("/nix/temp-install-dir")
	{
		a, err := actions.PlanFetchNix(url, s.NixPackageSHA256, unpacked)
		if err := add(a, err); err != nil {
			return nil, fmt.Errorf("plan fetch: %w", err)
		}
	}
	{
		a, err := actions.PlanMoveUnpackedNix(unpacked, h.path(actions.StoreDir))
		if err := add(a, err); err != nil {
			return nil, fmt.Errorf("plan store move: %w", err)
		}
	}
	{
		a, err := actions.PlanSetupDefaultProfile(unpacked, h.path(actions.StoreDir), actions.StoreDir,
			h.path("/nix/var/nix/profiles"), s.NixVersion)
		if err := add(a, err); err != nil {
			return nil, fmt.Errorf("plan default profile: %w", err)
		}
	}

	{
		a, err := actions.PlanCreateBuildUsers(s.BuildGroupName, s.BuildGroupID, s.BuildUserPrefix, s.BuildUserIDBase, s.BuildUserCount)
		if err := add(a, err); err != nil {
			return nil, fmt.Errorf("plan build users: %w", err)
		}
	}

	if len(s.Channels) > 0 {
		channels := make([]actions.Channel, 0, len(s.Channels))
		for _, c := range s.Channels {
			channels = append(channels, actions.Channel(c))
		}
		a, err := actions.PlanPlaceChannelConfiguration(
			filepath.Join(h.path(platform.RootHome(h.GOOS)), ".nix-channels"), channels, s.Force)
		if err := add(a, err); err != nil {
			return nil, fmt.Errorf("plan channels: %w", err)
		}
	}

	netrcPath := h.path("/etc/nix/netrc")
	{
		a, err := actions.PlanPlaceNixConfiguration(h.path("/etc/nix"), NixConf(s, netrcPath), s.Force)
		if err := add(a, err); err != nil {
			return nil, fmt.Errorf("plan nix.conf: %w", err)
		}
	}

	if s.Netrc != "" {
		a, err := actions.PlanPlaceNetrc(s.Netrc, s.NetrcIdentity, netrcPath, s.Force)
		if err := add(a, err); err != nil {
			return nil, fmt.Errorf("plan netrc: %w", err)
		}
	}

	if s.ModifyProfile {
		var rcFiles []string
		for _, rc := range platform.ShellProfiles(h.GOOS) {
			rcFiles = append(rcFiles, h.path(rc))
		}
		scriptDir := platform.ProfileScriptDir(h.GOOS)
		if scriptDir != "" {
			scriptDir = h.path(scriptDir)
		}
		a, err := actions.PlanConfigureShellProfile(rcFiles, scriptDir, DaemonProfile)
		if err := add(a, err); err != nil {
			return nil, fmt.Errorf("plan shell profile: %w", err)
		}
	}

	if s.StartDaemon && h.Systemd {
		for _, unit := range []string{DaemonSocket, DaemonService} {
			a, err := actions.PlanStartSystemdUnit(unit, filepath.Join(unitDir, unit))
			if err := add(a, err); err != nil {
				return nil, fmt.Errorf("plan %s: %w", unit, err)
			}
		}
	} else if s.StartDaemon {
		log.Debug().Str("os", h.GOOS).Msg("No systemd, the daemon will not be started")
	}

	{
		a, err := actions.PlanPlaceSelf(h.path("/nix/nix-installer"), s.Force)
		if err := add(a, err); err != nil {
			return nil, fmt.Errorf("plan self copy: %w", err)
		}
	}

	p := plan.New(steps...)
	p.ReceiptPath = receiptPath
	log.Debug().Str("plan", p.ID).Int("steps", len(p.Steps)).Msg("Plan built")
	return p, nil
}

// NixConf is the nix.conf the installer writes: the build group, the netrc
// when one is placed, then any extra settings, which win on conflict.
func NixConf(s *config.Settings, netrcPath string) map[string]string {
	conf := map[string]string{
		"build-users-group": s.BuildGroupName,
	}
	if s.Netrc != "" {
		conf["netrc-file"] = netrcPath
	}
	for k, v := range s.ExtraConf {
		conf[k] = v
	}
	return conf
}
