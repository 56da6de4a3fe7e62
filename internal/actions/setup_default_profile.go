package actions

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/atomikpanda/nix-installer/internal/errs"
	"github.com/atomikpanda/nix-installer/internal/shell"
	"github.com/atomikpanda/nix-installer/internal/template"
)

// SetupDefaultProfile registers the moved store paths with the Nix database
// and points Profiles/default at the nix-<Version> store path, which is where
// the daemon units and the shell profile script are read from.
//
// StoreLink is the store as the running system sees it; link targets use it
// so they stay valid when Store sits under a different root.
type SetupDefaultProfile struct {
	Unpacked  string `json:"unpacked"`
	Store     string `json:"store"`
	StoreLink string `json:"store_link"`
	Profiles  string `json:"profiles"`
	Version   string `json:"version"`
}

// PlanSetupDefaultProfile fails when a default profile already exists.
func PlanSetupDefaultProfile(unpacked, store, storeLink, profiles, version string) (*SetupDefaultProfile, error) {
	a := &SetupDefaultProfile{Unpacked: unpacked, Store: store, StoreLink: storeLink, Profiles: profiles, Version: version}
	if err := a.checkFree(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *SetupDefaultProfile) checkFree() error {
	for _, name := range []string{"default", "default-1-link"} {
		p := filepath.Join(a.Profiles, name)
		if _, err := os.Lstat(p); err == nil {
			return errs.Newf(errs.CodeConflict, "Profile `%s` already exists", p)
		}
	}
	return nil
}

func (a *SetupDefaultProfile) Kind() Kind { return KindSetupDefaultProfile }

func (a *SetupDefaultProfile) isAction() {}

func (a *SetupDefaultProfile) Describe() []Description {
	return []Description{NewDescription(
		fmt.Sprintf("Set up the default profile `%s`", filepath.Join(a.Profiles, "default")),
		"Register the Nix store paths with the database",
		fmt.Sprintf("Link the profile to Nix %s", a.Version),
	)}
}

func (a *SetupDefaultProfile) Execute(ctx context.Context) (Receipt, error) {
	if err := a.checkFree(); err != nil {
		return nil, err
	}
	name, err := a.nixStorePath()
	if err != nil {
		return nil, err
	}

	dist, err := unpackedDist(a.Unpacked)
	if err != nil {
		return nil, err
	}
	reginfo := filepath.Join(dist, ".reginfo")
	if fileExists(reginfo) {
		nixStore := filepath.Join(a.Store, name, "bin", "nix-store")
		cmd := template.ShellQuote(nixStore) + " --load-db < " + template.ShellQuote(reginfo)
		if _, err := shell.Run(ctx, "sh", "-c", cmd); err != nil {
			return nil, fmt.Errorf("load the Nix database: %w", err)
		}
	} else {
		log.Debug().Str("path", reginfo).Msg("No registration info, skipping database load")
	}

	receipt := &SetupDefaultProfileReceipt{}
	generation := filepath.Join(a.Profiles, "default-1-link")
	if err := os.Symlink(filepath.Join(a.StoreLink, name), generation); err != nil {
		return nil, fmt.Errorf("link %s: %w", generation, err)
	}
	receipt.Links = append(receipt.Links, generation)

	profile := filepath.Join(a.Profiles, "default")
	if err := os.Symlink("default-1-link", profile); err != nil {
		if revertErr := receipt.Revert(ctx); revertErr != nil {
			log.Warn().Err(revertErr).Msg("Could not remove the profile generation link")
		}
		return nil, fmt.Errorf("link %s: %w", profile, err)
	}
	receipt.Links = append(receipt.Links, profile)
	return receipt, nil
}

// nixStorePath names the store entry holding Nix itself.
func (a *SetupDefaultProfile) nixStorePath() (string, error) {
	entries, err := os.ReadDir(a.Store)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", a.Store, err)
	}
	suffix := "-nix-" + a.Version
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			return e.Name(), nil
		}
	}
	return "", fmt.Errorf("no nix-%s store path in %s", a.Version, a.Store)
}

// SetupDefaultProfileReceipt lists the profile links, in creation order.
type SetupDefaultProfileReceipt struct {
	Links []string `json:"links"`
}

func (r *SetupDefaultProfileReceipt) Kind() Kind { return KindSetupDefaultProfile }

func (r *SetupDefaultProfileReceipt) isReceipt() {}

func (r *SetupDefaultProfileReceipt) Describe() []Description {
	var explanation []string
	for _, l := range r.Links {
		explanation = append(explanation, fmt.Sprintf("Remove `%s`", l))
	}
	return []Description{NewDescription("Remove the default Nix profile", explanation...)}
}

func (r *SetupDefaultProfileReceipt) Revert(ctx context.Context) error {
	for i := len(r.Links) - 1; i >= 0; i-- {
		info, err := os.Lstat(r.Links[i])
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("stat %s: %w", r.Links[i], err)
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			log.Warn().Str("path", r.Links[i]).Msg("Profile is no longer a symlink, leaving it")
			continue
		}
		if err := os.Remove(r.Links[i]); err != nil {
			return fmt.Errorf("remove %s: %w", r.Links[i], err)
		}
	}
	return nil
}
