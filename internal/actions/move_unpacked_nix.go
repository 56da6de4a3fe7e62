package actions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// MoveUnpackedNix moves the store paths of an unpacked distribution from
// Unpacked/nix-*/store into Store. Paths already in the store are left alone.
type MoveUnpackedNix struct {
	Unpacked string `json:"unpacked"`
	Store    string `json:"store"`
}

func PlanMoveUnpackedNix(unpacked, store string) (*MoveUnpackedNix, error) {
	return &MoveUnpackedNix{Unpacked: unpacked, Store: store}, nil
}

func (a *MoveUnpackedNix) Kind() Kind { return KindMoveUnpackedNix }

func (a *MoveUnpackedNix) isAction() {}

func (a *MoveUnpackedNix) Describe() []Description {
	return []Description{NewDescription(
		fmt.Sprintf("Move the unpacked Nix store paths into `%s`", a.Store),
		fmt.Sprintf("From `%s`", a.Unpacked),
	)}
}

func (a *MoveUnpackedNix) Execute(ctx context.Context) (Receipt, error) {
	dist, err := unpackedDist(a.Unpacked)
	if err != nil {
		return nil, err
	}
	src := filepath.Join(dist, "store")
	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", src, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no store paths in %s", src)
	}

	receipt := &MoveUnpackedNixReceipt{Store: a.Store}
	for _, e := range entries {
		dst := filepath.Join(a.Store, e.Name())
		if _, err := os.Lstat(dst); err == nil {
			log.Debug().Str("path", dst).Msg("Store path already present")
			continue
		}
		if err := os.Rename(filepath.Join(src, e.Name()), dst); err != nil {
			if revertErr := receipt.Revert(ctx); revertErr != nil {
				log.Warn().Err(revertErr).Msg("Could not take back moved store paths")
			}
			return nil, fmt.Errorf("move %s into %s: %w", e.Name(), a.Store, err)
		}
		receipt.Moved = append(receipt.Moved, dst)
	}
	log.Info().Int("paths", len(receipt.Moved)).Str("store", a.Store).Msg("Moved Nix into the store")
	return receipt, nil
}

// unpackedDist finds the single nix-* directory a distribution unpacks to.
func unpackedDist(unpacked string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(unpacked, "nix-*"))
	if err != nil {
		return "", err
	}
	var dirs []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			dirs = append(dirs, m)
		}
	}
	if len(dirs) != 1 {
		return "", fmt.Errorf("expected one nix-* directory in %s, found %d", unpacked, len(dirs))
	}
	return dirs[0], nil
}

// MoveUnpackedNixReceipt lists the store paths the install added.
type MoveUnpackedNixReceipt struct {
	Store string   `json:"store"`
	Moved []string `json:"moved"`
}

func (r *MoveUnpackedNixReceipt) Kind() Kind { return KindMoveUnpackedNix }

func (r *MoveUnpackedNixReceipt) isReceipt() {}

func (r *MoveUnpackedNixReceipt) Describe() []Description {
	return []Description{NewDescription(fmt.Sprintf("Remove %d Nix store paths from `%s`", len(r.Moved), r.Store))}
}

func (r *MoveUnpackedNixReceipt) Revert(ctx context.Context) error {
	var errList []error
	for i := len(r.Moved) - 1; i >= 0; i-- {
		if err := removeTree(r.Moved[i]); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// removeTree deletes path even when Nix has made its directories read-only.
func removeTree(path string) error {
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.Chmod(p, 0o755)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("make %s writable: %w", path, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
