package actions

import (
	"context"
	"fmt"
	"os"

	"github.com/atomikpanda/nix-installer/internal/ageutil"
	"github.com/atomikpanda/nix-installer/internal/errs"
	"github.com/atomikpanda/nix-installer/internal/snapshot"
)

// PlaceNetrc decrypts an age-encrypted netrc and writes it where nix.conf's
// netrc-file points. The decryption key is read from the environment when the
// step runs and is never written to the receipt.
type PlaceNetrc struct {
	Source       string `json:"source"`
	IdentityFile string `json:"identity_file,omitempty"`
	Path         string `json:"path"`
	Force        bool   `json:"force,omitempty"`
}

// PlanPlaceNetrc checks the encrypted source exists and that path is free.
func PlanPlaceNetrc(source, identityFile, path string, force bool) (*PlaceNetrc, error) {
	if _, err := os.Stat(source); err != nil {
		return nil, fmt.Errorf("encrypted netrc %s: %w", source, err)
	}
	a := &PlaceNetrc{Source: source, IdentityFile: identityFile, Path: path, Force: force}
	if fileExists(path) && !force {
		return nil, errs.Newf(errs.CodeConflict,
			"File `%s` already exists, consider removing it or passing `--force`", path)
	}
	return a, nil
}

func (a *PlaceNetrc) Kind() Kind { return KindPlaceNetrc }

func (a *PlaceNetrc) isAction() {}

func (a *PlaceNetrc) Describe() []Description {
	return []Description{NewDescription(
		fmt.Sprintf("Place the netrc at `%s`", a.Path),
		fmt.Sprintf("Decrypted from `%s`", a.Source),
		"Readable by root only (mode `0600`)",
	)}
}

func (a *PlaceNetrc) Execute(ctx context.Context) (Receipt, error) {
	plaintext, err := ageutil.KeyFromEnv(a.IdentityFile).OpenNetrc(a.Source)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", a.Source, err)
	}

	prev, err := snapshot.Capture(a.Path)
	if err != nil {
		return nil, err
	}
	if prev.Existed && !a.Force && !prev.Matches(plaintext) {
		return nil, errs.Newf(errs.CodeConflict,
			"File `%s` already exists with different contents, consider removing it or passing `--force`", a.Path)
	}
	if err := snapshot.WriteAtomic(a.Path, plaintext, 0o600); err != nil {
		return nil, fmt.Errorf("write netrc %s: %w", a.Path, err)
	}
	return &PlaceNetrcReceipt{Path: a.Path, Previous: prev}, nil
}

// PlaceNetrcReceipt restores whatever was at the netrc path before.
type PlaceNetrcReceipt struct {
	Path     string        `json:"path"`
	Previous snapshot.File `json:"previous"`
}

func (r *PlaceNetrcReceipt) Kind() Kind { return KindPlaceNetrc }

func (r *PlaceNetrcReceipt) isReceipt() {}

func (r *PlaceNetrcReceipt) Describe() []Description {
	if r.Previous.Existed {
		return []Description{NewDescription(fmt.Sprintf("Restore the previous netrc at `%s`", r.Path))}
	}
	return []Description{NewDescription(fmt.Sprintf("Delete the netrc at `%s`", r.Path))}
}

func (r *PlaceNetrcReceipt) Revert(ctx context.Context) error {
	if r.Previous.Path == "" {
		r.Previous.Path = r.Path
	}
	return r.Previous.Restore()
}
