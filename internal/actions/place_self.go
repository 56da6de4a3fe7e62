package actions

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/atomikpanda/nix-installer/internal/errs"
	"github.com/atomikpanda/nix-installer/internal/snapshot"
)

// Executable reports the path of the running binary. Tests replace it.
var Executable = os.Executable

// PlaceSelf copies the running installer to Path so that the same binary
// is around to uninstall later.
type PlaceSelf struct {
	Path  string `json:"path"`
	Force bool   `json:"force,omitempty"`
}

// PlanPlaceSelf refuses to replace an existing file at path unless force is set.
func PlanPlaceSelf(path string, force bool) (*PlaceSelf, error) {
	if fileExists(path) && !force {
		return nil, errs.Newf(errs.CodeConflict,
			"`%s` already exists, consider removing it or passing `--force`", path)
	}
	return &PlaceSelf{Path: path, Force: force}, nil
}

func (a *PlaceSelf) Kind() Kind { return KindPlaceSelf }

func (a *PlaceSelf) isAction() {}

func (a *PlaceSelf) Describe() []Description {
	return []Description{NewDescription(
		fmt.Sprintf("Install the installer binary to `%s`", a.Path),
		"It is used later to uninstall Nix",
	)}
}

func (a *PlaceSelf) Execute(ctx context.Context) (Receipt, error) {
	self, err := Executable()
	if err != nil {
		return nil, fmt.Errorf("locate running executable: %w", err)
	}
	if self == a.Path {
		return &PlaceSelfReceipt{Path: a.Path}, nil
	}
	if fileExists(a.Path) && !a.Force {
		return nil, errs.Newf(errs.CodeConflict,
			"`%s` already exists, consider removing it or passing `--force`", a.Path)
	}

	src, err := os.Open(self)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", self, err)
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", self, err)
	}
	if err := snapshot.WriteAtomic(a.Path, data, 0o755); err != nil {
		return nil, fmt.Errorf("copy installer to %s: %w", a.Path, err)
	}
	return &PlaceSelfReceipt{Path: a.Path}, nil
}

// PlaceSelfReceipt removes the installed copy.
type PlaceSelfReceipt struct {
	Path string `json:"path"`
}

func (r *PlaceSelfReceipt) Kind() Kind { return KindPlaceSelf }

func (r *PlaceSelfReceipt) isReceipt() {}

func (r *PlaceSelfReceipt) Describe() []Description {
	return []Description{NewDescription(fmt.Sprintf("Remove the installer binary at `%s`", r.Path))}
}

func (r *PlaceSelfReceipt) Revert(ctx context.Context) error {
	if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", r.Path, err)
	}
	return nil
}
