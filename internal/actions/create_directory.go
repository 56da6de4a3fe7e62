package actions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"github.com/atomikpanda/nix-installer/internal/errs"
)

// CreateDirectory creates a single directory with the given ownership and
// mode. The parent must already exist; plans create parents first.
//
// Idempotency: an existing directory is adopted as-is and recorded as
// pre-existing, so reverting never removes a directory the installer did not
// create.
type CreateDirectory struct {
	Path       string      `json:"path"`
	User       string      `json:"user,omitempty"`
	Group      string      `json:"group,omitempty"`
	Mode       fs.FileMode `json:"mode"`
	ForcePrune bool        `json:"force_prune,omitempty"`
}

// PlanCreateDirectory validates that path is either absent or already a
// directory.
func PlanCreateDirectory(path, user, group string, mode fs.FileMode, forcePrune bool) (*CreateDirectory, error) {
	info, err := os.Lstat(path)
	if err == nil && !info.IsDir() {
		return nil, errs.Newf(errs.CodeConflict, "Path `%s` exists but is not a directory", path)
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &CreateDirectory{Path: path, User: user, Group: group, Mode: mode, ForcePrune: forcePrune}, nil
}

func (a *CreateDirectory) Kind() Kind { return KindCreateDirectory }

func (a *CreateDirectory) isAction() {}

func (a *CreateDirectory) Describe() []Description {
	var explanation []string
	if a.User != "" || a.Group != "" {
		explanation = append(explanation, fmt.Sprintf("Owned by `%s:%s` with mode `%04o`", a.User, a.Group, octal(a.Mode)))
	} else {
		explanation = append(explanation, fmt.Sprintf("With mode `%04o`", octal(a.Mode)))
	}
	return []Description{NewDescription(fmt.Sprintf("Create directory `%s`", a.Path), explanation...)}
}

func (a *CreateDirectory) Execute(ctx context.Context) (Receipt, error) {
	receipt := &CreateDirectoryReceipt{Path: a.Path, ForcePrune: a.ForcePrune}

	info, err := os.Lstat(a.Path)
	switch {
	case err == nil && info.IsDir():
		receipt.Existed = true
		return receipt, nil
	case err == nil:
		return nil, errs.Newf(errs.CodeConflict, "Path `%s` exists but is not a directory", a.Path)
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("stat %s: %w", a.Path, err)
	}

	if err := os.Mkdir(a.Path, a.Mode); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", a.Path, err)
	}
	// Mkdir is subject to the umask.
	if err := os.Chmod(a.Path, a.Mode); err != nil {
		return nil, fmt.Errorf("chmod %s: %w", a.Path, err)
	}
	if err := chown(a.Path, a.User, a.Group); err != nil {
		return nil, err
	}
	return receipt, nil
}

// CreateDirectoryReceipt records whether the directory was created or adopted.
type CreateDirectoryReceipt struct {
	Path       string `json:"path"`
	Existed    bool   `json:"existed"`
	ForcePrune bool   `json:"force_prune,omitempty"`
}

func (r *CreateDirectoryReceipt) Kind() Kind { return KindCreateDirectory }

func (r *CreateDirectoryReceipt) isReceipt() {}

func (r *CreateDirectoryReceipt) Describe() []Description {
	if r.Existed {
		return []Description{NewDescription(
			fmt.Sprintf("Leave directory `%s` in place", r.Path),
			"It existed before the install",
		)}
	}
	if r.ForcePrune {
		return []Description{NewDescription(
			fmt.Sprintf("Remove directory `%s` and everything in it", r.Path),
		)}
	}
	return []Description{NewDescription(fmt.Sprintf("Remove directory `%s`", r.Path))}
}

func (r *CreateDirectoryReceipt) Revert(ctx context.Context) error {
	if r.Existed {
		return nil
	}
	if r.ForcePrune {
		if err := os.RemoveAll(r.Path); err != nil {
			return fmt.Errorf("remove directory %s: %w", r.Path, err)
		}
		return nil
	}
	err := os.Remove(r.Path)
	switch {
	case err == nil, os.IsNotExist(err):
		return nil
	case errors.Is(err, syscall.ENOTEMPTY), errors.Is(err, syscall.EEXIST):
		return errs.Wrap(errs.CodeConflict,
			fmt.Sprintf("Directory `%s` is not empty, refusing to remove it", r.Path), err)
	default:
		return fmt.Errorf("remove directory %s: %w", r.Path, err)
	}
}
