package actions

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/atomikpanda/nix-installer/internal/errs"
	"github.com/atomikpanda/nix-installer/internal/snapshot"
)

// CreateFile writes a file with fixed contents, ownership and mode.
//
// A file that already holds exactly Contents is adopted. A file with other
// contents is only overwritten when Force is set; its previous state is kept
// in the receipt so that revert can put it back.
type CreateFile struct {
	Path     string      `json:"path"`
	User     string      `json:"user,omitempty"`
	Group    string      `json:"group,omitempty"`
	Mode     fs.FileMode `json:"mode"`
	Contents string      `json:"contents"`
	Force    bool        `json:"force,omitempty"`
}

// PlanCreateFile checks that path can be written without clobbering
// unrelated contents.
func PlanCreateFile(path, user, group string, mode fs.FileMode, contents string, force bool) (*CreateFile, error) {
	a := &CreateFile{Path: path, User: user, Group: group, Mode: mode, Contents: contents, Force: force}
	if _, err := a.precheck(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *CreateFile) precheck() (snapshot.File, error) {
	prev, err := snapshot.Capture(a.Path)
	if err != nil {
		return snapshot.File{}, err
	}
	if prev.Existed && !a.Force && !prev.Matches([]byte(a.Contents)) {
		return snapshot.File{}, errs.Newf(errs.CodeConflict,
			"File `%s` already exists with different contents, consider removing it or passing `--force`", a.Path)
	}
	return prev, nil
}

func (a *CreateFile) Kind() Kind { return KindCreateFile }

func (a *CreateFile) isAction() {}

func (a *CreateFile) Describe() []Description {
	explanation := []string{fmt.Sprintf("With mode `%04o`", octal(a.Mode))}
	if a.User != "" || a.Group != "" {
		explanation = []string{fmt.Sprintf("Owned by `%s:%s` with mode `%04o`", a.User, a.Group, octal(a.Mode))}
	}
	return []Description{NewDescription(fmt.Sprintf("Create or overwrite file `%s`", a.Path), explanation...)}
}

func (a *CreateFile) Execute(ctx context.Context) (Receipt, error) {
	prev, err := a.precheck()
	if err != nil {
		return nil, err
	}
	if err := snapshot.WriteAtomic(a.Path, []byte(a.Contents), a.Mode); err != nil {
		return nil, fmt.Errorf("write file %s: %w", a.Path, err)
	}
	if err := chown(a.Path, a.User, a.Group); err != nil {
		return nil, err
	}
	return &CreateFileReceipt{Path: a.Path, Previous: prev}, nil
}

// CreateFileReceipt keeps the state the file had before it was written.
type CreateFileReceipt struct {
	Path     string        `json:"path"`
	Previous snapshot.File `json:"previous"`
}

func (r *CreateFileReceipt) Kind() Kind { return KindCreateFile }

func (r *CreateFileReceipt) isReceipt() {}

func (r *CreateFileReceipt) Describe() []Description {
	if r.Previous.Existed {
		return []Description{NewDescription(fmt.Sprintf("Restore previous contents of `%s`", r.Path))}
	}
	return []Description{NewDescription(fmt.Sprintf("Delete file `%s`", r.Path))}
}

func (r *CreateFileReceipt) Revert(ctx context.Context) error {
	if r.Previous.Path == "" {
		r.Previous.Path = r.Path
	}
	return r.Previous.Restore()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
