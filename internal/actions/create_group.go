package actions

import (
	"context"
	"fmt"
	"strconv"

	"github.com/atomikpanda/nix-installer/internal/errs"
	"github.com/atomikpanda/nix-installer/internal/platform"
	"github.com/atomikpanda/nix-installer/internal/shell"
)

// CreateGroup creates a system group with a fixed gid.
//
// Idempotency: a group with the same name and gid is adopted and left alone
// on revert; the same name with another gid is a conflict.
type CreateGroup struct {
	Name string `json:"name"`
	GID  int    `json:"gid"`
}

// PlanCreateGroup checks the group is absent or already matches.
func PlanCreateGroup(name string, gid int) (*CreateGroup, error) {
	a := &CreateGroup{Name: name, GID: gid}
	if _, err := a.existing(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *CreateGroup) existing() (bool, error) {
	gid, ok, err := lookupGroupID(a.Name)
	if err != nil || !ok {
		return false, err
	}
	if gid != a.GID {
		return false, errs.Newf(errs.CodeConflict,
			"Group `%s` exists with gid %d, expected %d", a.Name, gid, a.GID)
	}
	return true, nil
}

func (a *CreateGroup) Kind() Kind { return KindCreateGroup }

func (a *CreateGroup) isAction() {}

func (a *CreateGroup) Describe() []Description {
	return []Description{NewDescription(
		fmt.Sprintf("Create group `%s` (GID %d)", a.Name, a.GID),
		"The Nix daemon requires a group of build users to run builds as",
	)}
}

func (a *CreateGroup) Execute(ctx context.Context) (Receipt, error) {
	exists, err := a.existing()
	if err != nil {
		return nil, err
	}
	receipt := &CreateGroupReceipt{Name: a.Name, GID: a.GID, Existed: exists}
	if exists {
		return receipt, nil
	}

	gid := strconv.Itoa(a.GID)
	switch platform.Current() {
	case "darwin":
		_, err = shell.Run(ctx, "/usr/sbin/dseditgroup", "-o", "create", "-r", "Nix build group for nix-daemon", "-i", gid, a.Name)
	default:
		_, err = shell.Run(ctx, "groupadd", "-g", gid, "--system", a.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("create group %s: %w", a.Name, err)
	}
	return receipt, nil
}

// CreateGroupReceipt records the created (or adopted) group.
type CreateGroupReceipt struct {
	Name    string `json:"name"`
	GID     int    `json:"gid"`
	Existed bool   `json:"existed"`
}

func (r *CreateGroupReceipt) Kind() Kind { return KindCreateGroup }

func (r *CreateGroupReceipt) isReceipt() {}

func (r *CreateGroupReceipt) Describe() []Description {
	if r.Existed {
		return []Description{NewDescription(
			fmt.Sprintf("Leave group `%s` (GID %d) in place", r.Name, r.GID),
			"It existed before the install",
		)}
	}
	return []Description{NewDescription(fmt.Sprintf("Delete group `%s` (GID %d)", r.Name, r.GID))}
}

func (r *CreateGroupReceipt) Revert(ctx context.Context) error {
	if r.Existed {
		return nil
	}
	if _, ok, err := lookupGroupID(r.Name); err != nil {
		return err
	} else if !ok {
		return nil
	}

	var err error
	switch platform.Current() {
	case "darwin":
		_, err = shell.Run(ctx, "/usr/bin/dscl", ".", "-delete", "/Groups/"+r.Name)
	default:
		_, err = shell.Run(ctx, "groupdel", r.Name)
	}
	if err != nil {
		return fmt.Errorf("delete group %s: %w", r.Name, err)
	}
	return nil
}
