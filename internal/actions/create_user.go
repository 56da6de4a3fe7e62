package actions

import (
	"context"
	"fmt"
	"strconv"

	"github.com/atomikpanda/nix-installer/internal/errs"
	"github.com/atomikpanda/nix-installer/internal/platform"
	"github.com/atomikpanda/nix-installer/internal/shell"
)

// CreateUser creates a locked system user that belongs to a build group.
type CreateUser struct {
	Name      string `json:"name"`
	UID       int    `json:"uid"`
	GroupName string `json:"group_name"`
	GID       int    `json:"gid"`
}

// PlanCreateUser checks the user is absent or already has the expected uid.
func PlanCreateUser(name string, uid int, groupName string, gid int) (*CreateUser, error) {
	a := &CreateUser{Name: name, UID: uid, GroupName: groupName, GID: gid}
	if _, err := a.existing(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *CreateUser) existing() (bool, error) {
	uid, ok, err := lookupUserID(a.Name)
	if err != nil || !ok {
		return false, err
	}
	if uid != a.UID {
		return false, errs.Newf(errs.CodeConflict,
			"User `%s` exists with uid %d, expected %d", a.Name, uid, a.UID)
	}
	return true, nil
}

func (a *CreateUser) Kind() Kind { return KindCreateUser }

func (a *CreateUser) isAction() {}

func (a *CreateUser) Describe() []Description {
	return []Description{NewDescription(
		fmt.Sprintf("Create user `%s` (UID %d) in group `%s` (GID %d)", a.Name, a.UID, a.GroupName, a.GID),
	)}
}

func (a *CreateUser) Execute(ctx context.Context) (Receipt, error) {
	exists, err := a.existing()
	if err != nil {
		return nil, err
	}
	receipt := &CreateUserReceipt{Name: a.Name, UID: a.UID, Existed: exists}
	if exists {
		return receipt, nil
	}

	uid, gid := strconv.Itoa(a.UID), strconv.Itoa(a.GID)
	comment := "Nix build user " + a.Name
	switch platform.Current() {
	case "darwin":
		record := "/Users/" + a.Name
		for _, args := range [][]string{
			{".", "-create", record},
			{".", "-create", record, "UniqueID", uid},
			{".", "-create", record, "PrimaryGroupID", gid},
			{".", "-create", record, "NFSHomeDirectory", "/var/empty"},
			{".", "-create", record, "UserShell", "/sbin/nologin"},
			{".", "-create", record, "RealName", comment},
			{".", "-append", "/Groups/" + a.GroupName, "GroupMembership", a.Name},
		} {
			if _, err := shell.Run(ctx, "/usr/bin/dscl", args...); err != nil {
				return nil, fmt.Errorf("create user %s: %w", a.Name, err)
			}
		}
	default:
		_, err = shell.Run(ctx, "useradd",
			"--home-dir", "/var/empty",
			"--comment", comment,
			"--gid", gid,
			"--groups", a.GroupName,
			"--no-user-group",
			"--system",
			"--shell", "/sbin/nologin",
			"--uid", uid,
			"--password", "!",
			a.Name,
		)
		if err != nil {
			return nil, fmt.Errorf("create user %s: %w", a.Name, err)
		}
	}
	return receipt, nil
}

// CreateUserReceipt records the created (or adopted) user.
type CreateUserReceipt struct {
	Name    string `json:"name"`
	UID     int    `json:"uid"`
	Existed bool   `json:"existed"`
}

func (r *CreateUserReceipt) Kind() Kind { return KindCreateUser }

func (r *CreateUserReceipt) isReceipt() {}

func (r *CreateUserReceipt) Describe() []Description {
	if r.Existed {
		return []Description{NewDescription(fmt.Sprintf("Leave user `%s` (UID %d) in place", r.Name, r.UID))}
	}
	return []Description{NewDescription(fmt.Sprintf("Delete user `%s` (UID %d)", r.Name, r.UID))}
}

func (r *CreateUserReceipt) Revert(ctx context.Context) error {
	if r.Existed {
		return nil
	}
	if _, ok, err := lookupUserID(r.Name); err != nil {
		return err
	} else if !ok {
		return nil
	}

	var err error
	switch platform.Current() {
	case "darwin":
		_, err = shell.Run(ctx, "/usr/bin/dscl", ".", "-delete", "/Users/"+r.Name)
	default:
		_, err = shell.Run(ctx, "userdel", r.Name)
	}
	if err != nil {
		return fmt.Errorf("delete user %s: %w", r.Name, err)
	}
	return nil
}
