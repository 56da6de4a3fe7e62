package actions

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// CreateBuildUsers creates the build group and its members as one step.
//
// If a user cannot be created, the users created so far by this step (and the
// group, if this step created it) are removed before the error is returned,
// so the step never leaves members behind without a receipt.
type CreateBuildUsers struct {
	Group CreateGroup  `json:"group"`
	Users []CreateUser `json:"users"`
}

// PlanCreateBuildUsers plans a group with gid and count users named
// prefix1..prefixN whose uids start at uidBase+1.
func PlanCreateBuildUsers(groupName string, gid int, prefix string, uidBase, count int) (*CreateBuildUsers, error) {
	group, err := PlanCreateGroup(groupName, gid)
	if err != nil {
		return nil, err
	}
	a := &CreateBuildUsers{Group: *group}
	for i := 1; i <= count; i++ {
		u, err := PlanCreateUser(fmt.Sprintf("%s%d", prefix, i), uidBase+i, groupName, gid)
		if err != nil {
			return nil, err
		}
		a.Users = append(a.Users, *u)
	}
	return a, nil
}

func (a *CreateBuildUsers) Kind() Kind { return KindCreateBuildUsers }

func (a *CreateBuildUsers) isAction() {}

func (a *CreateBuildUsers) Describe() []Description {
	title := fmt.Sprintf("Create build group `%s` (GID %d)", a.Group.Name, a.Group.GID)
	if n := len(a.Users); n > 0 {
		title = fmt.Sprintf("Create %d build users (UID %d-%d) and group `%s` (GID %d)",
			n, a.Users[0].UID, a.Users[n-1].UID, a.Group.Name, a.Group.GID)
	}
	explanation := []string{
		"The Nix daemon requires system users it can act as in order to build",
	}
	for _, u := range a.Users {
		explanation = append(explanation, fmt.Sprintf("Create user `%s` (UID %d)", u.Name, u.UID))
	}
	return []Description{NewDescription(title, explanation...)}
}

func (a *CreateBuildUsers) Execute(ctx context.Context) (Receipt, error) {
	groupReceipt, err := a.Group.Execute(ctx)
	if err != nil {
		return nil, err
	}
	receipt := &CreateBuildUsersReceipt{Group: *groupReceipt.(*CreateGroupReceipt)}

	for i := range a.Users {
		userReceipt, err := a.Users[i].Execute(ctx)
		if err != nil {
			if undoErr := receipt.Revert(ctx); undoErr != nil {
				log.Warn().Err(undoErr).Msg("Could not remove build users created before the failure")
			}
			return nil, err
		}
		receipt.Users = append(receipt.Users, *userReceipt.(*CreateUserReceipt))
	}
	return receipt, nil
}

// CreateBuildUsersReceipt records the group and every user, in creation order.
type CreateBuildUsersReceipt struct {
	Group CreateGroupReceipt  `json:"group"`
	Users []CreateUserReceipt `json:"users"`
}

func (r *CreateBuildUsersReceipt) Kind() Kind { return KindCreateBuildUsers }

func (r *CreateBuildUsersReceipt) isReceipt() {}

// Describe counts only the accounts Revert will delete.
func (r *CreateBuildUsersReceipt) Describe() []Description {
	created := 0
	for _, u := range r.Users {
		if !u.Existed {
			created++
		}
	}
	var title string
	switch {
	case created > 0 && !r.Group.Existed:
		title = fmt.Sprintf("Delete %d build users and group `%s` (GID %d)", created, r.Group.Name, r.Group.GID)
	case created > 0:
		title = fmt.Sprintf("Delete %d build users, keep the existing group `%s`", created, r.Group.Name)
	case !r.Group.Existed:
		title = fmt.Sprintf("Delete build group `%s` (GID %d)", r.Group.Name, r.Group.GID)
	default:
		title = fmt.Sprintf("Keep the existing build users and group `%s`", r.Group.Name)
	}
	var explanation []string
	for _, u := range r.Users {
		explanation = append(explanation, u.Describe()[0].Title)
	}
	explanation = append(explanation, r.Group.Describe()[0].Title)
	return []Description{NewDescription(title, explanation...)}
}

// Revert removes users in reverse creation order, then the group.
func (r *CreateBuildUsersReceipt) Revert(ctx context.Context) error {
	for i := len(r.Users) - 1; i >= 0; i-- {
		if err := r.Users[i].Revert(ctx); err != nil {
			return err
		}
	}
	return r.Group.Revert(ctx)
}
