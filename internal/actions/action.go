// Package actions defines the privileged, revertible steps an install plan is
// made of, and the catalog of concrete step kinds.
//
// Every step comes in two halves. An Action describes a mutation that has not
// happened yet; executing it yields a Receipt, which carries everything needed
// to undo the mutation and survives a round trip through the receipt file.
package actions

import (
	"context"
	"fmt"
	"io/fs"
)

// Description is the human-facing rationale for an action or its reversal.
type Description struct {
	Title       string   `json:"title"`
	Explanation []string `json:"explanation,omitempty"`
}

// NewDescription builds a Description.
func NewDescription(title string, explanation ...string) Description {
	return Description{Title: title, Explanation: explanation}
}

// octal renders m the way chmod(1) spells it, special bits included.
func octal(m fs.FileMode) uint32 {
	o := uint32(m.Perm())
	if m&fs.ModeSetuid != 0 {
		o |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		o |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		o |= 0o1000
	}
	return o
}

// Kind names an action variant. It is the tag stored next to each step in the
// receipt file.
type Kind string

const (
	KindCreateDirectory           Kind = "create_directory"
	KindCreateFile                Kind = "create_file"
	KindCreateGroup               Kind = "create_group"
	KindCreateUser                Kind = "create_user"
	KindCreateBuildUsers          Kind = "create_build_users"
	KindPlaceNixConfiguration     Kind = "place_nix_configuration"
	KindPlaceChannelConfiguration Kind = "place_channel_configuration"
	KindConfigureShellProfile     Kind = "configure_shell_profile"
	KindFetchNix                  Kind = "fetch_nix"
	KindMoveUnpackedNix           Kind = "move_unpacked_nix"
	KindSetupDefaultProfile       Kind = "setup_default_profile"
	KindPlaceNetrc                Kind = "place_netrc"
	KindStartSystemdUnit          Kind = "start_systemd_unit"
	KindPlaceSelf                 Kind = "place_self"
)

// Action is a single planned system mutation.
//
// Describe is pure and may be called any number of times. Execute is called
// at most once; it must detect already-applied state where it can and either
// no-op or fail with an expected error (see package errs).
type Action interface {
	Kind() Kind
	Describe() []Description
	Execute(ctx context.Context) (Receipt, error)
	isAction()
}

// Receipt is the durable proof that an Action was applied.
//
// Revert is called at most once and must tolerate the target already being in
// the reverted state.
type Receipt interface {
	Kind() Kind
	Describe() []Description
	Revert(ctx context.Context) error
	isReceipt()
}

// NewAction returns an empty Action of the given kind, ready to be decoded into.
func NewAction(kind Kind) (Action, error) {
	switch kind {
	case KindCreateDirectory:
		return &CreateDirectory{}, nil
	case KindCreateFile:
		return &CreateFile{}, nil
	case KindCreateGroup:
		return &CreateGroup{}, nil
	case KindCreateUser:
		return &CreateUser{}, nil
	case KindCreateBuildUsers:
		return &CreateBuildUsers{}, nil
	case KindPlaceNixConfiguration:
		return &PlaceNixConfiguration{}, nil
	case KindPlaceChannelConfiguration:
		return &PlaceChannelConfiguration{}, nil
	case KindConfigureShellProfile:
		return &ConfigureShellProfile{}, nil
	case KindFetchNix:
		return &FetchNix{}, nil
	case KindMoveUnpackedNix:
		return &MoveUnpackedNix{}, nil
	case KindSetupDefaultProfile:
		return &SetupDefaultProfile{}, nil
	case KindPlaceNetrc:
		return &PlaceNetrc{}, nil
	case KindStartSystemdUnit:
		return &StartSystemdUnit{}, nil
	case KindPlaceSelf:
		return &PlaceSelf{}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
}

// NewReceipt returns an empty Receipt of the given kind, ready to be decoded into.
func NewReceipt(kind Kind) (Receipt, error) {
	switch kind {
	case KindCreateDirectory:
		return &CreateDirectoryReceipt{}, nil
	case KindCreateFile:
		return &CreateFileReceipt{}, nil
	case KindCreateGroup:
		return &CreateGroupReceipt{}, nil
	case KindCreateUser:
		return &CreateUserReceipt{}, nil
	case KindCreateBuildUsers:
		return &CreateBuildUsersReceipt{}, nil
	case KindPlaceNixConfiguration:
		return &PlaceNixConfigurationReceipt{}, nil
	case KindPlaceChannelConfiguration:
		return &PlaceChannelConfigurationReceipt{}, nil
	case KindConfigureShellProfile:
		return &ConfigureShellProfileReceipt{}, nil
	case KindFetchNix:
		return &FetchNixReceipt{}, nil
	case KindMoveUnpackedNix:
		return &MoveUnpackedNixReceipt{}, nil
	case KindSetupDefaultProfile:
		return &SetupDefaultProfileReceipt{}, nil
	case KindPlaceNetrc:
		return &PlaceNetrcReceipt{}, nil
	case KindStartSystemdUnit:
		return &StartSystemdUnitReceipt{}, nil
	case KindPlaceSelf:
		return &PlaceSelfReceipt{}, nil
	default:
		return nil, fmt.Errorf("unknown receipt kind %q", kind)
	}
}
