package actions

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// chown sets the owner and group of path by name. Empty names leave the
// corresponding id unchanged.
func chown(path, owner, group string) error {
	if owner == "" && group == "" {
		return nil
	}
	uid, gid := -1, -1
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return fmt.Errorf("look up user %q: %w", owner, err)
		}
		if uid, err = strconv.Atoi(u.Uid); err != nil {
			return fmt.Errorf("parse uid of %q: %w", owner, err)
		}
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return fmt.Errorf("look up group %q: %w", group, err)
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			return fmt.Errorf("parse gid of %q: %w", group, err)
		}
	}
	if err := os.Lchown(path, uid, gid); err != nil {
		return fmt.Errorf("chown %s to %s:%s: %w", path, owner, group, err)
	}
	return nil
}

// lookupGroupID returns the gid of the named group, or ok=false when the
// group does not exist.
func lookupGroupID(name string) (gid int, ok bool, err error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		if _, unknown := err.(user.UnknownGroupError); unknown {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("look up group %q: %w", name, err)
	}
	gid, err = strconv.Atoi(g.Gid)
	if err != nil {
		return 0, false, fmt.Errorf("parse gid of %q: %w", name, err)
	}
	return gid, true, nil
}

// lookupUserID returns the uid of the named user, or ok=false when the user
// does not exist.
func lookupUserID(name string) (uid int, ok bool, err error) {
	u, err := user.Lookup(name)
	if err != nil {
		if _, unknown := err.(user.UnknownUserError); unknown {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("look up user %q: %w", name, err)
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, false, fmt.Errorf("parse uid of %q: %w", name, err)
	}
	return uid, true, nil
}
