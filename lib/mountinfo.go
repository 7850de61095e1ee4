package tardis

import (
	"os/user"
	"strconv"
	"strings"

	"github.com/moby/sys/mountinfo"
)

// currentMountType reports the filesystem type mounted at mountpoint, and
// whether anything is mounted there at all.
func currentMountType(mountpoint string) (fsType string, mounted bool, err error) {
	target := strings.TrimRight(mountpoint, "/")

	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(target))
	if err != nil {
		return "", false, mountErrorf(err, "read mount table for %q", mountpoint)
	}
	if len(mounts) == 0 {
		return "", false, nil
	}
	return mounts[0].FSType, true, nil
}

// lookupOwnerGroup resolves owner/group names (or numeric ids) to a
// uid/gid pair.
func lookupOwnerGroup(owner, group string) (int, int, error) {
	uid, err := resolveID(owner, user.Lookup)
	if err != nil {
		return 0, 0, err
	}
	gid, err := resolveID(group, func(name string) (*user.User, error) {
		g, err := user.LookupGroup(name)
		if err != nil {
			return nil, err
		}
		return &user.User{Uid: g.Gid}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}

func resolveID(name string, lookup func(string) (*user.User, error)) (int, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return n, nil
	}
	u, err := lookup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}
