package main

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// getOriginalUser gets the user who invoked sudo
func getOriginalUser() (*user.User, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return nil, fmt.Errorf("SUDO_USER environment variable not found")
	}
	return user.Lookup(sudoUser)
}

// dropPrivileges drops root privileges to the original user. Descriptors
// opened before the call stay usable: the xenctrl handle and the event
// channel device opened in run. Later opens of root-only devices fail.
func dropPrivileges() error {
	u, err := getOriginalUser()
	if err != nil {
		return fmt.Errorf("could not get original user: %w", err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("invalid uid: %w", err)
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid: %w", err)
	}

	if err := unix.Setgroups(nil); err != nil {
		return fmt.Errorf("could not clear supplementary groups: %w", err)
	}

	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("could not drop group privileges: %w", err)
	}

	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("could not drop user privileges: %w", err)
	}

	logrus.WithFields(logrus.Fields{"user": u.Username, "uid": uid, "gid": gid}).Info("Dropped root privileges")
	return nil
}

// maybeDropPrivileges drops to the sudo user when there is one and we are
// root.
func maybeDropPrivileges() error {
	if os.Getenv("SUDO_USER") == "" || os.Geteuid() != 0 {
		return nil
	}
	return dropPrivileges()
}
