//go:build !windows

package lock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func lockFile(file *os.File) error {
	// The descriptor must not leak into child processes.
	if flags, err := unix.FcntlInt(file.Fd(), unix.F_GETFD, 0); err == nil {
		_, _ = unix.FcntlInt(file.Fd(), unix.F_SETFD, flags|unix.FD_CLOEXEC)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLocked
		}
		return err
	}
	return nil
}

func unlockFile(file *os.File) error {
	return unix.Flock(int(file.Fd()), unix.LOCK_UN)
}
