//go:build unix

package platform

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
)

type unixInstanceLock struct {
	file *os.File
	path string
}

func acquireInstanceLock(lockPath string) (InstanceLock, error) {
	// #nosec G304 -- lockPath is inside the operator-chosen data dir.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open instance lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if isUnixLockContention(err) {
			return nil, fmt.Errorf("%w (%s)", ErrInstanceAlreadyRunning, lockPath)
		}

		return nil, fmt.Errorf("acquire instance file lock: %w", err)
	}

	// The pid is informational; the flock is what excludes other relays.
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &unixInstanceLock{file: file, path: lockPath}, nil
}

func (l *unixInstanceLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	fd := int(l.file.Fd())
	_ = l.file.Truncate(0)
	unlockErr := syscall.Flock(fd, syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil && !errors.Is(unlockErr, syscall.EBADF) {
		return fmt.Errorf("unlock instance file lock: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close instance lock file: %w", closeErr)
	}

	return nil
}

func isUnixLockContention(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}
