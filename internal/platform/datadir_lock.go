// Package platform holds OS-specific process helpers.
package platform

import (
	"errors"
	"path/filepath"
)

// LockFilename is created inside the data dir while a relay owns it.
const LockFilename = "mmrelay.lock"

// ErrInstanceAlreadyRunning indicates another process already owns the data dir.
var ErrInstanceAlreadyRunning = errors.New("another relay instance is using this data dir")

// ErrInstanceLockUnsupported indicates the current platform has no lock backend implementation.
var ErrInstanceLockUnsupported = errors.New("instance lock unsupported")

// InstanceLock represents an acquired data dir lock.
type InstanceLock interface {
	Release() error
}

// AcquireDataDirLock takes an exclusive, non-blocking lock on dir so that two
// relays never share one database and crypto store. The lock is released by
// the OS if the process dies.
func AcquireDataDirLock(dir string) (InstanceLock, error) {
	return acquireInstanceLock(filepath.Join(filepath.Clean(dir), LockFilename))
}
