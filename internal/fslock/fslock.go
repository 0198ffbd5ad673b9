// Package fslock wraps flock(2) advisory locks. Locks are released by the OS
// when the holding process dies, even on SIGKILL.
package fslock

import (
	"errors"
	"os"
)

// ErrLocked is returned by Acquire when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// Mode selects a shared or exclusive lock.
type Mode int

// Lock modes.
const (
	Shared Mode = iota + 1
	Exclusive
)

// FileLock is an exclusive lock held on a lock file for the lifetime of a
// process.
type FileLock struct {
	path string
	file *os.File
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}
