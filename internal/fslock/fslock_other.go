//go:build !unix

package fslock

import (
	"context"
	"os"
)

// Lock only honors ctx on non-unix platforms; cross-process exclusion is
// unix-only.
func Lock(ctx context.Context, _ *os.File, _ Mode) error {
	return ctx.Err()
}

// Unlock is a no-op on non-unix platforms.
func Unlock(*os.File) {}

// Acquire returns an inert lock on non-unix platforms.
func Acquire(path string) (*FileLock, error) {
	return &FileLock{path: path}, nil
}

// Release is a no-op on non-unix platforms.
func (l *FileLock) Release() error {
	return nil
}

// IsLocked always reports false on non-unix platforms.
func IsLocked(string) bool {
	return false
}
