// Copyright (c) The OPAL Authors
// SPDX-License-Identifier: Apache-2.0

package leader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Lock is the cross-worker mutual exclusion primitive leadership is built
// on. Exactly one holder exists at a time; on holder death the resource is
// released by the operating system and the next contender acquires it.
type Lock interface {
	// TryAcquire attempts to take the lock without blocking and reports
	// whether it succeeded.
	TryAcquire(ctx context.Context) (bool, error)

	// Release gives the lock up. Safe to call when not held.
	Release() error
}

// FileLock implements Lock with a POSIX advisory lock on a well-known file.
// Adequate for single-host multi-worker deployments; a cluster deployment
// swaps in a lock backed by the broadcast bus medium.
type FileLock struct {
	path string
	file *os.File
}

// Ensure FileLock satisfies the Lock interface.
var _ Lock = (*FileLock)(nil)

// NewFileLock returns a lock on the named file, creating parent directories
// as needed.
func NewFileLock(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLock{path: path}, nil
}

// TryAcquire opens the lock file and attempts a non-blocking exclusive
// flock on it.
func (l *FileLock) TryAcquire(_ context.Context) (bool, error) {
	if l.file != nil {
		return true, nil
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("failed to flock %s: %w", l.path, err)
	}

	// Record the holder pid to aid debugging; the content is informational
	// only, the flock is the source of truth.
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

	l.file = f
	return true, nil
}

// Release unlocks and closes the lock file.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}

	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	return closeErr
}
