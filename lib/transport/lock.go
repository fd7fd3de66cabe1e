// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// maxLockAttempts bounds how often acquireLock reopens a lock file
// that was unlinked or replaced between open and flock.
const maxLockAttempts = 8

// identityLock is an exclusive flock on a lock file next to the
// socket. The kernel drops the lock when the holder exits, so a
// crashed predecessor never blocks a restart.
type identityLock struct {
	file *os.File
	path string
}

func acquireLock(path string) (*identityLock, error) {
	for range maxLockAttempts {
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening lock %s: %w", path, err)
		}
		held, err := lockFile(file, path)
		if err != nil {
			file.Close()
			return nil, err
		}
		if !held {
			// A releasing holder unlinked the file after we opened it.
			file.Close()
			continue
		}

		if err := file.Truncate(0); err == nil {
			fmt.Fprintf(file, "%d\n", os.Getpid())
		}
		return &identityLock{file: file, path: path}, nil
	}
	return nil, fmt.Errorf("locking %s: lock file replaced %d times in a row", path, maxLockAttempts)
}

// lockFile flocks file and reports whether the locked inode is still
// the one at path. A false result with a nil error means the lock was
// taken on an orphaned inode and has been dropped again.
func lockFile(file *os.File, path string) (bool, error) {
	fd := int(file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, fmt.Errorf("%w: %s is held by another process", ErrIdentityInUse, path)
		}
		return false, fmt.Errorf("locking %s: %w", path, err)
	}

	var opened, current unix.Stat_t
	if err := unix.Fstat(fd, &opened); err != nil {
		unix.Flock(fd, unix.LOCK_UN)
		return false, fmt.Errorf("inspecting lock %s: %w", path, err)
	}
	if err := unix.Stat(path, &current); err != nil {
		unix.Flock(fd, unix.LOCK_UN)
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting lock %s: %w", path, err)
	}
	if opened.Dev != current.Dev || opened.Ino != current.Ino {
		unix.Flock(fd, unix.LOCK_UN)
		return false, nil
	}
	return true, nil
}

// release removes the lock file and then drops the lock. A contender
// that opened the file before the removal sees a different inode at
// the path once it gets the lock, and starts over.
func (l *identityLock) release() {
	os.Remove(l.path)
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
}
