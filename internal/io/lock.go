package ioutils

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is the name of the lock file placed in a locked directory.
const LockFileName = ".media-enhancer.lock"

// ErrLocked is returned by LockDir when another process holds the lock.
var ErrLocked = errors.New("directory is locked by another process")

// DirLock is an exclusive advisory lock on a directory. Two pipelines
// writing results into the same directory would race on file names, so
// each takes the lock for its output directory at startup.
type DirLock struct {
	path string
	lock *flock.Flock
}

// LockDir creates dir if needed and takes its lock without blocking.
//
// Example:
//
//	lock, err := LockDir("results")
//	if errors.Is(err, ErrLocked) {
//	    // another instance is running
//	}
//	defer lock.Unlock()
func LockDir(dir string) (*DirLock, error) {
	if err := EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, LockFileName)
	lock := flock.New(path)

	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return &DirLock{path: path, lock: lock}, nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string {
	return l.path
}

// Unlock releases the lock. It is safe to call more than once.
func (l *DirLock) Unlock() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
