// Package lock implements the two advisory-lock scopes of spec.md §4.F:
// a shared process lock held for the run, and non-blocking exclusive
// per-key locks taken around a build.
package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/nuxeh/ybd/internal/ybderr"
)

// ProcessLock is a shared advisory lock on <tmp>/lock, held for the
// duration of a run (spec.md §4.F "Process lock").
type ProcessLock struct {
	f *os.File
}

// AcquireProcessLock opens (creating if necessary) <tmp>/lock and takes a
// blocking shared flock on it.
func AcquireProcessLock(tmpDir string) (*ProcessLock, error) {
	path := filepath.Join(tmpDir, "lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("lock: opening %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock: flock SH %s: %w", path, err)
	}
	return &ProcessLock{f: f}, nil
}

// Release drops the shared lock. The OS releases it regardless on
// process exit (spec.md §4.F), so this is best-effort cleanup.
func (p *ProcessLock) Release() error {
	if p == nil || p.f == nil {
		return nil
	}
	unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	return p.f.Close()
}

// KeyLock is a non-blocking exclusive advisory lock on
// <tmp>/<cache-key>.lock, acquired around any build of that key.
type KeyLock struct {
	path string
	f    *os.File
}

// AcquireKey attempts to take an exclusive, non-blocking lock on the
// given cache key. Contention (EWOULDBLOCK/EAGAIN/EACCES from a peer
// holding the lock) is not an error: it returns a *ybderr.Retry, which
// the caller must convert into the top-level compose retry (spec.md
// §4.F, §4.G). Any other failure is fatal.
func AcquireKey(tmpDir, key string) (*KeyLock, error) {
	path := filepath.Join(tmpDir, key+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("lock: opening %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN || err == unix.EACCES {
			return nil, &ybderr.Retry{Reason: "key lock busy: " + key}
		}
		return nil, fmt.Errorf("lock: flock EX %s: %w", path, err)
	}
	return &KeyLock{path: path, f: f}, nil
}

// Release drops the exclusive lock and removes the lock file, so a
// subsequent flock sees a fresh inode rather than racing a stale one
// (spec.md §4.F "The lock file is removed on release by the holder").
func (k *KeyLock) Release() error {
	if k == nil || k.f == nil {
		return nil
	}
	unix.Flock(int(k.f.Fd()), unix.LOCK_UN)
	err := k.f.Close()
	if rmErr := os.Remove(k.path); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
