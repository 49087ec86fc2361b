// Package lock provides the process-wide advisory lock that keeps two runs
// from reconciling against the same state at once.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

var ErrLocked = errors.New("lock is held by another process")

// Lock is an flock(2) advisory lock on a file that also records the holder's
// pid. The kernel drops the lock when the holder exits, so a lock file left
// behind by a crashed run never blocks the next one.
type Lock struct {
	flock *flock.Flock
	pid   int
}

func Acquire(path string) (*Lock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %v: %w", path, err)
	}
	if !locked {
		if owner := readOwner(path); owner > 0 {
			return nil, fmt.Errorf("%w: %v (pid %d)", ErrLocked, path, owner)
		}
		return nil, fmt.Errorf("%w: %v", ErrLocked, path)
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("failed to write lock file %v: %w", path, err)
	}
	return &Lock{flock: fl, pid: pid}, nil
}

// Release clears the recorded pid and drops the lock. The file itself stays:
// removing it would let a waiter lock an unlinked inode.
func (l *Lock) Release() error {
	if !l.flock.Locked() {
		return nil
	}
	if err := os.Truncate(l.flock.Path(), 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.flock.Unlock()
		return fmt.Errorf("failed to clear lock file %v: %w", l.flock.Path(), err)
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock %v: %w", l.flock.Path(), err)
	}
	return nil
}

func (l *Lock) Path() string {
	return l.flock.Path()
}

// readOwner returns the pid recorded in the lock file, or 0 when it holds none.
func readOwner(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
