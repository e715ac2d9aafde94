// Package lock keeps two sand processes from driving the same VM name.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrHeld is returned when another process owns a runner lock.
var ErrHeld = errors.New("runner lock held by another process")

// Set is a group of held runner locks.
type Set struct {
	locks []*flock.Flock
}

// Path returns the lock file of a runner.
func Path(dir, runner string) string {
	return filepath.Join(dir, runner+".lock")
}

// Acquire takes a non-blocking lock on <dir>/<runner>.lock for every
// runner.  It either holds all of them or none.
func Acquire(dir string, runners []string) (*Set, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir %s: %w", dir, err)
	}

	s := &Set{}
	for _, name := range runners {
		fl := flock.New(Path(dir, name))
		ok, err := fl.TryLock()
		if err != nil {
			_ = s.Release()
			return nil, fmt.Errorf("lock runner %s: %w", name, err)
		}
		if !ok {
			_ = s.Release()
			return nil, fmt.Errorf("runner %s (%s): %w", name, fl.Path(), ErrHeld)
		}
		s.locks = append(s.locks, fl)
	}
	return s, nil
}

// Release unlocks every lock in the set.
func (s *Set) Release() error {
	var errs []error
	for _, fl := range s.locks {
		if err := fl.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("release flock %s: %w", fl.Path(), err))
		}
	}
	s.locks = nil
	return errors.Join(errs...)
}
