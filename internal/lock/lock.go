// Package lock guards the data directory against concurrent crawler
// instances. Two orchestrators sharing one store would break the
// single-writer discipline, so startup takes an exclusive advisory lock
// and refuses to run if another process holds it.
package lock

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrHeld means another crawler instance owns the data directory.
var ErrHeld = errors.New("data directory is locked by another instance")

// Acquire takes an exclusive advisory lock on path without blocking.
// Returns a release function. The lock file itself is left in place;
// only the lock is dropped.
func Acquire(path string) (func(), error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return func() { _ = fl.Unlock() }, nil
}
