//go:build !unix

package state

import (
	"fmt"
	"os"
)

// Lock is a best-effort lock on platforms without flock. It only checks
// that the lock file can be created exclusively.
type Lock struct {
	path string
}

// AcquireLock creates statePath+".lock" exclusively.
func AcquireLock(statePath string) (*Lock, error) {
	path := LockPath(statePath)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	_ = f.Close()
	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}
