package state

import "errors"

// ErrLocked is returned when another process holds the state lock.
var ErrLocked = errors.New("state file is locked by another keeper")

// LockPath returns the lock file used for statePath.
func LockPath(statePath string) string {
	return statePath + ".lock"
}
