package types

import (
	"errors"
	"fmt"
)

var (
	// Lock errors
	ErrLockTimeout        = errors.New("timed out waiting for lock")
	ErrInvalidMaxAttempts = errors.New("max attempts must be greater than 0")
	ErrLockNotHeld        = errors.New("lock is not held")
	ErrNotLockOwner       = errors.New("caller is not the lock owner")
	ErrLockNotStale       = errors.New("lock is not stale")

	// Lease errors
	ErrLeaseExpired    = errors.New("lease has expired")
	ErrInvalidLeaseTTL = errors.New("invalid lease TTL")

	// Page store errors
	ErrPageNotFound       = errors.New("page not found")
	ErrInvalidPagePath    = errors.New("invalid page path")
	ErrInvalidPageContent = errors.New("page content is not valid JSON")
)

// returned when the attempt budget of an acquire is used up
// matches ErrLockTimeout with errors.Is
type TimeoutError struct {
	Name     string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock %s: %s after %d attempts", e.Name, ErrLockTimeout, e.Attempts)
}

func (e *TimeoutError) Unwrap() error {
	return ErrLockTimeout
}
