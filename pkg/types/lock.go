package types

import (
	"fmt"
	"time"
)

type LockState int

const (
	LockStateFree LockState = iota
	LockStateHeld
	LockStateStale
)

func (s LockState) String() string {
	switch s {
	case LockStateFree:
		return "free"
	case LockStateHeld:
		return "held"
	case LockStateStale:
		return "stale"
	default:
		return "unknown"
	}
}

func (s LockState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *LockState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "free":
		*s = LockStateFree
	case "held":
		*s = LockStateHeld
	case "stale":
		*s = LockStateStale
	default:
		return fmt.Errorf("unknown lock state %q", b)
	}
	return nil
}

// snapshot of a lock marker as observed on disk
// Lease is nil when the lock is free or the marker carries no readable lease
type Lock struct {
	Name    string    `json:"name"`
	State   LockState `json:"state"`
	Lease   *Lease    `json:"lease,omitempty"`
	ModTime time.Time `json:"mod_time"`
}
