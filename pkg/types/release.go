package types

import "fmt"

type ReleaseStatus int

const (
	// marker removed
	ReleaseStatusReleased ReleaseStatus = iota
	// no marker existed, nothing to do
	ReleaseStatusNotFound
	// marker belongs to another owner and was left in place
	ReleaseStatusNotOwner
	// marker could not be inspected or removed
	ReleaseStatusFailed
)

func (s ReleaseStatus) String() string {
	switch s {
	case ReleaseStatusReleased:
		return "released"
	case ReleaseStatusNotFound:
		return "not_found"
	case ReleaseStatusNotOwner:
		return "not_owner"
	case ReleaseStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// outcome of releasing a lock; Err is only set for ReleaseStatusFailed
type ReleaseResult struct {
	Name   string
	Status ReleaseStatus
	Err    error
}

func (r ReleaseResult) OK() bool {
	return r.Status == ReleaseStatusReleased || r.Status == ReleaseStatusNotFound
}

func (r ReleaseResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("release %s: %s: %v", r.Name, r.Status, r.Err)
	}
	return fmt.Sprintf("release %s: %s", r.Name, r.Status)
}
