package types

import "time"

// a lease is the ownership record written into a lock marker
// a zero TTL means the lease never expires and the marker is only
// removed by its owner or by manual cleanup
type Lease struct {
	OwnerID      string        `json:"owner_id"`
	PID          int           `json:"pid"`
	Hostname     string        `json:"hostname"`
	AcquiredAt   time.Time     `json:"acquired_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	TTL          time.Duration `json:"ttl"`
	FencingToken uint64        `json:"fencing_token"`
}

// checks if the lease has expired at the given wall clock time
func (l *Lease) IsExpired(now time.Time) bool {
	if l.TTL <= 0 {
		return false
	}
	return !now.Before(l.ExpiresAt)
}

// returns a copy of the lease extended by its TTL from now
func (l Lease) Renewed(now time.Time) Lease {
	l.ExpiresAt = now.Add(l.TTL)
	return l
}
