package lock

import (
	"context"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/pixperk/pagelock/pkg/metrics"
	"github.com/pixperk/pagelock/pkg/types"
	"github.com/pkg/errors"
)

// Guard is proof of holding a lock. Release it exactly once, typically with
//
//	g, err := m.Acquire(ctx, name)
//	if err != nil {
//		return err
//	}
//	defer g.Close()
type Guard struct {
	m    *Manager
	name string

	mu       sync.Mutex
	lease    types.Lease
	released bool
	done     chan struct{}
}

func newGuard(m *Manager, name string, lease types.Lease) *Guard {
	return &Guard{
		m:     m,
		name:  name,
		lease: lease,
		done:  make(chan struct{}),
	}
}

// resource name the guard was acquired for
func (g *Guard) Name() string {
	return g.name
}

func (g *Guard) Lease() types.Lease {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lease
}

// fencing token, strictly increasing per resource
func (g *Guard) Token() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lease.FencingToken
}

// Release removes the marker if it still belongs to this guard.
// A marker that was broken and taken over by someone else is left in place
// and reported as ReleaseStatusNotOwner. Calling Release again is a no-op
// reporting ReleaseStatusNotFound.
func (g *Guard) Release() types.ReleaseResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	res := types.ReleaseResult{Name: g.name}
	if g.released {
		res.Status = types.ReleaseStatusNotFound
		return res
	}
	g.released = true
	close(g.done)
	metrics.LocksHeld.Dec()

	log := g.m.log.WithField("lock", g.name)

	if g.lease.TTL > 0 {
		unlock, err := g.m.lockBreaker(g.name)
		if err != nil {
			//best effort, fall back to an unserialized owner check
			log.WithError(err).Warn("release: could not serialize with breakers")
		} else {
			defer unlock()
		}
	}

	current, err := readLease(g.name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		res.Status = types.ReleaseStatusNotFound
		log.Warn("release: lock vanished before release")
	case err != nil:
		res.Status = types.ReleaseStatusFailed
		res.Err = err
		log.WithError(err).Warn("release: failed to read lock")
	case current != nil && current.OwnerID != g.lease.OwnerID:
		res.Status = types.ReleaseStatusNotOwner
		log.WithField("owner_id", current.OwnerID).Warn("release: lock was taken over by another owner")
	default:
		err = os.Remove(g.name)
		switch {
		case err == nil:
			res.Status = types.ReleaseStatusReleased
			log.Debug("lock released")
		case errors.Is(err, fs.ErrNotExist):
			res.Status = types.ReleaseStatusNotFound
		default:
			res.Status = types.ReleaseStatusFailed
			res.Err = err
			log.WithError(err).Warn("release: failed to remove lock")
		}
	}

	metrics.LockReleaseTotal.WithLabelValues(metricLabel(g.name), res.Status.String()).Inc()
	return res
}

// Close releases the guard, turning an unsuccessful release into an error.
func (g *Guard) Close() error {
	res := g.Release()
	switch res.Status {
	case types.ReleaseStatusFailed:
		return errors.Wrapf(res.Err, "release %s", g.name)
	case types.ReleaseStatusNotOwner:
		return errors.Wrapf(types.ErrNotLockOwner, "release %s", g.name)
	}
	return nil
}

// Renew extends the lease by its TTL. Leases without TTL are left untouched.
func (g *Guard) Renew() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released {
		return types.ErrLockNotHeld
	}
	if g.lease.TTL <= 0 {
		return nil
	}

	err := g.renew()
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.LeaseRenewTotal.WithLabelValues(status).Inc()
	return err
}

func (g *Guard) renew() error {
	now := g.m.clock.Now()
	if g.lease.IsExpired(now) {
		return types.ErrLeaseExpired
	}

	unlock, err := g.m.lockBreaker(g.name)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := readLease(g.name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.ErrLockNotHeld
		}
		return errors.Wrap(err, "read lease")
	}
	if current == nil || current.OwnerID != g.lease.OwnerID {
		return types.ErrNotLockOwner
	}

	renewed := g.lease.Renewed(now)
	if err := rewriteLease(g.name, &renewed, g.m.cfg.FileMode); err != nil {
		return errors.Wrap(err, "write lease")
	}
	g.lease = renewed
	return nil
}

// KeepAlive renews the lease every TTL/3 until ctx ends or the guard is
// released. It returns nil in those cases and the renewal error once the
// lock is lost. Transient renewal failures are logged and retried on the
// next tick.
func (g *Guard) KeepAlive(ctx context.Context) error {
	ttl := g.Lease().TTL
	if ttl <= 0 {
		select {
		case <-ctx.Done():
		case <-g.done:
		}
		return nil
	}

	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	log := g.m.log.WithField("lock", g.name)
	var failureCount int

	for {
		select {
		case <-ticker.C:
			err := g.Renew()
			if err == nil {
				if failureCount > 0 {
					log.Infof("lease renewal recovered after %d failures", failureCount)
					failureCount = 0
				}
				continue
			}
			if errors.Is(err, types.ErrLockNotHeld) {
				//released while the tick was in flight
				select {
				case <-g.done:
					return nil
				default:
				}
			}
			if isLost(err) {
				log.WithError(err).Error("lease lost")
				return err
			}
			failureCount++
			log.WithError(err).Warnf("lease renewal failed (attempt %d)", failureCount)

		case <-g.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func isLost(err error) bool {
	return errors.Is(err, types.ErrLeaseExpired) ||
		errors.Is(err, types.ErrNotLockOwner) ||
		errors.Is(err, types.ErrLockNotHeld)
}
