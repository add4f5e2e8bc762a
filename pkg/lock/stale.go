package lock

import (
	"io/fs"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pixperk/pagelock/pkg/metrics"
	"github.com/pixperk/pagelock/pkg/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// removes the marker for name if it is stale
// breakers are serialized through an flock on <name>.break so two processes
// never both decide to remove the same marker. The marker is renamed aside
// and checked again before it is dropped; if it changed hands in between it
// is linked back into place.
func (m *Manager) breakIfStale(name string) (bool, error) {
	fl := flock.New(name + breakSuffix)
	locked, err := fl.TryLock()
	if err != nil {
		return false, errors.Wrap(err, "lock breaker")
	}
	if !locked {
		//someone else is breaking it right now
		return false, nil
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			m.log.WithField("lock", name).WithError(err).Debug("failed to unlock breaker")
		}
	}()

	observed, err := m.Inspect(name)
	if err != nil {
		return false, err
	}
	if observed.State != types.LockStateStale {
		return false, nil
	}

	if m.afterStaleCheck != nil {
		m.afterStaleCheck(name)
	}

	aside := name + ".stale-" + uuid.NewString()
	if err := os.Rename(name, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrap(err, "move stale lock aside")
	}
	defer os.Remove(aside)

	moved, err := readLease(aside)
	if err != nil {
		return false, errors.Wrap(err, "read stale lock")
	}
	info, err := os.Stat(aside)
	if err != nil {
		return false, errors.Wrap(err, "stat stale lock")
	}

	if !sameMarker(observed, moved, info.ModTime()) || (moved != nil && !moved.IsExpired(m.clock.Now())) {
		if err := os.Link(aside, name); err != nil {
			m.log.WithField("lock", name).WithError(err).Error("lock changed hands while breaking and could not be restored")
			return false, errors.Wrap(err, "restore lock")
		}
		return false, nil
	}

	fields := logrus.Fields{"lock": name, "mod_time": observed.ModTime}
	if observed.Lease != nil {
		fields["owner_id"] = observed.Lease.OwnerID
		fields["pid"] = observed.Lease.PID
		fields["hostname"] = observed.Lease.Hostname
		fields["expired_for"] = m.clock.Now().Sub(observed.Lease.ExpiresAt).Round(time.Millisecond)
	}
	m.log.WithFields(fields).Warn("broke stale lock")
	metrics.StaleLocksBrokenTotal.WithLabelValues(metricLabel(name)).Inc()
	return true, nil
}

// a renewal keeps the owner but moves ExpiresAt, so all three must match
func sameMarker(observed types.Lock, moved *types.Lease, modTime time.Time) bool {
	if observed.Lease != nil {
		return moved != nil &&
			moved.OwnerID == observed.Lease.OwnerID &&
			moved.FencingToken == observed.Lease.FencingToken &&
			moved.ExpiresAt.Equal(observed.Lease.ExpiresAt)
	}
	return moved == nil && modTime.Equal(observed.ModTime)
}

// takes the breaker flock of name, waiting for a running break to finish
// holders take it around read-check-write of their own marker so a break
// can never interleave with a renewal or release
func (m *Manager) lockBreaker(name string) (func(), error) {
	fl := flock.New(name + breakSuffix)
	if err := fl.Lock(); err != nil {
		return nil, errors.Wrap(err, "lock breaker")
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			m.log.WithField("lock", name).WithError(err).Debug("failed to unlock breaker")
		}
	}, nil
}
