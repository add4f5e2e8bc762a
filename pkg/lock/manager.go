package lock

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pixperk/pagelock/pkg/metrics"
	tm "github.com/pixperk/pagelock/pkg/time"
	"github.com/pixperk/pagelock/pkg/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxAttempts = 10
	DefaultBackoff     = 100 * time.Millisecond
	DefaultFileMode    = os.FileMode(0o644)
)

type Config struct {
	MaxAttempts int           //create attempts per acquire
	Backoff     time.Duration //fixed wait between attempts, no jitter
	LeaseTTL    time.Duration //0 disables lease expiry and stale breaking
	FileMode    os.FileMode   //mode of marker and fencing files

	Clock  tm.Clock
	Logger logrus.FieldLogger
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff,
		FileMode:    DefaultFileMode,
	}
}

// Manager hands out exclusive locks on named resources.
// A lock is a marker file created with O_EXCL, so exclusivity holds across
// goroutines and processes sharing the filesystem. The manager keeps no
// in-memory lock table; the marker's existence is the only lock state.
type Manager struct {
	cfg      Config
	clock    tm.Clock
	log      logrus.FieldLogger
	hostname string

	//runs between the stale check and the rename of a break
	afterStaleCheck func(name string)
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = DefaultFileMode
	}
	if cfg.LeaseTTL < 0 {
		cfg.LeaseTTL = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = tm.NewClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	hostname, _ := os.Hostname()

	return &Manager{
		cfg:      cfg,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		hostname: hostname,
	}
}

func (m *Manager) Config() Config {
	return m.cfg
}

type acquireOptions struct {
	maxAttempts int
	backoff     time.Duration
}

type AcquireOption func(*acquireOptions)

// overrides the attempt budget for one acquire
func WithMaxAttempts(n int) AcquireOption {
	return func(o *acquireOptions) { o.maxAttempts = n }
}

// overrides the wait between attempts for one acquire
func WithBackoff(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.backoff = d }
}

// Acquire blocks until the marker for name could be created, the attempt
// budget is used up or ctx ends.
//
// Contention is retried after a fixed backoff; every other create error is
// returned immediately. An exhausted budget yields a *types.TimeoutError
// matching types.ErrLockTimeout. With a lease TTL configured, markers whose
// lease has expired are broken before retrying.
func (m *Manager) Acquire(ctx context.Context, name string, opts ...AcquireOption) (*Guard, error) {
	o := acquireOptions{maxAttempts: m.cfg.MaxAttempts, backoff: m.cfg.Backoff}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts <= 0 {
		return nil, types.ErrInvalidMaxAttempts
	}

	log := m.log.WithField("lock", name)
	label := metricLabel(name)
	start := m.clock.Now()

	var (
		guard    *Guard
		attempts int
	)
	op := func() error {
		attempts++
		g, err := m.tryAcquire(name)
		if err == nil {
			guard = g
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return backoff.Permanent(err)
		}
		if m.cfg.LeaseTTL > 0 {
			broken, berr := m.breakIfStale(name)
			if berr != nil {
				log.WithError(berr).Warn("failed to break stale lock")
			}
			if broken {
				if g, err = m.tryAcquire(name); err == nil {
					guard = g
					return nil
				}
				if !errors.Is(err, fs.ErrExist) {
					return backoff.Permanent(err)
				}
			}
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.backoff), uint64(o.maxAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		log.WithField("attempt", attempts).Debugf("lock held, retrying in %s", wait)
	})

	metrics.LockAcquireDuration.WithLabelValues(label).Observe(m.clock.Since(start).Seconds())
	metrics.LockAcquireAttempts.WithLabelValues(label).Observe(float64(attempts))

	switch {
	case err == nil:
		metrics.LockAcquireTotal.WithLabelValues(label, "success").Inc()
		metrics.LocksHeld.Inc()
		log.WithFields(logrus.Fields{
			"attempts":      attempts,
			"fencing_token": guard.Token(),
		}).Debug("lock acquired")
		return guard, nil

	case errors.Is(err, fs.ErrExist):
		metrics.LockAcquireTotal.WithLabelValues(label, "timeout").Inc()
		log.WithField("attempts", attempts).Debug("lock acquire timed out")
		return nil, &types.TimeoutError{Name: name, Attempts: attempts}

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.LockAcquireTotal.WithLabelValues(label, "canceled").Inc()
		return nil, errors.Wrapf(err, "lock %s", name)

	default:
		metrics.LockAcquireTotal.WithLabelValues(label, "error").Inc()
		return nil, errors.Wrapf(err, "lock %s", name)
	}
}

// tries to take the marker exactly once
func (m *Manager) tryAcquire(name string) (*Guard, error) {
	f, err := createMarker(name, m.cfg.FileMode)
	if err != nil {
		return nil, err
	}

	lease, err := m.newLease(name)
	if err == nil {
		err = writeLease(f, lease)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "close marker")
	}
	if err != nil {
		if rerr := os.Remove(name); rerr != nil {
			m.log.WithField("lock", name).WithError(rerr).Warn("failed to remove half created lock")
		}
		return nil, err
	}

	return newGuard(m, name, *lease), nil
}

func (m *Manager) newLease(name string) (*types.Lease, error) {
	token, err := nextFencingToken(name, m.cfg.FileMode)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	lease := &types.Lease{
		OwnerID:      uuid.NewString(),
		PID:          os.Getpid(),
		Hostname:     m.hostname,
		AcquiredAt:   now,
		TTL:          m.cfg.LeaseTTL,
		FencingToken: token,
	}
	if lease.TTL > 0 {
		lease.ExpiresAt = now.Add(lease.TTL)
	}
	return lease, nil
}

// Release removes the marker for name regardless of who holds it.
// It is the manual cleanup path; holders release through their Guard.
// Failures never surface as a Go error, they are logged and reported
// through the result.
func (m *Manager) Release(name string) types.ReleaseResult {
	log := m.log.WithField("lock", name)
	res := types.ReleaseResult{Name: name}

	err := os.Remove(name)
	switch {
	case err == nil:
		res.Status = types.ReleaseStatusReleased
	case errors.Is(err, fs.ErrNotExist):
		res.Status = types.ReleaseStatusNotFound
		log.Debug("release: lock was not held")
	default:
		res.Status = types.ReleaseStatusFailed
		res.Err = err
		log.WithError(err).Warn("release: failed to remove lock")
	}

	metrics.LockReleaseTotal.WithLabelValues(metricLabel(name), res.Status.String()).Inc()
	return res
}

// Inspect reports the current state of the marker for name.
// A held marker is stale when its lease has expired, or, for markers without
// a readable lease, when it is older than the configured lease TTL.
func (m *Manager) Inspect(name string) (types.Lock, error) {
	lock := types.Lock{Name: name, State: types.LockStateFree}

	info, err := os.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return lock, nil
		}
		return lock, errors.Wrapf(err, "inspect lock %s", name)
	}
	lock.ModTime = info.ModTime()

	lease, err := readLease(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.Lock{Name: name, State: types.LockStateFree}, nil
		}
		return lock, errors.Wrapf(err, "inspect lock %s", name)
	}
	lock.Lease = lease
	lock.State = types.LockStateHeld
	if m.isStale(lease, lock.ModTime) {
		lock.State = types.LockStateStale
	}
	return lock, nil
}

func (m *Manager) isStale(lease *types.Lease, modTime time.Time) bool {
	now := m.clock.Now()
	if lease != nil {
		return lease.IsExpired(now)
	}
	return m.cfg.LeaseTTL > 0 && now.Sub(modTime) >= m.cfg.LeaseTTL
}

// Break removes the marker for name if it is stale.
// Returns types.ErrLockNotHeld for a free lock and types.ErrLockNotStale
// for a marker that is still live.
func (m *Manager) Break(name string) error {
	lock, err := m.Inspect(name)
	if err != nil {
		return err
	}
	switch lock.State {
	case types.LockStateFree:
		return types.ErrLockNotHeld
	case types.LockStateHeld:
		return types.ErrLockNotStale
	}

	broken, err := m.breakIfStale(name)
	if err != nil {
		return err
	}
	if !broken {
		return types.ErrLockNotStale
	}
	return nil
}

// metric label for a marker, the base name keeps label values bounded
// when the same store is reached through different paths
func metricLabel(name string) string {
	return filepath.Base(name)
}
