package lock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	tm "github.com/pixperk/pagelock/pkg/time"
	"github.com/pixperk/pagelock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpiredLeaseIsBrokenOnAcquire(t *testing.T) {
	clock := tm.NewManualClock(time.Now())
	cfg := Config{LeaseTTL: time.Second, Clock: clock}
	crashed := newTestManager(t, cfg)
	m := newTestManager(t, cfg)
	name := lockPath(t)

	old, err := crashed.Acquire(context.Background(), name)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	lock, err := m.Inspect(name)
	require.NoError(t, err)
	assert.Equal(t, types.LockStateStale, lock.State)

	g, err := m.Acquire(context.Background(), name, WithMaxAttempts(1))
	require.NoError(t, err)
	assert.Greater(t, g.Token(), old.Token())

	//the crashed holder coming back must not remove the new marker
	assert.Equal(t, types.ReleaseStatusNotOwner, old.Release().Status)
	assert.FileExists(t, name)

	assert.Equal(t, types.ReleaseStatusReleased, g.Release().Status)
	leftovers, err := filepath.Glob(name + ".stale-*")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestLiveLeaseIsNotBroken(t *testing.T) {
	clock := tm.NewManualClock(time.Now())
	m := newTestManager(t, Config{LeaseTTL: time.Second, Clock: clock, Backoff: time.Millisecond})
	name := lockPath(t)

	held, err := m.Acquire(context.Background(), name)
	require.NoError(t, err)
	defer held.Close()

	clock.Advance(500 * time.Millisecond)

	_, err = m.Acquire(context.Background(), name, WithMaxAttempts(2))
	assert.ErrorIs(t, err, types.ErrLockTimeout)
}

func TestMarkerWithoutLeaseExpiresByAge(t *testing.T) {
	name := lockPath(t)
	require.NoError(t, os.WriteFile(name, nil, 0o644))

	clock := tm.NewManualClock(time.Now().Add(2 * time.Second))
	m := newTestManager(t, Config{LeaseTTL: time.Second, Clock: clock})

	lock, err := m.Inspect(name)
	require.NoError(t, err)
	assert.Equal(t, types.LockStateStale, lock.State)

	g, err := m.Acquire(context.Background(), name, WithMaxAttempts(1))
	require.NoError(t, err)
	require.NoError(t, g.Close())
}

func TestStaleLockKeptWithoutLeaseTTL(t *testing.T) {
	clock := tm.NewManualClock(time.Now())
	holder := newTestManager(t, Config{LeaseTTL: time.Second, Clock: clock})
	m := newTestManager(t, Config{Clock: clock, Backoff: time.Millisecond})
	name := lockPath(t)

	_, err := holder.Acquire(context.Background(), name)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	//a manager without leases never breaks locks on its own
	_, err = m.Acquire(context.Background(), name, WithMaxAttempts(2))
	assert.ErrorIs(t, err, types.ErrLockTimeout)

	//but it still sees the expired lease and can clean up by hand
	lock, err := m.Inspect(name)
	require.NoError(t, err)
	assert.Equal(t, types.LockStateStale, lock.State)

	require.NoError(t, m.Break(name))
	assert.NoFileExists(t, name)

	g, err := m.Acquire(context.Background(), name, WithMaxAttempts(1))
	require.NoError(t, err)
	require.NoError(t, g.Close())
}

func TestBreak(t *testing.T) {
	m := newTestManager(t, Config{LeaseTTL: time.Minute})
	name := lockPath(t)

	assert.ErrorIs(t, m.Break(name), types.ErrLockNotHeld)

	g, err := m.Acquire(context.Background(), name)
	require.NoError(t, err)
	defer g.Close()

	assert.ErrorIs(t, m.Break(name), types.ErrLockNotStale)
	assert.FileExists(t, name)
}

func TestRenewalDuringBreakKeepsLock(t *testing.T) {
	clock := tm.NewManualClock(time.Now())
	cfg := Config{LeaseTTL: time.Second, Clock: clock}
	holder := newTestManager(t, cfg)
	m := newTestManager(t, cfg)
	name := lockPath(t)

	g, err := holder.Acquire(context.Background(), name)
	require.NoError(t, err)
	defer g.Close()

	clock.Advance(time.Second)

	//the holder renews right after the breaker decided the lock is stale
	m.afterStaleCheck = func(name string) {
		renewed := g.Lease().Renewed(clock.Now())
		require.NoError(t, rewriteLease(name, &renewed, 0o644))
	}

	broken, err := m.breakIfStale(name)
	require.NoError(t, err)
	assert.False(t, broken)

	lock, err := m.Inspect(name)
	require.NoError(t, err)
	assert.Equal(t, types.LockStateHeld, lock.State)
	require.NotNil(t, lock.Lease)
	assert.Equal(t, g.Lease().OwnerID, lock.Lease.OwnerID)

	leftovers, err := filepath.Glob(name + ".stale-*")
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	m.afterStaleCheck = nil
	_, err = m.Acquire(context.Background(), name, WithMaxAttempts(1))
	assert.ErrorIs(t, err, types.ErrLockTimeout)
}

func TestRenewWaitsForRunningBreak(t *testing.T) {
	m := newTestManager(t, Config{LeaseTTL: time.Minute})
	name := lockPath(t)

	g, err := m.Acquire(context.Background(), name)
	require.NoError(t, err)
	defer g.Close()

	//a breaker in another process
	breaker := flock.New(name + breakSuffix)
	require.NoError(t, breaker.Lock())

	done := make(chan error, 1)
	go func() { done <- g.Renew() }()

	select {
	case <-done:
		t.Fatal("renew did not wait for the breaker")
	case <-time.After(100 * time.Millisecond):
	}

	//the break removed the marker and someone else took it
	require.NoError(t, os.Remove(name))
	other := newTestManager(t, Config{LeaseTTL: time.Minute})
	taken, err := other.Acquire(context.Background(), name)
	require.NoError(t, err)
	require.NoError(t, breaker.Unlock())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, types.ErrNotLockOwner)
	case <-time.After(time.Second):
		t.Fatal("renew still blocked after the breaker finished")
	}

	//the new holder's marker was not overwritten
	lock, err := m.Inspect(name)
	require.NoError(t, err)
	require.NotNil(t, lock.Lease)
	assert.Equal(t, taken.Lease().OwnerID, lock.Lease.OwnerID)
	assert.Equal(t, types.ReleaseStatusReleased, taken.Release().Status)
}

func TestSameMarker(t *testing.T) {
	now := time.Now()
	lease := &types.Lease{OwnerID: "a"}

	assert.True(t, sameMarker(types.Lock{Lease: lease}, &types.Lease{OwnerID: "a"}, now))
	assert.False(t, sameMarker(types.Lock{Lease: lease}, &types.Lease{OwnerID: "b"}, now))
	assert.False(t, sameMarker(types.Lock{Lease: lease}, nil, now))

	//renewed in place: same owner, later expiry
	expiring := &types.Lease{OwnerID: "a", FencingToken: 3, ExpiresAt: now}
	assert.True(t, sameMarker(types.Lock{Lease: expiring}, &types.Lease{OwnerID: "a", FencingToken: 3, ExpiresAt: now}, now))
	assert.False(t, sameMarker(types.Lock{Lease: expiring}, &types.Lease{OwnerID: "a", FencingToken: 3, ExpiresAt: now.Add(time.Second)}, now))
	assert.False(t, sameMarker(types.Lock{Lease: expiring}, &types.Lease{OwnerID: "a", FencingToken: 4, ExpiresAt: now}, now))

	assert.True(t, sameMarker(types.Lock{ModTime: now}, nil, now))
	assert.False(t, sameMarker(types.Lock{ModTime: now}, nil, now.Add(time.Second)))
	assert.False(t, sameMarker(types.Lock{ModTime: now}, lease, now))
}
