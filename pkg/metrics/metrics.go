package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lock acquisition latency, including every backoff wait
	// labels: lock_name (to see which markers are contended)
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagelock_lock_acquire_duration_seconds",
			Help:    "time taken to acquire a lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		},
		[]string{"lock_name"},
	)

	// number of create attempts a finished acquire used
	// 1 means the lock was free on the first try
	LockAcquireAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagelock_lock_acquire_attempts",
			Help:    "create attempts used per acquire",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
		[]string{"lock_name"},
	)

	// labels: lock_name, status (success/timeout/error/canceled)
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagelock_lock_acquire_total",
			Help: "total number of lock acquisitions",
		},
		[]string{"lock_name", "status"},
	)

	// labels: lock_name, status (released/not_found/not_owner/failed)
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagelock_lock_release_total",
			Help: "total number of lock releases",
		},
		[]string{"lock_name", "status"},
	)

	// locks currently held by this process
	// a value that only grows points at a forgotten release
	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagelock_locks_held",
			Help: "current number of locks held by this process",
		},
	)

	// stale markers removed because their lease expired
	// spikes indicate crashing writers
	StaleLocksBrokenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagelock_stale_locks_broken_total",
			Help: "total number of stale lock markers removed",
		},
		[]string{"lock_name"},
	)

	// labels: status (success/failure)
	LeaseRenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagelock_lease_renew_total",
			Help: "total number of lease renewals",
		},
		[]string{"status"},
	)

	// labels: source (cache/disk)
	PageStoreReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagelock_pagestore_reads_total",
			Help: "total number of page store loads",
		},
		[]string{"source"},
	)

	// labels: status (success/failure)
	PageStoreWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagelock_pagestore_writes_total",
			Help: "total number of page store updates",
		},
		[]string{"status"},
	)

	// read-modify-write latency, lock wait included
	PageStoreUpdateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagelock_pagestore_update_duration_seconds",
			Help:    "time taken to update the page store",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	// pages in the store as of the last load
	PagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagelock_pages",
			Help: "number of pages in the store",
		},
	)

	// service uptime - always 1 when running
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagelock_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	Up.Set(1)
}
