package server

import (
	"context"
	"time"

	"github.com/pixperk/pagelock/pkg/lock"
	"github.com/pixperk/pagelock/pkg/pagestore"
	"github.com/pixperk/pagelock/pkg/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// health service name reported for the page store
const ServiceName = "pagelock.PageStore"

// HealthReporter publishes the page store's health on the standard gRPC
// health service. The store is unhealthy while it cannot be read or while
// its lock is stale, since writers would then wedge.
type HealthReporter struct {
	health *health.Server
	store  *pagestore.Store
	locks  *lock.Manager
	log    logrus.FieldLogger
}

func NewHealthReporter(store *pagestore.Store, locks *lock.Manager, log logrus.FieldLogger) *HealthReporter {
	return &HealthReporter{
		health: health.NewServer(),
		store:  store,
		locks:  locks,
		log:    log,
	}
}

// the gRPC health server to register
func (h *HealthReporter) Server() *health.Server {
	return h.health
}

// Check probes the store once.
func (h *HealthReporter) Check(ctx context.Context) error {
	if _, err := h.store.Load(ctx); err != nil {
		return err
	}
	lock, err := h.locks.Inspect(h.store.LockName())
	if err != nil {
		return err
	}
	if lock.State == types.LockStateStale {
		return errors.Errorf("lock %s is stale", lock.Name)
	}
	return nil
}

// Run probes every interval until ctx ends, then marks all services as
// not serving.
func (h *HealthReporter) Run(ctx context.Context, interval time.Duration) {
	h.probe(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.probe(ctx)
		case <-ctx.Done():
			h.health.Shutdown()
			return
		}
	}
}

func (h *HealthReporter) probe(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.Check(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		h.log.WithError(err).Warn("page store unhealthy")
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(ServiceName, status)
	h.health.SetServingStatus("", status)
}
