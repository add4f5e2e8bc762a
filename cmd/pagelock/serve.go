package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nightlyone/lockfile"
	"github.com/pixperk/pagelock/pkg/gateway"
	"github.com/pixperk/pagelock/pkg/server"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the page store over HTTP and report health over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}

	flags := cmd.Flags()
	flags.String("http-addr", ":8080", "HTTP address")
	flags.String("grpc-addr", ":9000", "gRPC health service address")
	flags.String("pid-file", "./data/pagelockd.pid", "pid file guarding against a second instance")
	flags.Duration("probe-interval", 5*time.Second, "health probe interval")

	for key, flag := range map[string]string{
		"server.http_addr":      "http-addr",
		"server.grpc_addr":      "grpc-addr",
		"server.pid_file":       "pid-file",
		"server.probe_interval": "probe-interval",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func serve(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := a.cfg.Server
	log := a.log.WithField("instance", uuid.NewString())

	pid, err := acquirePIDFile(cfg.PIDFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := pid.Unlock(); err != nil {
			log.WithError(err).Warn("failed to remove pid file")
		}
	}()

	log.WithFields(logrus.Fields{
		"store":     a.store.Path(),
		"lock":      a.store.LockName(),
		"http":      cfg.HTTPAddr,
		"grpc":      cfg.GRPCAddr,
		"lease_ttl": a.cfg.Lock.LeaseTTL,
	}).Info("starting pagelock")

	health := server.NewHealthReporter(a.store, a.locks, log)
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, health.Server())

	listener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", cfg.GRPCAddr)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Infof("gRPC health service listening on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(listener); err != nil {
			errCh <- errors.Wrap(err, "gRPC server failed")
		}
	}()

	gwServer := gateway.NewServer(cfg.HTTPAddr, server.NewServer(a.store, a.locks, log).Handler())
	go func() {
		log.Infof("HTTP gateway listening on %s", cfg.HTTPAddr)
		if err := gwServer.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	go func() {
		if err := a.store.Watch(ctx); err != nil {
			log.WithError(err).Warn("page store watcher stopped, serving without cache invalidation")
		}
	}()
	go health.Run(ctx, cfg.ProbeInterval)

	log.Info("pagelock is ready")

	select {
	case <-ctx.Done():
		log.Info("shutting down gracefully...")
	case err = <-errCh:
		log.WithError(err).Error("server failed, shutting down")
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	grpcServer.GracefulStop()
	if serr := gwServer.Stop(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("HTTP gateway did not stop cleanly")
	}

	log.Info("shutdown complete")
	return err
}

// guards against two daemons serving the same data directory
func acquirePIDFile(path string) (lockfile.Lockfile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrap(err, "pid file path")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", errors.Wrap(err, "create pid file directory")
	}

	pid, err := lockfile.New(abs)
	if err != nil {
		return "", errors.Wrap(err, "pid file")
	}
	if err := pid.TryLock(); err != nil {
		return "", errors.Wrapf(err, "another instance owns %s", abs)
	}
	return pid, nil
}
