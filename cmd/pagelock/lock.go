package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/pixperk/pagelock/pkg/types"
	"github.com/spf13/cobra"
)

func newLockCmd(a *app) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and manage the store lock",
	}
	cmd.PersistentFlags().StringVar(&name, "name", "", "lock marker path (defaults to the store lock)")

	lockName := func() string {
		if name != "" {
			return name
		}
		return a.store.LockName()
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show whether the lock is free, held or stale",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				lock, err := a.locks.Inspect(lockName())
				if err != nil {
					return err
				}
				printLock(cmd.OutOrStdout(), lock)
				return nil
			},
		},
		&cobra.Command{
			Use:   "acquire",
			Short: "Acquire the lock and hold it until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return holdLock(ctx, a, lockName(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "release",
			Short: "Remove the lock marker regardless of its owner",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				res := a.locks.Release(lockName())
				fmt.Fprintln(cmd.OutOrStdout(), res.Status)
				if res.Status == types.ReleaseStatusFailed {
					return res.Err
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "break",
			Short: "Remove the lock marker if its lease expired",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.locks.Break(lockName()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "broken")
				return nil
			},
		},
	)
	return cmd
}

func holdLock(ctx context.Context, a *app, name string, out io.Writer) error {
	g, err := a.locks.Acquire(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "acquired %s (fencing token %d)\n", g.Name(), g.Token())

	lost := make(chan error, 1)
	go func() { lost <- g.KeepAlive(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-lost:
		if err != nil {
			return err
		}
	}

	res := g.Release()
	fmt.Fprintln(out, res.Status)
	if !res.OK() {
		return fmt.Errorf("%s", res)
	}
	return nil
}

func printLock(out io.Writer, lock types.Lock) {
	fmt.Fprintf(out, "name:     %s\n", lock.Name)
	fmt.Fprintf(out, "state:    %s\n", lock.State)
	if lock.State == types.LockStateFree {
		return
	}
	fmt.Fprintf(out, "modified: %s\n", lock.ModTime.Format(time.RFC3339))
	if lock.Lease == nil {
		fmt.Fprintln(out, "lease:    none")
		return
	}
	l := lock.Lease
	fmt.Fprintf(out, "owner:    %s (pid %d on %s)\n", l.OwnerID, l.PID, l.Hostname)
	fmt.Fprintf(out, "acquired: %s\n", l.AcquiredAt.Format(time.RFC3339))
	if l.TTL > 0 {
		fmt.Fprintf(out, "expires:  %s (ttl %s)\n", l.ExpiresAt.Format(time.RFC3339), l.TTL)
	} else {
		fmt.Fprintln(out, "expires:  never")
	}
	fmt.Fprintf(out, "token:    %d\n", l.FencingToken)
}
