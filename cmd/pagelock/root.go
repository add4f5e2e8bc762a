package main

import (
	"os"
	"path/filepath"

	"github.com/pixperk/pagelock/pkg/config"
	"github.com/pixperk/pagelock/pkg/lock"
	"github.com/pixperk/pagelock/pkg/logging"
	"github.com/pixperk/pagelock/pkg/pagestore"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// state shared by all commands, built before any command runs
type app struct {
	v     *viper.Viper
	cfg   *config.Config
	log   *logrus.Logger
	locks *lock.Manager
	store *pagestore.Store
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "pagelock",
		Short:         "JSON page store with cross-process write locking",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cfgFile)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("store", "./data/pages.json", "page store JSON file")
	flags.Int("max-attempts", lock.DefaultMaxAttempts, "lock create attempts before giving up")
	flags.Duration("backoff", lock.DefaultBackoff, "wait between lock attempts")
	flags.Duration("lease-ttl", 0, "lock lease TTL, 0 disables stale lock breaking")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "text", "log format (text or json)")

	bindings := map[string]string{
		"store.path":        "store",
		"lock.max_attempts": "max-attempts",
		"lock.backoff":      "backoff",
		"lock.lease_ttl":    "lease-ttl",
		"log.level":         "log-level",
		"log.format":        "log-format",
	}
	for key, flag := range bindings {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(
		newGetCmd(a),
		newListCmd(a),
		newPutCmd(a),
		newDeleteCmd(a),
		newLockCmd(a),
		newServeCmd(a),
	)
	return cmd
}

func (a *app) init(cfgFile string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	if cfgFile != "" {
		a.v.SetConfigFile(cfgFile)
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return errors.Wrap(err, "create store directory")
	}

	a.cfg = cfg
	a.log = log
	a.locks = lock.NewManager(cfg.LockManagerConfig(log))
	a.store = pagestore.New(cfg.Store.Path, a.locks, pagestore.WithLogger(log))
	return nil
}
