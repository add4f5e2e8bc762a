package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pixperk/pagelock/pkg/lock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const EnvPrefix = "PAGELOCK"

type Config struct {
	Store  StoreConfig  `mapstructure:"store"`
	Lock   LockConfig   `mapstructure:"lock"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LockConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	LeaseTTL    time.Duration `mapstructure:"lease_ttl"`
}

type ServerConfig struct {
	HTTPAddr      string        `mapstructure:"http_addr"`
	GRPCAddr      string        `mapstructure:"grpc_addr"`
	PIDFile       string        `mapstructure:"pid_file"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "./data/pages.json")
	v.SetDefault("lock.max_attempts", lock.DefaultMaxAttempts)
	v.SetDefault("lock.backoff", lock.DefaultBackoff)
	v.SetDefault("lock.lease_ttl", time.Duration(0))
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9000")
	v.SetDefault("server.pid_file", "./data/pagelockd.pid")
	v.SetDefault("server.probe_interval", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadDotEnv loads variables from .env style files into the environment.
// Missing files are skipped and existing variables are not overridden.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return errors.Wrapf(err, "load %s", f)
		}
	}
	return nil
}

// Load resolves the configuration from defaults, an optional config file
// set on v, PAGELOCK_* environment variables and bound flags.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Store.Path == "":
		return errors.New("store.path must not be empty")
	case c.Lock.MaxAttempts <= 0:
		return errors.New("lock.max_attempts must be greater than 0")
	case c.Lock.Backoff <= 0:
		return errors.New("lock.backoff must be greater than 0")
	case c.Lock.LeaseTTL < 0:
		return errors.New("lock.lease_ttl must not be negative")
	case c.Server.ProbeInterval <= 0:
		return errors.New("server.probe_interval must be greater than 0")
	}
	return nil
}

// lock manager settings for this configuration
func (c *Config) LockManagerConfig(log logrus.FieldLogger) lock.Config {
	return lock.Config{
		MaxAttempts: c.Lock.MaxAttempts,
		Backoff:     c.Lock.Backoff,
		LeaseTTL:    c.Lock.LeaseTTL,
		FileMode:    lock.DefaultFileMode,
		Logger:      log,
	}
}
