// Package config loads settings from an optional YAML file, an optional .env
// file and UPNP_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort                 = 8058
	DefaultWorkers              = 8
	DefaultReadTimeout          = 5 * time.Second
	DefaultRequestedTimeout     = 1800 * time.Second
	DefaultInitialNotifyTimeout = time.Second
	DefaultInvokeTimeout        = 30 * time.Second
	DefaultMaxQueue             = 64
	DefaultFriendlyName         = "gupnp renderer"
	DefaultUUIDPath             = ".local/gupnp/device_uuid.txt"
)

type Config struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	MaxChunkSize int           `yaml:"max_chunk_size"`

	// SubscriptionTimeout is granted to every subscriber; 0 honours the
	// requested value. Subscription lifetimes are clamped where they are used.
	SubscriptionTimeout  time.Duration `yaml:"subscription_timeout"`
	RequestedTimeout     time.Duration `yaml:"requested_timeout"`
	InitialNotifyTimeout time.Duration `yaml:"initial_notify_timeout"`
	// MaxQueue is how many events may wait for one subscriber.
	MaxQueue int `yaml:"max_queue"`

	Workers       int           `yaml:"workers"`
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`

	UUIDPath     string `yaml:"uuid_path"`
	FriendlyName string `yaml:"friendly_name"`
}

// Default returns the built-in settings.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		HTTPPort:             DefaultPort,
		ReadTimeout:          DefaultReadTimeout,
		RequestedTimeout:     DefaultRequestedTimeout,
		InitialNotifyTimeout: DefaultInitialNotifyTimeout,
		MaxQueue:             DefaultMaxQueue,
		Workers:              DefaultWorkers,
		InvokeTimeout:        DefaultInvokeTimeout,
		UUIDPath:             filepath.Join(home, DefaultUUIDPath),
		FriendlyName:         DefaultFriendlyName,
	}
}

// Load reads file (skipped when empty) and envFiles (missing ones are
// skipped), then applies UPNP_* variables. Variables already set in the
// environment win over .env entries.
func Load(file string, envFiles ...string) (Config, error) {
	cfg := Default()
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", file, err)
		}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.HTTPPort = envVar("UPNP_HTTP_PORT", cfg.HTTPPort)
	cfg.ReadTimeout = envVar("UPNP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.MaxChunkSize = envVar("UPNP_MAX_CHUNK_SIZE", cfg.MaxChunkSize)
	cfg.SubscriptionTimeout = envVar("UPNP_SUBSCRIPTION_TIMEOUT", cfg.SubscriptionTimeout)
	cfg.RequestedTimeout = envVar("UPNP_REQUESTED_TIMEOUT", cfg.RequestedTimeout)
	cfg.InitialNotifyTimeout = envVar("UPNP_INITIAL_NOTIFY_TIMEOUT", cfg.InitialNotifyTimeout)
	cfg.MaxQueue = envVar("UPNP_MAX_QUEUE", cfg.MaxQueue)
	cfg.Workers = envVar("UPNP_WORKERS", cfg.Workers)
	cfg.InvokeTimeout = envVar("UPNP_INVOKE_TIMEOUT", cfg.InvokeTimeout)
	cfg.UUIDPath = envVar("UPNP_UUID_PATH", cfg.UUIDPath)
	cfg.FriendlyName = envVar("UPNP_FRIENDLY_NAME", cfg.FriendlyName)

	cfg.validate()
	return cfg, nil
}

// envVar returns the value of key parsed as T, or def when unset or
// unparsable. Durations accept time.ParseDuration syntax or plain seconds.
func envVar[T ~string | ~bool | ~int | ~int64](key string, def T) T {
	v := os.Getenv(key)
	if v == "" {
		return def
	}

	switch any(def).(type) {
	case string:
		return any(v).(T)
	case bool:
		if b, err := strconv.ParseBool(v); err == nil {
			return any(b).(T)
		}
	case int:
		if i, err := strconv.Atoi(v); err == nil {
			return any(i).(T)
		}
	case time.Duration:
		if d, err := time.ParseDuration(v); err == nil {
			return any(d).(T)
		}
		if s, err := strconv.Atoi(v); err == nil {
			return any(time.Duration(s) * time.Second).(T)
		}
	case int64:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return any(i).(T)
		}
	}
	return def
}

// validate replaces out-of-range values.
func (c *Config) validate() {
	def := Default()
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		c.HTTPPort = DefaultPort
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.MaxChunkSize < 0 {
		c.MaxChunkSize = 0
	}
	if c.SubscriptionTimeout < 0 {
		c.SubscriptionTimeout = 0
	}
	if c.RequestedTimeout <= 0 {
		c.RequestedTimeout = DefaultRequestedTimeout
	}
	if c.InitialNotifyTimeout <= 0 {
		c.InitialNotifyTimeout = def.InitialNotifyTimeout
	}
	if c.MaxQueue < 1 {
		c.MaxQueue = DefaultMaxQueue
	}
	if c.Workers < 1 {
		c.Workers = DefaultWorkers
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = def.InvokeTimeout
	}
	if c.FriendlyName == "" {
		c.FriendlyName = DefaultFriendlyName
	}
	if c.UUIDPath == "" {
		c.UUIDPath = def.UUIDPath
	}
}
