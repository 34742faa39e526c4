// Package config loads jolt settings from defaults, an optional config file
// and JOLT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. JOLT_SERVER_URL.
const EnvPrefix = "JOLT"

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Queue backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Reachability ReachabilityConfig `mapstructure:"reachability"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Log          LogConfig          `mapstructure:"log"`
	Serve        ServeConfig        `mapstructure:"serve"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// ServerConfig is how the client reaches its account.
type ServerConfig struct {
	URL      string `mapstructure:"url"`
	Token    string `mapstructure:"token"`
	DeviceID string `mapstructure:"device_id"`
}

// QueueConfig selects where pending mutations persist.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	// Slot names the record inside a sqlite backend, so several accounts
	// can share one database file.
	Slot    string `mapstructure:"slot"`
	MaxSize int    `mapstructure:"max_size"`
}

type ReachabilityConfig struct {
	// ProbeAddr is dialed to decide whether the network is usable. Empty
	// means the server's host and port.
	ProbeAddr string        `mapstructure:"probe_addr"`
	Interval  time.Duration `mapstructure:"interval"`
	Settle    int           `mapstructure:"settle"`
}

type EngineConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

// LogConfig routes process logs. An empty File means stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ServeConfig configures the reference server run by "jolt serve".
type ServeConfig struct {
	Addr             string        `mapstructure:"addr"`
	DSN              string        `mapstructure:"dsn"`
	PremiumListLimit int           `mapstructure:"premium_list_limit"`
	WakeInterval     time.Duration `mapstructure:"wake_interval"`
}

// Dir is the directory holding the config file and local state: $JOLT_HOME,
// or ~/.jolt.
func Dir() string {
	if d := os.Getenv("JOLT_HOME"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jolt"
	}
	return filepath.Join(home, ".jolt")
}

// DefaultPath is where "jolt config init" writes.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.toml")
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("server.url", "ws://127.0.0.1:8787/ws")
	v.SetDefault("server.token", "")
	v.SetDefault("server.device_id", "")

	v.SetDefault("queue.backend", BackendFile)
	v.SetDefault("queue.path", filepath.Join(dir, "queue.json"))
	v.SetDefault("queue.slot", "default")
	v.SetDefault("queue.max_size", 1000)

	v.SetDefault("reachability.probe_addr", "")
	v.SetDefault("reachability.interval", 5*time.Second)
	v.SetDefault("reachability.settle", 2)

	v.SetDefault("engine.max_retries", 3)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("serve.addr", "127.0.0.1:8787")
	v.SetDefault("serve.dsn", filepath.Join(dir, "server.db"))
	v.SetDefault("serve.premium_list_limit", 5)
	v.SetDefault("serve.wake_interval", 30*time.Second)
}

// Load reads the config. An empty path searches Dir() for config.toml,
// config.yaml or config.json; a missing file is not an error. Environment
// variables override the file.
func Load(path string) (*Config, error) {
	dir := Dir()
	v := viper.New()
	setDefaults(v, dir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.File); err != nil {
		cfg.File = ""
	}

	if cfg.Server.DeviceID == "" {
		cfg.Server.DeviceID = defaultDeviceID()
	}
	return &cfg, nil
}

func defaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "jolt-cli"
	}
	return host
}

// Validate reports every bad value at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if u, err := url.Parse(c.Server.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		bad("server.url %q must be a ws:// or wss:// URL", c.Server.URL)
	}
	if strings.TrimSpace(c.Server.DeviceID) == "" {
		bad("server.device_id must not be empty")
	}

	switch c.Queue.Backend {
	case BackendFile, BackendSQLite:
	default:
		bad("queue.backend %q must be %q or %q", c.Queue.Backend, BackendFile, BackendSQLite)
	}
	if c.Queue.Path == "" {
		bad("queue.path must not be empty")
	}
	if c.Queue.Backend == BackendSQLite && c.Queue.Slot == "" {
		bad("queue.slot must not be empty for the sqlite backend")
	}
	if c.Queue.MaxSize < 0 {
		bad("queue.max_size must not be negative")
	}

	if c.Reachability.ProbeAddr != "" {
		if _, _, err := net.SplitHostPort(c.Reachability.ProbeAddr); err != nil {
			bad("reachability.probe_addr %q must be host:port", c.Reachability.ProbeAddr)
		}
	}
	if c.Reachability.Interval <= 0 {
		bad("reachability.interval must be positive")
	}
	if c.Reachability.Settle < 1 {
		bad("reachability.settle must be at least 1")
	}

	if c.Engine.MaxRetries < 1 {
		bad("engine.max_retries must be at least 1")
	}

	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		bad("log rotation limits must not be negative")
	}

	if c.Serve.Addr == "" {
		bad("serve.addr must not be empty")
	}
	if c.Serve.DSN == "" {
		bad("serve.dsn must not be empty")
	}
	return errors.Join(errs...)
}

// ProbeTarget is the address the reachability prober dials.
func (c *Config) ProbeTarget() string {
	if c.Reachability.ProbeAddr != "" {
		return c.Reachability.ProbeAddr
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// file mirrors Config with durations as strings, the form Load accepts.
type file struct {
	Server struct {
		URL      string `toml:"url"`
		Token    string `toml:"token"`
		DeviceID string `toml:"device_id"`
	} `toml:"server"`
	Queue struct {
		Backend string `toml:"backend"`
		Path    string `toml:"path"`
		Slot    string `toml:"slot"`
		MaxSize int    `toml:"max_size"`
	} `toml:"queue"`
	Reachability struct {
		ProbeAddr string `toml:"probe_addr"`
		Interval  string `toml:"interval"`
		Settle    int    `toml:"settle"`
	} `toml:"reachability"`
	Engine struct {
		MaxRetries int `toml:"max_retries"`
	} `toml:"engine"`
	Log struct {
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
		Compress   bool   `toml:"compress"`
	} `toml:"log"`
	Serve struct {
		Addr             string `toml:"addr"`
		DSN              string `toml:"dsn"`
		PremiumListLimit int    `toml:"premium_list_limit"`
		WakeInterval     string `toml:"wake_interval"`
	} `toml:"serve"`
}

func toFile(c *Config) file {
	var f file
	f.Server.URL = c.Server.URL
	f.Server.Token = c.Server.Token
	f.Server.DeviceID = c.Server.DeviceID
	f.Queue.Backend = c.Queue.Backend
	f.Queue.Path = c.Queue.Path
	f.Queue.Slot = c.Queue.Slot
	f.Queue.MaxSize = c.Queue.MaxSize
	f.Reachability.ProbeAddr = c.Reachability.ProbeAddr
	f.Reachability.Interval = c.Reachability.Interval.String()
	f.Reachability.Settle = c.Reachability.Settle
	f.Engine.MaxRetries = c.Engine.MaxRetries
	f.Log.File = c.Log.File
	f.Log.MaxSizeMB = c.Log.MaxSizeMB
	f.Log.MaxBackups = c.Log.MaxBackups
	f.Log.MaxAgeDays = c.Log.MaxAgeDays
	f.Log.Compress = c.Log.Compress
	f.Serve.Addr = c.Serve.Addr
	f.Serve.DSN = c.Serve.DSN
	f.Serve.PremiumListLimit = c.Serve.PremiumListLimit
	f.Serve.WakeInterval = c.Serve.WakeInterval.String()
	return f
}

// Write saves c as TOML. The file holds the account token, so it is created
// owner-only. An existing file is replaced only when overwrite is set.
func Write(path string, c *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(toFile(c)); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
