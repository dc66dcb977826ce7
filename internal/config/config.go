// Package config loads bsync settings from bsync.toml (or .yaml/.json) in
// the data directory, BSYNC_* environment variables and command flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bizdesk/bsync/internal/engine"
	"github.com/bizdesk/bsync/internal/logging"
)

const (
	// FileName is the config file name without extension.
	FileName = "bsync"

	// EnvPrefix prefixes environment overrides: BSYNC_REMOTE_URL,
	// BSYNC_SYNC_DEBOUNCE and so on.
	EnvPrefix = "BSYNC"

	// ReplicaFile is the local replica database inside the data dir.
	ReplicaFile = "replica.db"
)

// Config is the complete bsync configuration.
type Config struct {
	// DataDir holds the replica, the config file and logs. It comes from
	// --data-dir or BSYNC_DATA_DIR, never from the file itself.
	DataDir string `mapstructure:"-"`

	// DeviceName is shown in device listings. Defaults to the hostname.
	DeviceName string `mapstructure:"device_name"`

	Remote RemoteConfig   `mapstructure:"remote"`
	Sync   SyncConfig     `mapstructure:"sync"`
	Server ServerConfig   `mapstructure:"server"`
	Log    logging.Config `mapstructure:"log"`
}

// RemoteConfig points the client at a bsync server.
type RemoteConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// SyncConfig tunes the engine.
type SyncConfig struct {
	Collections      []string      `mapstructure:"collections"`
	Debounce         time.Duration `mapstructure:"debounce"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ServerTimestamps bool          `mapstructure:"server_timestamps"`
	BackupRetention  int           `mapstructure:"backup_retention"`
}

// ServerConfig configures `bsync serve`.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	DatabaseURL  string        `mapstructure:"database_url"`
	APIKey       string        `mapstructure:"api_key"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig(dataDir string) *Config {
	ec := engine.DefaultConfig()
	return &Config{
		DataDir: dataDir,
		Sync: SyncConfig{
			Collections:     ec.Collections,
			Debounce:        ec.DebounceInterval,
			ProbeInterval:   ec.ProbeInterval,
			RequestTimeout:  ec.RequestTimeout,
			BackupRetention: 5,
		},
		Server: ServerConfig{
			Addr:         ":8787",
			DatabaseURL:  filepath.Join(dataDir, "server.db"),
			PingInterval: 30 * time.Second,
		},
		Log: logging.DefaultConfig(),
	}
}

// DefaultDataDir returns BSYNC_DATA_DIR, or ~/.bsync.
func DefaultDataDir() string {
	if dir := os.Getenv(EnvPrefix + "_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bsync"
	}
	return filepath.Join(home, ".bsync")
}

// ReplicaPath returns the replica database path.
func (c *Config) ReplicaPath() string {
	return filepath.Join(c.DataDir, ReplicaFile)
}

// ConfigPath returns where `bsync config init` writes the file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.DataDir, FileName+".toml")
}

// Validate checks values the engine and bridge depend on.
func (c *Config) Validate() error {
	if len(c.Sync.Collections) == 0 {
		return fmt.Errorf("sync.collections cannot be empty")
	}
	seen := make(map[string]bool, len(c.Sync.Collections))
	for _, key := range c.Sync.Collections {
		if err := ValidateCollection(key); err != nil {
			return err
		}
		if seen[key] {
			return fmt.Errorf("sync.collections lists %q twice", key)
		}
		seen[key] = true
	}
	if c.Sync.Debounce < 0 || c.Sync.ProbeInterval < 0 {
		return fmt.Errorf("sync intervals cannot be negative")
	}
	if c.Sync.RequestTimeout <= 0 {
		return fmt.Errorf("sync.request_timeout must be positive")
	}
	if c.Sync.BackupRetention < 1 {
		return fmt.Errorf("sync.backup_retention must be at least 1")
	}
	return nil
}

// ValidateCollection rejects keys that can't be used as file names.
func ValidateCollection(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("collection name cannot be empty")
	case strings.ContainsAny(key, `/\ `):
		return fmt.Errorf("collection %q cannot contain slashes or spaces", key)
	case strings.HasPrefix(key, "."):
		return fmt.Errorf("collection %q cannot start with a dot", key)
	}
	return nil
}

// HasCollection reports whether key is configured.
func (c *Config) HasCollection(key string) bool {
	for _, k := range c.Sync.Collections {
		if k == key {
			return true
		}
	}
	return false
}

// Loader reads configuration through viper.
type Loader struct {
	v       *viper.Viper
	dataDir string
}

// NewLoader prepares a loader. file overrides the default
// <dataDir>/bsync.{toml,yaml,json} lookup when non-empty.
func NewLoader(dataDir, file string) *Loader {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(dataDir)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only sees keys viper knows about.
	d := DefaultConfig(dataDir)
	v.SetDefault("device_name", d.DeviceName)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.api_key", d.Remote.APIKey)
	v.SetDefault("sync.collections", d.Sync.Collections)
	v.SetDefault("sync.debounce", d.Sync.Debounce)
	v.SetDefault("sync.probe_interval", d.Sync.ProbeInterval)
	v.SetDefault("sync.request_timeout", d.Sync.RequestTimeout)
	v.SetDefault("sync.server_timestamps", d.Sync.ServerTimestamps)
	v.SetDefault("sync.backup_retention", d.Sync.BackupRetention)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.database_url", d.Server.DatabaseURL)
	v.SetDefault("server.api_key", d.Server.APIKey)
	v.SetDefault("server.redis_addr", d.Server.RedisAddr)
	v.SetDefault("server.ping_interval", d.Server.PingInterval)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("log.verbose", d.Log.Verbose)

	return &Loader{v: v, dataDir: dataDir}
}

// BindFlag lets a command flag override key. Unset flags leave the file
// and environment values alone.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for %s", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads the config file if present and returns the merged result.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := DefaultConfig(l.dataDir)
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.DataDir = l.dataDir
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Used returns the config file that was read, if any.
func (l *Loader) Used() string {
	return l.v.ConfigFileUsed()
}

// Load is shorthand for NewLoader(dataDir, "").Load().
func Load(dataDir string) (*Config, error) {
	return NewLoader(dataDir, "").Load()
}

// fileConfig is the on-disk TOML layout. Durations are written as
// strings ("30s") so the file stays hand-editable.
type fileConfig struct {
	DeviceName string     `toml:"device_name,omitempty"`
	Remote     fileRemote `toml:"remote"`
	Sync       fileSync   `toml:"sync"`
	Server     fileServer `toml:"server"`
	Log        fileLog    `toml:"log"`
}

type fileRemote struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

type fileSync struct {
	Collections      []string `toml:"collections"`
	Debounce         string   `toml:"debounce"`
	ProbeInterval    string   `toml:"probe_interval"`
	RequestTimeout   string   `toml:"request_timeout"`
	ServerTimestamps bool     `toml:"server_timestamps"`
	BackupRetention  int      `toml:"backup_retention"`
}

type fileServer struct {
	Addr         string `toml:"addr"`
	DatabaseURL  string `toml:"database_url"`
	APIKey       string `toml:"api_key"`
	RedisAddr    string `toml:"redis_addr"`
	PingInterval string `toml:"ping_interval"`
}

type fileLog struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	Verbose    bool   `toml:"verbose"`
}

// Encode renders c as TOML.
func (c *Config) Encode() ([]byte, error) {
	fc := fileConfig{
		DeviceName: c.DeviceName,
		Remote:     fileRemote{URL: c.Remote.URL, APIKey: c.Remote.APIKey},
		Sync: fileSync{
			Collections:      c.Sync.Collections,
			Debounce:         c.Sync.Debounce.String(),
			ProbeInterval:    c.Sync.ProbeInterval.String(),
			RequestTimeout:   c.Sync.RequestTimeout.String(),
			ServerTimestamps: c.Sync.ServerTimestamps,
			BackupRetention:  c.Sync.BackupRetention,
		},
		Server: fileServer{
			Addr:         c.Server.Addr,
			DatabaseURL:  c.Server.DatabaseURL,
			APIKey:       c.Server.APIKey,
			RedisAddr:    c.Server.RedisAddr,
			PingInterval: c.Server.PingInterval.String(),
		},
		Log: fileLog{
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
			Verbose:    c.Log.Verbose,
		},
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(fc); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile saves c to path, creating parent directories.
func (c *Config) WriteFile(path string) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	// API keys live here.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Redacted returns a copy with API keys masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Sync.Collections = append([]string(nil), c.Sync.Collections...)
	out.Remote.APIKey = mask(c.Remote.APIKey)
	out.Server.APIKey = mask(c.Server.APIKey)
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
