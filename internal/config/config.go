// Package config loads bugsync settings with viper.
//
// Precedence (highest first): BUGSYNC_* environment variables, the config
// file, built-in defaults. The config file is config.yaml in
// $XDG_CONFIG_HOME/bugsync unless a path is given.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bugsync/bugsync/internal/store"
)

// EnvPrefix is prepended to environment variable names, e.g.
// BUGSYNC_SYNC_INTERVAL for sync.interval.
const EnvPrefix = "BUGSYNC"

// Config keys.
const (
	KeyInstance          = "instance"
	KeyEmail             = "account.email"
	KeyAPIKey            = "account.api_key"
	KeyDataDir           = "data_dir"
	KeySyncInterval      = "sync.interval"
	KeyBatchSize         = "sync.batch_size"
	KeyRequestsPerSecond = "sync.requests_per_second"
	KeyReconnect         = "push.reconnect_interval"
	KeyRecentLimit       = "push.recent_limit"
	KeyLogFile           = "log.file"
	KeyLogMaxSize        = "log.max_size_mb"
	KeyLogMaxBackups     = "log.max_backups"
	KeyLogMaxAge         = "log.max_age_days"
)

// Config is a resolved snapshot of the settings.
type Config struct {
	Instance Instance `yaml:"instance"`
	Account  Account  `yaml:"account"`
	DataDir  string   `yaml:"data_dir"`
	Sync     Sync     `yaml:"sync"`
	Push     Push     `yaml:"push"`
	Log      Log      `yaml:"log"`

	// Source is the config file the values were read from, if any.
	Source string `yaml:"-"`
}

// Account identifies the user on the instance.
type Account struct {
	Email  string `yaml:"email"`
	APIKey string `yaml:"api_key,omitempty"`
}

// Sync holds sync controller and scheduler settings.
type Sync struct {
	Interval          time.Duration `yaml:"interval"`
	BatchSize         int           `yaml:"batch_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// Push holds push client settings.
type Push struct {
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	RecentLimit       int           `yaml:"recent_limit"`
}

// Log configures log output. An empty File logs to stderr.
type Log struct {
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DBPath returns the account database location.
func (c *Config) DBPath() string {
	return store.AccountPath(c.DataDir, c.Instance.Name, c.Account.Email)
}

// LockPath returns the daemon lock file location.
func (c *Config) LockPath() string {
	return strings.TrimSuffix(c.DBPath(), ".db") + ".lock"
}

// Validate checks the settings needed to sync.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Account.Email) == "" {
		return fmt.Errorf("%s is not set (run 'bugsync init')", KeyEmail)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("%s must be positive (got %s)", KeySyncInterval, c.Sync.Interval)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("%s must be positive (got %d)", KeyBatchSize, c.Sync.BatchSize)
	}
	if c.Sync.RequestsPerSecond <= 0 {
		return fmt.Errorf("%s must be positive (got %g)", KeyRequestsPerSecond, c.Sync.RequestsPerSecond)
	}
	if c.Push.RecentLimit < 0 {
		return fmt.Errorf("%s cannot be negative (got %d)", KeyRecentLimit, c.Push.RecentLimit)
	}
	return nil
}

// Dump writes the settings as YAML with the API key redacted.
func (c *Config) Dump(w io.Writer) error {
	out := *c
	if out.Account.APIKey != "" {
		out.Account.APIKey = "********"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// DefaultPath returns $XDG_CONFIG_HOME/bugsync/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".bugsync", "config.yaml")
	}
	return filepath.Join(dir, "bugsync", "config.yaml")
}

// DefaultDataDir returns the directory for account databases.
func DefaultDataDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".bugsync"
	}
	return filepath.Join(dir, "bugsync")
}

// Loader reads settings from one viper instance.
type Loader struct {
	v      *viper.Viper
	path   string
	logger *log.Logger

	mu sync.Mutex
}

// NewLoader reads the config file at path (DefaultPath when empty). A
// missing file leaves defaults and environment in effect.
func NewLoader(path string, logger *log.Logger) (*Loader, error) {
	if path == "" {
		path = DefaultPath()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[config] ", log.LstdFlags)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return &Loader{v: v, path: path, logger: logger}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyInstance, "mozilla")
	v.SetDefault(KeyEmail, "")
	v.SetDefault(KeyAPIKey, "")
	v.SetDefault(KeyDataDir, "")
	v.SetDefault(KeySyncInterval, "5m")
	v.SetDefault(KeyBatchSize, 100)
	v.SetDefault(KeyRequestsPerSecond, 10)
	v.SetDefault(KeyReconnect, "30s")
	v.SetDefault(KeyRecentLimit, 10)
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyLogMaxSize, 50)
	v.SetDefault(KeyLogMaxBackups, 3)
	v.SetDefault(KeyLogMaxAge, 28)
}

// Path returns the config file location, whether or not it exists.
func (l *Loader) Path() string {
	return l.path
}

// Get returns the raw value of a key.
func (l *Loader) Get(key string) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v.Get(key)
}

// Keys returns every known key.
func (l *Loader) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v.AllKeys()
}

// Config resolves the current settings.
func (l *Loader) Config() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.build()
}

func (l *Loader) build() (*Config, error) {
	v := l.v
	catalog, err := LoadCatalog(filepath.Join(filepath.Dir(l.path), InstancesFile))
	if err != nil {
		return nil, err
	}
	inst, err := catalog.Lookup(v.GetString(KeyInstance))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Instance: inst,
		Account: Account{
			Email:  strings.TrimSpace(v.GetString(KeyEmail)),
			APIKey: v.GetString(KeyAPIKey),
		},
		DataDir: v.GetString(KeyDataDir),
		Sync: Sync{
			Interval:          v.GetDuration(KeySyncInterval),
			BatchSize:         v.GetInt(KeyBatchSize),
			RequestsPerSecond: v.GetFloat64(KeyRequestsPerSecond),
		},
		Push: Push{
			ReconnectInterval: v.GetDuration(KeyReconnect),
			RecentLimit:       v.GetInt(KeyRecentLimit),
		},
		Log: Log{
			File:       v.GetString(KeyLogFile),
			MaxSizeMB:  v.GetInt(KeyLogMaxSize),
			MaxBackups: v.GetInt(KeyLogMaxBackups),
			MaxAgeDays: v.GetInt(KeyLogMaxAge),
		},
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if _, err := os.Stat(l.path); err == nil {
		cfg.Source = l.path
	}
	return cfg, nil
}

// Write merges values into the config file, creating it if needed. Only
// values from the file and values passed here are written; defaults and
// environment overrides are not.
func (l *Loader) Write(values map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file := viper.New()
	file.SetConfigType("yaml")
	file.SetConfigFile(l.path)
	if err := file.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error reading config file: %w", err)
	}
	for k, val := range values {
		file.Set(k, val)
		l.v.Set(k, val)
	}
	if err := file.WriteConfigAs(l.path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Watch calls fn with the new settings whenever the config file changes.
// Settings that fail to resolve are logged and not passed on.
func (l *Loader) Watch(fn func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.logger.Printf("Config file changed: %s (%s)", e.Name, e.Op)
		cfg, err := l.Config()
		if err != nil {
			l.logger.Printf("WARNING: Ignoring invalid config: %v", err)
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}
