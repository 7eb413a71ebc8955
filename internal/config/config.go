package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ICSConfig describes a single read-only ICS subscription.
type ICSConfig struct {
	// ID is the stable identifier; the source id becomes "ics:<id>".
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	// URL is the ICS subscription endpoint. It is never logged in full.
	URL   string `yaml:"url" json:"url"`
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
}

// CalDAVConfig describes one CalDAV login. Every calendar found on the
// account becomes a writable source.
type CalDAVConfig struct {
	Name     string `yaml:"name" json:"name"`
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username" json:"username"`
	// Password is used as is when set; otherwise PasswordKey is passed to
	// the configured password program.
	Password    string `yaml:"password,omitempty" json:"-"`
	PasswordKey string `yaml:"password_key,omitempty" json:"password_key,omitempty"`
	Color       string `yaml:"color,omitempty" json:"color,omitempty"`
}

// SyncConfig holds the push retry constants.
type SyncConfig struct {
	InitialInterval   time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval       time.Duration `yaml:"max_interval" json:"max_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	// WarnAfter is the number of failed attempts after which an edit is
	// shown as sync-failed while still being retried.
	WarnAfter   int           `yaml:"warn_after" json:"warn_after"`
	PushTimeout time.Duration `yaml:"push_timeout" json:"push_timeout"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the local API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the local API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone query results are expressed in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// DataDir holds the sync queue, the feed cache and the event cache.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// Cache selects the persisted event cache: "sqlite" (default), "none",
	// or a postgres:// DSN.
	Cache string `yaml:"cache" json:"cache"`

	// PasswordProgram is run as "<program> <password_key>" for accounts
	// without an inline password.
	PasswordProgram string `yaml:"password_program,omitempty" json:"password_program,omitempty"`

	// RefreshInterval is the period of the background refresh. Zero
	// disables it; nil means the default.
	RefreshInterval *time.Duration `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty"`

	// RefreshCron, if set, is a cron expression used instead of
	// RefreshInterval (e.g. "*/15 * * * *").
	RefreshCron string `yaml:"refresh,omitempty" json:"refresh,omitempty"`

	DrainInterval   time.Duration `yaml:"drain_interval" json:"drain_interval"`
	WindowMonths    int           `yaml:"window_months" json:"window_months"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level" json:"log_level"`

	Sync   SyncConfig     `yaml:"sync" json:"sync"`
	CalDAV []CalDAVConfig `yaml:"caldav" json:"caldav"`
	ICS    []ICSConfig    `yaml:"ics" json:"ics"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const defaultRefreshInterval = 15 * time.Minute

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	refresh := defaultRefreshInterval
	return &Config{
		Listen:          "127.0.0.1:8080",
		Timezone:        "Local",
		DataDir:         defaultDataDir(),
		Cache:           "sqlite",
		RefreshInterval: &refresh,
		DrainInterval:   time.Second,
		WindowMonths:    2,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		Sync: SyncConfig{
			InitialInterval:   10 * time.Second,
			MaxInterval:       300 * time.Second,
			BackoffMultiplier: 2,
			WarnAfter:         5,
			PushTimeout:       30 * time.Second,
		},
		CalDAV: []CalDAVConfig{},
		ICS:    []ICSConfig{},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "calsync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "calsync")
	}
	return "calsync-data"
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if strings.HasPrefix(c.DataDir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, c.DataDir[2:])
		}
	}
	if c.Cache == "" {
		c.Cache = d.Cache
	}
	if c.RefreshInterval == nil {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = d.DrainInterval
	}
	if c.WindowMonths <= 0 {
		c.WindowMonths = d.WindowMonths
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}

	if c.Sync.InitialInterval <= 0 {
		c.Sync.InitialInterval = d.Sync.InitialInterval
	}
	if c.Sync.MaxInterval <= 0 {
		c.Sync.MaxInterval = d.Sync.MaxInterval
	}
	if c.Sync.BackoffMultiplier < 1 {
		c.Sync.BackoffMultiplier = d.Sync.BackoffMultiplier
	}
	if c.Sync.WarnAfter <= 0 {
		c.Sync.WarnAfter = d.Sync.WarnAfter
	}
	if c.Sync.PushTimeout <= 0 {
		c.Sync.PushTimeout = d.Sync.PushTimeout
	}

	if c.CalDAV == nil {
		c.CalDAV = []CalDAVConfig{}
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	for i := range c.ICS {
		if c.ICS[i].Name == "" {
			c.ICS[i].Name = c.ICS[i].ID
		}
	}
}

// Refresh returns the periodic refresh interval; zero means disabled.
func (c *Config) Refresh() time.Duration {
	if c.RefreshInterval == nil {
		return defaultRefreshInterval
	}
	return *c.RefreshInterval
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Validate reports configuration errors that Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.RefreshCron != "" {
		if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
			errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
		}
	}
	if c.RefreshInterval != nil && *c.RefreshInterval < 0 {
		errs = append(errs, errors.New("refresh_interval must not be negative"))
	}

	names := make(map[string]bool)
	for i, acc := range c.CalDAV {
		switch {
		case acc.Name == "":
			errs = append(errs, fmt.Errorf("caldav[%d]: name is required", i))
		case names[acc.Name]:
			errs = append(errs, fmt.Errorf("caldav[%d]: duplicate name %q", i, acc.Name))
		}
		names[acc.Name] = true
		if acc.URL == "" {
			errs = append(errs, fmt.Errorf("caldav %q: url is required", acc.Name))
		}
	}
	ids := make(map[string]bool)
	for i, f := range c.ICS {
		switch {
		case f.ID == "":
			errs = append(errs, fmt.Errorf("ics[%d]: id is required", i))
		case ids[f.ID]:
			errs = append(errs, fmt.Errorf("ics[%d]: duplicate id %q", i, f.ID))
		}
		ids[f.ID] = true
		if f.URL == "" {
			errs = append(errs, fmt.Errorf("ics %q: url is required", f.ID))
		}
	}
	return errors.Join(errs...)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read, unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	cfg, err := read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
