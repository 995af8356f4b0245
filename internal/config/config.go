package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

const (
	DefaultSyncInterval = 3600
	minSyncInterval     = 60
)

// SourceConfig describes the remote listing.
type SourceConfig struct {
	// BaseURL is scheme and host, e.g. "http://www.operetta.kharkiv.ua".
	BaseURL string `yaml:"base_url" json:"base_url" validate:"required,url"`
	// PagePath is the listing path; the page offset is appended as a query parameter.
	PagePath string `yaml:"page_path" json:"page_path" validate:"required,startswith=/"`
	// PageParam is the query parameter carrying the integer start offset.
	PageParam string `yaml:"page_param" json:"page_param" validate:"required"`
	// TimeoutSeconds bounds one request so a hung connection cannot stall a run.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds" validate:"gte=1"`
	// MonthNames maps the listing's lower-case month names to 1..12.
	MonthNames map[string]int `yaml:"month_names" json:"month_names" validate:"len=12,dive,keys,required,endkeys,min=1,max=12"`
}

// StorageConfig selects the month store backend.
type StorageConfig struct {
	Driver string `yaml:"driver" json:"driver" validate:"oneof=sqlite badger"`
	Path   string `yaml:"path" json:"path" validate:"required"`
	// PersistFingerprints keeps sync fingerprints alongside the stored events.
	PersistFingerprints bool `yaml:"persist_fingerprints" json:"persist_fingerprints"`
}

// SyncConfig controls what happens after a run.
type SyncConfig struct {
	// SaveAfterMerge writes merged months immediately instead of leaving
	// them dirty until an explicit save.
	SaveAfterMerge bool `yaml:"save_after_merge" json:"save_after_merge"`
}

// LogConfig mirrors internal/log.Config.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=console json"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" validate:"required,hostname_port"`

	// Timezone is the IANA zone in which listing times are interpreted.
	Timezone string `yaml:"timezone" json:"timezone" validate:"required"`

	// SyncInterval is the number of seconds between scheduled runs.
	SyncInterval int `yaml:"sync_interval" json:"sync_interval" validate:"gte=60"`

	Source  SourceConfig  `yaml:"source" json:"source"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Sync    SyncConfig    `yaml:"sync" json:"sync"`
	Log     LogConfig     `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultMonthNames is the genitive Russian month table used by the
// venue's listing.
func DefaultMonthNames() map[string]int {
	return map[string]int{
		"января":   1,
		"февраля":  2,
		"марта":    3,
		"апреля":   4,
		"мая":      5,
		"июня":     6,
		"июля":     7,
		"августа":  8,
		"сентября": 9,
		"октября":  10,
		"ноября":   11,
		"декабря":  12,
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:8080",
		Timezone:     "Europe/Kyiv",
		SyncInterval: DefaultSyncInterval,
		Source: SourceConfig{
			BaseURL:        "http://www.operetta.kharkiv.ua",
			PagePath:       "/rus/",
			PageParam:      "start",
			TimeoutSeconds: 30,
			MonthNames:     DefaultMonthNames(),
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   defaultStoragePath(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./var/theatre.db"
	}
	return filepath.Join(home, ".theatre", "theatre.db")
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.SyncInterval < minSyncInterval {
		c.SyncInterval = minSyncInterval
	}
	if c.Source.BaseURL == "" {
		c.Source.BaseURL = def.Source.BaseURL
	}
	if c.Source.PagePath == "" {
		c.Source.PagePath = def.Source.PagePath
	}
	if c.Source.PageParam == "" {
		c.Source.PageParam = def.Source.PageParam
	}
	if c.Source.TimeoutSeconds <= 0 {
		c.Source.TimeoutSeconds = def.Source.TimeoutSeconds
	}
	if len(c.Source.MonthNames) == 0 {
		c.Source.MonthNames = def.Source.MonthNames
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// SyncEvery returns the sync interval as a duration.
func (c *Config) SyncEvery() time.Duration {
	return time.Duration(c.SyncInterval) * time.Second
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	seen := make(map[int]string, len(c.Source.MonthNames))
	for name, n := range c.Source.MonthNames {
		if prev, ok := seen[n]; ok {
			return fmt.Errorf("config: month %d named twice (%q, %q)", n, prev, name)
		}
		seen[n] = name
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
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

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
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

	tmp, err := os.CreateTemp(dir, ".theatrecal-config-*.tmp")
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
