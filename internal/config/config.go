package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// GMOODLE_GOOGLE_CLIENT_SECRET or GMOODLE_STORAGE_DSN.
const EnvPrefix = "GMOODLE_"

const (
	DefaultListen        = "127.0.0.1:8080"
	DefaultTimezone      = "UTC"
	DefaultCalendarName  = "Moodle Assignments"
	DefaultSweepSchedule = "15 0 * * 0" // Sunday 00:15
	DefaultDBPath        = "/var/lib/gmoodle/gmoodle.db"
)

// GoogleConfig holds OAuth client settings and API endpoints. Endpoints are
// configurable so tests (and self-hosted proxies) can point elsewhere.
type GoogleConfig struct {
	ClientID     string   `yaml:"client_id" json:"client_id" env:"CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" json:"client_secret" env:"CLIENT_SECRET"`
	CallbackURL  string   `yaml:"callback_url" json:"callback_url" env:"CALLBACK_URL"`
	Scopes       []string `yaml:"scopes" json:"scopes" env:"SCOPES"`

	AuthURL          string `yaml:"auth_url" json:"auth_url" env:"AUTH_URL"`
	TokenURL         string `yaml:"token_url" json:"token_url" env:"TOKEN_URL"`
	TokenInfoURL     string `yaml:"token_info_url" json:"token_info_url" env:"TOKEN_INFO_URL"`
	UserInfoURL      string `yaml:"user_info_url" json:"user_info_url" env:"USER_INFO_URL"`
	CalendarEndpoint string `yaml:"calendar_endpoint,omitempty" json:"calendar_endpoint,omitempty" env:"CALENDAR_ENDPOINT"`

	// APIRetries is how often a 429/5xx calendar call is retried. Negative
	// disables retries.
	APIRetries int `yaml:"api_retries" json:"api_retries" env:"API_RETRIES"`
}

// SessionConfig controls the signed login cookie.
type SessionConfig struct {
	Secret string        `yaml:"secret" json:"-" env:"SECRET"`
	MaxAge time.Duration `yaml:"max_age" json:"max_age" env:"MAX_AGE"`
}

// CSRFConfig controls gorilla/csrf protection of the HTML form.
type CSRFConfig struct {
	Disabled bool `yaml:"disabled" json:"disabled" env:"DISABLED"`
	// Secure marks the CSRF cookie Secure; enable when served over HTTPS.
	Secure bool `yaml:"secure" json:"secure" env:"SECURE"`
}

// MetricsConfig controls the Prometheus endpoint at /metrics.
type MetricsConfig struct {
	Disabled bool `yaml:"disabled" json:"disabled" env:"DISABLED"`
}

// StorageConfig selects the account database.
//   - driver: "sqlite" (default) or "postgres"
//   - dsn:    file path for sqlite, connection URL for postgres
type StorageConfig struct {
	Driver string `yaml:"driver" json:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" json:"-" env:"DSN"`
}

// SweepConfig controls the scheduled auto-sync sweep.
type SweepConfig struct {
	Disabled bool `yaml:"disabled" json:"disabled" env:"DISABLED"`
	// Schedule is a standard 5-field cron expression.
	Schedule    string `yaml:"schedule" json:"schedule" env:"SCHEDULE"`
	Concurrency int    `yaml:"concurrency" json:"concurrency" env:"CONCURRENCY"`
}

// MoodleConfig controls the headless browser used to scrape Moodle.
type MoodleConfig struct {
	Timeout     time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	ShowBrowser bool          `yaml:"show_browser" json:"show_browser" env:"SHOW_BROWSER"`
	ChromePath  string        `yaml:"chrome_path,omitempty" json:"chrome_path,omitempty" env:"CHROME_PATH"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen" env:"LISTEN"`

	// PublicURL is the externally visible base URL, used for redirects.
	PublicURL string `yaml:"public_url" json:"public_url" env:"PUBLIC_URL"`

	// Timezone is the IANA zone Moodle due dates are interpreted in.
	Timezone string `yaml:"timezone" json:"timezone" env:"TIMEZONE"`

	// CalendarName is the Google calendar assignments are mirrored into.
	CalendarName string `yaml:"calendar_name" json:"calendar_name" env:"CALENDAR_NAME"`

	LogLevel string `yaml:"log_level" json:"log_level" env:"LOG_LEVEL"`

	// HTTPTimeout bounds every outbound call to Google.
	HTTPTimeout time.Duration `yaml:"http_timeout" json:"http_timeout" env:"HTTP_TIMEOUT"`

	// InsertConcurrency caps parallel event inserts within one sync.
	InsertConcurrency int `yaml:"insert_concurrency" json:"insert_concurrency" env:"INSERT_CONCURRENCY"`

	Google  GoogleConfig  `yaml:"google" json:"google" envPrefix:"GOOGLE_"`
	Session SessionConfig `yaml:"session" json:"session" envPrefix:"SESSION_"`
	CSRF    CSRFConfig    `yaml:"csrf" json:"csrf" envPrefix:"CSRF_"`
	Storage StorageConfig `yaml:"storage" json:"storage" envPrefix:"STORAGE_"`
	Sweep   SweepConfig   `yaml:"sweep" json:"sweep" envPrefix:"SWEEP_"`
	Moodle  MoodleConfig  `yaml:"moodle" json:"moodle" envPrefix:"MOODLE_"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics" envPrefix:"METRICS_"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://" + c.Listen
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.CalendarName == "" {
		c.CalendarName = DefaultCalendarName
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.InsertConcurrency <= 0 {
		c.InsertConcurrency = 4
	}

	g := &c.Google
	if len(g.Scopes) == 0 {
		g.Scopes = []string{
			"https://www.googleapis.com/auth/calendar",
			"openid",
			"profile",
			"email",
		}
	}
	if g.AuthURL == "" {
		g.AuthURL = "https://accounts.google.com/o/oauth2/auth"
	}
	if g.TokenURL == "" {
		g.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if g.TokenInfoURL == "" {
		g.TokenInfoURL = "https://www.googleapis.com/oauth2/v3/tokeninfo"
	}
	if g.UserInfoURL == "" {
		g.UserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
	}
	if g.APIRetries == 0 {
		g.APIRetries = 3
	}
	if g.CallbackURL == "" {
		g.CallbackURL = c.PublicURL + "/auth/google/callback"
	}

	if c.Session.MaxAge <= 0 {
		c.Session.MaxAge = 48 * time.Hour
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
		// ok
	case "", "sqlite3":
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = DefaultDBPath
	}

	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = DefaultSweepSchedule
	}
	if c.Sweep.Concurrency <= 0 {
		c.Sweep.Concurrency = 2
	}

	if c.Moodle.Timeout <= 0 {
		c.Moodle.Timeout = 60 * time.Second
	}
}

// Validate reports configuration that cannot work at all. It does not
// require Google credentials so that `migrate` runs without them.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.Driver != "sqlite" && c.Storage.Driver != "postgres" {
		errs = append(errs, fmt.Errorf("storage.driver %q: must be sqlite or postgres", c.Storage.Driver))
	}
	if c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is empty"))
	}
	if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("sweep.schedule %q: %w", c.Sweep.Schedule, err))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.Session.Secret == "" {
		errs = append(errs, errors.New("session.secret is empty"))
	}
	return errors.Join(errs...)
}

// Location returns the configured timezone, or UTC if it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path and applies GMOODLE_*
// environment overrides on top.
//
// Behavior:
//   - If the file does not exist:
//   - write a default config (with a freshly generated session secret) with 0600 perms
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	cfg, err := loadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			cfg.Session.Secret = newSecret()
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

	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("error getting env configs: %w", err)
	}
	return nil
}

func newSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
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

	tmp, err := os.CreateTemp(dir, ".gmoodle-config-*.tmp")
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
