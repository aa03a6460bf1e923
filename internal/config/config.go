// Package config loads pwrec settings from YAML with PWREC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pwrec/internal/models"
	"pwrec/internal/reconnect"
)

// Config is the full application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Paths         PathsConfig         `yaml:"paths"`
	Logging       LoggingConfig       `yaml:"logging"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Auth          AuthConfig          `yaml:"auth"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`

	// path the config was loaded from; empty for pure defaults
	file string
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	TLSEnabled      bool          `yaml:"tlsEnabled"`
	TLSCertPath     string        `yaml:"tlsCert"`
	TLSKeyPath      string        `yaml:"tlsKey"`
	VerboseHTTP     bool          `yaml:"verboseHTTP"`
	RateLimit       float64       `yaml:"rateLimit"` // requests per second per client IP
	RateBurst       int           `yaml:"rateBurst"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
}

// PathsConfig locates the data directory.
type PathsConfig struct {
	Root string `yaml:"root"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RecorderConfig describes how the external recorder and replayer are launched.
type RecorderConfig struct {
	Command  string   `yaml:"command"`
	BaseArgs []string `yaml:"baseArgs"`
	Target   string   `yaml:"target"`
	Browser  string   `yaml:"browser"`
	// StopGrace is how long a stopped recorder gets to exit before it is killed.
	StopGrace time.Duration `yaml:"stopGrace"`
}

// MonitorConfig controls the server-side watchdog.
type MonitorConfig struct {
	Enabled          bool `yaml:"enabled"`
	reconnect.Config `yaml:",inline"`
}

// AlertsConfig seeds the thresholds used until the user edits them.
type AlertsConfig struct {
	Thresholds models.AlertThresholds `yaml:"thresholds"`
}

// AuthConfig enables JWT-protected API access.
type AuthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Username     string        `yaml:"username"`
	PasswordHash string        `yaml:"passwordHash"`
	JWTSecret    string        `yaml:"jwtSecret"`
	TokenExpiry  time.Duration `yaml:"tokenExpiry"`
}

// NotificationsConfig controls outbound alert delivery.
type NotificationsConfig struct {
	DiscordWebhook string  `yaml:"discordWebhook"`
	DiscordRate    float64 `yaml:"discordRate"` // messages per second
	MinSeverity    string  `yaml:"minSeverity"`
	// Colors maps alert severity to a #RRGGBB embed colour.
	Colors map[string]string `yaml:"colors"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TelemetryConfig controls the host and process sampler.
type TelemetryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Load initialises Config from a YAML file and environment overrides. An empty path
// falls back to PWREC_CONFIG; with neither set, defaults are used.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("PWREC_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg.file = path
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration with environment overrides applied.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(&cfg)
	return &cfg
}

// File returns the path the configuration was read from, if any.
func (c *Config) File() string {
	return c.file
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address is required")
	}
	if c.Server.TLSEnabled && (c.Server.TLSCertPath == "" || c.Server.TLSKeyPath == "") {
		return errors.New("server.tlsCert and server.tlsKey are required when TLS is enabled")
	}
	if c.Auth.Enabled {
		if c.Auth.Username == "" || c.Auth.PasswordHash == "" {
			return errors.New("auth.username and auth.passwordHash are required when auth is enabled")
		}
		if len(c.Auth.JWTSecret) < 16 {
			return errors.New("auth.jwtSecret must be at least 16 characters")
		}
	}
	th := c.Alerts.Thresholds
	if th.QualityScore < 0 || th.QualityScore > 100 {
		return fmt.Errorf("alerts.thresholds.qualityScore %d out of range 0-100", th.QualityScore)
	}
	if strings.TrimSpace(c.Recorder.Command) == "" {
		return errors.New("recorder.command is required")
	}
	return nil
}

// Save writes the configuration back to path as YAML.
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.file
	}
	if path == "" {
		return errors.New("no configuration file path")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         "127.0.0.1:5000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			GracefulTimeout: 10 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
		},
		Paths:   PathsConfig{Root: defaultRoot()},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Recorder: RecorderConfig{
			Command:   "npx",
			BaseArgs:  []string{"playwright"},
			Target:    "playwright-test",
			Browser:   "chromium",
			StopGrace: 5 * time.Second,
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Config:  reconnect.DefaultConfig(),
		},
		Alerts: AlertsConfig{Thresholds: models.DefaultAlertThresholds()},
		Auth: AuthConfig{
			Username:    "admin",
			TokenExpiry: 24 * time.Hour,
		},
		Notifications: NotificationsConfig{
			DiscordRate: 0.5,
			MinSeverity: string(models.SeverityWarning),
			Colors: map[string]string{
				string(models.SeverityInfo):     "#2563EB",
				string(models.SeverityWarning):  "#F59E0B",
				string(models.SeverityCritical): "#DC2626",
			},
		},
		Metrics:       MetricsConfig{Enabled: true},
		Telemetry:     TelemetryConfig{Enabled: true, Interval: 5 * time.Second},
	}
}

func defaultRoot() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".pwrec")
	}
	return filepath.Join(os.TempDir(), "pwrec")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PWREC_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("PWREC_ROOT"); v != "" {
		cfg.Paths.Root = v
	}
	if v := os.Getenv("PWREC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PWREC_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("PWREC_USE_TLS"); v != "" {
		cfg.Server.TLSEnabled = parseBool(v)
	}
	if v := os.Getenv("PWREC_TLS_CERT"); v != "" {
		cfg.Server.TLSCertPath = v
	}
	if v := os.Getenv("PWREC_TLS_KEY"); v != "" {
		cfg.Server.TLSKeyPath = v
	}
	if v := os.Getenv("PWREC_VERBOSE_HTTP"); v != "" {
		cfg.Server.VerboseHTTP = parseBool(v)
	}
	if v := os.Getenv("PWREC_RECORDER_COMMAND"); v != "" {
		cfg.Recorder.Command = v
	}
	if v := os.Getenv("PWREC_RECORDER_TARGET"); v != "" {
		cfg.Recorder.Target = v
	}
	if v := os.Getenv("PWREC_MONITOR_ENABLED"); v != "" {
		cfg.Monitor.Enabled = parseBool(v)
	}
	if v := os.Getenv("PWREC_MONITOR_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.PollInterval = d
		}
	}
	if v := os.Getenv("PWREC_MONITOR_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.MaxAttempts = n
		}
	}
	if v := os.Getenv("PWREC_AUTH_ENABLED"); v != "" {
		cfg.Auth.Enabled = parseBool(v)
	}
	if v := os.Getenv("PWREC_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("PWREC_DISCORD_WEBHOOK"); v != "" {
		cfg.Notifications.DiscordWebhook = v
	}
	if v := os.Getenv("PWREC_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}
