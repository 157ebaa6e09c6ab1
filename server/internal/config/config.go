package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort         = 8000
	DefaultDataDir          = "data"
	DefaultLogLevel         = "info"
	DefaultStatusInterval   = 5 * time.Second
	DefaultOriginURL        = "https://qrank.wmcloud.org/download/qrank.csv.gz"
	DefaultFetchTimeout     = 30 * time.Minute
	DefaultRetryMax         = 3
	DefaultRetryWaitMin     = 1 * time.Second
	DefaultRetryWaitMax     = 30 * time.Second
	DefaultRefreshInterval  = 60 * time.Minute
	DefaultManualTimeout    = 10 * time.Second
	DefaultScheduledTimeout = 10 * time.Second
	DefaultFailureThreshold = 3
	DefaultAlertCooldown    = 1 * time.Hour
)

// Environment variables that override file settings. They keep deployments
// that only set environment variables working without a config file.
const (
	EnvDataDir             = "DATA_DIR"
	EnvRefreshDelayMinutes = "REFRESH_DELAY_MINUTES"
	EnvPort                = "PORT"
)

// Config is the full server configuration parsed from config.yaml.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Origin  OriginConfig  `yaml:"origin"`
	Refresh RefreshConfig `yaml:"refresh"`
	Alerts  AlertsConfig  `yaml:"alerts"`
}

// ServerConfig holds listener and process settings.
type ServerConfig struct {
	// HTTPPort is the port the query API listens on (default 8000).
	HTTPPort int `yaml:"http_port"`

	// GRPCPort is the port for the gRPC health service. 0 disables it.
	GRPCPort int `yaml:"grpc_port"`

	// DataDir holds the downloaded artifact and its metadata.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	// StatusInterval is how often the WebSocket hub pushes status to clients.
	StatusInterval time.Duration `yaml:"status_interval"`
}

// OriginConfig describes where and how the dataset is downloaded.
type OriginConfig struct {
	// URL of the gzip-compressed CSV dataset.
	URL string `yaml:"url"`

	// FetchTimeout bounds a whole download, retries included.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// RetryMax is the number of retries after the first attempt for dial
	// failures and 429/5xx replies. 0 disables retries.
	RetryMax int `yaml:"retry_max"`

	// RetryWaitMin and RetryWaitMax bound the exponential backoff between retries.
	RetryWaitMin time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max"`

	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this against test origins.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// RefreshConfig controls the refresh schedule and lock waits.
type RefreshConfig struct {
	// Interval between scheduled refreshes (default 60m). Hot-reloadable.
	Interval time.Duration `yaml:"interval"`

	// ManualTimeout is how long PUT /refresh waits for a running refresh.
	ManualTimeout time.Duration `yaml:"manual_timeout"`

	// ScheduledTimeout is how long a scheduled refresh waits for a running one.
	ScheduledTimeout time.Duration `yaml:"scheduled_timeout"`
}

// AlertsConfig controls refresh failure notifications.
type AlertsConfig struct {
	// FailureThreshold is the number of consecutive failed refreshes that
	// fires an alert (default 3).
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown suppresses re-fires while the failure streak continues.
	Cooldown time.Duration `yaml:"cooldown"`

	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the config file at path, applies environment
// overrides and validates the result. A missing file is not an error: the
// defaults plus environment overrides are used.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       DefaultHTTPPort,
			DataDir:        DefaultDataDir,
			LogLevel:       DefaultLogLevel,
			StatusInterval: DefaultStatusInterval,
		},
		Origin: OriginConfig{
			URL:          DefaultOriginURL,
			FetchTimeout: DefaultFetchTimeout,
			RetryMax:     DefaultRetryMax,
			RetryWaitMin: DefaultRetryWaitMin,
			RetryWaitMax: DefaultRetryWaitMax,
		},
		Refresh: RefreshConfig{
			Interval:         DefaultRefreshInterval,
			ManualTimeout:    DefaultManualTimeout,
			ScheduledTimeout: DefaultScheduledTimeout,
		},
		Alerts: AlertsConfig{
			FailureThreshold: DefaultFailureThreshold,
			Cooldown:         DefaultAlertCooldown,
		},
	}
}

// applyEnv overlays the environment variables on cfg.
func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv(EnvRefreshDelayMinutes); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q: not an integer", EnvRefreshDelayMinutes, v)
		}
		cfg.Refresh.Interval = time.Duration(n) * time.Minute
	}
	if v := os.Getenv(EnvPort); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q: not an integer", EnvPort, v)
		}
		cfg.Server.HTTPPort = n
	}
	return nil
}

// validate checks structural constraints on the parsed configuration and
// reports every violation at once.
func validate(cfg *Config) error {
	var errs error
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort))
	}
	if cfg.Server.GRPCPort < 0 || cfg.Server.GRPCPort > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("server.grpc_port %d is out of range [0, 65535]", cfg.Server.GRPCPort))
	}
	if cfg.Server.DataDir == "" {
		errs = multierror.Append(errs, fmt.Errorf("server.data_dir is required"))
	}
	switch cfg.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = multierror.Append(errs, fmt.Errorf("server.log_level %q unknown: want debug|info|warn|error", cfg.Server.LogLevel))
	}
	if cfg.Server.StatusInterval <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("server.status_interval must be positive"))
	}
	if cfg.Origin.URL == "" {
		errs = multierror.Append(errs, fmt.Errorf("origin.url is required"))
	}
	if cfg.Origin.FetchTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("origin.fetch_timeout must be positive"))
	}
	if cfg.Origin.RetryMax < 0 {
		errs = multierror.Append(errs, fmt.Errorf("origin.retry_max must not be negative"))
	}
	if cfg.Origin.RetryWaitMin < 0 || cfg.Origin.RetryWaitMax < cfg.Origin.RetryWaitMin {
		errs = multierror.Append(errs, fmt.Errorf("origin.retry_wait_min/max must satisfy 0 <= min <= max"))
	}
	if cfg.Refresh.Interval <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("refresh.interval must be positive"))
	}
	if cfg.Refresh.ManualTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("refresh.manual_timeout must be positive"))
	}
	if cfg.Refresh.ScheduledTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("refresh.scheduled_timeout must be positive"))
	}
	if cfg.Alerts.FailureThreshold <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("alerts.failure_threshold must be positive"))
	}
	if cfg.Alerts.Cooldown < 0 {
		errs = multierror.Append(errs, fmt.Errorf("alerts.cooldown must not be negative"))
	}
	for i, wh := range cfg.Alerts.Webhooks {
		switch wh.Type {
		case "teams", "slack", "http":
		default:
			errs = multierror.Append(errs, fmt.Errorf("alerts.webhooks[%d]: unknown type %q: want teams|slack|http", i, wh.Type))
		}
		if wh.URLEnv == "" {
			errs = multierror.Append(errs, fmt.Errorf("alerts.webhooks[%d]: url_env is required", i))
		}
	}
	return errs
}
