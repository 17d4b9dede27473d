// Package config loads offsync settings with precedence:
// defaults, then YAML file, then OFFSYNC_* environment variables.
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

	"github.com/roach88/offsync/internal/outbox"
)

// Token policies for the background orchestrator.
const (
	// TokenAttach sends the persisted session token when one exists.
	TokenAttach = "attach"
	// TokenOmit never sends a token.
	TokenOmit = "omit"
	// TokenDefer skips background replay while no token is available,
	// leaving records to the foreground orchestrator.
	TokenDefer = "defer"
)

// APIConfig locates the remote API.
type APIConfig struct {
	BaseURL   string        `yaml:"baseURL"`
	HealthURL string        `yaml:"healthURL"`
	Timeout   time.Duration `yaml:"timeout"`
}

// StoreConfig selects the outbox backend.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// SessionConfig locates the persisted session.
type SessionConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig tunes the foreground orchestrator.
type SyncConfig struct {
	MaxRetries          int           `yaml:"maxRetries"`
	ProbeInterval       time.Duration `yaml:"probeInterval"`
	OfflineInitial      time.Duration `yaml:"offlineInitial"`
	ReplayRatePerSecond float64       `yaml:"replayRatePerSecond"`
}

// BackgroundConfig tunes the background scheduler and worker.
type BackgroundConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxInterval time.Duration `yaml:"maxInterval"`
	TokenPolicy string        `yaml:"tokenPolicy"`
}

// TelemetryConfig configures OTLP metrics export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the full offsync configuration.
type Config struct {
	API        APIConfig        `yaml:"api"`
	Store      StoreConfig      `yaml:"store"`
	Session    SessionConfig    `yaml:"session"`
	Sync       SyncConfig       `yaml:"sync"`
	Background BackgroundConfig `yaml:"background"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the built-in configuration. Files live under dataDir.
func Default(dataDir string) Config {
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:3000/api",
			Timeout: 15 * time.Second,
		},
		Store:   StoreConfig{DSN: "sqlite://" + filepath.Join(dataDir, "outbox.db")},
		Session: SessionConfig{Path: filepath.Join(dataDir, "session.json")},
		Sync: SyncConfig{
			MaxRetries:          outbox.MaxRetries,
			ProbeInterval:       10 * time.Second,
			OfflineInitial:      time.Second,
			ReplayRatePerSecond: 0,
		},
		Background: BackgroundConfig{
			Interval:    30 * time.Second,
			MaxInterval: 15 * time.Minute,
			TokenPolicy: TokenAttach,
		},
		Telemetry: TelemetryConfig{ServiceName: "offsync"},
		Log:       LogConfig{Level: "info"},
	}
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	if dir := os.Getenv("OFFSYNC_HOME"); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "offsync")
	}
	return ".offsync"
}

// Load builds the configuration. An empty path or a missing file means
// defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default(DefaultDataDir())

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("OFFSYNC_API_BASE_URL", &c.API.BaseURL)
	str("OFFSYNC_API_HEALTH_URL", &c.API.HealthURL)
	str("OFFSYNC_STORE_DSN", &c.Store.DSN)
	str("OFFSYNC_SESSION_PATH", &c.Session.Path)
	str("OFFSYNC_BACKGROUND_TOKEN_POLICY", &c.Background.TokenPolicy)
	str("OFFSYNC_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("OFFSYNC_LOG_LEVEL", &c.Log.Level)

	var errs []error
	errs = append(errs,
		dur("OFFSYNC_API_TIMEOUT", &c.API.Timeout),
		dur("OFFSYNC_SYNC_PROBE_INTERVAL", &c.Sync.ProbeInterval),
		dur("OFFSYNC_SYNC_OFFLINE_INITIAL", &c.Sync.OfflineInitial),
		dur("OFFSYNC_BACKGROUND_INTERVAL", &c.Background.Interval),
		dur("OFFSYNC_BACKGROUND_MAX_INTERVAL", &c.Background.MaxInterval),
	)
	if v, ok := lookup("OFFSYNC_SYNC_REPLAY_RATE"); ok && strings.TrimSpace(v) != "" {
		rate, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("OFFSYNC_SYNC_REPLAY_RATE: %w", err))
		} else {
			c.Sync.ReplayRatePerSecond = rate
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.API.BaseURL) == "" {
		errs = append(errs, errors.New("api.baseURL is required"))
	} else if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("api.baseURL %q must be an http(s) URL", c.API.BaseURL))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be positive"))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if strings.TrimSpace(c.Session.Path) == "" {
		errs = append(errs, errors.New("session.path is required"))
	}
	if c.Sync.MaxRetries != outbox.MaxRetries {
		errs = append(errs, fmt.Errorf("sync.maxRetries is fixed at %d", outbox.MaxRetries))
	}
	if c.Sync.ProbeInterval <= 0 {
		errs = append(errs, errors.New("sync.probeInterval must be positive"))
	}
	if c.Sync.OfflineInitial <= 0 {
		errs = append(errs, errors.New("sync.offlineInitial must be positive"))
	} else if c.Sync.OfflineInitial > c.Sync.ProbeInterval {
		errs = append(errs, errors.New("sync.offlineInitial must be <= sync.probeInterval"))
	}
	if c.Sync.ReplayRatePerSecond < 0 {
		errs = append(errs, errors.New("sync.replayRatePerSecond must not be negative"))
	}
	if c.Background.Interval <= 0 {
		errs = append(errs, errors.New("background.interval must be positive"))
	}
	if c.Background.MaxInterval < c.Background.Interval {
		errs = append(errs, errors.New("background.maxInterval must be >= background.interval"))
	}
	switch c.Background.TokenPolicy {
	case TokenAttach, TokenOmit, TokenDefer:
	default:
		errs = append(errs, fmt.Errorf("background.tokenPolicy %q must be one of attach, omit, defer", c.Background.TokenPolicy))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
