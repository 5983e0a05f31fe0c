// Package config loads relayadmin settings from YAML with RELAYADMIN_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "RELAYADMIN_"

type Config struct {
	API        APIConfig        `yaml:"api"`
	Credential CredentialConfig `yaml:"credential"`
	Connection ConnectionConfig `yaml:"connection"`
	Baseline   BaselineConfig   `yaml:"baseline"`
	Confirm    ConfirmConfig    `yaml:"confirm"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	DevServer  DevServerConfig  `yaml:"devserver"`
}

type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	// EventsURL defaults to the websocket form of BaseURL plus /api/v1/events.
	EventsURL         string        `yaml:"events_url"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

type CredentialConfig struct {
	Token string `yaml:"token"`
	// File is watched for changes; its trimmed contents are the credential.
	File string `yaml:"file"`
}

type ConnectionConfig struct {
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	Jitter           float64       `yaml:"jitter"`
	MaxAttempts      int           `yaml:"max_attempts"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReadLimit        int64         `yaml:"read_limit"`
}

type BaselineConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

type ConfirmConfig struct {
	// Mode is "queue" or "reject".
	Mode string `yaml:"mode"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type DevServerConfig struct {
	Addr               string  `yaml:"addr"`
	JWTSecret          string  `yaml:"jwt_secret"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:    "http://127.0.0.1:8080",
			Timeout:    15 * time.Second,
			MaxRetries: 3,
		},
		Connection: ConnectionConfig{
			BaseDelay:        500 * time.Millisecond,
			MaxDelay:         30 * time.Second,
			Jitter:           0.2,
			MaxAttempts:      10,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
			ReadLimit:        1 << 20,
		},
		Baseline: BaselineConfig{
			MaxAttempts: 5,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Jitter:      0.2,
		},
		Confirm: ConfirmConfig{Mode: "queue"},
		Log:     LogConfig{Level: "info", Format: "text"},
		DevServer: DevServerConfig{
			Addr:      ":8080",
			JWTSecret: "dev-secret",
		},
	}
}

// Load reads path over the defaults and then applies the environment. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from RELAYADMIN_* variables. Unparseable values
// are logged and ignored.
func (c *Config) ApplyEnv() {
	c.API.BaseURL = envOrDefault("BASE_URL", c.API.BaseURL)
	c.API.EventsURL = envOrDefault("EVENTS_URL", c.API.EventsURL)
	c.API.Timeout = durationEnv("API_TIMEOUT", c.API.Timeout)
	c.API.MaxRetries = intEnv("API_MAX_RETRIES", c.API.MaxRetries)
	c.API.RequestsPerSecond = floatEnv("API_REQUESTS_PER_SECOND", c.API.RequestsPerSecond)
	c.API.Burst = intEnv("API_BURST", c.API.Burst)

	c.Credential.Token = envOrDefault("TOKEN", c.Credential.Token)
	c.Credential.File = envOrDefault("TOKEN_FILE", c.Credential.File)

	c.Connection.BaseDelay = durationEnv("RECONNECT_BASE_DELAY", c.Connection.BaseDelay)
	c.Connection.MaxDelay = durationEnv("RECONNECT_MAX_DELAY", c.Connection.MaxDelay)
	c.Connection.Jitter = floatEnv("RECONNECT_JITTER", c.Connection.Jitter)
	c.Connection.MaxAttempts = intEnv("RECONNECT_MAX_ATTEMPTS", c.Connection.MaxAttempts)
	c.Connection.HandshakeTimeout = durationEnv("HANDSHAKE_TIMEOUT", c.Connection.HandshakeTimeout)
	c.Connection.PingInterval = durationEnv("PING_INTERVAL", c.Connection.PingInterval)

	c.Baseline.MaxAttempts = intEnv("BASELINE_MAX_ATTEMPTS", c.Baseline.MaxAttempts)
	c.Baseline.BaseDelay = durationEnv("BASELINE_BASE_DELAY", c.Baseline.BaseDelay)
	c.Baseline.MaxDelay = durationEnv("BASELINE_MAX_DELAY", c.Baseline.MaxDelay)

	c.Confirm.Mode = envOrDefault("CONFIRM_MODE", c.Confirm.Mode)
	c.Log.Level = envOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault("LOG_FORMAT", c.Log.Format)
	c.Metrics.Addr = envOrDefault("METRICS_ADDR", c.Metrics.Addr)

	c.DevServer.Addr = envOrDefault("DEVSERVER_ADDR", c.DevServer.Addr)
	c.DevServer.JWTSecret = envOrDefault("JWT_SECRET", c.DevServer.JWTSecret)
	c.DevServer.RateLimitPerSecond = floatEnv("DEVSERVER_RATE_LIMIT", c.DevServer.RateLimitPerSecond)
	c.DevServer.RateLimitBurst = intEnv("DEVSERVER_RATE_BURST", c.DevServer.RateLimitBurst)
}

func (c Config) Validate() error {
	var errs []error
	base, err := url.Parse(c.API.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.API.BaseURL))
	}
	if c.API.EventsURL != "" {
		events, err := url.Parse(c.API.EventsURL)
		if err != nil || (events.Scheme != "ws" && events.Scheme != "wss" && events.Scheme != "http" && events.Scheme != "https") {
			errs = append(errs, fmt.Errorf("api.events_url must be a ws(s) or http(s) URL, got %q", c.API.EventsURL))
		}
	}
	if c.API.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("api.requests_per_second must not be negative"))
	}
	if c.Connection.BaseDelay < 0 || c.Connection.MaxDelay < 0 {
		errs = append(errs, errors.New("connection delays must not be negative"))
	}
	if c.Connection.MaxDelay > 0 && c.Connection.BaseDelay > c.Connection.MaxDelay {
		errs = append(errs, errors.New("connection.base_delay exceeds connection.max_delay"))
	}
	if c.Connection.Jitter < 0 || c.Connection.Jitter > 1 {
		errs = append(errs, errors.New("connection.jitter must be within [0,1]"))
	}
	if c.Connection.MaxAttempts < 0 {
		errs = append(errs, errors.New("connection.max_attempts must not be negative"))
	}
	if c.Baseline.MaxAttempts < 0 {
		errs = append(errs, errors.New("baseline.max_attempts must not be negative"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Confirm.Mode)) {
	case "", "queue", "fifo", "reject", "fail-fast":
	default:
		errs = append(errs, fmt.Errorf("confirm.mode must be queue or reject, got %q", c.Confirm.Mode))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ResolvedEventsURL returns EventsURL, or derives it from BaseURL.
func (c Config) ResolvedEventsURL() (string, error) {
	raw := c.API.EventsURL
	if raw == "" {
		raw = strings.TrimRight(c.API.BaseURL, "/") + "/api/v1/events"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("events url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// ReadCredential returns the configured token, preferring the file.
func (c Config) ReadCredential() (string, error) {
	if c.Credential.File != "" {
		data, err := os.ReadFile(c.Credential.File)
		if err != nil {
			return "", fmt.Errorf("read credential file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(c.Credential.Token), nil
}

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(envPrefix + name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
