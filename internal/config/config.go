// Package config loads client and dev server settings from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SendFailurePolicy decides what happens to an optimistically shown user
// message whose send failed.
type SendFailurePolicy string

const (
	// SendFailureKeep leaves the message visible as is.
	SendFailureKeep SendFailurePolicy = "keep"
	// SendFailureMarkFailed leaves the message visible and flags it as failed.
	SendFailureMarkFailed SendFailurePolicy = "mark_failed"
)

// Duration accepts Go duration strings ("3s") or bare integers in milliseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// Log configures the structured logger.
type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Server configures the dev backend.
type Server struct {
	Addr      string  `yaml:"addr"`
	DBPath    string  `yaml:"db_path"`
	Workspace string  `yaml:"workspace"`
	TokenRate float64 `yaml:"token_rate"`
}

// Config is the complete settings tree.
type Config struct {
	APIBaseURL           string            `yaml:"api_base_url"`
	WebSocketURL         string            `yaml:"websocket_url"`
	ReconnectInterval    Duration          `yaml:"reconnect_interval"`
	MaxReconnectAttempts int               `yaml:"max_reconnect_attempts"`
	StrictReconnectLimit bool              `yaml:"strict_reconnect_limit"`
	HistoryLimit         int               `yaml:"history_limit"`
	HealthPollInterval   Duration          `yaml:"health_poll_interval"`
	SendFailurePolicy    SendFailurePolicy `yaml:"send_failure_policy"`
	Log                  Log               `yaml:"log"`
	Server               Server            `yaml:"server"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		APIBaseURL:           "http://localhost:8000",
		WebSocketURL:         "ws://localhost:8000/ws",
		ReconnectInterval:    Duration(3 * time.Second),
		MaxReconnectAttempts: 5,
		HistoryLimit:         100,
		HealthPollInterval:   Duration(5 * time.Second),
		SendFailurePolicy:    SendFailureKeep,
		Log:                  Log{Level: "info"},
		Server: Server{
			Addr:      ":8000",
			DBPath:    "moon.db",
			Workspace: "./workspace",
			TokenRate: 20,
		},
	}
}

// Load reads path (if it exists) over the defaults, then applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("error decoding config file: %w", err)
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
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("MOON_API_BASE_URL", &c.APIBaseURL)
	str("MOON_WEBSOCKET_URL", &c.WebSocketURL)
	str("MOON_LOG_LEVEL", &c.Log.Level)
	str("MOON_SERVER_ADDR", &c.Server.Addr)
	str("MOON_SERVER_DB", &c.Server.DBPath)
	str("MOON_WORKSPACE", &c.Server.Workspace)

	if v, ok := lookup("MOON_SEND_FAILURE_POLICY"); ok && v != "" {
		c.SendFailurePolicy = SendFailurePolicy(v)
	}

	durations := map[string]*Duration{
		"MOON_RECONNECT_INTERVAL":   &c.ReconnectInterval,
		"MOON_HEALTH_POLL_INTERVAL": &c.HealthPollInterval,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}

	ints := map[string]*int{
		"MOON_MAX_RECONNECT_ATTEMPTS": &c.MaxReconnectAttempts,
		"MOON_HISTORY_LIMIT":          &c.HistoryLimit,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: invalid integer %q", key, v)
			}
			*dst = n
		}
	}

	if v, ok := lookup("MOON_STRICT_RECONNECT_LIMIT"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MOON_STRICT_RECONNECT_LIMIT: invalid boolean %q", v)
		}
		c.StrictReconnectLimit = b
	}

	if v, ok := lookup("MOON_TOKEN_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MOON_TOKEN_RATE: invalid number %q", v)
		}
		c.Server.TokenRate = f
	}
	return nil
}

// Validate checks the settings for values the client cannot run with.
func (c Config) Validate() error {
	if err := checkURL(c.APIBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("api_base_url: %w", err)
	}
	if err := checkURL(c.WebSocketURL, "ws", "wss"); err != nil {
		return fmt.Errorf("websocket_url: %w", err)
	}
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("reconnect_interval must be positive")
	}
	if c.HealthPollInterval <= 0 {
		return fmt.Errorf("health_poll_interval must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative")
	}
	if c.HistoryLimit < 1 || c.HistoryLimit > 1000 {
		return fmt.Errorf("history_limit must be between 1 and 1000")
	}
	switch c.SendFailurePolicy {
	case SendFailureKeep, SendFailureMarkFailed:
	default:
		return fmt.Errorf("unknown send_failure_policy: %s", c.SendFailurePolicy)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must use scheme %s", raw, strings.Join(schemes, " or "))
}
