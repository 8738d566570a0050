package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"ShadiChat/internal/locale"
)

const (
	DefaultAPIURL    = "http://localhost:8080/api/v1"
	DefaultSocketURL = "ws://localhost:8080/ws"
	DefaultDBPath    = "data/shadichat.db"
	DefaultLogDir    = "logs"
)

// Config holds application configuration
type Config struct {
	APIURL    string `toml:"api_url"`
	SocketURL string `toml:"socket_url"`
	DBPath    string `toml:"db_path"`
	LogDir    string `toml:"log_dir"`
	Locale    string `toml:"locale"`
	Debug     bool   `toml:"debug"`

	// Durations use time.ParseDuration syntax ("30s", "2m")
	HTTPTimeout      string `toml:"http_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	ReconcileWindow  string `toml:"reconcile_window"`

	SendRate  float64 `toml:"send_rate"`  // outgoing messages per second
	SendBurst int     `toml:"send_burst"` // messages allowed in a burst
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		APIURL:           DefaultAPIURL,
		SocketURL:        DefaultSocketURL,
		DBPath:           DefaultDBPath,
		LogDir:           DefaultLogDir,
		Locale:           locale.Default,
		HTTPTimeout:      "30s",
		HandshakeTimeout: "10s",
		ReconcileWindow:  "30s",
		SendRate:         5,
		SendBurst:        10,
	}
}

// Load builds the configuration: defaults, then the TOML file at path (if
// set), then the environment. envFile is loaded into the environment first
// without overriding variables already set; a missing file is ignored.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"API_URL":                     &c.APIURL,
		"SOCKET_URL":                  &c.SocketURL,
		"SHADICHAT_DB":                &c.DBPath,
		"SHADICHAT_LOG_DIR":           &c.LogDir,
		"SHADICHAT_LOCALE":            &c.Locale,
		"SHADICHAT_HTTP_TIMEOUT":      &c.HTTPTimeout,
		"SHADICHAT_HANDSHAKE_TIMEOUT": &c.HandshakeTimeout,
		"SHADICHAT_RECONCILE_WINDOW":  &c.ReconcileWindow,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DEBUG value %q: %w", v, err)
		}
		c.Debug = b
	}
	if v := os.Getenv("SHADICHAT_SEND_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid SHADICHAT_SEND_RATE value %q: %w", v, err)
		}
		c.SendRate = f
	}
	if v := os.Getenv("SHADICHAT_SEND_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SHADICHAT_SEND_BURST value %q: %w", v, err)
		}
		c.SendBurst = n
	}
	return nil
}

// Validate reports the first invalid setting
func (c Config) Validate() error {
	if err := checkURL(c.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("api_url: %w", err)
	}
	if err := checkURL(c.SocketURL, "ws", "wss"); err != nil {
		return fmt.Errorf("socket_url: %w", err)
	}
	if !locale.Supported(c.Locale) {
		return fmt.Errorf("locale %q is not one of %v", c.Locale, locale.All())
	}
	for name, v := range map[string]string{
		"http_timeout":      c.HTTPTimeout,
		"handshake_timeout": c.HandshakeTimeout,
		"reconcile_window":  c.ReconcileWindow,
	} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
	}
	if c.SendRate <= 0 || c.SendBurst <= 0 {
		return fmt.Errorf("send_rate and send_burst must be positive")
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
	return fmt.Errorf("%q must be an absolute %v URL", raw, schemes)
}

// HTTPTimeoutDuration returns the REST request timeout
func (c Config) HTTPTimeoutDuration() time.Duration {
	return parseOr(c.HTTPTimeout, 30*time.Second)
}

// HandshakeTimeoutDuration returns how long to wait for the socket's ready event
func (c Config) HandshakeTimeoutDuration() time.Duration {
	return parseOr(c.HandshakeTimeout, 10*time.Second)
}

// ReconcileWindowDuration returns the content-matching window for optimistic messages
func (c Config) ReconcileWindowDuration() time.Duration {
	return parseOr(c.ReconcileWindow, 30*time.Second)
}

func parseOr(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
