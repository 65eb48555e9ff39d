package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/carelink/pkg/httpx"
	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the optional YAML config file. Environment variables
// override values from the file.
const ConfigFileEnv = "CARELINK_CONFIG"

type Config struct {
	APIURL        string // REST base URL (default: http://localhost:8080)
	SocketURL     string // Realtime endpoint (default: derived from APIURL, path /chat)
	DatabaseFile  string // SQLite file holding the sealed credentials (default: ./carelink.db)
	MasterKeyPath string // Optional: file with the credential sealing key
	Language      string // Optional: language preference seeded into the store

	Env       string // Environment (dev, staging, prod) (default: dev)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string // Log format (json, text) (default: text)

	HTTPTimeout      time.Duration // Per REST call (default: 15s)
	RefreshTimeout   time.Duration // Token refresh call (default: 15s)
	HandshakeTimeout time.Duration // Realtime dial + authenticate (default: 10s)
	SendTimeout      time.Duration // Realtime ack wait (default: 10s)
	PingInterval     time.Duration // Realtime keepalive (default: 25s)
	TokenExpirySkew  time.Duration // Refresh this long before exp (default: 30s)

	HistoryPageSize int // Messages per history page (default: 50)

	RateLimit httpx.RateLimitConfig
}

// fileConfig is the YAML shape. Durations are strings like "15s".
type fileConfig struct {
	APIURL        string `yaml:"api_url"`
	SocketURL     string `yaml:"socket_url"`
	DatabaseFile  string `yaml:"database_file"`
	MasterKeyPath string `yaml:"master_key_path"`
	Language      string `yaml:"language"`
	Env           string `yaml:"env"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Timeouts struct {
		HTTP            string `yaml:"http"`
		Refresh         string `yaml:"refresh"`
		SocketHandshake string `yaml:"socket_handshake"`
		SocketSend      string `yaml:"socket_send"`
		SocketPing      string `yaml:"socket_ping"`
		TokenExpirySkew string `yaml:"token_expiry_skew"`
	} `yaml:"timeouts"`

	HistoryPageSize int `yaml:"history_page_size"`

	RateLimit struct {
		Requests int    `yaml:"requests"`
		Window   string `yaml:"window"`
		Burst    int    `yaml:"burst"`
	} `yaml:"rate_limit"`
}

func defaultConfig() Config {
	return Config{
		APIURL:           "http://localhost:8080",
		DatabaseFile:     "carelink.db",
		Env:              "dev",
		LogLevel:         "info",
		LogFormat:        "text",
		HTTPTimeout:      15 * time.Second,
		RefreshTimeout:   15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		SendTimeout:      10 * time.Second,
		PingInterval:     25 * time.Second,
		TokenExpirySkew:  30 * time.Second,
		HistoryPageSize:  50,
		RateLimit:        httpx.DefaultLimit,
	}
}

// LoadConfig layers defaults, the optional config file and environment
// variables, then validates the result.
func LoadConfig() (Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.APIURL = getEnvOrDefault("CARELINK_API_URL", cfg.APIURL)
	cfg.SocketURL = getEnvOrDefault("CARELINK_SOCKET_URL", cfg.SocketURL)
	cfg.DatabaseFile = getEnvOrDefault("CARELINK_DATABASE_FILE", cfg.DatabaseFile)
	cfg.MasterKeyPath = getEnvOrDefault("CARELINK_MASTER_KEY_PATH", cfg.MasterKeyPath)
	cfg.Language = getEnvOrDefault("CARELINK_LANGUAGE", cfg.Language)
	cfg.Env = getEnvOrDefault("ENV", cfg.Env)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.HTTPTimeout = getEnvDurationOrDefault("HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.RefreshTimeout = getEnvDurationOrDefault("REFRESH_TIMEOUT", cfg.RefreshTimeout)
	cfg.HandshakeTimeout = getEnvDurationOrDefault("SOCKET_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	cfg.SendTimeout = getEnvDurationOrDefault("SOCKET_SEND_TIMEOUT", cfg.SendTimeout)
	cfg.PingInterval = getEnvDurationOrDefault("SOCKET_PING_INTERVAL", cfg.PingInterval)
	cfg.TokenExpirySkew = getEnvDurationOrDefault("TOKEN_EXPIRY_SKEW", cfg.TokenExpirySkew)
	cfg.HistoryPageSize = getEnvIntOrDefault("HISTORY_PAGE_SIZE", cfg.HistoryPageSize)
	cfg.RateLimit = httpx.ParseRateLimitFromEnv("RATELIMIT_", cfg.RateLimit)

	if cfg.SocketURL == "" {
		cfg.SocketURL = deriveSocketURL(cfg.APIURL)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expanded), &fc); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return fc.apply(cfg)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// apply copies every value set in the file onto cfg.
func (fc fileConfig) apply(cfg *Config) error {
	setString(&cfg.APIURL, fc.APIURL)
	setString(&cfg.SocketURL, fc.SocketURL)
	setString(&cfg.DatabaseFile, fc.DatabaseFile)
	setString(&cfg.MasterKeyPath, fc.MasterKeyPath)
	setString(&cfg.Language, fc.Language)
	setString(&cfg.Env, fc.Env)
	setString(&cfg.LogLevel, fc.Logging.Level)
	setString(&cfg.LogFormat, fc.Logging.Format)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeouts.http", fc.Timeouts.HTTP, &cfg.HTTPTimeout},
		{"timeouts.refresh", fc.Timeouts.Refresh, &cfg.RefreshTimeout},
		{"timeouts.socket_handshake", fc.Timeouts.SocketHandshake, &cfg.HandshakeTimeout},
		{"timeouts.socket_send", fc.Timeouts.SocketSend, &cfg.SendTimeout},
		{"timeouts.socket_ping", fc.Timeouts.SocketPing, &cfg.PingInterval},
		{"timeouts.token_expiry_skew", fc.Timeouts.TokenExpirySkew, &cfg.TokenExpirySkew},
		{"rate_limit.window", fc.RateLimit.Window, &cfg.RateLimit.Window},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if fc.HistoryPageSize != 0 {
		cfg.HistoryPageSize = fc.HistoryPageSize
	}
	if fc.RateLimit.Requests != 0 {
		cfg.RateLimit.RequestsPerWindow = fc.RateLimit.Requests
	}
	if fc.RateLimit.Burst != 0 {
		cfg.RateLimit.Burst = fc.RateLimit.Burst
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// deriveSocketURL maps http(s)://host/base to ws(s)://host/base/chat.
func deriveSocketURL(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/chat"
	return u.String()
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if err := validateURL("api url", c.APIURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("socket url", c.SocketURL, "ws", "wss"); err != nil {
		return err
	}
	if c.DatabaseFile == "" {
		return errors.New("database file is required")
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", c.LogFormat)
	}

	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"http timeout", c.HTTPTimeout},
		{"refresh timeout", c.RefreshTimeout},
		{"socket handshake timeout", c.HandshakeTimeout},
		{"socket send timeout", c.SendTimeout},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			return fmt.Errorf("%s must be positive", t.name)
		}
	}
	if c.TokenExpirySkew < 0 {
		return errors.New("token expiry skew must not be negative")
	}
	if c.HistoryPageSize < 1 || c.HistoryPageSize > 500 {
		return fmt.Errorf("history page size must be 1-500, got %d", c.HistoryPageSize)
	}
	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s %q is not an absolute URL", name, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s scheme must be one of %v, got %q", name, schemes, u.Scheme)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Plain integers are seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
