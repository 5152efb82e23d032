// Package config handles loading and validating relay configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment variable overrides.
const envPrefix = "STREAMRELAY_"

// Defaults. The upstream base address is fixed in production; it is only a
// config key so that tests and local mocks can point the relay elsewhere.
const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8002
	DefaultReadTimeout        = 30 * time.Second
	DefaultBaseURL            = "https://api.openai.com"
	DefaultCertFile           = "/etc/ssl/certs/ca-certificates.crt"
	DefaultRequestTimeout     = 300 * time.Second
	DefaultConnectTimeout     = 30 * time.Second
	DefaultPassThroughTimeout = 60 * time.Second
	DefaultRetries            = 3
	DefaultRetryDelay         = 10 * time.Second
	DefaultChunkSize          = 20
)

// Config is the top-level configuration for the relay. It is built once at
// process start and handed to each component explicitly.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Relay    RelayConfig    `koanf:"relay"`
	Log      LogConfig      `koanf:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"` // 0 disables; relayed calls can run for minutes
}

// UpstreamConfig describes the one remote chat-completion API.
type UpstreamConfig struct {
	APIKey             string        `koanf:"api_key"`
	BaseURL            string        `koanf:"base_url"`
	CertFile           string        `koanf:"cert_file"`
	RequestTimeout     time.Duration `koanf:"request_timeout"`     // ceiling for one streaming attempt
	ConnectTimeout     time.Duration `koanf:"connect_timeout"`     // TCP + TLS establishment
	PassThroughTimeout time.Duration `koanf:"passthrough_timeout"` // single-shot forwarded calls
}

// RelayConfig holds the retry and re-emission knobs.
type RelayConfig struct {
	Retries    int           `koanf:"retries"`
	RetryDelay time.Duration `koanf:"retry_delay"`
	ChunkSize  int           `koanf:"chunk_size"`
}

// LogConfig selects the log level and output format ("json" or "text").
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads configuration from an optional YAML file, layers environment
// variable overrides on top, fills in defaults and validates the result.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	// The relay runs fine on environment variables alone, so a missing
	// file is skipped rather than treated as an error.
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// Layer environment variables on top. Only the first underscore after
	// the prefix separates section from key, so snake_case keys survive:
	//   STREAMRELAY_SERVER_PORT       -> server.port
	//   STREAMRELAY_RELAY_RETRY_DELAY -> relay.retry_delay
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand a ${VAR_NAME} placeholder in the API key.
	if strings.HasPrefix(cfg.Upstream.APIKey, "${") && strings.HasSuffix(cfg.Upstream.APIKey, "}") {
		cfg.Upstream.APIKey = os.Getenv(cfg.Upstream.APIKey[2 : len(cfg.Upstream.APIKey)-1])
	}

	if err := cfg.applyCompatEnv(); err != nil {
		return nil, err
	}

	// Zero means "unset" for every other key, but an explicit
	// retry_delay of 0 means retry immediately.
	delay, delaySet := cfg.Relay.RetryDelay, k.Exists("relay.retry_delay")
	cfg.applyDefaults()
	if delaySet {
		cfg.Relay.RetryDelay = delay
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}

// applyCompatEnv honours the plain variable names the relay has always
// accepted, but only for values nothing else has set.
func (c *Config) applyCompatEnv() error {
	if c.Upstream.APIKey == "" {
		c.Upstream.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Upstream.CertFile == "" {
		c.Upstream.CertFile = os.Getenv("SSL_CERT_FILE")
	}
	if c.Server.Port == 0 {
		if v := os.Getenv("RELAY_PORT"); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parsing RELAY_PORT %q: %w", v, err)
			}
			c.Server.Port = port
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultBaseURL
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.CertFile == "" {
		c.Upstream.CertFile = DefaultCertFile
	}
	if c.Upstream.RequestTimeout == 0 {
		c.Upstream.RequestTimeout = DefaultRequestTimeout
	}
	if c.Upstream.ConnectTimeout == 0 {
		c.Upstream.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Upstream.PassThroughTimeout == 0 {
		c.Upstream.PassThroughTimeout = DefaultPassThroughTimeout
	}
	if c.Relay.Retries == 0 {
		c.Relay.Retries = DefaultRetries
	}
	if c.Relay.RetryDelay == 0 {
		c.Relay.RetryDelay = DefaultRetryDelay
	}
	if c.Relay.ChunkSize == 0 {
		c.Relay.ChunkSize = DefaultChunkSize
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate reports the first setting that would make the relay misbehave.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Upstream.BaseURL == "":
		return errors.New("upstream.base_url is required")
	case c.Upstream.RequestTimeout < 0 || c.Upstream.ConnectTimeout < 0 || c.Upstream.PassThroughTimeout < 0:
		return errors.New("upstream timeouts must not be negative")
	case c.Relay.Retries < 1:
		return fmt.Errorf("relay.retries must be at least 1, got %d", c.Relay.Retries)
	case c.Relay.RetryDelay < 0:
		return fmt.Errorf("relay.retry_delay must not be negative, got %s", c.Relay.RetryDelay)
	case c.Relay.ChunkSize < 1:
		return fmt.Errorf("relay.chunk_size must be at least 1, got %d", c.Relay.ChunkSize)
	}
	return nil
}

// Addr returns the listen address for http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
