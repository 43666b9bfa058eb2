// Package config loads the client configuration from an optional YAML file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by applyEnvironmentOverrides.
const (
	EnvAPIURL        = "API_URL"
	EnvWebSocketURL  = "WEBSOCKET_URL"
	EnvPort          = "PORT"
	EnvResultTimeout = "RESULT_TIMEOUT"
	EnvLogLevel      = "LOG_LEVEL"
)

// ErrMissingEndpoint is returned by Validate when an endpoint is not set.
var ErrMissingEndpoint = errors.New("missing endpoint")

// AppConfig is the root configuration document.
type AppConfig struct {
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EndpointsConfig holds the two remote collaborators.
type EndpointsConfig struct {
	// SubmissionURL receives the multipart upload.
	SubmissionURL string `yaml:"submissionUrl"`
	// ChannelURL is the WebSocket endpoint keyed by the correlation token.
	ChannelURL string `yaml:"channelUrl"`
}

// ServerConfig contains the local session API settings.
type ServerConfig struct {
	Port         int      `yaml:"port"`
	BindAddress  string   `yaml:"bindAddress"`
	BodyLimit    string   `yaml:"bodyLimit"`
	ReadTimeout  int      `yaml:"readTimeoutSeconds"`
	WriteTimeout int      `yaml:"writeTimeoutSeconds"`
	IdleTimeout  int      `yaml:"idleTimeoutSeconds"`
	AllowOrigins []string `yaml:"allowOrigins"`
}

// SessionConfig tunes the correlation controller.
type SessionConfig struct {
	ResultTimeout    time.Duration `yaml:"resultTimeout"`
	SubmitTimeout    time.Duration `yaml:"submitTimeout"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
}

// LoggingConfig selects the logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the default configuration. Endpoints have no default.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "127.0.0.1",
			BodyLimit:    "10M",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			AllowOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		},
		Session: SessionConfig{
			ResultTimeout:    60 * time.Second,
			SubmitTimeout:    30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads configPath, writing a default file there first if it
// does not exist. An empty path skips the file. Environment variables are
// applied last.
func LoadConfig(configPath string) (*AppConfig, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := cfg.Save(configPath); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *AppConfig) Save(configPath string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Passport extraction client configuration\n# Endpoints can be set here or through API_URL and WEBSOCKET_URL.\n\n")
	if err := os.WriteFile(configPath, append(header, out...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *AppConfig) applyEnvironmentOverrides() error {
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.Endpoints.SubmissionURL = v
	}
	if v := os.Getenv(EnvWebSocketURL); v != "" {
		c.Endpoints.ChannelURL = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.Server.Port = p
	}
	if v := os.Getenv(EnvResultTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvResultTimeout, v, err)
		}
		c.Session.ResultTimeout = d
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks that both endpoints are present and usable. It is meant to
// run once at startup.
func (c *AppConfig) Validate() error {
	if err := checkURL("submission", c.Endpoints.SubmissionURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("channel", c.Endpoints.ChannelURL, "ws", "wss"); err != nil {
		return err
	}
	if c.Session.ResultTimeout <= 0 {
		return fmt.Errorf("session.resultTimeout must be positive")
	}
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%w: %s url not configured", ErrMissingEndpoint, name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s url %q: %w", name, raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s url %q: missing host", name, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid %s url %q: scheme must be one of %v", name, raw, schemes)
}

// GetServerAddr returns the local API bind address.
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}
