// Package config loads h2session's server and client configuration from
// YAML, defaulting every optional field individually, field-by-field,
// after unmarshal.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures an h2core.ServerCore.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	Plain    bool   `yaml:"plain"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams"`
	InitialWindowSize    uint32 `yaml:"initial_window_size"`
	HeaderTableSize      uint32 `yaml:"header_table_size"`

	FallbackAddr string `yaml:"fallback_addr"`
}

// ClientConfig configures an h2core.ClientAgent.
type ClientConfig struct {
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	NegotiationRPS   float64       `yaml:"negotiation_rps"`
	NegotiationBurst int           `yaml:"negotiation_burst"`
	ExpectedPushes   uint32        `yaml:"expected_pushes"`
}

// MetricsConfig configures the Prometheus-text endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // debug|info|warn|error
	Encoding string `yaml:"encoding"` // json|console
}

// Config is the top-level h2server/h2client configuration document.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// Load reads and defaults a Config from path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8443"
	}
	if c.Server.MaxConcurrentStreams == 0 {
		c.Server.MaxConcurrentStreams = 250
	}
	if c.Server.InitialWindowSize == 0 {
		c.Server.InitialWindowSize = 1 << 20
	}
	if c.Server.HeaderTableSize == 0 {
		c.Server.HeaderTableSize = 4096
	}
	if c.Client.DialTimeout == 0 {
		c.Client.DialTimeout = 10 * time.Second
	}
	if c.Client.NegotiationRPS == 0 {
		c.Client.NegotiationRPS = 2
	}
	if c.Client.NegotiationBurst == 0 {
		c.Client.NegotiationBurst = 1
	}
	if c.Client.ExpectedPushes == 0 {
		c.Client.ExpectedPushes = 256
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "console"
	}
}

// Validate reports whether the server half of Config is usable: TLS mode
// requires both cert and key; plain mode rejects carrying either.
func (s ServerConfig) Validate() error {
	if s.Listen == "" {
		return fmt.Errorf("config: server.listen is required")
	}
	if s.Plain {
		if s.CertFile != "" || s.KeyFile != "" {
			return fmt.Errorf("config: server.cert_file/key_file must be empty in plain mode")
		}
		return nil
	}
	if s.CertFile == "" || s.KeyFile == "" {
		return fmt.Errorf("config: server.cert_file and server.key_file are required unless server.plain is set")
	}
	return nil
}
