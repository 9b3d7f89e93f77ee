package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattmux/registry"
	"github.com/srg/gattmux/retry"
	"github.com/srg/gattmux/session"
	"github.com/srg/gattmux/stream"
	"gopkg.in/yaml.v3"
)

// OutputFormats lists the accepted values of Config.OutputFormat
var OutputFormats = []string{"table", "json"}

// Config holds application configuration
type Config struct {
	LogLevel     logrus.Level `yaml:"log_level"`
	OutputFormat string       `yaml:"output_format" default:"table"`

	Scan    ScanConfig    `yaml:"scan"`
	Session SessionConfig `yaml:"session"`
	Retry   RetryConfig   `yaml:"retry"`
	Stream  StreamConfig  `yaml:"stream"`
}

type ScanConfig struct {
	Duration   time.Duration `yaml:"duration" default:"10s"`
	NamePrefix string        `yaml:"name_prefix" default:"Kano"`

	registry.Options `yaml:",inline"`
}

type SessionConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"10s"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout" default:"10s"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"3s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"3s"`
	WriteChunkSize  int           `yaml:"write_chunk_size" default:"0"`
	QueueSize       int           `yaml:"queue_size" default:"64"`
	RetryConnect    bool          `yaml:"retry_connect" default:"true"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" default:"3"`
	BaseDelay  time.Duration `yaml:"base_delay" default:"100ms"`
	Multiplier float64       `yaml:"multiplier" default:"2"`
	MaxDelay   time.Duration `yaml:"max_delay" default:"2s"`
	Jitter     float64       `yaml:"jitter" default:"0.2"`
}

type StreamConfig struct {
	// Delivery is "queue" or "latest"
	Delivery string `yaml:"delivery" default:"queue"`

	stream.Options `yaml:",inline"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	return cfg
}

// Load returns the defaults overlaid with the YAML file at path.
// An empty path yields the defaults; a leading ~ is the user's home directory.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no component can work with
func (c *Config) Validate() error {
	if !slices.Contains(OutputFormats, c.OutputFormat) {
		return fmt.Errorf("unknown output format %q (expected one of %v)", c.OutputFormat, OutputFormats)
	}
	if c.Scan.Duration < 0 {
		return fmt.Errorf("scan duration must be >= 0, got %s", c.Scan.Duration)
	}

	s := c.Session
	for name, d := range map[string]time.Duration{
		"connect_timeout":  s.ConnectTimeout,
		"discover_timeout": s.DiscoverTimeout,
		"read_timeout":     s.ReadTimeout,
		"write_timeout":    s.WriteTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("session %s must be >= 0, got %s", name, d)
		}
	}
	if s.WriteChunkSize < 0 {
		return fmt.Errorf("session write_chunk_size must be >= 0, got %d", s.WriteChunkSize)
	}
	if s.QueueSize <= 0 {
		return fmt.Errorf("session queue_size must be > 0, got %d", s.QueueSize)
	}

	if err := c.RetryPolicy(nil).Validate(); err != nil {
		return err
	}

	if _, err := stream.ParsePolicy(c.Stream.Delivery); err != nil {
		return err
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("stream poll_interval must be > 0, got %s", c.Stream.PollInterval)
	}
	if c.Stream.QueueSize <= 0 {
		return fmt.Errorf("stream queue_size must be > 0, got %d", c.Stream.QueueSize)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// RetryPolicy builds the shared retry policy; logger may be nil
func (c *Config) RetryPolicy(logger *logrus.Logger) *retry.Policy {
	return &retry.Policy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		Multiplier: c.Retry.Multiplier,
		MaxDelay:   c.Retry.MaxDelay,
		Jitter:     c.Retry.Jitter,
		Logger:     logger,
	}
}

func (c *Config) SessionOptions(logger *logrus.Logger) session.Options {
	return session.Options{
		ConnectTimeout:  c.Session.ConnectTimeout,
		DiscoverTimeout: c.Session.DiscoverTimeout,
		ReadTimeout:     c.Session.ReadTimeout,
		WriteTimeout:    c.Session.WriteTimeout,
		DiscoverOnOpen:  true,
		WriteChunkSize:  c.Session.WriteChunkSize,
		QueueSize:       c.Session.QueueSize,
		RetryConnect:    c.Session.RetryConnect,
		Retry:           c.RetryPolicy(logger),
	}
}

func (c *Config) RegistryOptions() registry.Options {
	return c.Scan.Options
}

// StreamOptions returns the stream options with the configured delivery policy.
// An unparsable policy falls back to queue delivery; Validate reports it.
func (c *Config) StreamOptions() stream.Options {
	opts := c.Stream.Options
	opts.Policy, _ = stream.ParsePolicy(c.Stream.Delivery)
	return opts
}
