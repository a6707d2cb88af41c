package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// ErrNoTransports is returned by Validate when no outbound transport
// is configured. The HTTP surface can still run in a degraded
// "email disabled" mode, but the delivery subsystem must not start.
var ErrNoTransports = errors.New("config: no mail transports configured")

// TransportConfig describes one SMTP-compatible endpoint in the
// fallback chain. Ordering in the config file defines priority.
type TransportConfig struct {
	// Kind is one of "primary-smtp", "service-alias", "relaxed-tls",
	// "alternate-port". Kinds only differ in how defaults are filled
	// in; the delivery path treats every transport the same.
	Kind string `toml:"kind"`

	// Service is the well-known provider name for service-alias
	// transports (currently "gmail" and "outlook").
	Service string `toml:"service"`

	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`

	// SSL selects implicit TLS (port 465 style) instead of STARTTLS.
	SSL bool `toml:"ssl"`
	// InsecureSkipVerify relaxes certificate validation. Only the
	// relaxed-tls fallback should set this.
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`

	// Timeouts in seconds.
	ConnectTimeout int `toml:"connect_timeout"`
	SendTimeout    int `toml:"send_timeout"`

	// Pool and throughput limits, mirrored from the transport
	// library's connection contract.
	MaxConnections int `toml:"max_connections"`
	MaxPerMinute   int `toml:"max_per_minute"`
}

// Config is the full application configuration.
type Config struct {
	Server struct {
		Listen string `toml:"listen"`
	} `toml:"server"`

	Mail struct {
		FromAddress string            `toml:"from_address"`
		FromName    string            `toml:"from_name"`
		DefaultTo   string            `toml:"default_to"`
		Transports  []TransportConfig `toml:"transport"`
	} `toml:"mail"`

	Queue struct {
		// Interval between retry ticks, in seconds.
		Interval int `toml:"interval"`
		// BaseDelay seeds the exponential backoff, in seconds.
		BaseDelay int `toml:"base_delay"`
		// MaxAttempts is the retry ceiling before a message is moved
		// to the failure log.
		MaxAttempts int `toml:"max_attempts"`
		// MaxConcurrent bounds redeliveries within one tick.
		MaxConcurrent int    `toml:"max_concurrent"`
		SnapshotPath  string `toml:"snapshot_path"`
	} `toml:"queue"`

	Health struct {
		// Interval between probes, in seconds.
		Interval int `toml:"interval"`
		// ProbeTimeout per probe, in seconds.
		ProbeTimeout int `toml:"probe_timeout"`
		// FastFail skips the immediate delivery attempt and enqueues
		// directly while the primary transport is known down.
		FastFail bool `toml:"fast_fail"`
	} `toml:"health"`

	FailLog struct {
		Path string `toml:"path"`
	} `toml:"faillog"`

	Store struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"store"`

	Brochure struct {
		// CandidatePaths are checked in order; the first existing file
		// wins.
		CandidatePaths []string `toml:"candidate_paths"`
		Filename       string   `toml:"filename"`
		// RequireAttachment rejects brochure requests when no
		// candidate path exists instead of sending without the file.
		RequireAttachment bool `toml:"require_attachment"`
	} `toml:"brochure"`

	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Listen = ":8080"

	cfg.Queue.Interval = 60
	cfg.Queue.BaseDelay = 30
	cfg.Queue.MaxAttempts = 5
	cfg.Queue.MaxConcurrent = 4
	cfg.Queue.SnapshotPath = "./data/retry-queue.json"

	cfg.Health.Interval = 300
	cfg.Health.ProbeTimeout = 15
	cfg.Health.FastFail = true

	cfg.FailLog.Path = "./data/failures.db"

	cfg.Store.Enabled = false
	cfg.Store.Path = "./data/requests.db"

	cfg.Brochure.Filename = "brochure.pdf"
	cfg.Brochure.RequireAttachment = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./mailroom.toml",
		"./config/mailroom.toml",
		os.ExpandEnv("$HOME/.mailroom.toml"),
		"/etc/mailroom/mailroom.toml",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads configuration from a file, falling back to defaults
// when no file is present, and applies environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		// No file anywhere: run on defaults plus environment.
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides pulls credentials from the environment so secrets
// can stay out of the config file. A password set in the file wins.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MAILROOM_SMTP_USER"); v != "" {
		for i := range c.Mail.Transports {
			if c.Mail.Transports[i].Username == "" {
				c.Mail.Transports[i].Username = v
			}
		}
	}
	if v := os.Getenv("MAILROOM_SMTP_PASSWORD"); v != "" {
		for i := range c.Mail.Transports {
			if c.Mail.Transports[i].Password == "" {
				c.Mail.Transports[i].Password = v
			}
		}
	}
	if v := os.Getenv("MAILROOM_DEFAULT_TO"); v != "" && c.Mail.DefaultTo == "" {
		c.Mail.DefaultTo = v
	}
}

// Validate checks the invariants the delivery subsystem depends on.
func (c *Config) Validate() error {
	if len(c.Mail.Transports) == 0 {
		return ErrNoTransports
	}
	if c.Mail.DefaultTo == "" {
		return fmt.Errorf("config: mail.default_to is required")
	}
	if c.Mail.FromAddress == "" {
		return fmt.Errorf("config: mail.from_address is required")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config: queue.max_attempts must be positive")
	}
	if c.Queue.BaseDelay <= 0 {
		return fmt.Errorf("config: queue.base_delay must be positive")
	}
	return nil
}

// QueueInterval returns the retry tick interval as a duration.
func (c *Config) QueueInterval() time.Duration {
	return time.Duration(c.Queue.Interval) * time.Second
}

// QueueBaseDelay returns the backoff base as a duration.
func (c *Config) QueueBaseDelay() time.Duration {
	return time.Duration(c.Queue.BaseDelay) * time.Second
}

// HealthInterval returns the probe interval as a duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.Interval) * time.Second
}

// HealthProbeTimeout returns the per-probe timeout as a duration.
func (c *Config) HealthProbeTimeout() time.Duration {
	return time.Duration(c.Health.ProbeTimeout) * time.Second
}
