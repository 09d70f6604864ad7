// Package config provides configuration management for the encimap daemon.
package config

import (
	"errors"
	"fmt"
	"time"
)

// FileConfig is the top-level wrapper for the shared configuration file.
// This allows encimapd and encimap-pipe to share a single config file.
type FileConfig struct {
	Encimap Config `toml:"encimap"`
}

// Config holds the complete daemon configuration.
type Config struct {
	Hostname string `toml:"hostname"`
	LogLevel string `toml:"log_level"`

	API          APIConfig          `toml:"api"`
	Intake       IntakeConfig       `toml:"intake"`
	Database     DatabaseConfig     `toml:"database"`
	Maildir      MaildirConfig      `toml:"maildir"`
	Transport    TransportConfig    `toml:"transport"`
	IMAP         IMAPConfig         `toml:"imap"`
	JWT          JWTConfig          `toml:"jwt"`
	Subscription SubscriptionConfig `toml:"subscription"`
	Redis        RedisConfig        `toml:"redis"`
	Metrics      MetricsConfig      `toml:"metrics"`
}

// APIConfig holds settings for the management API listener.
type APIConfig struct {
	Port           int    `toml:"port"`
	Address        string `toml:"address"`
	RequestTimeout string `toml:"request_timeout"`
}

// IntakeConfig holds settings for the intake worker listener.
type IntakeConfig struct {
	Port           int    `toml:"port"`
	Address        string `toml:"address"`
	MaxMessageSize int64  `toml:"max_message_size"`
	SoftDeadline   string `toml:"soft_deadline"`
}

// DatabaseConfig holds connection settings for the metadata store and the
// legacy motorical credential store.
type DatabaseConfig struct {
	Driver      string `toml:"driver"`
	DSN         string `toml:"dsn"`
	LegacyDSN   string `toml:"legacy_dsn"`
	MaxOpen     int    `toml:"max_open"`
	MaxIdle     int    `toml:"max_idle"`
	Debug       bool   `toml:"debug"`
	AutoMigrate bool   `toml:"auto_migrate"`
}

// MaildirConfig holds the Maildir root and the ownership applied to
// delivered files.
type MaildirConfig struct {
	Root string `toml:"root"`
	UID  int    `toml:"uid"`
	GID  int    `toml:"gid"`
}

// TransportConfig holds the MTA transport map location and reload commands.
type TransportConfig struct {
	MapPath    string `toml:"map_path"`
	CompileCmd string `toml:"compile_cmd"`
	ReloadCmd  string `toml:"reload_cmd"`
	Driver     string `toml:"driver"`
}

// IMAPConfig holds the IMAP daemon credential file location and reload hooks.
type IMAPConfig struct {
	PasswdFile string `toml:"passwd_file"`
	ReloadCmd  string `toml:"reload_cmd"`
	FlushCmd   string `toml:"flush_cmd"`
	Driver     string `toml:"driver"`
}

// JWTConfig holds bearer-token validation settings for the management API.
type JWTConfig struct {
	PublicKey         string `toml:"public_key"` // base64-encoded PEM
	JWKSURL           string `toml:"jwks_url"`
	Algorithm         string `toml:"algorithm"`
	Audience          string `toml:"audience"`
	Issuer            string `toml:"issuer"`
	ClockToleranceSec int    `toml:"clock_tolerance_sec"`
}

// SubscriptionConfig holds settings for the external subscription service
// that answers domain-ownership questions.
type SubscriptionConfig struct {
	URL     string `toml:"url"`
	Token   string `toml:"token"`
	Timeout string `toml:"timeout"`
}

// RedisConfig holds settings for the optional credential auth cache.
type RedisConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	DB      int    `toml:"db"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		API: APIConfig{
			Port:           4301,
			RequestTimeout: "30s",
		},
		Intake: IntakeConfig{
			Port:           4321,
			MaxMessageSize: 52428800, // 50 MB
			SoftDeadline:   "2m",
		},
		Database: DatabaseConfig{
			Driver:      "postgres",
			MaxOpen:     50,
			MaxIdle:     10,
			AutoMigrate: true,
		},
		Maildir: MaildirConfig{
			Root: "/var/vmail/encimap",
		},
		Transport: TransportConfig{
			MapPath:    "/etc/postfix/transport_encimap",
			CompileCmd: "postmap",
			ReloadCmd:  "systemctl reload postfix",
			Driver:     "postfix",
		},
		IMAP: IMAPConfig{
			PasswdFile: "/etc/dovecot/encimap.passwd",
			ReloadCmd:  "doveadm reload",
			FlushCmd:   "doveadm auth cache flush",
			Driver:     "dovecot",
		},
		JWT: JWTConfig{
			Algorithm:         "RS256",
			ClockToleranceSec: 30,
		},
		Subscription: SubscriptionConfig{
			Timeout: "10s",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9310",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}

	if c.Intake.Port <= 0 || c.Intake.Port > 65535 {
		return fmt.Errorf("invalid intake port %d", c.Intake.Port)
	}

	if c.Intake.MaxMessageSize <= 0 {
		return errors.New("intake max_message_size must be positive")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Maildir.Root == "" {
		return errors.New("maildir root is required")
	}

	if c.Transport.MapPath == "" {
		return errors.New("transport map_path is required")
	}

	if c.IMAP.PasswdFile == "" {
		return errors.New("imap passwd_file is required")
	}

	if c.JWT.PublicKey == "" && c.JWT.JWKSURL == "" {
		return errors.New("jwt public_key or jwks_url is required")
	}

	if c.API.RequestTimeout != "" {
		if _, err := time.ParseDuration(c.API.RequestTimeout); err != nil {
			return fmt.Errorf("invalid api request_timeout: %w", err)
		}
	}

	if c.Intake.SoftDeadline != "" {
		if _, err := time.ParseDuration(c.Intake.SoftDeadline); err != nil {
			return fmt.Errorf("invalid intake soft_deadline: %w", err)
		}
	}

	if c.Subscription.Timeout != "" {
		if _, err := time.ParseDuration(c.Subscription.Timeout); err != nil {
			return fmt.Errorf("invalid subscription timeout: %w", err)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// RequestTimeoutDuration returns the management API request timeout.
// Returns 30 seconds if not configured or invalid.
func (c *APIConfig) RequestTimeoutDuration() time.Duration {
	if c.RequestTimeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// SoftDeadlineDuration returns the intake per-message soft deadline.
// Returns 2 minutes if not configured or invalid.
func (c *IntakeConfig) SoftDeadlineDuration() time.Duration {
	if c.SoftDeadline == "" {
		return 2 * time.Minute
	}
	d, err := time.ParseDuration(c.SoftDeadline)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

// TimeoutDuration returns the subscription client timeout.
// Returns 10 seconds if not configured or invalid.
func (c *SubscriptionConfig) TimeoutDuration() time.Duration {
	if c.Timeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
