package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath   string
	Hostname     string
	LogLevel     string
	APIPort      int
	IntakePort   int
	MaildirRoot  string
	TransportMap string
	DatabaseDSN  string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./encimap.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.IntVar(&f.APIPort, "api-port", 0, "Management API port")
	flag.IntVar(&f.IntakePort, "intake-port", 0, "Intake worker port")
	flag.StringVar(&f.MaildirRoot, "maildir-root", "", "Maildir root directory")
	flag.StringVar(&f.TransportMap, "transport-map", "", "MTA transport map path")
	flag.StringVar(&f.DatabaseDSN, "database-dsn", "", "Metadata database DSN")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	// Merge file config into defaults
	cfg = mergeConfig(cfg, fileConfig.Encimap)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file and environment values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.APIPort > 0 {
		cfg.API.Port = f.APIPort
	}
	if f.IntakePort > 0 {
		cfg.Intake.Port = f.IntakePort
	}
	if f.MaildirRoot != "" {
		cfg.Maildir.Root = f.MaildirRoot
	}
	if f.TransportMap != "" {
		cfg.Transport.MapPath = f.TransportMap
	}
	if f.DatabaseDSN != "" {
		cfg.Database.DSN = f.DatabaseDSN
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags, applies
// environment overrides, then flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	cfg = ApplyEnv(cfg)
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.API.Port > 0 {
		dst.API.Port = src.API.Port
	}
	if src.API.Address != "" {
		dst.API.Address = src.API.Address
	}
	if src.API.RequestTimeout != "" {
		dst.API.RequestTimeout = src.API.RequestTimeout
	}

	if src.Intake.Port > 0 {
		dst.Intake.Port = src.Intake.Port
	}
	if src.Intake.Address != "" {
		dst.Intake.Address = src.Intake.Address
	}
	if src.Intake.MaxMessageSize > 0 {
		dst.Intake.MaxMessageSize = src.Intake.MaxMessageSize
	}
	if src.Intake.SoftDeadline != "" {
		dst.Intake.SoftDeadline = src.Intake.SoftDeadline
	}

	if src.Database.Driver != "" {
		dst.Database.Driver = src.Database.Driver
	}
	if src.Database.DSN != "" {
		dst.Database.DSN = src.Database.DSN
	}
	if src.Database.LegacyDSN != "" {
		dst.Database.LegacyDSN = src.Database.LegacyDSN
	}
	if src.Database.MaxOpen > 0 {
		dst.Database.MaxOpen = src.Database.MaxOpen
	}
	if src.Database.MaxIdle > 0 {
		dst.Database.MaxIdle = src.Database.MaxIdle
	}
	if src.Database.Debug {
		dst.Database.Debug = true
	}

	if src.Maildir.Root != "" {
		dst.Maildir.Root = src.Maildir.Root
	}
	if src.Maildir.UID > 0 {
		dst.Maildir.UID = src.Maildir.UID
	}
	if src.Maildir.GID > 0 {
		dst.Maildir.GID = src.Maildir.GID
	}

	if src.Transport.MapPath != "" {
		dst.Transport.MapPath = src.Transport.MapPath
	}
	if src.Transport.CompileCmd != "" {
		dst.Transport.CompileCmd = src.Transport.CompileCmd
	}
	if src.Transport.ReloadCmd != "" {
		dst.Transport.ReloadCmd = src.Transport.ReloadCmd
	}
	if src.Transport.Driver != "" {
		dst.Transport.Driver = src.Transport.Driver
	}

	if src.IMAP.PasswdFile != "" {
		dst.IMAP.PasswdFile = src.IMAP.PasswdFile
	}
	if src.IMAP.ReloadCmd != "" {
		dst.IMAP.ReloadCmd = src.IMAP.ReloadCmd
	}
	if src.IMAP.FlushCmd != "" {
		dst.IMAP.FlushCmd = src.IMAP.FlushCmd
	}
	if src.IMAP.Driver != "" {
		dst.IMAP.Driver = src.IMAP.Driver
	}

	if src.JWT.PublicKey != "" {
		dst.JWT.PublicKey = src.JWT.PublicKey
	}
	if src.JWT.JWKSURL != "" {
		dst.JWT.JWKSURL = src.JWT.JWKSURL
	}
	if src.JWT.Algorithm != "" {
		dst.JWT.Algorithm = src.JWT.Algorithm
	}
	if src.JWT.Audience != "" {
		dst.JWT.Audience = src.JWT.Audience
	}
	if src.JWT.Issuer != "" {
		dst.JWT.Issuer = src.JWT.Issuer
	}
	if src.JWT.ClockToleranceSec > 0 {
		dst.JWT.ClockToleranceSec = src.JWT.ClockToleranceSec
	}

	if src.Subscription.URL != "" {
		dst.Subscription.URL = src.Subscription.URL
	}
	if src.Subscription.Token != "" {
		dst.Subscription.Token = src.Subscription.Token
	}
	if src.Subscription.Timeout != "" {
		dst.Subscription.Timeout = src.Subscription.Timeout
	}

	if src.Redis.Enabled {
		dst.Redis.Enabled = true
	}
	if src.Redis.Address != "" {
		dst.Redis.Address = src.Redis.Address
	}
	if src.Redis.DB > 0 {
		dst.Redis.DB = src.Redis.DB
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	return dst
}
