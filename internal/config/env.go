package config

import (
	"os"
	"strconv"
)

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden
// by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("ENCIMAP_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("ENCIMAP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("MOTORICAL_DATABASE_URL"); v != "" {
		cfg.Database.LegacyDSN = v
	}

	if v := os.Getenv("MAILDIR_ROOT"); v != "" {
		cfg.Maildir.Root = v
	}
	if v := os.Getenv("TRANSPORT_MAP"); v != "" {
		cfg.Transport.MapPath = v
	}

	if v := os.Getenv("JWT_PUBLIC_KEY"); v != "" {
		cfg.JWT.PublicKey = v
	}
	if v := os.Getenv("JWT_ALGORITHM"); v != "" {
		cfg.JWT.Algorithm = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWT.Audience = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWT.Issuer = v
	}
	if v := os.Getenv("JWT_CLOCK_TOLERANCE_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.JWT.ClockToleranceSec = n
		}
	}

	if v := os.Getenv("API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.API.Port = n
		}
	}
	if v := os.Getenv("INTAKE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Intake.Port = n
		}
	}

	if v := os.Getenv("SUBSCRIPTION_SERVICE_URL"); v != "" {
		cfg.Subscription.URL = v
	}
	if v := os.Getenv("SUBSCRIPTION_SERVICE_TOKEN"); v != "" {
		cfg.Subscription.Token = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Address = v
		cfg.Redis.Enabled = true
	}

	return cfg
}
