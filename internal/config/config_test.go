package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Hostname != "localhost" {
		t.Errorf("expected hostname 'localhost', got %q", cfg.Hostname)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected log_level 'info', got %q", cfg.LogLevel)
	}

	if cfg.API.Port != 4301 {
		t.Errorf("expected api port 4301, got %d", cfg.API.Port)
	}

	if cfg.Intake.Port != 4321 {
		t.Errorf("expected intake port 4321, got %d", cfg.Intake.Port)
	}

	if cfg.Intake.MaxMessageSize != 52428800 {
		t.Errorf("expected max_message_size 52428800, got %d", cfg.Intake.MaxMessageSize)
	}

	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected database driver 'postgres', got %q", cfg.Database.Driver)
	}

	if cfg.Transport.MapPath != "/etc/postfix/transport_encimap" {
		t.Errorf("unexpected transport map path %q", cfg.Transport.MapPath)
	}

	if cfg.IMAP.PasswdFile != "/etc/dovecot/encimap.passwd" {
		t.Errorf("unexpected imap passwd file %q", cfg.IMAP.PasswdFile)
	}

	if cfg.JWT.Algorithm != "RS256" {
		t.Errorf("expected jwt algorithm 'RS256', got %q", cfg.JWT.Algorithm)
	}
}

func TestValidate(t *testing.T) {
	// Validate requires a JWT verification source on top of defaults.
	valid := func() Config {
		cfg := Default()
		cfg.JWT.PublicKey = "LS0tLS1CRUdJTg=="
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing hostname",
			modify:  func(c *Config) { c.Hostname = "" },
			wantErr: true,
		},
		{
			name:    "invalid api port",
			modify:  func(c *Config) { c.API.Port = 0 },
			wantErr: true,
		},
		{
			name:    "invalid intake port",
			modify:  func(c *Config) { c.Intake.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "zero max message size",
			modify:  func(c *Config) { c.Intake.MaxMessageSize = 0 },
			wantErr: true,
		},
		{
			name:    "unsupported database driver",
			modify:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: true,
		},
		{
			name:    "missing maildir root",
			modify:  func(c *Config) { c.Maildir.Root = "" },
			wantErr: true,
		},
		{
			name:    "missing transport map",
			modify:  func(c *Config) { c.Transport.MapPath = "" },
			wantErr: true,
		},
		{
			name:    "missing imap passwd file",
			modify:  func(c *Config) { c.IMAP.PasswdFile = "" },
			wantErr: true,
		},
		{
			name: "missing jwt verification source",
			modify: func(c *Config) {
				c.JWT.PublicKey = ""
				c.JWT.JWKSURL = ""
			},
			wantErr: true,
		},
		{
			name:    "jwks url instead of public key",
			modify:  func(c *Config) { c.JWT.PublicKey = ""; c.JWT.JWKSURL = "https://auth.example.com/jwks" },
			wantErr: false,
		},
		{
			name:    "invalid api request timeout",
			modify:  func(c *Config) { c.API.RequestTimeout = "soon" },
			wantErr: true,
		},
		{
			name:    "invalid intake soft deadline",
			modify:  func(c *Config) { c.Intake.SoftDeadline = "whenever" },
			wantErr: true,
		},
		{
			name: "metrics enabled without address",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Address = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	api := APIConfig{RequestTimeout: "45s"}
	if got := api.RequestTimeoutDuration(); got != 45*time.Second {
		t.Errorf("RequestTimeoutDuration() = %v, want 45s", got)
	}

	api.RequestTimeout = "bogus"
	if got := api.RequestTimeoutDuration(); got != 30*time.Second {
		t.Errorf("RequestTimeoutDuration() fallback = %v, want 30s", got)
	}

	intake := IntakeConfig{SoftDeadline: "90s"}
	if got := intake.SoftDeadlineDuration(); got != 90*time.Second {
		t.Errorf("SoftDeadlineDuration() = %v, want 90s", got)
	}

	intake.SoftDeadline = ""
	if got := intake.SoftDeadlineDuration(); got != 2*time.Minute {
		t.Errorf("SoftDeadlineDuration() fallback = %v, want 2m", got)
	}

	sub := SubscriptionConfig{}
	if got := sub.TimeoutDuration(); got != 10*time.Second {
		t.Errorf("TimeoutDuration() fallback = %v, want 10s", got)
	}
}
