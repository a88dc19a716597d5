// Package config loads gateway configuration from an optional YAML file
// with environment overrides for secrets and deploy-specific settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Approval ApprovalConfig `yaml:"approval"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Identity IdentityConfig `yaml:"identity"`
	Policy   PolicyConfig   `yaml:"policy"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
	// HumanAPIKey is the shared bearer secret for /approve and /deny.
	// Only settable through HUMAN_API_KEY; an empty key closes the
	// approval surface.
	HumanAPIKey string `yaml:"-"`
	// RateLimitPerMinute caps requests per actor. Zero disables.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

type LedgerConfig struct {
	// DatabaseURL selects Postgres; empty falls back to the in-memory
	// store (development only).
	DatabaseURL string `yaml:"-"`
	// VerifyMaxEvents bounds the per-request chain scan on /health.
	VerifyMaxEvents int `yaml:"verify_max_events"`
}

type ApprovalConfig struct {
	TTLSeconds           int `yaml:"ttl_seconds"`
	InitialWindowSeconds int `yaml:"initial_window_seconds"`
	HardDeadlineSeconds  int `yaml:"hard_deadline_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

func (a ApprovalConfig) TTL() time.Duration { return time.Duration(a.TTLSeconds) * time.Second }

func (a ApprovalConfig) InitialWindow() time.Duration {
	return time.Duration(a.InitialWindowSeconds) * time.Second
}

func (a ApprovalConfig) HardDeadline() time.Duration {
	return time.Duration(a.HardDeadlineSeconds) * time.Second
}

func (a ApprovalConfig) SweepInterval() time.Duration {
	return time.Duration(a.SweepIntervalSeconds) * time.Second
}

type SandboxConfig struct {
	Image          string   `yaml:"image"`
	Memory         string   `yaml:"memory"`
	CPUs           float64  `yaml:"cpus"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	WorkspaceDir   string   `yaml:"workspace_dir"`
	AllowedPaths   []string `yaml:"allowed_paths"`
}

func (s SandboxConfig) Timeout() time.Duration { return time.Duration(s.TimeoutSeconds) * time.Second }

// NanoCPUs converts the fractional CPU limit to Docker's unit.
func (s SandboxConfig) NanoCPUs() int64 { return int64(s.CPUs * 1e9) }

type IdentityConfig struct {
	Path string `yaml:"path"`
}

type PolicyConfig struct {
	Path string `yaml:"path"`
}

type NotifyConfig struct {
	RedisURL      string `yaml:"-"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               "8080",
			Env:                "development",
			RateLimitPerMinute: 120,
		},
		Ledger: LedgerConfig{
			VerifyMaxEvents: 10_000,
		},
		Approval: ApprovalConfig{
			TTLSeconds:           3600,
			InitialWindowSeconds: 300,
			HardDeadlineSeconds:  3600,
			SweepIntervalSeconds: 30,
		},
		Sandbox: SandboxConfig{
			Image:          "alpine:3.19",
			Memory:         "256m",
			CPUs:           0.5,
			TimeoutSeconds: 30,
		},
		Identity: IdentityConfig{Path: "identities.json"},
		Notify:   NotifyConfig{ChannelPrefix: "gavel:notify:"},
	}
}

// Load reads YAML over the defaults. Empty path or a missing file keeps
// the defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "APP_ENV")
	setString(&c.Server.HumanAPIKey, "HUMAN_API_KEY")
	setInt(&c.Server.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")

	setString(&c.Ledger.DatabaseURL, "DATABASE_URL")
	setInt(&c.Ledger.VerifyMaxEvents, "VERIFY_MAX_EVENTS")

	setInt(&c.Approval.TTLSeconds, "APPROVAL_TTL_SECONDS")
	setInt(&c.Approval.InitialWindowSeconds, "ESCALATION_WINDOW_SECONDS")
	setInt(&c.Approval.HardDeadlineSeconds, "ESCALATION_DEADLINE_SECONDS")
	setInt(&c.Approval.SweepIntervalSeconds, "SWEEP_INTERVAL_SECONDS")

	setString(&c.Sandbox.Image, "BLAST_BOX_IMAGE")
	setString(&c.Sandbox.Memory, "BLAST_BOX_MEMORY")
	setFloat(&c.Sandbox.CPUs, "BLAST_BOX_CPUS")
	setInt(&c.Sandbox.TimeoutSeconds, "BLAST_BOX_TIMEOUT_SECONDS")
	setString(&c.Sandbox.WorkspaceDir, "BLAST_BOX_WORKSPACE")
	if v := os.Getenv("BLAST_BOX_ALLOWED_PATHS"); v != "" {
		c.Sandbox.AllowedPaths = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Sandbox.AllowedPaths = append(c.Sandbox.AllowedPaths, p)
			}
		}
	}

	setString(&c.Identity.Path, "IDENTITIES_PATH")
	setString(&c.Policy.Path, "POLICY_PATH")

	setString(&c.Notify.RedisURL, "REDIS_URL")
	setString(&c.Notify.ChannelPrefix, "NOTIFY_CHANNEL_PREFIX")
}

func (c *Config) validate() error {
	if c.Approval.TTLSeconds <= 0 {
		return fmt.Errorf("approval ttl must be positive")
	}
	if c.Approval.InitialWindowSeconds <= 0 || c.Approval.HardDeadlineSeconds < c.Approval.InitialWindowSeconds {
		return fmt.Errorf("escalation windows misconfigured: window=%ds deadline=%ds",
			c.Approval.InitialWindowSeconds, c.Approval.HardDeadlineSeconds)
	}
	if c.Sandbox.TimeoutSeconds <= 0 {
		return fmt.Errorf("sandbox timeout must be positive")
	}
	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox cpu limit must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
