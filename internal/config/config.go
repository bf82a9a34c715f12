package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.zapbridge/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Daemon         Daemon `toml:"daemon"`
	Probe          Probe  `toml:"probe"`
	Retry          Retry  `toml:"retry"`
	Avatar         Avatar `toml:"avatar"`
}

// Daemon holds the HTTP listener settings.
type Daemon struct {
	ListenAddr string `toml:"listen_addr"`
}

// Probe holds health-probe tuning for the connection stabilizer.
type Probe struct {
	IntervalSeconds            int `toml:"interval_seconds"`
	UnavailableIntervalSeconds int `toml:"unavailable_interval_seconds"`
	TimeoutSeconds             int `toml:"timeout_seconds"`
	FailureThreshold           int `toml:"failure_threshold"`
	CooldownSeconds            int `toml:"cooldown_seconds"`
}

// Retry holds the backoff policy for outbound requests.
type Retry struct {
	MaxAttempts   int     `toml:"max_attempts"`
	BaseDelayMs   int     `toml:"base_delay_ms"`
	MaxDelayMs    int     `toml:"max_delay_ms"`
	BackoffFactor float64 `toml:"backoff_factor"`
}

// Avatar holds profile-picture cache tuning.
type Avatar struct {
	TTLHours    int `toml:"ttl_hours"`
	FetchLimit  int `toml:"fetch_limit"`
	FetchPerSec int `toml:"fetch_per_sec"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Daemon:         Daemon{ListenAddr: "127.0.0.1:8471"},
		Probe: Probe{
			IntervalSeconds:            5,
			UnavailableIntervalSeconds: 15,
			TimeoutSeconds:             5,
			FailureThreshold:           3,
			CooldownSeconds:            15,
		},
		Retry: Retry{
			MaxAttempts:   3,
			BaseDelayMs:   500,
			MaxDelayMs:    10000,
			BackoffFactor: 2.0,
		},
		Avatar: Avatar{
			TTLHours:    24,
			FetchLimit:  5,
			FetchPerSec: 10,
		},
	}
}

// Load reads config from the given path, filling unset fields with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when
// the file does not exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.Daemon.ListenAddr == "" {
		c.Daemon.ListenAddr = def.Daemon.ListenAddr
	}
	if c.Probe.IntervalSeconds <= 0 {
		c.Probe.IntervalSeconds = def.Probe.IntervalSeconds
	}
	if c.Probe.UnavailableIntervalSeconds <= 0 {
		c.Probe.UnavailableIntervalSeconds = def.Probe.UnavailableIntervalSeconds
	}
	if c.Probe.TimeoutSeconds <= 0 {
		c.Probe.TimeoutSeconds = def.Probe.TimeoutSeconds
	}
	if c.Probe.FailureThreshold <= 0 {
		c.Probe.FailureThreshold = def.Probe.FailureThreshold
	}
	if c.Probe.CooldownSeconds <= 0 {
		c.Probe.CooldownSeconds = def.Probe.CooldownSeconds
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.BaseDelayMs <= 0 {
		c.Retry.BaseDelayMs = def.Retry.BaseDelayMs
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = def.Retry.MaxDelayMs
	}
	if c.Retry.BackoffFactor <= 1 {
		c.Retry.BackoffFactor = def.Retry.BackoffFactor
	}
	if c.Avatar.TTLHours <= 0 {
		c.Avatar.TTLHours = def.Avatar.TTLHours
	}
	if c.Avatar.FetchLimit <= 0 {
		c.Avatar.FetchLimit = def.Avatar.FetchLimit
	}
	if c.Avatar.FetchPerSec <= 0 {
		c.Avatar.FetchPerSec = def.Avatar.FetchPerSec
	}
}

// Interval returns the regular probe interval as a duration.
func (p Probe) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// UnavailableInterval returns the widened probe interval used while the
// service-unavailable flag is sticky.
func (p Probe) UnavailableInterval() time.Duration {
	return time.Duration(p.UnavailableIntervalSeconds) * time.Second
}

// Timeout returns the per-probe timeout.
func (p Probe) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Cooldown returns the sticky service-unavailable cooldown window.
func (p Probe) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

// BaseDelay returns the initial retry delay.
func (r Retry) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the retry delay ceiling.
func (r Retry) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// TTL returns the avatar cache entry lifetime.
func (a Avatar) TTL() time.Duration {
	return time.Duration(a.TTLHours) * time.Hour
}
