package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Log        LogConfig        `yaml:"log"`
}

// WorkerPoolConfig bounds how many push notifications are sent concurrently.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
	AllowedOrigins  []string `yaml:"allowed_origins"`

	CacheTTL time.Duration `yaml:"-"`
}

// DatabaseConfig holds the durable store connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres, sqlite or mongo
	DSN                    string `yaml:"dsn"`
	Name                   string `yaml:"name"` // mongo database name
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	EnableTimescale        bool   `yaml:"enable_timescale"`
	TimeoutSeconds         int    `yaml:"timeout_seconds"`

	Timeout time.Duration `yaml:"-"`
}

// MonitorConfig holds the timing constants and thresholds of the real-time
// engine. Durations are configured in seconds.
type MonitorConfig struct {
	AuthTimeoutSeconds      int     `yaml:"auth_timeout_seconds"`
	PingIntervalSeconds     int     `yaml:"ping_interval_seconds"`
	LivenessTimeoutSeconds  int     `yaml:"liveness_timeout_seconds"`
	RecoveryWindowSeconds   int     `yaml:"recovery_window_seconds"`
	SweepIntervalSeconds    int     `yaml:"sweep_interval_seconds"`
	AlertDelaySeconds       int     `yaml:"alert_delay_seconds"`
	AlertIntervalSeconds    int     `yaml:"alert_interval_seconds"`
	TokenMaxAgeHours        int     `yaml:"token_max_age_hours"`
	TokenSweepMinutes       int     `yaml:"token_sweep_minutes"`
	LatestReadingTTLMinutes int     `yaml:"latest_reading_ttl_minutes"`
	SafeMin                 float64 `yaml:"safe_min"`
	SafeMax                 float64 `yaml:"safe_max"`
	ObserverPrefix          string  `yaml:"observer_prefix"`
	SlotTimezone            string  `yaml:"slot_timezone"`

	AuthTimeout      time.Duration  `yaml:"-"`
	PingInterval     time.Duration  `yaml:"-"`
	LivenessTimeout  time.Duration  `yaml:"-"`
	RecoveryWindow   time.Duration  `yaml:"-"`
	SweepInterval    time.Duration  `yaml:"-"`
	AlertDelay       time.Duration  `yaml:"-"`
	AlertInterval    time.Duration  `yaml:"-"`
	TokenMaxAge      time.Duration  `yaml:"-"`
	TokenSweep       time.Duration  `yaml:"-"`
	LatestReadingTTL time.Duration  `yaml:"-"`
	SlotLocation     *time.Location `yaml:"-"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	// The zero configuration has no timezone to fail on.
	_ = cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values and derives the duration fields.
func (cfg *Config) ApplyDefaults() error {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 30
	}
	cfg.Server.CacheTTL = seconds(cfg.Server.CacheTTLSeconds)

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Name == "" {
		cfg.Database.Name = "bio-data"
	}
	if cfg.Database.TimeoutSeconds <= 0 {
		cfg.Database.TimeoutSeconds = 5
	}
	cfg.Database.Timeout = seconds(cfg.Database.TimeoutSeconds)

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		cfg.WorkerPool.Size = 4
	}

	m := &cfg.Monitor
	defaultInt(&m.AuthTimeoutSeconds, 30)
	defaultInt(&m.PingIntervalSeconds, 30)
	defaultInt(&m.LivenessTimeoutSeconds, 180)
	defaultInt(&m.RecoveryWindowSeconds, 300)
	defaultInt(&m.SweepIntervalSeconds, 60)
	defaultInt(&m.AlertDelaySeconds, 60)
	defaultInt(&m.AlertIntervalSeconds, 20)
	defaultInt(&m.TokenMaxAgeHours, 24)
	defaultInt(&m.TokenSweepMinutes, 60)
	defaultInt(&m.LatestReadingTTLMinutes, 5)
	if m.SafeMin == 0 && m.SafeMax == 0 {
		m.SafeMin, m.SafeMax = 1.0, 6.0
	}
	if m.SafeMin > m.SafeMax {
		return fmt.Errorf("monitor.safe_min (%v) is above monitor.safe_max (%v)", m.SafeMin, m.SafeMax)
	}
	if m.ObserverPrefix == "" {
		m.ObserverPrefix = "observer_"
	}
	if m.SlotTimezone == "" {
		m.SlotTimezone = "UTC"
	}
	loc, err := time.LoadLocation(m.SlotTimezone)
	if err != nil {
		return fmt.Errorf("failed to load slot timezone %q: %w", m.SlotTimezone, err)
	}
	m.SlotLocation = loc

	m.AuthTimeout = seconds(m.AuthTimeoutSeconds)
	m.PingInterval = seconds(m.PingIntervalSeconds)
	m.LivenessTimeout = seconds(m.LivenessTimeoutSeconds)
	m.RecoveryWindow = seconds(m.RecoveryWindowSeconds)
	m.SweepInterval = seconds(m.SweepIntervalSeconds)
	m.AlertDelay = seconds(m.AlertDelaySeconds)
	m.AlertInterval = seconds(m.AlertIntervalSeconds)
	m.TokenMaxAge = time.Duration(m.TokenMaxAgeHours) * time.Hour
	m.TokenSweep = time.Duration(m.TokenSweepMinutes) * time.Minute
	m.LatestReadingTTL = time.Duration(m.LatestReadingTTLMinutes) * time.Minute

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	return nil
}

func defaultInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
