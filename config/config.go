package config

import (
	"log"
	"os"
	"time"
	_ "time/tzdata" // timers.timezone must resolve on hosts without zoneinfo

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Mongo      MongoConfig      `yaml:"mongo"`
	Timers     TimersConfig     `yaml:"timers"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
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

// Enabled reports whether push delivery is configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	BatchBackend           string `yaml:"batch_backend"` // gorm or mongo
}

// MongoConfig holds the optional MongoDB connection used for batch documents.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// TimersConfig holds the work-session timer policy.
type TimersConfig struct {
	Timezone                   string         `yaml:"timezone"`
	InactivityThresholdMinutes int            `yaml:"inactivity_threshold_minutes"`
	AutoStopCapMinutes         int            `yaml:"auto_stop_cap_minutes"`
	DailyLimitHours            float64        `yaml:"daily_limit_hours"`
	DefaultHourlyRate          float64        `yaml:"default_hourly_rate"`
	SweepEnabled               bool           `yaml:"sweep_enabled"`
	SweepIntervalSeconds       int            `yaml:"sweep_interval_seconds"`
	SweepInterval              time.Duration  `yaml:"-"`
	Location                   *time.Location `yaml:"-"`
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

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills in every unset value.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 300
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.BatchBackend == "" {
		cfg.Database.BatchBackend = "gorm"
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "shopfloor"
	}

	t := &cfg.Timers
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		log.Printf("timers.timezone %q is invalid (%v); defaulting to UTC", t.Timezone, err)
		loc = time.UTC
	}
	t.Location = loc
	if t.InactivityThresholdMinutes <= 0 {
		t.InactivityThresholdMinutes = 240
	}
	if t.AutoStopCapMinutes <= 0 {
		t.AutoStopCapMinutes = 240
	}
	if t.DailyLimitHours <= 0 {
		t.DailyLimitHours = 9
	}
	if t.DefaultHourlyRate <= 0 {
		t.DefaultHourlyRate = 15
	}
	if t.SweepIntervalSeconds <= 0 {
		t.SweepIntervalSeconds = 300
	}
	t.SweepInterval = time.Duration(t.SweepIntervalSeconds) * time.Second

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
}

// InactivityThreshold returns the idle age after which an open timer is auto-stopped.
func (t TimersConfig) InactivityThreshold() time.Duration {
	return time.Duration(t.InactivityThresholdMinutes) * time.Minute
}
