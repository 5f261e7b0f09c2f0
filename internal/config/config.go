package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch control plane.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	MTA        MTAConfig        `yaml:"mta"`
	Pressure   PressureConfig   `yaml:"pressure"`
	Domains    DomainsConfig    `yaml:"domains"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Accounting AccountingConfig `yaml:"accounting"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the HTTP control-surface settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL settings. WriteRetries bounds the retry
// budget for transient serialization/deadlock errors on store writes.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	WriteRetries int    `yaml:"write_retries"`
}

// RedisConfig holds the optional Redis connection. Redis accelerates
// dedup checks and provides cross-host locking; everything degrades to
// Postgres-only operation when the URL is empty.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// MTAConfig describes the MTA management API endpoint and the SMTP
// submission port.
type MTAConfig struct {
	Host           string `yaml:"host"`
	MgmtPort       int    `yaml:"mgmt_port"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	SMTPPort       int    `yaml:"smtp_port"`
	SMTPUser       string `yaml:"smtp_user"`
	SMTPPass       string `yaml:"smtp_pass"`
}

// PressureConfig holds the pressure-gauge thresholds and level bundles.
// Each triple is ordered ascending; a category's level is the count of
// thresholds its current value exceeds.
type PressureConfig struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	Strict              bool   `yaml:"strict"`
	QueueThresholds     [3]int `yaml:"queue_thresholds"`
	SpoolThresholds     [3]int `yaml:"spool_thresholds"`
	DeferredThresholds  [3]int `yaml:"deferred_thresholds"`

	// Parameter bundles for levels 1..3 (level 0 applies job defaults).
	Levels [3]PressureLevelParams `yaml:"levels"`
}

// PressureLevelParams is the dispatch restriction bundle for one pressure level.
type PressureLevelParams struct {
	DelayMS    int `yaml:"delay_ms"`
	WorkerCap  int `yaml:"worker_cap"`
	ChunkCap   int `yaml:"chunk_cap"`
	MinSleepMS int `yaml:"min_sleep_ms"`
}

// DomainsConfig holds destination-domain health classification settings.
type DomainsConfig struct {
	SlowDeferrals        int `yaml:"slow_deferrals"`
	SlowErrors           int `yaml:"slow_errors"`
	BackoffDeferrals     int `yaml:"backoff_deferrals"`
	BackoffErrors        int `yaml:"backoff_errors"`
	CacheTTLSeconds      int `yaml:"cache_ttl_seconds"`
	SampleTimeoutSeconds int `yaml:"sample_timeout_seconds"`
}

// DispatchConfig holds job execution defaults.
type DispatchConfig struct {
	ChunkSize           int  `yaml:"chunk_size"`
	WorkerLimit         int  `yaml:"worker_limit"`
	MaxRetries          int  `yaml:"max_retries"`
	RetryBaseSeconds    int  `yaml:"retry_base_seconds"`
	RetryMaxWaitSeconds int  `yaml:"retry_max_wait_seconds"`
	SlowWorkerCap       int  `yaml:"slow_worker_cap"`
	SlowDelayMS         int  `yaml:"slow_delay_ms"`
	HealthGateStrict    bool `yaml:"health_gate_strict"`

	KillSwitch KillSwitchConfig `yaml:"kill_switch"`
}

// KillSwitchConfig pauses a job when bounce/complaint rates exceed the
// thresholds after a minimum delivered sample.
type KillSwitchConfig struct {
	MinSample         int     `yaml:"min_sample"`
	MaxHardBounceRate float64 `yaml:"max_hard_bounce_rate"`
	MaxComplaintRate  float64 `yaml:"max_complaint_rate"`
}

// AccountingConfig holds the bridge-pull ingestion settings.
type AccountingConfig struct {
	PullURL             string `yaml:"pull_url"`
	StatusURL           string `yaml:"status_url"`
	Token               string `yaml:"token"`
	SourceKind          string `yaml:"source_kind"`
	MaxRecords          int    `yaml:"max_records"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	ReconcileCron       string `yaml:"reconcile_cron"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	RedactPII  *bool  `yaml:"redact_pii"`
}

// Load reads configuration in layers: built-in defaults, then the YAML file
// (if present), then environment variables. A .env file is loaded first so
// local development matches production env-var behavior.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// Default returns the built-in configuration defaults.
// Thresholds mirror the operational values the platform has run with:
// queue levels trip at 50k/120k/250k queued recipients.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8085},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			WriteRetries: 3,
		},
		MTA: MTAConfig{
			MgmtPort:       8080,
			TimeoutSeconds: 10,
			SMTPPort:       2525,
		},
		Pressure: PressureConfig{
			PollIntervalSeconds: 30,
			QueueThresholds:     [3]int{50000, 120000, 250000},
			SpoolThresholds:     [3]int{20000, 60000, 150000},
			DeferredThresholds:  [3]int{5000, 20000, 60000},
			Levels: [3]PressureLevelParams{
				{DelayMS: 250, WorkerCap: 16, ChunkCap: 500, MinSleepMS: 100},
				{DelayMS: 1000, WorkerCap: 8, ChunkCap: 200, MinSleepMS: 500},
				{DelayMS: 5000, WorkerCap: 2, ChunkCap: 50, MinSleepMS: 2000},
			},
		},
		Domains: DomainsConfig{
			SlowDeferrals:        25,
			SlowErrors:           3,
			BackoffDeferrals:     80,
			BackoffErrors:        6,
			CacheTTLSeconds:      20,
			SampleTimeoutSeconds: 5,
		},
		Dispatch: DispatchConfig{
			ChunkSize:           100,
			WorkerLimit:         10,
			MaxRetries:          3,
			RetryBaseSeconds:    30,
			RetryMaxWaitSeconds: 900,
			SlowWorkerCap:       4,
			SlowDelayMS:         2000,
			KillSwitch: KillSwitchConfig{
				MinSample:         500,
				MaxHardBounceRate: 0.05,
				MaxComplaintRate:  0.001,
			},
		},
		Accounting: AccountingConfig{
			SourceKind:          "acct",
			MaxRecords:          2000,
			PollIntervalSeconds: 15,
			ReconcileCron:       "0 4 * * *",
		},
		Log: LogConfig{Level: "INFO"},
	}
}

// applyEnv overlays environment variables on top of file/default values.
func (c *Config) applyEnv() {
	envStr(&c.Database.URL, "DATABASE_URL")
	envInt(&c.Database.WriteRetries, "DATABASE_WRITE_RETRIES")
	envStr(&c.Redis.URL, "REDIS_URL")
	envStr(&c.MTA.Host, "MTA_HOST")
	envInt(&c.MTA.MgmtPort, "MTA_MGMT_PORT")
	envStr(&c.MTA.APIKey, "MTA_API_KEY")
	envInt(&c.MTA.TimeoutSeconds, "MTA_TIMEOUT_SECONDS")
	envInt(&c.MTA.SMTPPort, "MTA_SMTP_PORT")
	envStr(&c.MTA.SMTPUser, "MTA_SMTP_USER")
	envStr(&c.MTA.SMTPPass, "MTA_SMTP_PASS")
	envBool(&c.Pressure.Strict, "PRESSURE_STRICT")
	envInt(&c.Pressure.PollIntervalSeconds, "PRESSURE_POLL_INTERVAL_SECONDS")
	envInt(&c.Dispatch.ChunkSize, "DISPATCH_CHUNK_SIZE")
	envInt(&c.Dispatch.WorkerLimit, "DISPATCH_WORKER_LIMIT")
	envInt(&c.Dispatch.MaxRetries, "DISPATCH_MAX_RETRIES")
	envBool(&c.Dispatch.HealthGateStrict, "DISPATCH_HEALTH_GATE_STRICT")
	envStr(&c.Accounting.PullURL, "BRIDGE_PULL_URL")
	envStr(&c.Accounting.StatusURL, "BRIDGE_STATUS_URL")
	envStr(&c.Accounting.Token, "BRIDGE_PULL_TOKEN")
	envStr(&c.Accounting.SourceKind, "BRIDGE_SOURCE_KIND")
	envInt(&c.Accounting.MaxRecords, "BRIDGE_MAX_RECORDS")
	envInt(&c.Accounting.PollIntervalSeconds, "BRIDGE_POLL_INTERVAL_SECONDS")
	envStr(&c.Log.Level, "LOG_LEVEL")
	envStr(&c.Log.File, "LOG_FILE")
	envInt(&c.Server.Port, "PORT")
}

// MTATimeout returns the management API call timeout.
func (c *Config) MTATimeout() time.Duration {
	if c.MTA.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.MTA.TimeoutSeconds) * time.Second
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		switch v {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}
