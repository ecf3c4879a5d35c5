package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Session  SessionConfig  `yaml:"session"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Policy   PolicyConfig   `yaml:"policy"`
	Audit    AuditConfig    `yaml:"audit"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	RequestTimeout int    `yaml:"request_timeout_s"`
}

type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	KeyStorePath string `yaml:"key_store_path"`
}

type SessionConfig struct {
	MaxAgeS          int `yaml:"max_age_s"`
	SweepIntervalS   int `yaml:"sweep_interval_s"`
	RetryInitialMs   int `yaml:"retry_initial_ms"`
	RetryMaxMs       int `yaml:"retry_max_ms"`
	RetryMaxAttempts int `yaml:"retry_max_attempts"`
}

type PipelineConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	QueueSize      int `yaml:"queue_size"`
}

type PolicyConfig struct {
	DefaultWindowMs    int                  `yaml:"default_window_ms"`
	DefaultMaxRequests int                  `yaml:"default_max_requests"`
	Rules              map[string]RuleEntry `yaml:"rules"`
	BlockThreshold     int                  `yaml:"block_threshold"`
	BlockDurationS     int                  `yaml:"block_duration_s"`
	SweepIntervalS     int                  `yaml:"sweep_interval_s"`
	CSRFTokenTTLS      int                  `yaml:"csrf_token_ttl_s"`
	OffHoursStart      int                  `yaml:"off_hours_start"`
	OffHoursEnd        int                  `yaml:"off_hours_end"`
}

type RuleEntry struct {
	WindowMs    int `yaml:"window_ms"`
	MaxRequests int `yaml:"max_requests"`
}

type AuditConfig struct {
	AuthFailureThreshold int `yaml:"auth_failure_threshold"`
	AuthFailureWindowS   int `yaml:"auth_failure_window_s"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	JSON          bool   `yaml:"json"`
	HumanReadable bool   `yaml:"human_readable"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     "127.0.0.1:8443",
			RequestTimeout: 10,
		},
		Storage: StorageConfig{
			DatabasePath: "/var/lib/teleguard/audit.db",
			KeyStorePath: "/var/lib/teleguard/master_key",
		},
		Session: SessionConfig{
			MaxAgeS:          3600,
			SweepIntervalS:   60,
			RetryInitialMs:   500,
			RetryMaxMs:       5000,
			RetryMaxAttempts: 3,
		},
		Pipeline: PipelineConfig{
			PollIntervalMs: 100,
		},
		Policy: PolicyConfig{
			DefaultWindowMs:    60000,
			DefaultMaxRequests: 60,
			BlockThreshold:     5,
			BlockDurationS:     3600,
			SweepIntervalS:     300,
			CSRFTokenTTLS:      3600,
			OffHoursStart:      23,
			OffHoursEnd:        6,
		},
		Audit: AuditConfig{
			AuthFailureThreshold: 5,
			AuthFailureWindowS:   600,
		},
		Logging: LoggingConfig{
			Level:         "info",
			JSON:          false,
			HumanReadable: true,
		},
		Tracing: TracingConfig{
			Endpoint:    "",
			Insecure:    false,
			SampleRatio: 1,
			LogSpans:    false,
		},
	}
}

// Load reads config from file with env var overrides
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if addr := os.Getenv("TELEGUARD_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if db := os.Getenv("TELEGUARD_DATABASE_PATH"); db != "" {
		cfg.Storage.DatabasePath = db
	}
	if ks := os.Getenv("TELEGUARD_KEY_STORE_PATH"); ks != "" {
		cfg.Storage.KeyStorePath = ks
	}
	if level := os.Getenv("TELEGUARD_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if ep := os.Getenv("TELEGUARD_TRACING_ENDPOINT"); ep != "" {
		cfg.Tracing.Endpoint = ep
	}
	if age := os.Getenv("TELEGUARD_SESSION_MAX_AGE_S"); age != "" {
		if v, err := strconv.Atoi(age); err == nil {
			cfg.Session.MaxAgeS = v
		}
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return ErrMissingListenAddr
	}
	if c.Storage.DatabasePath == "" {
		return ErrMissingDatabasePath
	}
	if c.Storage.KeyStorePath == "" {
		return ErrMissingKeyStorePath
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Session.MaxAgeS < 60 {
		return ErrInvalidSessionAge
	}
	if c.Session.SweepIntervalS <= 0 {
		c.Session.SweepIntervalS = 60
	}
	if c.Session.RetryInitialMs <= 0 {
		c.Session.RetryInitialMs = 500
	}
	if c.Session.RetryMaxMs < c.Session.RetryInitialMs {
		c.Session.RetryMaxMs = c.Session.RetryInitialMs
	}
	if c.Session.RetryMaxAttempts < 1 {
		c.Session.RetryMaxAttempts = 3
	}
	if c.Pipeline.PollIntervalMs <= 0 {
		c.Pipeline.PollIntervalMs = 100
	}
	if c.Policy.DefaultWindowMs <= 0 {
		c.Policy.DefaultWindowMs = 60000
	}
	if c.Policy.DefaultMaxRequests <= 0 {
		c.Policy.DefaultMaxRequests = 60
	}
	if c.Policy.BlockThreshold <= 0 {
		c.Policy.BlockThreshold = 5
	}
	if c.Policy.BlockDurationS <= 0 {
		c.Policy.BlockDurationS = 3600
	}
	if c.Policy.OffHoursStart < 0 || c.Policy.OffHoursStart > 23 {
		return ErrInvalidOffHours
	}
	if c.Policy.OffHoursEnd < 0 || c.Policy.OffHoursEnd > 23 {
		return ErrInvalidOffHours
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

var (
	ErrMissingListenAddr   = &Error{"listen address is required"}
	ErrMissingDatabasePath = &Error{"database path is required"}
	ErrMissingKeyStorePath = &Error{"key store path is required"}
	ErrInvalidSessionAge   = &Error{"session max age must be >= 60s"}
	ErrInvalidOffHours     = &Error{"off-hours bounds must be 0-23"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
