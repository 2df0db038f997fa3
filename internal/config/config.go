// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Re-escalation policies for a task that is still breached after the
// escalation cooldown.
const (
	PolicySameTarget    = "same_target"
	PolicyWalkHierarchy = "walk_hierarchy"
)

// Driver names.
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverLog       = "log"
	DriverNATS      = "nats"
	DriverDirectory = "directory"
	DriverHTTP      = "http"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Admin         AdminConfig         `yaml:"admin"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Store         StoreConfig         `yaml:"store"`
	Lease         LeaseConfig         `yaml:"lease"`
	Notify        NotifyConfig        `yaml:"notify"`
	OrgChart      OrgChartConfig      `yaml:"orgchart"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the admin HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig protects the manual run trigger. When JWTSecretEnv names an
// environment variable, POST /v1/runs requires an HS256 bearer token signed
// with its value.
type AdminConfig struct {
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	Issuer       string `yaml:"issuer"`
}

// EscalationConfig holds the engine-wide escalation defaults. Stage
// definitions may override the SLA, warning threshold and cooldowns.
type EscalationConfig struct {
	ScanInterval                 time.Duration `yaml:"scan_interval"`
	DefaultSLAHours              float64       `yaml:"default_sla_hours"`
	DefaultWarningThresholdHours float64       `yaml:"default_warning_threshold_hours"`
	EscalationCooldownHours      float64       `yaml:"escalation_cooldown_hours"`
	ReminderCooldownHours        float64       `yaml:"reminder_cooldown_hours"`
	WorkerConcurrency            int           `yaml:"worker_concurrency"`
	PerTaskTimeout               time.Duration `yaml:"per_task_timeout"`
	IOTimeout                    time.Duration `yaml:"io_timeout"`
	LeaseMargin                  time.Duration `yaml:"lease_margin"`
	ReescalationPolicy           string        `yaml:"reescalation_policy"`
	TenantFilter                 []string      `yaml:"tenant_filter"`
	FetchLimit                   int           `yaml:"fetch_limit"`
	MinStageAge                  time.Duration `yaml:"min_stage_age"`
	MaxFailureSamples            int           `yaml:"max_failure_samples"`
}

// LeaseTTL is how long a per-task lease lives before it expires on its own.
func (c EscalationConfig) LeaseTTL() time.Duration {
	return c.PerTaskTimeout + c.LeaseMargin
}

// StoreConfig describes workflow instance persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// LeaseConfig describes where per-task leases live.
type LeaseConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
	Prefix  string `yaml:"prefix"`
}

// NotifyConfig describes the notification dispatcher.
type NotifyConfig struct {
	Driver         string               `yaml:"driver"`
	URL            string               `yaml:"url"`
	SubjectPrefix  string               `yaml:"subject_prefix"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// OrgChartConfig describes the org hierarchy resolver.
type OrgChartConfig struct {
	Driver         string               `yaml:"driver"`
	DirectoryFile  string               `yaml:"directory_file"`
	BaseURL        string               `yaml:"base_url"`
	TokenEnv       string               `yaml:"token_env"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// AuditConfig describes the escalation event sink. The postgres driver
// shares the store DSN.
type AuditConfig struct {
	Driver string `yaml:"driver"`
}

// CircuitBreakerConfig describes circuit breaker settings per dependency.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values. The drivers
// default to the in-process implementations.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Escalation: EscalationConfig{
			ScanInterval:                 15 * time.Minute,
			DefaultSLAHours:              48,
			DefaultWarningThresholdHours: 4,
			EscalationCooldownHours:      24,
			ReminderCooldownHours:        24,
			WorkerConcurrency:            8,
			PerTaskTimeout:               10 * time.Second,
			IOTimeout:                    5 * time.Second,
			LeaseMargin:                  5 * time.Second,
			ReescalationPolicy:           PolicySameTarget,
			MaxFailureSamples:            20,
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			MaxConns:        10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Lease: LeaseConfig{
			Driver: DriverMemory,
			Prefix: "escalator:",
		},
		Notify: NotifyConfig{
			Driver:        DriverLog,
			SubjectPrefix: "escalator.notifications",
			Timeout:       5 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		OrgChart: OrgChartConfig{
			Driver:  DriverDirectory,
			Timeout: 5 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Audit: AuditConfig{
			Driver: DriverMemory,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	e := c.Escalation
	if e.ScanInterval <= 0 {
		errs = append(errs, "escalation.scan_interval must be positive")
	}
	if e.WorkerConcurrency < 1 || e.WorkerConcurrency > 64 {
		errs = append(errs, "escalation.worker_concurrency must be between 1 and 64")
	}
	if e.PerTaskTimeout <= 0 {
		errs = append(errs, "escalation.per_task_timeout must be positive")
	}
	if e.IOTimeout <= 0 {
		errs = append(errs, "escalation.io_timeout must be positive")
	} else if e.PerTaskTimeout > 0 && e.IOTimeout > e.PerTaskTimeout {
		errs = append(errs, "escalation.io_timeout must not exceed per_task_timeout")
	}
	if e.LeaseMargin < 0 {
		errs = append(errs, "escalation.lease_margin must not be negative")
	}
	if e.EscalationCooldownHours <= 0 {
		errs = append(errs, "escalation.escalation_cooldown_hours must be positive")
	}
	if e.ReminderCooldownHours <= 0 {
		errs = append(errs, "escalation.reminder_cooldown_hours must be positive")
	}
	if e.DefaultWarningThresholdHours < 0 {
		errs = append(errs, "escalation.default_warning_threshold_hours must not be negative")
	}
	if e.FetchLimit < 0 {
		errs = append(errs, "escalation.fetch_limit must not be negative")
	}
	if e.MinStageAge < 0 {
		errs = append(errs, "escalation.min_stage_age must not be negative")
	}
	switch e.ReescalationPolicy {
	case PolicySameTarget, PolicyWalkHierarchy:
	default:
		errs = append(errs, fmt.Sprintf("escalation.reescalation_policy %q is not one of %s, %s",
			e.ReescalationPolicy, PolicySameTarget, PolicyWalkHierarchy))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	switch c.Lease.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Lease.AddrEnv == "" {
			errs = append(errs, "lease.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("lease.driver %q is not supported", c.Lease.Driver))
	}

	switch c.Notify.Driver {
	case DriverLog:
	case DriverNATS:
		if c.Notify.URL == "" {
			errs = append(errs, "notify.url is required for the nats driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.driver %q is not supported", c.Notify.Driver))
	}

	switch c.OrgChart.Driver {
	case DriverDirectory:
		if c.OrgChart.DirectoryFile == "" {
			errs = append(errs, "orgchart.directory_file is required for the directory driver")
		}
	case DriverHTTP:
		if c.OrgChart.BaseURL == "" {
			errs = append(errs, "orgchart.base_url is required for the http driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("orgchart.driver %q is not supported", c.OrgChart.Driver))
	}

	switch c.Audit.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres audit driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("audit.driver %q is not supported", c.Audit.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads ESCALATOR_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ESCALATOR_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ESCALATOR_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("ESCALATOR_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Escalation.ScanInterval = d
		}
	}
	if v := os.Getenv("ESCALATOR_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Escalation.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("ESCALATOR_REESCALATION_POLICY"); v != "" {
		cfg.Escalation.ReescalationPolicy = v
	}
	if v := os.Getenv("ESCALATOR_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ESCALATOR_NATS_URL"); v != "" {
		cfg.Notify.URL = v
	}
	if v := os.Getenv("ESCALATOR_ORGCHART_BASE_URL"); v != "" {
		cfg.OrgChart.BaseURL = v
	}
}
