// Package models - Service configuration and operational settings.
// This file defines the configuration tree for every gate component.
//
// Configuration layout:
// - Server: HTTP listener settings
// - Storage: account store backend
// - RateLimit: tiers, bucket backend, failure policy
// - Auth: API key header and last-used writer
// - TwoFactor: TOTP issuer and backup code shape
// - Redis: connection used by the redis bucket backend
// - Logging, Metrics, Observability: ambient telemetry
package models

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Storage type constants
const (
	StorageTypeJSON     = "json"
	StorageTypeMemory   = "memory"
	StorageTypePostgres = "postgres"
	StorageTypeSQLite   = "sqlite"
)

// Rate limit bucket backends
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// Rate limit store failure modes
const (
	FailureModeOpen   = "open"   // accept requests when the bucket store is unavailable
	FailureModeClosed = "closed" // reject requests when the bucket store is unavailable
)

// Config is the root configuration structure containing all service settings.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Auth          AuthConfig          `yaml:"auth" json:"auth"`
	TwoFactor     TwoFactorConfig     `yaml:"two_factor" json:"two_factor"`
	Redis         RedisConfig         `yaml:"redis" json:"redis"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
	CORS         CORSConfig    `yaml:"cors" json:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
	MaxAge         int      `yaml:"max_age" json:"max_age"`
}

type StorageConfig struct {
	Type        string         `yaml:"type" json:"type"`
	Path        string         `yaml:"path" json:"path"`
	Database    DatabaseConfig `yaml:"database" json:"database"`
	AutoMigrate bool           `yaml:"auto_migrate" json:"auto_migrate"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// RateLimitConfig controls the request gate.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	Backend           string        `yaml:"backend" json:"backend"`             // memory or redis
	FailureMode       string        `yaml:"failure_mode" json:"failure_mode"`   // open or closed
	StoreTimeout      time.Duration `yaml:"store_timeout" json:"store_timeout"` // upper bound per decision
	Interval          time.Duration `yaml:"interval" json:"interval"`           // refill window, one minute
	CleanupInterval   time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	TrustForwardedFor bool          `yaml:"trust_forwarded_for" json:"trust_forwarded_for"`
	PathPrefix        string        `yaml:"path_prefix" json:"path_prefix"`
	ExemptPaths       []string      `yaml:"exempt_paths" json:"exempt_paths"`
	Tiers             TierLimits    `yaml:"tiers" json:"tiers"`
}

// TierLimits holds per-minute capacities for each policy tier.
type TierLimits struct {
	Anonymous int `yaml:"anonymous" json:"anonymous"`
	Standard  int `yaml:"standard" json:"standard"`
	Elevated  int `yaml:"elevated" json:"elevated"`
}

type AuthConfig struct {
	APIKeyHeader      string        `yaml:"api_key_header" json:"api_key_header"`
	LastUsedQueueSize int           `yaml:"last_used_queue_size" json:"last_used_queue_size"`
	LastUsedTimeout   time.Duration `yaml:"last_used_timeout" json:"last_used_timeout"`
}

type TwoFactorConfig struct {
	Issuer           string `yaml:"issuer" json:"issuer"`
	BackupCodeCount  int    `yaml:"backup_code_count" json:"backup_code_count"`
	BackupCodeLength int    `yaml:"backup_code_length" json:"backup_code_length"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"` // stdout or otlp
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration that runs out of the box with
// in-memory account and bucket stores.
//
// Default tiers: anonymous 100/min, standard 100/min, elevated 10000/min.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-API-KEY"},
				MaxAge:         86400,
			},
		},
		Storage: StorageConfig{
			Type: StorageTypeMemory,
			Path: "./data/accounts.json",
			Database: DatabaseConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 5 * time.Minute,
			},
			AutoMigrate: true,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			Backend:         RateLimitBackendMemory,
			FailureMode:     FailureModeOpen,
			StoreTimeout:    250 * time.Millisecond,
			Interval:        time.Minute,
			CleanupInterval: 5 * time.Minute,
			PathPrefix:      "/api/",
			ExemptPaths:     []string{"/api/docs", "/api/graphql/graphiql"},
			Tiers: TierLimits{
				Anonymous: 100,
				Standard:  100,
				Elevated:  10000,
			},
		},
		Auth: AuthConfig{
			APIKeyHeader:      "X-API-KEY",
			LastUsedQueueSize: 1024,
			LastUsedTimeout:   5 * time.Second,
		},
		TwoFactor: TwoFactorConfig{
			Issuer:           "MyApp",
			BackupCodeCount:  8,
			BackupCodeLength: 8,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "apigate",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	if c.RateLimit.Enabled && c.RateLimit.Backend == RateLimitBackendRedis && c.Redis.Addr == "" {
		return errors.New("invalid rate limit config: redis address is required for the redis backend")
	}

	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("invalid auth config: %w", err)
	}

	if err := c.TwoFactor.Validate(); err != nil {
		return fmt.Errorf("invalid two factor config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (stc *StorageConfig) Validate() error {
	validTypes := []string{StorageTypeJSON, StorageTypeMemory, StorageTypePostgres, StorageTypeSQLite}
	if !slices.Contains(validTypes, stc.Type) {
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}

	if stc.Type == StorageTypeJSON && stc.Path == "" {
		return errors.New("path is required for JSON storage")
	}

	if (stc.Type == StorageTypePostgres || stc.Type == StorageTypeSQLite) && stc.Database.DSN == "" {
		return errors.New("database DSN is required for database storage")
	}

	return nil
}

func (rc *RateLimitConfig) Validate() error {
	if !rc.Enabled {
		return nil
	}

	if rc.Backend != RateLimitBackendMemory && rc.Backend != RateLimitBackendRedis {
		return fmt.Errorf("invalid backend: %s", rc.Backend)
	}

	if rc.FailureMode != FailureModeOpen && rc.FailureMode != FailureModeClosed {
		return fmt.Errorf("invalid failure mode: %s", rc.FailureMode)
	}

	if rc.StoreTimeout <= 0 {
		return errors.New("store timeout must be positive")
	}

	if rc.Interval <= 0 {
		return errors.New("interval must be positive")
	}

	if rc.Tiers.Anonymous <= 0 || rc.Tiers.Standard <= 0 || rc.Tiers.Elevated <= 0 {
		return errors.New("tier limits must be positive")
	}

	if rc.PathPrefix == "" {
		return errors.New("path prefix cannot be empty")
	}

	return nil
}

func (ac *AuthConfig) Validate() error {
	if ac.APIKeyHeader == "" {
		return errors.New("api key header cannot be empty")
	}
	if ac.LastUsedQueueSize <= 0 {
		return errors.New("last used queue size must be positive")
	}
	if ac.LastUsedTimeout <= 0 {
		return errors.New("last used timeout must be positive")
	}
	return nil
}

func (tc *TwoFactorConfig) Validate() error {
	if tc.Issuer == "" {
		return errors.New("issuer cannot be empty")
	}
	if tc.BackupCodeCount <= 0 {
		return errors.New("backup code count must be positive")
	}
	if tc.BackupCodeLength < 6 {
		return errors.New("backup code length must be at least 6")
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, lc.Level) {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	if !slices.Contains([]string{"json", "text"}, lc.Format) {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	if !slices.Contains([]string{"stdout", "stderr", "file"}, lc.Output) {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if oc.ServiceName == "" {
		return errors.New("service name cannot be empty")
	}
	if !oc.Tracing.Enabled {
		return nil
	}
	switch oc.Tracing.Exporter {
	case "stdout":
	case "otlp":
		if oc.Tracing.OTLPEndpoint == "" {
			return errors.New("otlp endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("unsupported trace exporter: %s", oc.Tracing.Exporter)
	}
	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}
	return nil
}
