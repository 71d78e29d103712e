package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"apigate/internal/models"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "APIGATE_"

// Load builds the configuration: defaults, then the YAML file (when path is
// set), then APIGATE_* environment overrides, then validation.
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// warnUnknownKeys logs keys the config tree does not know. They are ignored
// by the main decoder, so a typo would otherwise silently fall back to a default.
func warnUnknownKeys(data []byte) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var probe models.Config
	if err := dec.Decode(&probe); err != nil && !errors.Is(err, io.EOF) {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			for _, msg := range typeErr.Errors {
				if strings.Contains(msg, "not found in type") {
					slog.Warn("Unknown config key ignored", "detail", msg)
				}
			}
		}
	}
}

func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	warnUnknownKeys(data)
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func loadFromEnvironment(config *models.Config) {
	// Server
	envInt("PORT", &config.Server.Port)
	envString("HOST", &config.Server.Host)
	envDuration("READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envBool("TLS_ENABLED", &config.Server.TLSEnabled)
	envString("TLS_CERT_FILE", &config.Server.TLSCertFile)
	envString("TLS_KEY_FILE", &config.Server.TLSKeyFile)
	envBool("CORS_ENABLED", &config.Server.CORS.Enabled)
	envList("CORS_ALLOWED_ORIGINS", &config.Server.CORS.AllowedOrigins)

	// Storage
	envString("STORAGE_TYPE", &config.Storage.Type)
	envString("STORAGE_PATH", &config.Storage.Path)
	envBool("STORAGE_AUTO_MIGRATE", &config.Storage.AutoMigrate)
	envString("DATABASE_DSN", &config.Storage.Database.DSN)
	envInt("DATABASE_MAX_OPEN_CONNS", &config.Storage.Database.MaxOpenConns)
	envInt("DATABASE_MAX_IDLE_CONNS", &config.Storage.Database.MaxIdleConns)

	// Rate limiting
	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envString("RATE_LIMIT_BACKEND", &config.RateLimit.Backend)
	envString("RATE_LIMIT_FAILURE_MODE", &config.RateLimit.FailureMode)
	envDuration("RATE_LIMIT_STORE_TIMEOUT", &config.RateLimit.StoreTimeout)
	envBool("RATE_LIMIT_TRUST_FORWARDED_FOR", &config.RateLimit.TrustForwardedFor)
	envInt("RATE_LIMIT_ANONYMOUS", &config.RateLimit.Tiers.Anonymous)
	envInt("RATE_LIMIT_STANDARD", &config.RateLimit.Tiers.Standard)
	envInt("RATE_LIMIT_ELEVATED", &config.RateLimit.Tiers.Elevated)

	// Auth and two-factor
	envString("API_KEY_HEADER", &config.Auth.APIKeyHeader)
	envString("TOTP_ISSUER", &config.TwoFactor.Issuer)

	// Redis
	envString("REDIS_ADDR", &config.Redis.Addr)
	envString("REDIS_PASSWORD", &config.Redis.Password)
	envInt("REDIS_DB", &config.Redis.DB)
	envInt("REDIS_POOL_SIZE", &config.Redis.PoolSize)

	// Logging
	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)
	envString("LOG_OUTPUT", &config.Logging.Output)
	envString("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics and tracing
	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)
	envInt("METRICS_PORT", &config.Metrics.Port)
	envBool("TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	envString("TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	envString("OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring invalid integer environment override", "variable", EnvPrefix+name, "value", v)
		return
	}
	*dst = n
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = strings.ToLower(v) == "true"
	}
}

func envDuration(name string, dst *time.Duration) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Ignoring invalid duration environment override", "variable", EnvPrefix+name, "value", v)
		return
	}
	*dst = d
}

func envList(name string, dst *[]string) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

// SaveExample writes an annotated-by-values example configuration that uses
// SQLite for accounts and Redis for shared buckets.
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()

	config.Storage.Type = models.StorageTypeSQLite
	config.Storage.Database.DSN = "file:./data/apigate.db"
	config.RateLimit.Backend = models.RateLimitBackendRedis
	config.RateLimit.FailureMode = models.FailureModeOpen
	config.Server.TLSCertFile = "/path/to/cert.pem"
	config.Server.TLSKeyFile = "/path/to/key.pem"
	config.Observability.Tracing.OTLPEndpoint = "localhost:4317"

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
