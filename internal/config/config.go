package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete client configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat  string           `yaml:"log_format" env:"LOG_FORMAT"` // json or text
	Backend    BackendConfig    `yaml:"backend"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Storage    StorageConfig    `yaml:"storage"`
	Polling    PollingConfig    `yaml:"polling"`
	Crop       CropConfig       `yaml:"crop"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Audit      AuditConfig      `yaml:"audit"`
	Cache      CacheConfig      `yaml:"cache"`
	Watch      WatchConfig      `yaml:"watch"`
}

// BackendConfig holds the OCR backend API configuration.
type BackendConfig struct {
	BaseURL    string        `yaml:"base_url" env:"BACKEND_BASE_URL"`
	UploadPath string        `yaml:"upload_path" env:"BACKEND_UPLOAD_PATH"`
	StatusPath string        `yaml:"status_path" env:"BACKEND_STATUS_PATH"` // may contain {documentId}
	Timeout    time.Duration `yaml:"timeout" env:"BACKEND_TIMEOUT"`
	AuthToken  string        `yaml:"auth_token" env:"BACKEND_AUTH_TOKEN"`
	TokenFile  string        `yaml:"token_file" env:"BACKEND_TOKEN_FILE"`
	Retry      RetryConfig   `yaml:"retry"`
}

// RetryConfig holds retry/backoff configuration for backend requests.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"BACKEND_RETRY_MAX_ATTEMPTS"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"BACKEND_RETRY_INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"BACKEND_RETRY_MAX_BACKOFF"`
	Multiplier     float64       `yaml:"multiplier" env:"BACKEND_RETRY_MULTIPLIER"`
}

// EncryptionConfig holds envelope encryption settings.
type EncryptionConfig struct {
	Algorithm         string `yaml:"algorithm" env:"ENCRYPTION_ALGORITHM"`                   // XOR, AES256-GCM, ChaCha20-Poly1305
	FingerprintPolicy string `yaml:"fingerprint_policy" env:"ENCRYPTION_FINGERPRINT_POLICY"` // strict or lenient
}

// StorageConfig holds local storage locations.
type StorageConfig struct {
	DataDir         string `yaml:"data_dir" env:"STORAGE_DATA_DIR"`
	CacheDir        string `yaml:"cache_dir" env:"STORAGE_CACHE_DIR"`
	KeystorePath    string `yaml:"keystore_path" env:"STORAGE_KEYSTORE_PATH"` // SQLite database
	RetainTempFiles bool   `yaml:"retain_temp_files" env:"STORAGE_RETAIN_TEMP_FILES"`
}

// PollingConfig holds job status polling settings.
type PollingConfig struct {
	Interval    time.Duration `yaml:"interval" env:"POLLING_INTERVAL"`
	Timeout     time.Duration `yaml:"timeout" env:"POLLING_TIMEOUT"`
	MaxFailures int           `yaml:"max_failures" env:"POLLING_MAX_FAILURES"`
}

// CropConfig holds crop validation settings.
type CropConfig struct {
	MinSize int `yaml:"min_size" env:"CROP_MIN_SIZE"` // pixels per edge
}

// ArchiveConfig holds the optional S3 envelope archive configuration.
type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ARCHIVE_ENABLED"`
	Bucket       string `yaml:"bucket" env:"ARCHIVE_BUCKET"`
	Prefix       string `yaml:"prefix" env:"ARCHIVE_PREFIX"`
	Region       string `yaml:"region" env:"ARCHIVE_REGION"`
	Endpoint     string `yaml:"endpoint" env:"ARCHIVE_ENDPOINT"` // empty for AWS
	AccessKey    string `yaml:"access_key" env:"ARCHIVE_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"ARCHIVE_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"ARCHIVE_USE_PATH_STYLE"`
}

// MetricsConfig holds the metrics endpoint configuration (watch mode).
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	ListenAddr string `yaml:"listen_addr" env:"METRICS_LISTEN_ADDR"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName    string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter       string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint   string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio  float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int    `yaml:"max_events" env:"AUDIT_MAX_EVENTS"`
	FilePath  string `yaml:"file_path" env:"AUDIT_FILE_PATH"` // JSON lines; stderr when empty
}

// CacheConfig holds the job status cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxSize    int64         `yaml:"max_size" env:"CACHE_MAX_SIZE"`
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"`
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
}

// WatchConfig holds inbox watcher settings.
type WatchConfig struct {
	Dir        string        `yaml:"dir" env:"WATCH_DIR"`
	Extensions []string      `yaml:"extensions" env:"WATCH_EXTENSIONS"`
	Settle     time.Duration `yaml:"settle" env:"WATCH_SETTLE"` // wait for writes to finish
}

// Default returns the configuration used before any file or environment
// overrides are applied.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Backend: BackendConfig{
			UploadPath: "/api/documents/upload",
			StatusPath: "/api/documents/{documentId}/status",
			Timeout:    60 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     10 * time.Second,
				Multiplier:     2.0,
			},
		},
		Encryption: EncryptionConfig{
			Algorithm:         "XOR",
			FingerprintPolicy: "strict",
		},
		Polling: PollingConfig{
			Interval:    3 * time.Second,
			Timeout:     10 * time.Minute,
			MaxFailures: 3,
		},
		Crop: CropConfig{
			MinSize: 10,
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			Prefix: "envelopes/",
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9090",
		},
		Tracing: TracingConfig{
			ServiceName:    "secure-ocr-client",
			ServiceVersion: "dev",
			Exporter:       "stdout",
			SamplingRatio:  1.0,
		},
		Audit: AuditConfig{
			MaxEvents: 1000,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    1024 * 1024,
			MaxItems:   1000,
			DefaultTTL: 10 * time.Minute,
		},
		Watch: WatchConfig{
			Extensions: []string{".jpg", ".jpeg", ".png"},
			Settle:     500 * time.Millisecond,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)
	config.applyStorageDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyStorageDefaults derives unset storage paths from the data directory.
func (c *Config) applyStorageDefaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir()
	}
	if c.Storage.CacheDir == "" {
		c.Storage.CacheDir = filepath.Join(c.Storage.DataDir, "cache")
	}
	if c.Storage.KeystorePath == "" {
		c.Storage.KeystorePath = filepath.Join(c.Storage.DataDir, "client.db")
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "secure-ocr-client")
	}
	return ".secure-ocr-client"
}

// ResolveAuthToken returns the configured bearer token, reading token_file
// when auth_token is empty.
func (c *Config) ResolveAuthToken() (string, error) {
	if c.Backend.AuthToken != "" || c.Backend.TokenFile == "" {
		return c.Backend.AuthToken, nil
	}
	data, err := os.ReadFile(c.Backend.TokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read backend.token_file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LOG_LEVEL", &config.LogLevel)
	envString("LOG_FORMAT", &config.LogFormat)

	envString("BACKEND_BASE_URL", &config.Backend.BaseURL)
	envString("BACKEND_UPLOAD_PATH", &config.Backend.UploadPath)
	envString("BACKEND_STATUS_PATH", &config.Backend.StatusPath)
	envDuration("BACKEND_TIMEOUT", &config.Backend.Timeout)
	envString("BACKEND_AUTH_TOKEN", &config.Backend.AuthToken)
	envString("BACKEND_TOKEN_FILE", &config.Backend.TokenFile)
	envInt("BACKEND_RETRY_MAX_ATTEMPTS", &config.Backend.Retry.MaxAttempts)
	envDuration("BACKEND_RETRY_INITIAL_BACKOFF", &config.Backend.Retry.InitialBackoff)
	envDuration("BACKEND_RETRY_MAX_BACKOFF", &config.Backend.Retry.MaxBackoff)
	if v := os.Getenv("BACKEND_RETRY_MULTIPLIER"); v != "" {
		if m, err := strconv.ParseFloat(v, 64); err == nil && m >= 1.0 {
			config.Backend.Retry.Multiplier = m
		}
	}

	envString("ENCRYPTION_ALGORITHM", &config.Encryption.Algorithm)
	envString("ENCRYPTION_FINGERPRINT_POLICY", &config.Encryption.FingerprintPolicy)

	envString("STORAGE_DATA_DIR", &config.Storage.DataDir)
	envString("STORAGE_CACHE_DIR", &config.Storage.CacheDir)
	envString("STORAGE_KEYSTORE_PATH", &config.Storage.KeystorePath)
	envBool("STORAGE_RETAIN_TEMP_FILES", &config.Storage.RetainTempFiles)

	envDuration("POLLING_INTERVAL", &config.Polling.Interval)
	envDuration("POLLING_TIMEOUT", &config.Polling.Timeout)
	envInt("POLLING_MAX_FAILURES", &config.Polling.MaxFailures)

	envInt("CROP_MIN_SIZE", &config.Crop.MinSize)

	envBool("ARCHIVE_ENABLED", &config.Archive.Enabled)
	envString("ARCHIVE_BUCKET", &config.Archive.Bucket)
	envString("ARCHIVE_PREFIX", &config.Archive.Prefix)
	envString("ARCHIVE_REGION", &config.Archive.Region)
	envString("ARCHIVE_ENDPOINT", &config.Archive.Endpoint)
	envString("ARCHIVE_ACCESS_KEY", &config.Archive.AccessKey)
	envString("ARCHIVE_SECRET_KEY", &config.Archive.SecretKey)
	envBool("ARCHIVE_USE_PATH_STYLE", &config.Archive.UsePathStyle)

	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_LISTEN_ADDR", &config.Metrics.ListenAddr)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_JAEGER_ENDPOINT", &config.Tracing.JaegerEndpoint)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}

	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)
	envString("AUDIT_FILE_PATH", &config.Audit.FilePath)

	envBool("CACHE_ENABLED", &config.Cache.Enabled)
	if v := os.Getenv("CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Cache.MaxSize = n
		}
	}
	envInt("CACHE_MAX_ITEMS", &config.Cache.MaxItems)
	envDuration("CACHE_DEFAULT_TTL", &config.Cache.DefaultTTL)

	envString("WATCH_DIR", &config.Watch.Dir)
	if v := os.Getenv("WATCH_EXTENSIONS"); v != "" {
		// Comma-separated list of extensions
		config.Watch.Extensions = strings.Split(v, ",")
		for i := range config.Watch.Extensions {
			config.Watch.Extensions[i] = strings.TrimSpace(config.Watch.Extensions[i])
		}
	}
	envDuration("WATCH_SETTLE", &config.Watch.Settle)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid backend.base_url: %s", c.Backend.BaseURL)
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if c.Backend.Retry.MaxAttempts < 1 {
		return fmt.Errorf("backend.retry.max_attempts must be at least 1")
	}
	if c.Backend.Retry.InitialBackoff > c.Backend.Retry.MaxBackoff {
		return fmt.Errorf("backend.retry.initial_backoff must not exceed max_backoff")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}
	if c.LogFormat != "" && c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log_format: %s (must be json or text)", c.LogFormat)
	}

	allowed := map[string]bool{
		"XOR":               true,
		"AES256-GCM":        true,
		"ChaCha20-Poly1305": true,
	}
	if !allowed[strings.TrimSpace(c.Encryption.Algorithm)] {
		return fmt.Errorf("invalid encryption.algorithm: %s", c.Encryption.Algorithm)
	}
	if p := c.Encryption.FingerprintPolicy; p != "strict" && p != "lenient" {
		return fmt.Errorf("invalid encryption.fingerprint_policy: %s (must be strict or lenient)", p)
	}

	if c.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive")
	}
	if c.Polling.Timeout < c.Polling.Interval {
		return fmt.Errorf("polling.timeout must be at least polling.interval")
	}
	if c.Polling.MaxFailures < 1 {
		return fmt.Errorf("polling.max_failures must be at least 1")
	}
	if c.Crop.MinSize < 1 {
		return fmt.Errorf("crop.min_size must be at least 1")
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when the archive is enabled")
		}
		if c.Archive.Region == "" {
			return fmt.Errorf("archive.region is required when the archive is enabled")
		}
		if (c.Archive.AccessKey == "") != (c.Archive.SecretKey == "") {
			return fmt.Errorf("archive.access_key and archive.secret_key must be set together")
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	if c.Cache.Enabled {
		if c.Cache.MaxSize <= 0 || c.Cache.MaxItems <= 0 {
			return fmt.Errorf("cache.max_size and cache.max_items must be positive when the cache is enabled")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}
