// Package config provides configuration management for Cadenza.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
//
// Every governance threshold (risk levels, rate-limit caps, anomaly weights,
// concurrency caps, token TTLs, backoff parameters) lives here so operators
// can tune policy without a rebuild.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Progress ProgressConfig `mapstructure:"progress"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL connection settings for the audit
// trail store. When URL is empty the service falls back to the in-memory
// audit store (development mode).
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig contains optional Redis settings. When Addr is empty the
// policy engine uses process-local counter and replay stores.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// SecurityConfig contains security policy settings.
type SecurityConfig struct {
	SessionSecret string        `mapstructure:"session_secret"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`

	// TokenSealingKey is the hex-encoded 256-bit AEAD key for confirmation
	// tokens. Auto-generated on first boot if missing.
	TokenSealingKey string        `mapstructure:"token_sealing_key"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`

	// MaxConcurrentOperations caps in-flight deletion operations globally,
	// independent of per-user rate limits.
	MaxConcurrentOperations int `mapstructure:"max_concurrent_operations"`

	RateLimits map[string]RateLimitRule `mapstructure:"rate_limits"`
	Anomaly    AnomalyConfig            `mapstructure:"anomaly"`
}

// RateLimitRule is a fixed-window cap for one action class.
type RateLimitRule struct {
	Cap    int           `mapstructure:"cap"`
	Window time.Duration `mapstructure:"window"`
}

// AnomalyConfig tunes the behavioral anomaly heuristics.
type AnomalyConfig struct {
	// Heuristic weights; each matched pattern adds its weight to the score.
	WeightDeletionBurst    int `mapstructure:"weight_deletion_burst"`
	WeightAuthFailures     int `mapstructure:"weight_auth_failures"`
	WeightPermissionDenied int `mapstructure:"weight_permission_denied"`
	WeightOffHoursBulk     int `mapstructure:"weight_off_hours_bulk"`

	// Pattern triggers.
	BurstCount       int           `mapstructure:"burst_count"`
	BurstWindow      time.Duration `mapstructure:"burst_window"`
	AuthFailureCount int           `mapstructure:"auth_failure_count"`
	DenialCount      int           `mapstructure:"denial_count"`

	// Work hours (local): bulk activity outside this range is suspicious.
	WorkHoursStart int `mapstructure:"work_hours_start"`
	WorkHoursEnd   int `mapstructure:"work_hours_end"`

	// Recommendation thresholds, ascending: monitor < warn < restrict < lock.
	WarnScore     int `mapstructure:"warn_score"`
	RestrictScore int `mapstructure:"restrict_score"`
	LockScore     int `mapstructure:"lock_score"`

	LockDuration time.Duration `mapstructure:"lock_duration"`
}

// AnalyzerConfig tunes impact analysis.
type AnalyzerConfig struct {
	MaxDepth int `mapstructure:"max_depth"`

	// Risk thresholds: totalAffectedCount > HighAffected (or any restrict
	// conflict / critical warning) maps to high; 0 maps to low.
	HighAffected         int    `mapstructure:"high_affected"`
	ConfirmAboveAffected int    `mapstructure:"confirm_above_affected"`
	CascadePolicyFile    string `mapstructure:"cascade_policy_file"`
}

// EngineConfig tunes the deletion execution engine.
type EngineConfig struct {
	DefaultBatchSize   int           `mapstructure:"default_batch_size"`
	TransientRetries   int           `mapstructure:"transient_retries"`
	TransientRetryWait time.Duration `mapstructure:"transient_retry_wait"`
	// Terminal operations are kept in the registry this long for status reads.
	OperationRetention time.Duration `mapstructure:"operation_retention"`
}

// ProgressConfig tunes the progress channel.
type ProgressConfig struct {
	BufferSize          int           `mapstructure:"buffer_size"`
	ReconnectInitial    time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax        time.Duration `mapstructure:"reconnect_max"`
	ReconnectMaxRetries int           `mapstructure:"reconnect_max_retries"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	CascadePoolSize int `mapstructure:"cascade_pool_size"`
}

var (
	bootstrapLoggerOnce sync.Once
	bootstrapLogger     *zap.Logger
)

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/cadenza")

	// Environment variable override without prefix: DATABASE_URL,
	// SERVER_PORT, SECURITY_TOKEN_TTL, and so on.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.ensureSecrets(); err != nil {
		return nil, fmt.Errorf("ensure secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Security.SessionSecret == "" {
		return fmt.Errorf("security.session_secret must not be empty")
	}
	if len(c.Security.SessionSecret) < 32 {
		return fmt.Errorf("security.session_secret must be at least 32 characters")
	}
	if len(c.Security.TokenSealingKey) != 64 {
		return fmt.Errorf("security.token_sealing_key must be 64 hex characters (256 bits)")
	}
	if _, err := hex.DecodeString(c.Security.TokenSealingKey); err != nil {
		return fmt.Errorf("security.token_sealing_key is not valid hex: %w", err)
	}
	if c.Security.MaxConcurrentOperations < 1 {
		return fmt.Errorf("security.max_concurrent_operations must be >= 1")
	}
	a := c.Security.Anomaly
	if !(a.WarnScore < a.RestrictScore && a.RestrictScore < a.LockScore) {
		return fmt.Errorf("anomaly thresholds must ascend: warn < restrict < lock")
	}
	if c.Analyzer.MaxDepth < 1 {
		return fmt.Errorf("analyzer.max_depth must be >= 1")
	}
	return nil
}

// TokenKey returns the decoded AEAD sealing key.
func (c *Config) TokenKey() []byte {
	key, err := hex.DecodeString(c.Security.TokenSealingKey)
	if err != nil {
		// Validate() guarantees decodability after Load.
		return nil
	}
	return key
}

// ensureSecrets auto-generates missing secrets on first boot.
func (c *Config) ensureSecrets() error {
	if c.Security.SessionSecret == "" {
		secret, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate session secret: %w", err)
		}
		c.Security.SessionSecret = secret
		logBootstrapWarn(
			"auto-generated session_secret; set SECURITY_SESSION_SECRET env var for persistence",
			zap.Int("length", len(secret)),
		)
	}
	if c.Security.TokenSealingKey == "" {
		key, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate token sealing key: %w", err)
		}
		c.Security.TokenSealingKey = key
		logBootstrapWarn(
			"auto-generated token_sealing_key; set SECURITY_TOKEN_SEALING_KEY env var for persistence",
			zap.Int("length", len(key)),
		)
	}
	return nil
}

func logBootstrapWarn(msg string, fields ...zap.Field) {
	bootstrapLoggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)

		l, err := cfg.Build()
		if err != nil {
			bootstrapLogger = zap.NewNop()
			return
		}
		bootstrapLogger = l
	})

	bootstrapLogger.Warn(msg, fields...)
}

// generateSecureRandomHex produces a hex-encoded string of n random bytes.
func generateSecureRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database (audit trail store)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")

	// Redis (optional shared state)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Security
	v.SetDefault("security.session_ttl", "12h")
	v.SetDefault("security.token_ttl", "5m")
	v.SetDefault("security.max_concurrent_operations", 10)

	// Rate limits per action class. Single-entity deletes are frequent with
	// a short window; bulk and cleanup get long windows and low caps.
	v.SetDefault("security.rate_limits.delete_single.cap", 10)
	v.SetDefault("security.rate_limits.delete_single.window", "1m")
	v.SetDefault("security.rate_limits.delete_bulk.cap", 3)
	v.SetDefault("security.rate_limits.delete_bulk.window", "10m")
	v.SetDefault("security.rate_limits.delete_cascade.cap", 5)
	v.SetDefault("security.rate_limits.delete_cascade.window", "5m")
	v.SetDefault("security.rate_limits.cleanup.cap", 2)
	v.SetDefault("security.rate_limits.cleanup.window", "1h")

	// Anomaly heuristics
	v.SetDefault("security.anomaly.weight_deletion_burst", 30)
	v.SetDefault("security.anomaly.weight_auth_failures", 25)
	v.SetDefault("security.anomaly.weight_permission_denied", 20)
	v.SetDefault("security.anomaly.weight_off_hours_bulk", 15)
	v.SetDefault("security.anomaly.burst_count", 5)
	v.SetDefault("security.anomaly.burst_window", "5m")
	v.SetDefault("security.anomaly.auth_failure_count", 3)
	v.SetDefault("security.anomaly.denial_count", 3)
	v.SetDefault("security.anomaly.work_hours_start", 7)
	v.SetDefault("security.anomaly.work_hours_end", 21)
	v.SetDefault("security.anomaly.warn_score", 20)
	v.SetDefault("security.anomaly.restrict_score", 40)
	v.SetDefault("security.anomaly.lock_score", 60)
	v.SetDefault("security.anomaly.lock_duration", "30m")

	// Analyzer
	v.SetDefault("analyzer.max_depth", 5)
	v.SetDefault("analyzer.high_affected", 20)
	v.SetDefault("analyzer.confirm_above_affected", 0)
	v.SetDefault("analyzer.cascade_policy_file", "")

	// Engine
	v.SetDefault("engine.default_batch_size", 25)
	v.SetDefault("engine.transient_retries", 2)
	v.SetDefault("engine.transient_retry_wait", "200ms")
	v.SetDefault("engine.operation_retention", "1h")

	// Progress channel
	v.SetDefault("progress.buffer_size", 64)
	v.SetDefault("progress.reconnect_initial", "500ms")
	v.SetDefault("progress.reconnect_max", "30s")
	v.SetDefault("progress.reconnect_max_retries", 8)

	// Worker pools
	v.SetDefault("worker.general_pool_size", 50)
	v.SetDefault("worker.cascade_pool_size", 20)
}
