// Package config loads server configuration from environment variables with
// an optional .env file for development convenience.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Port        int    `env:"PORT" envDefault:"5000"`
	Environment string `env:"NODE_ENV" envDefault:"development"`
	InstanceID  string `env:"INSTANCE_ID"` // generated when empty
	JWTSecret   string `env:"JWT_SECRET,required"`

	// Hot tier (Redis)
	RedisClusterEnabled bool          `env:"REDIS_CLUSTER_ENABLED" envDefault:"false"`
	RedisMasterHost     string        `env:"REDIS_MASTER_HOST" envDefault:"localhost"`
	RedisMasterPort     int           `env:"REDIS_MASTER_PORT" envDefault:"6379"`
	RedisSlaveHost      string        `env:"REDIS_SLAVE_HOST" envDefault:"localhost"`
	RedisSlavePort      int           `env:"REDIS_SLAVE_PORT" envDefault:"16379"`
	RedisConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"5s"`
	RedisMaxRetries     int           `env:"REDIS_MAX_RETRIES" envDefault:"5"`
	RedisRetryDelay     time.Duration `env:"REDIS_RETRY_DELAY" envDefault:"500ms"`
	RedisFailoverTimeout time.Duration `env:"REDIS_FAILOVER_TIMEOUT" envDefault:"3s"`

	// Durable tier (MongoDB)
	MongoURI                string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017/chat"`
	MongoReplicationEnabled bool   `env:"MONGO_REPLICATION_ENABLED" envDefault:"false"`

	// Multi-instance coordination
	RedisCrossReplicationEnabled bool          `env:"REDIS_CROSS_REPLICATION_ENABLED" envDefault:"false"`
	RedisPeerInstances           []string      `env:"REDIS_PEER_INSTANCES" envSeparator:","` // host:port per peer hot tier
	PeerInstances                []string      `env:"PEER_INSTANCES" envSeparator:","`       // HTTP base URL per peer
	HealthCheckInterval          time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"10s"`
	LockCleanupInterval          time.Duration `env:"LOCK_CLEANUP_INTERVAL" envDefault:"60s"`

	// Object store (S3)
	AWSAccessKeyID      string        `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey  string        `env:"AWS_SECRET_ACCESS_KEY"`
	AWSRegion           string        `env:"AWS_REGION" envDefault:"ap-northeast-2"`
	S3BucketName        string        `env:"S3_BUCKET_NAME"`
	S3PresignedURLExpiry time.Duration `env:"S3_PRESIGNED_URL_EXPIRY" envDefault:"15m"`

	// Session layer
	DuplicateLoginGrace time.Duration `env:"DUPLICATE_LOGIN_GRACE" envDefault:"10s"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	WSMaxConnections    int           `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	WSConnRateEnabled   bool          `env:"WS_CONN_RATE_ENABLED" envDefault:"false"`

	// AI assistants
	AIProvider string `env:"AI_PROVIDER" envDefault:"stub"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func Load(logger *zerolog.Logger) (*Config, error) {
	// Load .env file (optional - OK if it doesn't exist)
	// In production (Docker), we use environment variables directly
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else {
		if logger != nil {
			logger.Info().Msg("Loaded configuration from .env file")
		}
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = generateInstanceID(cfg.Port)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// generateInstanceID builds a stable-enough identifier for this process:
// hostname plus a short random suffix so two instances on one host differ.
func generateInstanceID(port int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return fmt.Sprintf("%s-%d-%s", host, port, uuid.NewString()[:8])
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.MongoURI == "" {
		return fmt.Errorf("MONGO_URI is required")
	}

	// Range checks
	if c.RedisMaxRetries < 1 {
		return fmt.Errorf("REDIS_MAX_RETRIES must be > 0, got %d", c.RedisMaxRetries)
	}
	if c.RedisConnectTimeout <= 0 {
		return fmt.Errorf("REDIS_CONNECT_TIMEOUT must be positive, got %s", c.RedisConnectTimeout)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("HEALTH_CHECK_INTERVAL must be positive, got %s", c.HealthCheckInterval)
	}

	// Logical checks
	if c.RedisCrossReplicationEnabled && len(c.RedisPeerInstances) == 0 {
		return fmt.Errorf("REDIS_CROSS_REPLICATION_ENABLED requires REDIS_PEER_INSTANCES")
	}
	if c.MongoReplicationEnabled && len(c.PeerInstances) == 0 {
		return fmt.Errorf("MONGO_REPLICATION_ENABLED requires PEER_INSTANCES")
	}

	// Enum checks
	validEnvs := map[string]bool{"development": true, "production": true, "test": true}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("NODE_ENV must be one of: development, production, test (got: %s)", c.Environment)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	if c.WSMaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.WSMaxConnections)
	}

	return nil
}

// MasterAddr returns the hot-tier master address as host:port.
func (c *Config) MasterAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisMasterHost, c.RedisMasterPort)
}

// SlaveAddr returns the hot-tier replica address as host:port.
func (c *Config) SlaveAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisSlaveHost, c.RedisSlavePort)
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("instance_id", c.InstanceID).
		Int("port", c.Port).
		Bool("redis_cluster", c.RedisClusterEnabled).
		Str("redis_master", c.MasterAddr()).
		Str("redis_slave", c.SlaveAddr()).
		Dur("redis_connect_timeout", c.RedisConnectTimeout).
		Int("redis_max_retries", c.RedisMaxRetries).
		Bool("mongo_replication", c.MongoReplicationEnabled).
		Bool("redis_cross_replication", c.RedisCrossReplicationEnabled).
		Int("redis_peers", len(c.RedisPeerInstances)).
		Int("http_peers", len(c.PeerInstances)).
		Dur("health_check_interval", c.HealthCheckInterval).
		Dur("duplicate_login_grace", c.DuplicateLoginGrace).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Str("s3_bucket", c.S3BucketName).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
