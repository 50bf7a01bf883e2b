package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Engine    EngineConfig
	Realtime  RealtimeConfig
	Scheduler SchedulerConfig
	Clients   ClientsConfig
	Secrets   SecretsConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// QueueConfig holds run-dispatch queue settings
type QueueConfig struct {
	Type          string // "redis" in deployments, "memory" for tests
	RunStream     string
	ConsumerGroup string
	BatchSize     int
	BlockTimeout  time.Duration
}

// EngineConfig holds flowd run-loop settings. Per-node timeouts here are
// process defaults; runtime settings may tighten them per node.
type EngineConfig struct {
	WorkerCount          int
	WorkspaceRoot        string
	RuntimeHomeRoot      string
	InstructionsSubdir   string
	DispatchTimeout      time.Duration
	ExecutionTimeout     time.Duration
	LogCollectionTimeout time.Duration
	CancelGraceTimeout   time.Duration
	GraphCacheTTL        time.Duration
}

// RealtimeConfig holds event fanout settings
type RealtimeConfig struct {
	RoomChannelPrefix string
	BroadcastChannel  string
}

// SchedulerConfig holds the background index scheduler settings
type SchedulerConfig struct {
	Enabled      bool
	PollInterval time.Duration
}

// ClientsConfig holds the base URLs of the services flowd calls out to
type ClientsConfig struct {
	RAGBaseURL    string
	RunnerBaseURL string
	RunnerTimeout time.Duration
}

// SecretsConfig holds the key for integration settings encrypted at rest
type SecretsConfig struct {
	EncryptionKey string // hex-encoded 32 bytes
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "llmctl"),
			User:        getEnv("POSTGRES_USER", "llmctl"),
			Password:    getEnv("POSTGRES_PASSWORD", "llmctl"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Queue: QueueConfig{
			Type:          getEnv("QUEUE_TYPE", "redis"),
			RunStream:     getEnv("QUEUE_RUN_STREAM", "llmctl:runs"),
			ConsumerGroup: getEnv("QUEUE_CONSUMER_GROUP", "flowd"),
			BatchSize:     getEnvInt("QUEUE_BATCH_SIZE", 10),
			BlockTimeout:  getEnvDuration("QUEUE_BLOCK_TIMEOUT", 5*time.Second),
		},
		Engine: EngineConfig{
			WorkerCount:          getEnvInt("ENGINE_WORKER_COUNT", 4),
			WorkspaceRoot:        getEnv("ENGINE_WORKSPACE_ROOT", "/var/lib/llmctl/workspaces"),
			RuntimeHomeRoot:      getEnv("ENGINE_RUNTIME_HOME_ROOT", "/var/lib/llmctl/runtime"),
			InstructionsSubdir:   getEnv("ENGINE_INSTRUCTIONS_SUBDIR", ".llmctl/instructions"),
			DispatchTimeout:      getEnvDuration("ENGINE_DISPATCH_TIMEOUT", 2*time.Minute),
			ExecutionTimeout:     getEnvDuration("ENGINE_EXECUTION_TIMEOUT", 30*time.Minute),
			LogCollectionTimeout: getEnvDuration("ENGINE_LOG_COLLECTION_TIMEOUT", 30*time.Second),
			CancelGraceTimeout:   getEnvDuration("ENGINE_CANCEL_GRACE_TIMEOUT", 30*time.Second),
			GraphCacheTTL:        getEnvDuration("ENGINE_GRAPH_CACHE_TTL", 5*time.Minute),
		},
		Realtime: RealtimeConfig{
			RoomChannelPrefix: getEnv("REALTIME_ROOM_CHANNEL_PREFIX", "realtime:room:"),
			BroadcastChannel:  getEnv("REALTIME_BROADCAST_CHANNEL", "realtime:broadcast"),
		},
		Scheduler: SchedulerConfig{
			Enabled:      getEnvBool("SCHEDULER_ENABLED", true),
			PollInterval: getEnvDuration("SCHEDULER_POLL_INTERVAL", 30*time.Second),
		},
		Clients: ClientsConfig{
			RAGBaseURL:    getEnv("RAG_SERVICE_URL", "http://localhost:8090"),
			RunnerBaseURL: getEnv("RUNNER_SERVICE_URL", "http://localhost:8091"),
			RunnerTimeout: getEnvDuration("RUNNER_TIMEOUT", 2*time.Minute),
		},
		Secrets: SecretsConfig{
			EncryptionKey: getEnv("SETTINGS_ENCRYPTION_KEY", ""),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", true),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Engine.WorkerCount < 1 {
		return fmt.Errorf("engine worker count must be >= 1")
	}

	if c.Queue.Type != "redis" && c.Queue.Type != "memory" {
		return fmt.Errorf("unknown queue type: %s", c.Queue.Type)
	}

	if !strings.HasSuffix(c.Realtime.RoomChannelPrefix, ":") {
		return fmt.Errorf("room channel prefix must end with ':'")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the host:port address for Redis
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
