package domain

import "time"

// Config holds the complete APEX runtime configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Engine settings
	Engine EngineConfig `json:"engine"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// EngineConfig tunes the evaluation core.
type EngineConfig struct {
	// ExpressionCacheSize bounds the compiled-expression LRU.
	ExpressionCacheSize int `json:"expressionCacheSize"`

	// RecoveryStrategy applies to rule evaluation errors.
	RecoveryStrategy RecoveryStrategy `json:"recoveryStrategy"`

	// FailurePolicy applies per enrichment run.
	FailurePolicy FailurePolicy `json:"failurePolicy"`

	// HistorySize bounds the per-id performance history ring buffer.
	HistorySize int `json:"historySize"`

	// MaxWorkers bounds batch enrichment concurrency.
	MaxWorkers int `json:"maxWorkers"`

	// LookupTimeout bounds external connector calls; an expired lookup
	// is treated as a miss.
	LookupTimeout time.Duration `json:"lookupTimeout"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"`
}

// DefaultConfig returns the default single-process configuration:
// SQLite, in-memory cache, channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Engine: EngineConfig{
			ExpressionCacheSize: 10000,
			RecoveryStrategy:    ContinueWithDefault,
			FailurePolicy:       PolicyContinueWithDefault,
			HistorySize:         100,
			MaxWorkers:          10,
			LookupTimeout:       5 * time.Second,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./apex.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "apex",
		},
	}
}

// DistributedConfig returns a configuration for multi-instance
// deployments: PostgreSQL, two-phase Redis cache, NATS bus.
func DistributedConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "apex",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
