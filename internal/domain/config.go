package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings (serve mode)
	Server ServerConfig `json:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Pipeline settings
	Pipeline PipelineConfig `json:"pipeline"`

	// Observability
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// PipelineConfig holds execution engine settings.
type PipelineConfig struct {
	// Relation is the store relation push-down checkers query.
	Relation string `json:"relation"`

	// MaxWorkers bounds concurrent checker execution. <= 1 runs checkers
	// sequentially.
	MaxWorkers int `json:"maxWorkers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// DefaultConfig returns the default configuration: embedded SQLite store,
// in-process cache and bus, sequential-friendly worker bound.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Pipeline: PipelineConfig{
			Relation:   "transactions",
			MaxWorkers: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
