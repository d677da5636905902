// Package config loads the re-indexer's settings from an optional YAML file
// and REINDEX_ prefixed environment variables.
package config

import "time"

// Config represents the top-level configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service" yaml:"service"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Index     IndexConfig     `mapstructure:"index" yaml:"index"`
	Reindex   ReindexConfig   `mapstructure:"reindex" yaml:"reindex"`
	Kafka     KafkaConfig     `mapstructure:"kafka" yaml:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ServiceConfig identifies this process.
type ServiceConfig struct {
	Name string `mapstructure:"name" yaml:"name" validate:"required"`
	// NodeID distinguishes cluster members. Defaults to the hostname.
	NodeID string `mapstructure:"node_id" yaml:"node_id" validate:"required"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
	// Debug mounts the runtime dashboard under /debug/statsviz/.
	Debug bool `mapstructure:"debug" yaml:"debug"`
}

// DatabaseConfig configures the relational issue store.
type DatabaseConfig struct {
	// InMemory replaces Postgres with a process-local store.
	InMemory      bool          `mapstructure:"in_memory" yaml:"in_memory"`
	DSN           string        `mapstructure:"dsn" yaml:"dsn" validate:"required_unless=InMemory true"`
	MinConns      int32         `mapstructure:"min_conns" yaml:"min_conns" validate:"gte=0"`
	MaxConns      int32         `mapstructure:"max_conns" yaml:"max_conns" validate:"gt=0,gtefield=MinConns"`
	ConnectWait   time.Duration `mapstructure:"connect_wait" yaml:"connect_wait" validate:"gte=0"`
	MigrationsDir string        `mapstructure:"migrations_dir" yaml:"migrations_dir" validate:"required_unless=InMemory true"`
}

// IndexConfig configures the search index.
type IndexConfig struct {
	InMemory bool   `mapstructure:"in_memory" yaml:"in_memory"`
	Path     string `mapstructure:"path" yaml:"path" validate:"required_unless=InMemory true"`
	PageSize int    `mapstructure:"page_size" yaml:"page_size" validate:"gt=0"`
}

// ReindexConfig tunes the re-index pipeline and its task manager.
type ReindexConfig struct {
	BatchSize               int           `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0"`
	SnapshotInitialCapacity int           `mapstructure:"snapshot_initial_capacity" yaml:"snapshot_initial_capacity" validate:"gte=0"`
	SnapshotGrowthFactor    int           `mapstructure:"snapshot_growth_factor" yaml:"snapshot_growth_factor" validate:"gte=2"`
	MaxConcurrentTasks      int           `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks" validate:"gt=0"`
	ProgressInterval        time.Duration `mapstructure:"progress_interval" yaml:"progress_interval" validate:"gte=0"`
}

// KafkaConfig configures cluster replication. Ignored unless Enabled.
type KafkaConfig struct {
	Enabled              bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers              []string      `mapstructure:"brokers" yaml:"brokers" validate:"required_if=Enabled true,dive,hostname_port"`
	ReplicationTopic     string        `mapstructure:"replication_topic" yaml:"replication_topic" validate:"required_if=Enabled true"`
	TaskEventsTopic      string        `mapstructure:"task_events_topic" yaml:"task_events_topic" validate:"required_if=Enabled true"`
	GroupID              string        `mapstructure:"group_id" yaml:"group_id"`
	ClientID             string        `mapstructure:"client_id" yaml:"client_id"`
	CriticalRetryTimeout time.Duration `mapstructure:"critical_retry_timeout" yaml:"critical_retry_timeout" validate:"gte=0"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enabled       bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint      string  `mapstructure:"endpoint" yaml:"endpoint" validate:"required_if=Enabled true"`
	SamplingRatio float64 `mapstructure:"sampling_ratio" yaml:"sampling_ratio" validate:"gte=0,lte=1"`
	Insecure      bool    `mapstructure:"insecure" yaml:"insecure"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
}
