// Package fileloader loads configuration with viper from an optional file on
// disk, overridden by environment variables.
package fileloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ahrav/issue-reindex/internal/config"
)

// EnvPrefix prefixes every environment variable the loader reads. The key
// reindex.batch_size is read from REINDEX_REINDEX_BATCH_SIZE.
const EnvPrefix = "REINDEX"

var _ config.Loader = (*FileLoader)(nil)

// FileLoader loads configuration from a file on disk. It implements the Loader
// interface to provide file-based configuration management.
type FileLoader struct {
	// path is the filesystem path to the configuration file. Empty means
	// defaults and environment only.
	path string
}

// NewFileLoader creates a new FileLoader that will load configuration from the
// specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

func setDefaults(v *viper.Viper) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "reindexer"
	}

	v.SetDefault("service.name", "issue-reindexer")
	v.SetDefault("service.node_id", host)

	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("http.read_timeout", 5*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)
	v.SetDefault("http.shutdown_timeout", 20*time.Second)
	v.SetDefault("http.debug", false)

	v.SetDefault("database.in_memory", false)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.connect_wait", time.Minute)
	v.SetDefault("database.migrations_dir", "db/migrations")

	v.SetDefault("index.in_memory", false)
	v.SetDefault("index.path", "data/issues.bleve")
	v.SetDefault("index.page_size", 1000)

	v.SetDefault("reindex.batch_size", 100)
	v.SetDefault("reindex.snapshot_initial_capacity", 1024)
	v.SetDefault("reindex.snapshot_growth_factor", 2)
	v.SetDefault("reindex.max_concurrent_tasks", 4)
	v.SetDefault("reindex.progress_interval", time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.replication_topic", "issue-reindex.replication")
	v.SetDefault("kafka.task_events_topic", "issue-reindex.tasks")
	v.SetDefault("kafka.group_id", "")
	v.SetDefault("kafka.client_id", "")
	v.SetDefault("kafka.critical_retry_timeout", 30*time.Second)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.sampling_ratio", 0.05)
	v.SetDefault("telemetry.insecure", true)

	v.SetDefault("log.level", "info")
}

// Load reads the configuration file, if any, applies environment overrides
// and validates the result.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", l.path, err)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Each node consumes replication requests in its own group.
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = cfg.Service.Name + "-" + cfg.Service.NodeID
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
