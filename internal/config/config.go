// Package config provides configuration loading for continuityd.
//
// Configuration is loaded from an optional YAML file
// (~/.config/continuityd/config.yaml by default) and overridden by
// environment variables (STORAGE_ROOT_DIR, LOGGING_LEVEL, ...).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the complete continuityd configuration.
type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Storage   StorageConfig   `koanf:"storage"`
	Sink      SinkConfig      `koanf:"sink"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServiceConfig identifies the MCP server implementation.
type ServiceConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// StorageConfig holds state-store configuration.
type StorageConfig struct {
	// RootDir is the directory holding one subdirectory per project.
	RootDir string `koanf:"root_dir"`

	// BackupKeepCount bounds the number of backup snapshots per project.
	BackupKeepCount int `koanf:"backup_keep_count"`

	// SimilarityThreshold is the default near-duplicate threshold in [0,1].
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
}

// SinkConfig holds enrichment-sink configuration.
type SinkConfig struct {
	Enabled bool `koanf:"enabled"`

	// Path is the directory for the embedded knowledge store.
	Path string `koanf:"path"`

	// Collection is the knowledge-store collection name.
	Collection string `koanf:"collection"`

	// Compress enables gzip compression for persisted sink data.
	Compress bool `koanf:"compress"`

	// Timeout bounds every sink call; a timed-out call counts as sink failure.
	Timeout Duration `koanf:"timeout"`

	// RelatedLimit caps related items attached to a loaded state.
	RelatedLimit int `koanf:"related_limit"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	// Level is the minimum level: trace, debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`

	// Fields are constant fields attached to every entry.
	Fields map[string]string `koanf:"fields"`

	// OTEL mirrors log entries to the OTel log bridge when telemetry is up.
	OTEL bool `koanf:"otel"`

	Redaction RedactionConfig `koanf:"redaction"`
}

// RedactionConfig controls sensitive-data redaction in log output.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `koanf:"endpoint"`

	// Protocol is "grpc" (default) or "http/protobuf".
	Protocol string `koanf:"protocol"`

	// Insecure disables TLS; only allowed for local endpoints.
	Insecure bool `koanf:"insecure"`

	// TLSSkipVerify skips certificate verification for internal CAs.
	TLSSkipVerify bool `koanf:"tls_skip_verify"`

	// SamplingRate is the trace sampling ratio in [0,1].
	SamplingRate float64 `koanf:"sampling_rate"`

	MetricsInterval Duration `koanf:"metrics_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// NewDefaultConfig returns the configuration used when no file or environment
// overrides are present.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills in zero-valued fields.
func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "continuityd"
	}
	if cfg.Service.Version == "" {
		cfg.Service.Version = "1.0.0"
	}

	if cfg.Storage.RootDir == "" {
		cfg.Storage.RootDir = "~/.continuityd/states"
	}
	if cfg.Storage.BackupKeepCount == 0 {
		cfg.Storage.BackupKeepCount = 5
	}
	if cfg.Storage.SimilarityThreshold == 0 {
		cfg.Storage.SimilarityThreshold = 0.7
	}

	if cfg.Sink.Path == "" {
		cfg.Sink.Path = "~/.continuityd/knowledge"
	}
	if cfg.Sink.Collection == "" {
		cfg.Sink.Collection = "continuityd_projects"
	}
	if cfg.Sink.Timeout == 0 {
		cfg.Sink.Timeout = Duration(2 * time.Second)
	}
	if cfg.Sink.RelatedLimit == 0 {
		cfg.Sink.RelatedLimit = 3
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Fields == nil {
		cfg.Logging.Fields = map[string]string{"service": "continuityd"}
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = Duration(15 * time.Second)
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}

	if c.Storage.RootDir == "" {
		return fmt.Errorf("storage.root_dir is required")
	}
	if c.Storage.BackupKeepCount < 1 {
		return fmt.Errorf("storage.backup_keep_count must be >= 1, got %d", c.Storage.BackupKeepCount)
	}
	if c.Storage.SimilarityThreshold < 0 || c.Storage.SimilarityThreshold > 1 {
		return fmt.Errorf("storage.similarity_threshold must be in [0,1], got %v", c.Storage.SimilarityThreshold)
	}

	if c.Sink.Enabled {
		if c.Sink.Path == "" {
			return fmt.Errorf("sink.path is required when sink is enabled")
		}
		if c.Sink.Timeout.Duration() <= 0 {
			return fmt.Errorf("sink.timeout must be positive")
		}
		if c.Sink.RelatedLimit < 1 {
			return fmt.Errorf("sink.related_limit must be >= 1, got %d", c.Sink.RelatedLimit)
		}
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			return fmt.Errorf("telemetry.protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
			return fmt.Errorf("telemetry.sampling_rate must be in [0,1], got %v", c.Telemetry.SamplingRate)
		}
	}

	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}
