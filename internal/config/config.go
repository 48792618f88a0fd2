// Package config provides the run configuration for the cachestress harness.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	harnesserrors "github.com/arkilian/cachestress/internal/errors"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "CACHESTRESS_"

// Config holds the full configuration of one harness run.
type Config struct {
	// Store configuration (backing file and pragmas)
	Store StoreConfig `json:"store" yaml:"store" envPrefix:"STORE_"`

	// Pools configuration (writer and reader capacities)
	Pools PoolsConfig `json:"pools" yaml:"pools" envPrefix:"POOLS_"`

	// Workload configuration (task counts, payloads, keys)
	Workload WorkloadConfig `json:"workload" yaml:"workload" envPrefix:"WORKLOAD_"`

	// Run configuration (deadlines)
	Run RunConfig `json:"run" yaml:"run" envPrefix:"RUN_"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log" envPrefix:"LOG_"`
}

// StoreConfig holds the backing file location and the pragmas applied to
// every connection.
type StoreConfig struct {
	// Path is the SQLite file, deleted and recreated on every run (default cache.db)
	Path string `json:"path" yaml:"path" env:"PATH"`

	// BusyTimeout bounds how long a statement waits on a contended lock
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout" env:"BUSY_TIMEOUT"`

	// JournalSizeLimit caps the WAL file size retained after a checkpoint, in bytes
	JournalSizeLimit int64 `json:"journal_size_limit" yaml:"journal_size_limit" env:"JOURNAL_SIZE_LIMIT"`

	// WALAutoCheckpoint is the WAL size in pages that triggers an automatic checkpoint
	WALAutoCheckpoint int `json:"wal_autocheckpoint" yaml:"wal_autocheckpoint" env:"WAL_AUTOCHECKPOINT"`

	// SoftHeapLimit is the advisory SQLite heap limit in bytes (0 disables)
	SoftHeapLimit int64 `json:"soft_heap_limit" yaml:"soft_heap_limit" env:"SOFT_HEAP_LIMIT"`
}

// PoolsConfig holds the capacities of the two connection pools.
// A zero capacity resolves to the host's available parallelism.
type PoolsConfig struct {
	WriterCapacity int `json:"writer_capacity" yaml:"writer_capacity" env:"WRITER_CAPACITY"`
	ReaderCapacity int `json:"reader_capacity" yaml:"reader_capacity" env:"READER_CAPACITY"`
}

// WorkloadConfig describes what the writer and reader tasks do.
type WorkloadConfig struct {
	// Writers is the number of concurrent writer tasks
	Writers int `json:"writers" yaml:"writers" env:"WRITERS"`

	// Readers is the number of concurrent reader tasks
	Readers int `json:"readers" yaml:"readers" env:"READERS"`

	// PayloadSize is the size in bytes of every inserted blob
	PayloadSize int `json:"payload_size" yaml:"payload_size" env:"PAYLOAD_SIZE"`

	// Interval is the sleep between two iterations of one task
	Interval time.Duration `json:"interval" yaml:"interval" env:"INTERVAL"`

	// KeyModulus wraps the key cursor; 0 selects an unbounded counter
	KeyModulus int `json:"key_modulus" yaml:"key_modulus" env:"KEY_MODULUS"`
}

// RunConfig holds the supervisor deadlines.
type RunConfig struct {
	// TaskDeadline is the hard deadline after which each task is cancelled
	TaskDeadline time.Duration `json:"task_deadline" yaml:"task_deadline" env:"TASK_DEADLINE"`

	// Duration is how long the supervisor waits before ending the run
	Duration time.Duration `json:"duration" yaml:"duration" env:"DURATION"`

	// ShutdownGrace is how long the supervisor waits for cancelled tasks to return
	ShutdownGrace time.Duration `json:"shutdown_grace" yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
}

// LogConfig configures handling of log events.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"LEVEL"`
	Format string `json:"format" yaml:"format" env:"FORMAT"`
}

// DefaultConfig returns the compiled-in configuration used when the binary
// runs without arguments.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:              "cache.db",
			BusyTimeout:       5 * time.Second,
			JournalSizeLimit:  10000000,
			WALAutoCheckpoint: 1000,
			SoftHeapLimit:     1000000000,
		},
		Pools: PoolsConfig{
			WriterCapacity: runtime.NumCPU(),
			ReaderCapacity: runtime.NumCPU(),
		},
		Workload: WorkloadConfig{
			Writers:     2,
			Readers:     2,
			PayloadSize: 4096,
			Interval:    10 * time.Millisecond,
			KeyModulus:  3,
		},
		Run: RunConfig{
			TaskDeadline:  10 * time.Second,
			Duration:      10 * time.Second,
			ShutdownGrace: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolve fills zero values that have a host-dependent default.
func (c *Config) Resolve() {
	if c.Store.Path == "" {
		c.Store.Path = "cache.db"
	}
	if c.Pools.WriterCapacity <= 0 {
		c.Pools.WriterCapacity = runtime.NumCPU()
	}
	if c.Pools.ReaderCapacity <= 0 {
		c.Pools.ReaderCapacity = runtime.NumCPU()
	}
	if c.Run.Duration == 0 {
		c.Run.Duration = c.Run.TaskDeadline
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return harnesserrors.NewConfigError("store.path is required")
	}
	if c.Store.BusyTimeout < 0 {
		return harnesserrors.NewConfigError(fmt.Sprintf("store.busy_timeout must not be negative, got %v", c.Store.BusyTimeout))
	}
	if c.Pools.WriterCapacity < 1 || c.Pools.ReaderCapacity < 1 {
		return harnesserrors.NewConfigError(fmt.Sprintf("pool capacities must be at least 1, got writer=%d reader=%d",
			c.Pools.WriterCapacity, c.Pools.ReaderCapacity))
	}
	if c.Workload.Writers < 0 || c.Workload.Readers < 0 {
		return harnesserrors.NewConfigError("workload task counts must not be negative")
	}
	if c.Workload.PayloadSize <= 0 {
		return harnesserrors.NewConfigError(fmt.Sprintf("workload.payload_size must be positive, got %d", c.Workload.PayloadSize))
	}
	if c.Workload.Interval < 0 {
		return harnesserrors.NewConfigError("workload.interval must not be negative")
	}
	if c.Workload.KeyModulus < 0 {
		return harnesserrors.NewConfigError(fmt.Sprintf("workload.key_modulus must not be negative, got %d", c.Workload.KeyModulus))
	}
	if c.Run.TaskDeadline <= 0 {
		return harnesserrors.NewConfigError("run.task_deadline must be positive")
	}
	if c.Run.Duration < c.Run.TaskDeadline {
		return harnesserrors.NewConfigError(fmt.Sprintf("run.duration (%v) must not be shorter than run.task_deadline (%v)",
			c.Run.Duration, c.Run.TaskDeadline))
	}
	if c.Run.ShutdownGrace < 0 {
		return harnesserrors.NewConfigError("run.shutdown_grace must not be negative")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies CACHESTRESS_ prefixed environment variables to cfg.
// Unset variables leave the current value untouched.
func LoadFromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
