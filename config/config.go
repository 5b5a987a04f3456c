// Package config loads and validates custodian's configuration.
//
// Configuration is resolved in order of precedence: explicit config file,
// CUSTODIAN_* environment variables, built-in defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DataPaths holds all data directory and file path configuration.
type DataPaths struct {
	// DataDir is the base data directory (CUSTODIAN_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir" validate:"required"`
	// SQLitePath is the status database file path (default: ${DataDir}/custodian.db)
	SQLitePath string `mapstructure:"sqlite_path"`
	// StagingDir is the intake directory artifacts land in before the dedup
	// gate admits them (default: ${DataDir}/staging)
	StagingDir string `mapstructure:"staging_dir"`
	// EvidenceDir is the case-scoped durable storage root; admitted
	// artifacts live at ${EvidenceDir}/<case_id>/<content_hash><ext>
	// (default: ${DataDir}/evidence)
	EvidenceDir string `mapstructure:"evidence_dir"`
	// RulesDir is the detection rule-set directory handed to the external
	// rule engine (default: ${DataDir}/rules)
	RulesDir string `mapstructure:"rules_dir"`
	// FieldMappingPath is the field-mapping file shared across all cases,
	// handed to the rule engine (default: config/field_mappings.yaml)
	FieldMappingPath string `mapstructure:"field_mapping_path"`
	// IOCFieldTargetsPath maps indicator types to the event fields the
	// hunting stage searches (default: config/ioc_field_targets.yaml)
	IOCFieldTargetsPath string `mapstructure:"ioc_field_targets_path"`
}

// Config holds all configuration for the custodian service.
type Config struct {
	DataPaths DataPaths `mapstructure:"data_paths"`

	ClickHouse struct {
		Addr          string `mapstructure:"addr" validate:"required"`
		Database      string `mapstructure:"database" validate:"required"`
		Username      string `mapstructure:"username"`
		Password      string `mapstructure:"password"`
		BatchSize     int    `mapstructure:"batch_size" validate:"gt=0"`
		FlushInterval int    `mapstructure:"flush_interval"` // seconds
		DialTimeout   int    `mapstructure:"dial_timeout"`   // seconds
	} `mapstructure:"clickhouse"`

	Redis struct {
		Addr     string `mapstructure:"addr" validate:"required"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db" validate:"gte=0"`
		PoolSize int    `mapstructure:"pool_size" validate:"gt=0"`
	} `mapstructure:"redis"`

	Pipeline struct {
		// WorkerCount is the fixed worker pool size (default: 2).
		WorkerCount int `mapstructure:"worker_count" validate:"gt=0"`
		// MaxRetries bounds task redelivery before a file is marked error
		// permanently (default: 3).
		MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`
		// SoftTimeout is the per-task limit that still allows graceful
		// cleanup, e.g. releasing a half-written index batch (default: 10m).
		SoftTimeout time.Duration `mapstructure:"soft_timeout" validate:"gt=0"`
		// HardTimeout forcibly abandons the task (default: 12m). Must
		// exceed SoftTimeout.
		HardTimeout time.Duration `mapstructure:"hard_timeout" validate:"gt=0"`
		// LeaseTimeout is how long a dequeued task may stay unacknowledged
		// before the reaper redelivers it (default: 15m).
		LeaseTimeout time.Duration `mapstructure:"lease_timeout" validate:"gt=0"`
		// SubprocessRateLimit bounds external-binary launches per second
		// across the worker pool (default: 4).
		SubprocessRateLimit int `mapstructure:"subprocess_rate_limit" validate:"gt=0"`
		// GlobalDedup merges identical normalized events within a case into
		// one indexed record with a repeat counter (default: false).
		GlobalDedup bool `mapstructure:"global_dedup"`
		// DedupCacheSize sizes the per-run LRU used by the global dedup
		// merge (default: 100000).
		DedupCacheSize int `mapstructure:"dedup_cache_size" validate:"gt=0"`
		// ConverterCommand is the external format-conversion utility; the
		// artifact path is appended as the final argument and NDJSON events
		// are expected on stdout (default: ["evtxdump", "--format", "jsonl"]).
		ConverterCommand []string `mapstructure:"converter_command" validate:"min=1"`
		// RuleEngineCommand is the external rule-matching utility; rules
		// dir, mapping file and corpus path are appended (default:
		// ["sigmahunt"]).
		RuleEngineCommand []string `mapstructure:"rule_engine_command" validate:"min=1"`
	} `mapstructure:"pipeline"`

	API struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port" validate:"gt=0,lte=65535"`
	} `mapstructure:"api"`

	Logging struct {
		Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	} `mapstructure:"logging"`
}

// setDefaults installs the built-in defaults.
func setDefaults() {
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "")  // derive from data_dir
	viper.SetDefault("data_paths.staging_dir", "")  // derive from data_dir
	viper.SetDefault("data_paths.evidence_dir", "") // derive from data_dir
	viper.SetDefault("data_paths.rules_dir", "")    // derive from data_dir
	viper.SetDefault("data_paths.field_mapping_path", "config/field_mappings.yaml")
	viper.SetDefault("data_paths.ioc_field_targets_path", "config/ioc_field_targets.yaml")

	viper.SetDefault("clickhouse.addr", "localhost:9000")
	viper.SetDefault("clickhouse.database", "custodian")
	viper.SetDefault("clickhouse.username", "default")
	viper.SetDefault("clickhouse.password", "")
	viper.SetDefault("clickhouse.batch_size", 10000)
	viper.SetDefault("clickhouse.flush_interval", 5)
	viper.SetDefault("clickhouse.dial_timeout", 10)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("pipeline.worker_count", 2)
	viper.SetDefault("pipeline.max_retries", 3)
	viper.SetDefault("pipeline.soft_timeout", "10m")
	viper.SetDefault("pipeline.hard_timeout", "12m")
	viper.SetDefault("pipeline.lease_timeout", "15m")
	viper.SetDefault("pipeline.subprocess_rate_limit", 4)
	viper.SetDefault("pipeline.global_dedup", false)
	viper.SetDefault("pipeline.dedup_cache_size", 100000)
	viper.SetDefault("pipeline.converter_command", []string{"evtxdump", "--format", "jsonl"})
	viper.SetDefault("pipeline.rule_engine_command", []string{"sigmahunt"})

	viper.SetDefault("api.host", "127.0.0.1")
	viper.SetDefault("api.port", 8084)

	viper.SetDefault("logging.level", "info")
}

// Load reads configuration from the optional config file and environment.
func Load() (*Config, error) {
	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("CUSTODIAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults plus env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDerivedPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerivedPaths fills empty path settings from DataDir.
func (c *Config) applyDerivedPaths() {
	base := c.DataPaths.DataDir
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(base, "custodian.db")
	}
	if c.DataPaths.StagingDir == "" {
		c.DataPaths.StagingDir = filepath.Join(base, "staging")
	}
	if c.DataPaths.EvidenceDir == "" {
		c.DataPaths.EvidenceDir = filepath.Join(base, "evidence")
	}
	if c.DataPaths.RulesDir == "" {
		c.DataPaths.RulesDir = filepath.Join(base, "rules")
	}
}

// Validate checks structural constraints plus the cross-field invariants the
// struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Pipeline.HardTimeout <= c.Pipeline.SoftTimeout {
		return fmt.Errorf("pipeline.hard_timeout (%s) must exceed pipeline.soft_timeout (%s)",
			c.Pipeline.HardTimeout, c.Pipeline.SoftTimeout)
	}
	if c.Pipeline.LeaseTimeout < c.Pipeline.HardTimeout {
		return fmt.Errorf("pipeline.lease_timeout (%s) must be at least pipeline.hard_timeout (%s), otherwise running tasks get redelivered",
			c.Pipeline.LeaseTimeout, c.Pipeline.HardTimeout)
	}
	return nil
}
