package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration for replayvaultd, loaded from a
// YAML/TOML file with environment variable overrides.
type Config struct {
	Node          NodeConfig          `mapstructure:"node"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Redis         RedisConfig         `mapstructure:"redis"`
	ObjectStore   ObjectStoreConfig   `mapstructure:"object_store"`
	Session       SessionConfig       `mapstructure:"session"`
	PartitionLock PartitionLockConfig `mapstructure:"partition_lock"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// NodeConfig identifies this worker process.
type NodeConfig struct {
	ID string `mapstructure:"id"`
}

// KafkaConfig covers the enumerated KAFKA_* and SESSION_RECORDING_KAFKA_*
// settings from spec.md §6.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topics   []string `mapstructure:"topics"`
	GroupID  string   `mapstructure:"group_id"`
	ClientID string   `mapstructure:"client_id"`

	ReplayEventsTopic string `mapstructure:"replay_events_topic"`

	ConsumptionMaxBytes             int32         `mapstructure:"consumption_max_bytes"`
	ConsumptionMaxBytesPerPartition int32         `mapstructure:"consumption_max_bytes_per_partition"`
	QueueSize                       int           `mapstructure:"queue_size"`
	ConsumptionMaxWait               time.Duration `mapstructure:"consumption_max_wait"`
	BatchSize                       int           `mapstructure:"batch_size"`
	BatchingTimeout                  time.Duration `mapstructure:"batching_timeout"`
}

// RedisConfig backs the HighWaterMarker, PartitionLocker and RealtimeCache
// shared-store tiers.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// ObjectStoreConfig configures the S3-compatible durable store.
type ObjectStoreConfig struct {
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// SessionConfig controls buffering, flush thresholds, and local temp storage.
type SessionConfig struct {
	LocalDirectory  string        `mapstructure:"local_directory"`
	FlushAgeLimit   time.Duration `mapstructure:"flush_age_limit"`
	FlushSizeLimit  int64         `mapstructure:"flush_size_limit_bytes"`
	RealtimeTailLen int           `mapstructure:"realtime_tail_len"`
}

// PartitionLockConfig toggles the best-effort partition-lease optimization.
type PartitionLockConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config file at path, applying environment overrides under
// the REPLAYVAULT_ prefix, then validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("replayvault")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kafka.consumption_max_bytes", 50<<20)
	v.SetDefault("kafka.consumption_max_bytes_per_partition", 5<<20)
	v.SetDefault("kafka.queue_size", 1000)
	v.SetDefault("kafka.consumption_max_wait", "1s")
	v.SetDefault("kafka.batch_size", 500)
	v.SetDefault("kafka.batching_timeout", "1s")
	v.SetDefault("kafka.replay_events_topic", "session_replay_events")

	v.SetDefault("redis.prefix", "replayvault")
	v.SetDefault("redis.db", 0)

	v.SetDefault("session.local_directory", "/tmp/replayvault")
	v.SetDefault("session.flush_age_limit", "5m")
	v.SetDefault("session.flush_size_limit_bytes", 50<<20)
	v.SetDefault("session.realtime_tail_len", 50)

	v.SetDefault("partition_lock.enabled", true)
	v.SetDefault("partition_lock.ttl", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that the required fields are present and internally
// consistent.
func (c Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if len(c.Kafka.Topics) == 0 {
		return fmt.Errorf("kafka.topics is required")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("kafka.group_id is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.ObjectStore.Bucket == "" {
		return fmt.Errorf("object_store.bucket is required")
	}
	if c.Session.FlushAgeLimit <= 0 {
		return fmt.Errorf("session.flush_age_limit must be positive")
	}
	if c.Session.FlushSizeLimit <= 0 {
		return fmt.Errorf("session.flush_size_limit_bytes must be positive")
	}
	return nil
}
