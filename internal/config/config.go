// Package config loads the engine's configuration surface from spec.md §6
// using spf13/viper, the same configuration library the rest of the
// retrieval pack's CLI-driven services use, with environment variables
// overriding file values per the process surface contract.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BrokerConfig is the broker.* surface.
type BrokerConfig struct {
	Endpoints       []string      `mapstructure:"endpoints"`
	GroupID         string        `mapstructure:"groupId"`
	PollRecords     int           `mapstructure:"pollRecords"`
	SessionTimeout  time.Duration `mapstructure:"sessionTimeout"`
	MaxPollInterval time.Duration `mapstructure:"maxPollInterval"`
}

// StoreConfig is the store.* surface.
type StoreConfig struct {
	Endpoint            string `mapstructure:"endpoint"`
	Region              string `mapstructure:"region"`
	PathStyle           bool   `mapstructure:"pathStyle"`
	Bucket              string `mapstructure:"bucket"`
	AccessKeyID         string `mapstructure:"accessKey"`
	SecretAccessKey     string `mapstructure:"secretKey"`
	MultipartThreshold  int64  `mapstructure:"multipartThreshold"`
	MaxConnections      int    `mapstructure:"maxConnections"`
}

// DestinationConfig is one topic's destination.* surface.
type DestinationConfig struct {
	Prefix           string   `mapstructure:"prefix"`
	TableName        string   `mapstructure:"tableName"`
	PartitionColumns []string `mapstructure:"partitionColumns"`
	CobField         string   `mapstructure:"cobField"`
}

// TableConfig is one topic's table.* surface.
type TableConfig struct {
	EnableOptimize      bool  `mapstructure:"enableOptimize"`
	OptimizeInterval    int64 `mapstructure:"optimizeInterval"`
	EnableVacuum        bool  `mapstructure:"enableVacuum"`
	VacuumRetentionHours int  `mapstructure:"vacuumRetentionHours"`
	EnableSchemaEvolution bool `mapstructure:"enableSchemaEvolution"`
	TargetFileBytes     int64 `mapstructure:"targetFileBytes"`
	MinCompactBytes     int64 `mapstructure:"minCompactBytes"`
}

// ProcessingConfig is one topic's processing.* surface.
type ProcessingConfig struct {
	BatchSize            int `mapstructure:"batchSize"`
	FlushIntervalSeconds int `mapstructure:"flushIntervalSeconds"`
	MaxRetries           int `mapstructure:"maxRetries"`
	BaseBackoffMs        int `mapstructure:"baseBackoffMs"`
	MaxBackoffMs         int `mapstructure:"maxBackoffMs"`
}

// SchemaFieldConfig declares one field of a topic's canonical schema. This
// is the config surface that lets an operator name every business field a
// payload carries, rather than the engine only ever knowing about the cob
// date field.
type SchemaFieldConfig struct {
	Name     string `mapstructure:"name"`
	Type     string `mapstructure:"type"` // STRING, INT32, INT64, DOUBLE, BOOLEAN, TIMESTAMP_MILLIS, ENUM
	Required bool   `mapstructure:"required"`
	Nullable bool   `mapstructure:"nullable"`
}

// TopicConfig is the full topics.<logicalName>.* surface for one topic.
type TopicConfig struct {
	SourceTopic   string              `mapstructure:"sourceTopic"`
	SchemaName    string              `mapstructure:"schemaName"`
	SchemaVersion int                 `mapstructure:"schemaVersion"`
	SchemaFields  []SchemaFieldConfig `mapstructure:"schemaFields"`
	Formats       []string            `mapstructure:"formats"`
	Destination   DestinationConfig   `mapstructure:"destination"`
	Table         TableConfig         `mapstructure:"table"`
	Processing    ProcessingConfig    `mapstructure:"processing"`
}

// CircuitConfig is the circuit.* surface, applied per topic.
type CircuitConfig struct {
	FailureThreshold   int `mapstructure:"failureThreshold"`
	SuccessThreshold   int `mapstructure:"successThreshold"`
	OpenTimeoutSeconds int `mapstructure:"openTimeoutSeconds"`
}

// GlobalConfig is the global.* surface.
type GlobalConfig struct {
	MemoryBudgetBytes   int64 `mapstructure:"memoryBudgetBytes"`
	WriterPoolSize      int   `mapstructure:"writerPoolSize"`
	GracefulStopSeconds int   `mapstructure:"gracefulStopSeconds"`
	CobMaxDaysInPast    int   `mapstructure:"cobMaxDaysInPast"`
	HealthAddr          string `mapstructure:"healthAddr"`
}

// Config is the engine's fully-resolved configuration.
type Config struct {
	Broker  BrokerConfig           `mapstructure:"broker"`
	Store   StoreConfig            `mapstructure:"store"`
	Topics  map[string]TopicConfig `mapstructure:"topics"`
	Circuit CircuitConfig          `mapstructure:"circuit"`
	Global  GlobalConfig           `mapstructure:"global"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.pollRecords", 500)
	v.SetDefault("broker.sessionTimeout", "45s")
	v.SetDefault("broker.maxPollInterval", "5m")
	v.SetDefault("circuit.failureThreshold", 5)
	v.SetDefault("circuit.successThreshold", 3)
	v.SetDefault("circuit.openTimeoutSeconds", 60)
	v.SetDefault("global.writerPoolSize", 8)
	v.SetDefault("global.gracefulStopSeconds", 60)
	v.SetDefault("global.cobMaxDaysInPast", 7)
	v.SetDefault("global.healthAddr", ":8080")
}

// Load reads configuration from configPath (if non-empty), then overlays
// environment variables using TABLESTREAM_ as the prefix and "_" in place
// of "." (e.g. TABLESTREAM_STORE_BUCKET overrides store.bucket), matching
// the "environment variables override file values" rule from spec.md §6.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TABLESTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the minimal set of fields the engine cannot start
// without, returning an error that describes the first problem found.
func (c *Config) Validate() error {
	if len(c.Broker.Endpoints) == 0 {
		return fmt.Errorf("config: broker.endpoints must not be empty")
	}
	if c.Broker.GroupID == "" {
		return fmt.Errorf("config: broker.groupId is required")
	}
	if c.Store.Bucket == "" {
		return fmt.Errorf("config: store.bucket is required")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("config: at least one topic must be configured")
	}
	for name, t := range c.Topics {
		if t.SourceTopic == "" {
			return fmt.Errorf("config: topics.%s.sourceTopic is required", name)
		}
		if t.Destination.Prefix == "" {
			return fmt.Errorf("config: topics.%s.destination.prefix is required", name)
		}
	}
	return nil
}
