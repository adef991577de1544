// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Kafka, Store, Redis, Consumer, Producer, Logging, Metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Kafka    KafkaConfig    `yaml:"kafka"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Producer ProducerConfig `yaml:"producer"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// KafkaConfig holds broker addresses and the topics the pipeline touches.
type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	Topic           string   `yaml:"topic"`
	DeadLetterTopic string   `yaml:"deadLetterTopic"`
}

// ConsumerConfig controls batch polling, partition assignment, and the
// retry/backoff policy applied to store writes and dead-letter publishes.
//
// Partitions is this instance's share of the topic; assignment across
// instances is performed externally and must be disjoint.
type ConsumerConfig struct {
	Partitions   []int         `yaml:"partitions"`
	BatchSize    int           `yaml:"batchSize"`
	PollTimeout  time.Duration `yaml:"pollTimeout"`
	StartOffset  string        `yaml:"startOffset"` // "earliest" or "latest", used when no checkpoint exists
	DrainTimeout time.Duration `yaml:"drainTimeout"`
	Retry        RetryConfig   `yaml:"retry"`
}

// RetryConfig holds the exponential-backoff parameters shared by the
// persister and the dead-letter router.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// ProducerConfig controls the record generator service.
type ProducerConfig struct {
	BatchSize int           `yaml:"batchSize"`
	Interval  time.Duration `yaml:"interval"`
	Count     int           `yaml:"count"` // total events to publish; 0 means run until stopped
}

// StoreConfig selects and configures the document-store backend.
type StoreConfig struct {
	Backend    string         `yaml:"backend"` // "mongo" or "postgres"
	Collection string         `yaml:"collection"`
	Mongo      MongoConfig    `yaml:"mongo"`
	Postgres   PostgresConfig `yaml:"postgres"`
}

// MongoConfig holds MongoDB connection parameters.
type MongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	MaxPoolSize    uint64        `yaml:"maxPoolSize"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds the checkpoint store connection parameters.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"poolSize"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus/ops HTTP server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Kafka: KafkaConfig{
			Brokers:         []string{"localhost:9092"},
			Topic:           "data-topic",
			DeadLetterTopic: "dead-letter-topic",
		},
		Consumer: ConsumerConfig{
			Partitions:   []int{0},
			BatchSize:    100,
			PollTimeout:  time.Second,
			StartOffset:  "earliest",
			DrainTimeout: 30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
			},
		},
		Producer: ProducerConfig{
			BatchSize: 100,
			Interval:  time.Second,
			Count:     0,
		},
		Store: StoreConfig{
			Backend:    "mongo",
			Collection: "messages",
			Mongo: MongoConfig{
				URI:            "mongodb://localhost:27017",
				Database:       "pubsub_data",
				ConnectTimeout: 5 * time.Second,
				MaxPoolSize:    25,
			},
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "pubsub_data",
				User:            "datapipe",
				Password:        "localdev",
				SSLMode:         "disable",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Password:  "",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "datapipe:checkpoint",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// validate rejects configurations the pipeline cannot run with.
func validate(cfg *Config) error {
	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers must not be empty")
	}
	if cfg.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic must not be empty")
	}
	if cfg.Kafka.DeadLetterTopic == cfg.Kafka.Topic {
		return fmt.Errorf("config: kafka.deadLetterTopic must differ from kafka.topic")
	}
	if len(cfg.Consumer.Partitions) == 0 {
		return fmt.Errorf("config: consumer.partitions must not be empty")
	}
	seen := make(map[int]bool, len(cfg.Consumer.Partitions))
	for _, p := range cfg.Consumer.Partitions {
		if p < 0 {
			return fmt.Errorf("config: consumer.partitions contains negative partition %d", p)
		}
		if seen[p] {
			return fmt.Errorf("config: consumer.partitions contains duplicate partition %d", p)
		}
		seen[p] = true
	}
	if cfg.Consumer.BatchSize <= 0 {
		return fmt.Errorf("config: consumer.batchSize must be positive")
	}
	switch cfg.Consumer.StartOffset {
	case "earliest", "latest":
	default:
		return fmt.Errorf("config: consumer.startOffset must be %q or %q, got %q", "earliest", "latest", cfg.Consumer.StartOffset)
	}
	switch cfg.Store.Backend {
	case "mongo", "postgres":
	default:
		return fmt.Errorf("config: store.backend must be %q or %q, got %q", "mongo", "postgres", cfg.Store.Backend)
	}
	return nil
}

// applyEnvOverrides reads DP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("DP_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("DP_KAFKA_DEAD_LETTER_TOPIC"); v != "" {
		cfg.Kafka.DeadLetterTopic = v
	}
	if v := os.Getenv("DP_CONSUMER_PARTITIONS"); v != "" {
		if parts, err := parsePartitions(v); err == nil {
			cfg.Consumer.Partitions = parts
		}
	}
	if v := os.Getenv("DP_CONSUMER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Consumer.BatchSize = n
		}
	}
	if v := os.Getenv("DP_CONSUMER_START_OFFSET"); v != "" {
		cfg.Consumer.StartOffset = v
	}
	if v := os.Getenv("DP_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("DP_STORE_COLLECTION"); v != "" {
		cfg.Store.Collection = v
	}
	if v := os.Getenv("DP_MONGO_URI"); v != "" {
		cfg.Store.Mongo.URI = v
	}
	if v := os.Getenv("DP_MONGO_DATABASE"); v != "" {
		cfg.Store.Mongo.Database = v
	}
	if v := os.Getenv("DP_POSTGRES_HOST"); v != "" {
		cfg.Store.Postgres.Host = v
	}
	if v := os.Getenv("DP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Store.Postgres.Port = port
		}
	}
	if v := os.Getenv("DP_POSTGRES_DATABASE"); v != "" {
		cfg.Store.Postgres.Database = v
	}
	if v := os.Getenv("DP_POSTGRES_USER"); v != "" {
		cfg.Store.Postgres.User = v
	}
	if v := os.Getenv("DP_POSTGRES_PASSWORD"); v != "" {
		cfg.Store.Postgres.Password = v
	}
	if v := os.Getenv("DP_POSTGRES_SSLMODE"); v != "" {
		cfg.Store.Postgres.SSLMode = v
	}
	if v := os.Getenv("DP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("DP_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}

// parsePartitions parses a comma-separated partition list, e.g. "0,1,2".
func parsePartitions(s string) ([]int, error) {
	fields := strings.Split(s, ",")
	parts := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("parsing partition %q: %w", f, err)
		}
		parts = append(parts, n)
	}
	return parts, nil
}
