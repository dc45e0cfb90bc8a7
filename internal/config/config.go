package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Registry  RegistryConfig  `yaml:"registry"`
	Games     GamesConfig     `yaml:"games"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Websocket WebsocketConfig `yaml:"websocket"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	Database         string        `yaml:"database"`
	SSLMode          string        `yaml:"ssl_mode"`
	MaxConnections   int           `yaml:"max_connections"`
	MinConnections   int           `yaml:"min_connections"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CacheConfig controls the Redis record cache in front of PostgreSQL
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled"`
	RecordTTL time.Duration `yaml:"record_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	GroupID       string        `yaml:"group_id"`
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// RegistryConfig holds game catalog refresh configuration
type RegistryConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RefreshEnabled  bool          `yaml:"refresh_enabled"`
}

// GamesConfig holds limits for the game data API
type GamesConfig struct {
	MaxDataKeyLength int   `yaml:"max_data_key_length"`
	MaxValueBytes    int64 `yaml:"max_value_bytes"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// WebsocketConfig controls the change notification feed
type WebsocketConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 2 << 20
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}
	if c.Postgres.StatementTimeout == 0 {
		c.Postgres.StatementTimeout = 5 * time.Second
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// Cache defaults
	if c.Cache.RecordTTL == 0 {
		c.Cache.RecordTTL = 10 * time.Minute
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "gamedata"
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "game-data-saves"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "game-data-ingest"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 1 * time.Second
	}

	// Registry defaults
	if c.Registry.RefreshInterval == 0 {
		c.Registry.RefreshInterval = 5 * time.Minute
	}

	// Games defaults
	if c.Games.MaxDataKeyLength == 0 {
		c.Games.MaxDataKeyLength = 255
	}
	if c.Games.MaxValueBytes == 0 {
		c.Games.MaxValueBytes = 1 << 20
	}

	// Metrics defaults
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Cache.Enabled = true
	cfg.Registry.RefreshEnabled = true
	cfg.Metrics.Enabled = true
	cfg.Websocket.Enabled = true
	return cfg
}
