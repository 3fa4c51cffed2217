// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	DB         DBConfig         `mapstructure:"db"`
	Frontier   FrontierConfig   `mapstructure:"frontier"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// FrontierConfig selects and tunes the frontier store.
type FrontierConfig struct {
	Backend          string        `mapstructure:"backend"`
	Table            string        `mapstructure:"table"`
	BlockedTable     string        `mapstructure:"blocked_table"`
	StaleLockTimeout time.Duration `mapstructure:"stale_lock_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
}

// CrawlerConfig governs the worker loop.
type CrawlerConfig struct {
	WorkerID          string        `mapstructure:"worker_id"`
	Concurrency       int           `mapstructure:"concurrency"`
	UserAgent         string        `mapstructure:"user_agent"`
	CrawlDelaySeconds float64       `mapstructure:"crawl_delay_seconds"`
	DeferPause        time.Duration `mapstructure:"defer_pause"`
	MaxBodyBytes      int           `mapstructure:"max_body_bytes"`
}

// HTTPConfig configures the fetch and robots.txt clients.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// StorageConfig selects the blob store for page bodies.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PolitenessConfig selects where crawl-delay windows are tracked.
type PolitenessConfig struct {
	Backend string `mapstructure:"backend"`
}

// RedisConfig is used by the redis politeness backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// MongoConfig is used by the mongo frontier backend.
type MongoConfig struct {
	URI               string        `mapstructure:"uri"`
	Database          string        `mapstructure:"database"`
	Collection        string        `mapstructure:"collection"`
	BlockedCollection string        `mapstructure:"blocked_collection"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
}

// PublisherConfig selects where fetch notifications go.
type PublisherConfig struct {
	Backend string `mapstructure:"backend"`
}

// PubSubConfig holds metadata for Pub/Sub notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// KafkaConfig holds metadata for Kafka notifications.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ServerConfig controls the optional ops HTTP server. An empty Addr disables it.
type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Option customizes Load.
type Option func(*loader)

type loader struct {
	envFile string
	flags   *pflag.FlagSet
	binds   map[string]string
}

// WithEnvFile sets the dotenv file read before the environment. Missing files are ignored.
func WithEnvFile(path string) Option {
	return func(l *loader) {
		l.envFile = path
	}
}

// WithFlags binds command-line flags over file and environment values. binds maps
// config keys to flag names; only flags the user actually set take precedence.
func WithFlags(flags *pflag.FlagSet, binds map[string]string) Option {
	return func(l *loader) {
		l.flags = flags
		l.binds = binds
	}
}

// Load builds a Config from disk, environment and flags.
func Load(path string, opts ...Option) (Config, error) {
	l := loader{envFile: ".env"}
	for _, opt := range opts {
		opt(&l)
	}

	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if l.flags != nil {
		for key, name := range l.binds {
			flag := l.flags.Lookup(name)
			if flag == nil {
				return Config{}, fmt.Errorf("bind flag %q: not defined", name)
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %q: %w", name, err)
			}
		}
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
	// Empty defaults register keys so AutomaticEnv can fill them during Unmarshal.
	for _, key := range []string{
		"db.dsn", "crawler.worker_id", "storage.gcs_bucket", "redis.password", "mongo.uri",
		"pubsub.project_id", "pubsub.topic_name", "server.addr", "server.api_key", "logging.level",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("frontier.backend", "postgres")
	v.SetDefault("frontier.table", "frontier")
	v.SetDefault("frontier.blocked_table", "blocked_domains")
	v.SetDefault("frontier.stale_lock_timeout", "60s")
	v.SetDefault("frontier.max_retries", 5)
	v.SetDefault("crawler.concurrency", 1)
	v.SetDefault("crawler.user_agent", "article-frontier/0.1")
	v.SetDefault("crawler.crawl_delay_seconds", 1)
	v.SetDefault("crawler.defer_pause", "250ms")
	v.SetDefault("crawler.max_body_bytes", 10*1024*1024)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("politeness.backend", "local")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "frontier:politeness:")
	v.SetDefault("mongo.database", "frontier")
	v.SetDefault("mongo.collection", "frontier")
	v.SetDefault("mongo.blocked_collection", "blocked_domains")
	v.SetDefault("mongo.connect_timeout", "10s")
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("kafka.topic", "pages-fetched")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Frontier.MaxRetries <= 0 {
		return fmt.Errorf("frontier.max_retries must be > 0")
	}
	if c.Frontier.StaleLockTimeout <= 0 {
		return fmt.Errorf("frontier.stale_lock_timeout must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.CrawlDelaySeconds < 0 {
		return fmt.Errorf("crawler.crawl_delay_seconds must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.Frontier.Backend {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres frontier")
		}
	case "mongo":
		if c.Mongo.URI == "" {
			return fmt.Errorf("mongo.uri must be set for the mongo frontier")
		}
	case "memory":
	default:
		return fmt.Errorf("frontier.backend %q is not one of postgres, mongo, memory", c.Frontier.Backend)
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for local storage")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for gcs storage")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend %q is not one of local, gcs, memory", c.Storage.Backend)
	}
	switch c.Politeness.Backend {
	case "local":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set for redis politeness")
		}
	default:
		return fmt.Errorf("politeness.backend %q is not one of local, redis", c.Politeness.Backend)
	}
	switch c.Publisher.Backend {
	case "none", "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set for the pubsub publisher")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.brokers and kafka.topic must be set for the kafka publisher")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not one of none, memory, pubsub, kafka", c.Publisher.Backend)
	}
	return nil
}

// CrawlDelay converts crawler.crawl_delay_seconds to a duration.
func (c Config) CrawlDelay() time.Duration {
	return time.Duration(c.Crawler.CrawlDelaySeconds * float64(time.Second))
}

// HTTPTimeout converts http.timeout_seconds to a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
