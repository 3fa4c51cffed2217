package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
db:
  dsn: postgres://crawler@localhost/frontier
  max_conns: 8
frontier:
  backend: postgres
  stale_lock_timeout: 90s
  max_retries: 3
crawler:
  worker_id: w-7
  concurrency: 2
  user_agent: real-agent
  crawl_delay_seconds: 2.5
  defer_pause: 100ms
http:
  timeout_seconds: 45
storage:
  backend: gcs
  gcs_bucket: pages-bucket
politeness:
  backend: redis
redis:
  addr: redis:6379
publisher:
  backend: kafka
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topic: fetched
server:
  addr: ":9090"
logging:
  development: false
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path, WithEnvFile(""))
	require.NoError(t, err)

	assert.Equal(t, "postgres://crawler@localhost/frontier", cfg.DB.DSN)
	assert.Equal(t, int32(8), cfg.DB.MaxConns)
	assert.Equal(t, 30*time.Minute, cfg.DB.MaxConnLifetime)
	assert.Equal(t, 90*time.Second, cfg.Frontier.StaleLockTimeout)
	assert.Equal(t, 3, cfg.Frontier.MaxRetries)
	assert.Equal(t, "frontier", cfg.Frontier.Table)
	assert.Equal(t, "w-7", cfg.Crawler.WorkerID)
	assert.Equal(t, 2500*time.Millisecond, cfg.CrawlDelay())
	assert.Equal(t, 100*time.Millisecond, cfg.Crawler.DeferPause)
	assert.Equal(t, 45*time.Second, cfg.HTTPTimeout())
	assert.Equal(t, "pages-bucket", cfg.Storage.GCSBucket)
	assert.Equal(t, "redis", cfg.Politeness.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.False(t, cfg.Logging.Development)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("frontier:\n  backend: memory\n"), 0o600))

	cfg, err := Load(path, WithEnvFile(""))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Frontier.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Frontier.StaleLockTimeout)
	assert.Equal(t, time.Second, cfg.CrawlDelay())
	assert.Equal(t, 250*time.Millisecond, cfg.Crawler.DeferPause)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "pages", cfg.Storage.Prefix)
	assert.Equal(t, "none", cfg.Publisher.Backend)
	assert.Empty(t, cfg.Server.Addr)
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("frontier:\n  backend: memory\n  max_retries: 7\ncrawler:\n  crawl_delay_seconds: 3\n"), 0o600))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("max-retries", 5, "")
	flags.Float64("crawl-delay-seconds", 1, "")
	flags.String("worker-id", "", "")
	require.NoError(t, flags.Parse([]string{"--max-retries=2", "--worker-id=cli-worker"}))

	cfg, err := Load(path, WithEnvFile(""), WithFlags(flags, map[string]string{
		"frontier.max_retries":        "max-retries",
		"crawler.crawl_delay_seconds": "crawl-delay-seconds",
		"crawler.worker_id":           "worker-id",
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Frontier.MaxRetries)
	assert.Equal(t, "cli-worker", cfg.Crawler.WorkerID)
	assert.Equal(t, 3*time.Second, cfg.CrawlDelay(), "unset flag must not override the file")

	_, err = Load(path, WithEnvFile(""), WithFlags(flags, map[string]string{"db.dsn": "missing-flag"}))
	require.Error(t, err)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CRAWLER_FRONTIER_BACKEND", "postgres")
	t.Setenv("CRAWLER_DB_DSN", "postgres://env@db/frontier")
	t.Setenv("CRAWLER_KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load("", WithEnvFile(""))
	require.NoError(t, err)
	assert.Equal(t, "postgres://env@db/frontier", cfg.DB.DSN)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("CRAWLER_FRONTIER_BACKEND", "mongo")
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("CRAWLER_MONGO_URI=mongodb://dotenv:27017\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("CRAWLER_MONGO_URI") })

	cfg, err := Load("", WithEnvFile(envPath))
	require.NoError(t, err)
	assert.Equal(t, "mongodb://dotenv:27017", cfg.Mongo.URI)

	_, err = Load("", WithEnvFile(filepath.Join(dir, "absent.env")))
	require.NoError(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), WithEnvFile(""))
	require.Error(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Frontier:   FrontierConfig{Backend: "memory", MaxRetries: 5, StaleLockTimeout: time.Minute},
		Crawler:    CrawlerConfig{Concurrency: 1, CrawlDelaySeconds: 1},
		HTTP:       HTTPConfig{TimeoutSeconds: 10},
		Storage:    StorageConfig{Backend: "memory"},
		Politeness: PolitenessConfig{Backend: "local"},
		Publisher:  PublisherConfig{Backend: "none"},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"max retries", func(c *Config) { c.Frontier.MaxRetries = 0 }, "frontier.max_retries"},
		{"stale timeout", func(c *Config) { c.Frontier.StaleLockTimeout = 0 }, "frontier.stale_lock_timeout"},
		{"concurrency", func(c *Config) { c.Crawler.Concurrency = 0 }, "crawler.concurrency"},
		{"negative delay", func(c *Config) { c.Crawler.CrawlDelaySeconds = -1 }, "crawler.crawl_delay_seconds"},
		{"timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"postgres dsn", func(c *Config) { c.Frontier.Backend = "postgres" }, "db.dsn"},
		{"mongo uri", func(c *Config) { c.Frontier.Backend = "mongo" }, "mongo.uri"},
		{"frontier backend", func(c *Config) { c.Frontier.Backend = "sqlite" }, "frontier.backend"},
		{"gcs bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.gcs_bucket"},
		{"local dir", func(c *Config) { c.Storage.Backend = "local" }, "storage.local_dir"},
		{"storage backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"redis addr", func(c *Config) { c.Politeness.Backend = "redis" }, "redis.addr"},
		{"politeness backend", func(c *Config) { c.Politeness.Backend = "etcd" }, "politeness.backend"},
		{"pubsub", func(c *Config) { c.Publisher.Backend = "pubsub" }, "pubsub.project_id"},
		{"kafka", func(c *Config) { c.Publisher.Backend = "kafka" }, "kafka.brokers"},
		{"publisher backend", func(c *Config) { c.Publisher.Backend = "sns" }, "publisher.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
