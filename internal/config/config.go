package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`

	// Database
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Hot state (Dragonfly/Redis). The critical instance holds counters
	// and recipient state and must run with a no-eviction policy.
	DragonflyURL         string `envconfig:"DRAGONFLY_URL" default:"redis://localhost:6379"`
	DragonflyCriticalURL string `envconfig:"DRAGONFLY_CRITICAL_URL"`

	// NATS
	NATSCluster    string `envconfig:"NATS_CLUSTER" default:"nats://localhost:4222"`
	NATSTLSEnabled bool   `envconfig:"NATS_TLS_ENABLED" default:"false"`
	NATSReplicas   int    `envconfig:"NATS_REPLICAS" default:"3"`

	// Worker
	WorkerID              string `envconfig:"WORKER_ID" default:"worker-1"`
	ConcurrentBatches     int    `envconfig:"CONCURRENT_BATCHES" default:"10"`
	MaxConcurrentRequests int    `envconfig:"MAX_CONCURRENT_REQUESTS" default:"1000"`

	// Rate limiting
	SystemRateLimit    int  `envconfig:"SYSTEM_RATE_LIMIT" default:"10000"`
	RateLimitPerSecond int  `envconfig:"RATE_LIMIT_PER_SECOND" default:"1000"`
	DisableRateLimit   bool `envconfig:"DISABLE_RATE_LIMIT" default:"false"`

	// Webhook pipeline
	WebhookSecret        string        `envconfig:"WEBHOOK_SECRET" required:"true"`
	WebhookQueueEnabled  bool          `envconfig:"WEBHOOK_QUEUE_ENABLED" default:"true"`
	WebhookMaxRetries    int           `envconfig:"WEBHOOK_MAX_RETRIES" default:"3"`
	WebhookBatchSize     int           `envconfig:"WEBHOOK_BATCH_SIZE" default:"100"`
	WebhookFlushInterval time.Duration `envconfig:"WEBHOOK_FLUSH_INTERVAL" default:"1s"`

	// Postgres sync
	SyncInterval         time.Duration `envconfig:"SYNC_INTERVAL" default:"2s"`
	MaxRecipientsPerSync int           `envconfig:"MAX_RECIPIENTS_PER_SYNC" default:"1000"`

	// Analytics sink (ClickHouse HTTP interface)
	ClickHouseURL       string        `envconfig:"CLICKHOUSE_URL" default:"http://localhost:8123"`
	ClickHouseDatabase  string        `envconfig:"CLICKHOUSE_DATABASE" default:"batchsender"`
	AnalyticsFlushSize  int           `envconfig:"ANALYTICS_FLUSH_SIZE" default:"500"`
	AnalyticsFlushEvery time.Duration `envconfig:"ANALYTICS_FLUSH_EVERY" default:"2s"`

	// Dry run
	DryRunLatencyMinMs     int  `envconfig:"DRY_RUN_LATENCY_MIN_MS" default:"20"`
	DryRunLatencyMaxMs     int  `envconfig:"DRY_RUN_LATENCY_MAX_MS" default:"80"`
	HighThroughputTestMode bool `envconfig:"HIGH_THROUGHPUT_TEST_MODE" default:"false"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET must not be empty")
	}
	if c.NATSReplicas < 1 || c.NATSReplicas > 5 {
		return fmt.Errorf("NATS_REPLICAS must be between 1 and 5, got %d", c.NATSReplicas)
	}
	if c.DryRunLatencyMaxMs < c.DryRunLatencyMinMs {
		return fmt.Errorf("DRY_RUN_LATENCY_MAX_MS (%d) is below DRY_RUN_LATENCY_MIN_MS (%d)",
			c.DryRunLatencyMaxMs, c.DryRunLatencyMinMs)
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_REQUESTS must be positive")
	}
	return nil
}

// CriticalRedisURL returns the URL of the no-eviction instance that holds
// batch counters and recipient state. Falls back to the general instance
// when no dedicated critical instance is configured.
func (c *Config) CriticalRedisURL() string {
	if c.DragonflyCriticalURL != "" {
		return c.DragonflyCriticalURL
	}
	return c.DragonflyURL
}
