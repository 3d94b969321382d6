// Package config holds the immutable runtime configuration for datasetd.
// The configuration is constructed once at startup and handed to each
// component explicitly; nothing in the service reads environment state after
// Load returns.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config groups every recognised option of the service. Broker and database
// credentials follow the keys the original deployment guide documents;
// everything else has defaults that match the tutorial topology.
type Config struct {
	// PostgreSQL configuration.
	PostgresDBName   string `envconfig:"POSTGRES_DBNAME" required:"true"`
	PostgresHost     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	PostgresPort     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	PostgresUser     string `envconfig:"POSTGRES_USER" required:"true"`
	PostgresPassword string `envconfig:"POSTGRES_PASSWORD" required:"true"`
	PostgresSSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`

	// Broker (AMQP) configuration.
	BrokerHost     string `envconfig:"BROKER_HOST" default:"localhost"`
	BrokerPort     int    `envconfig:"BROKER_PORT" default:"5672"`
	BrokerUser     string `envconfig:"BROKER_USER" required:"true"`
	BrokerPassword string `envconfig:"BROKER_PASSWORD" required:"true"`
	BrokerVHost    string `envconfig:"BROKER_VHOST" default:"/"`

	// Topology. The defaults mirror the document service integration: a
	// durable queue bound to the document service exchange, plus our own
	// exchange for dataset events.
	ConsumeExchange   string `envconfig:"CONSUME_EXCHANGE" default:"documentExchange"`
	ConsumeQueue      string `envconfig:"CONSUME_QUEUE" default:"propagate-document-deletions"`
	ConsumeRoutingKey string `envconfig:"CONSUME_ROUTING_KEY" default:"document.event.deleted"`
	PublishExchange   string `envconfig:"PUBLISH_EXCHANGE" default:"ms.datasets"`

	// PrefetchCount limits the number of unacknowledged deliveries held by
	// this consumer. 1 preserves delivery order; larger values trade ordering
	// for concurrent pipeline runs.
	PrefetchCount int `envconfig:"PREFETCH_COUNT" default:"1"`

	// Message retry tuning. Zero values fall back to library defaults.
	MaxRetries           int           `envconfig:"MAX_RETRIES" default:"5"`
	RetryInitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"1s"`
	RetryMaxInterval     time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"16s"`

	// Database pool sizing.
	PoolMaxOpen        int           `envconfig:"POOL_MAX_OPEN" default:"10"`
	PoolMaxIdle        int           `envconfig:"POOL_MAX_IDLE" default:"5"`
	PoolAcquireTimeout time.Duration `envconfig:"POOL_ACQUIRE_TIMEOUT" default:"30s"`

	// Startup connection policy for both external dependencies.
	// ConnectAttempts = 0 retries without bound until the context is
	// cancelled.
	ConnectAttempts       int           `envconfig:"CONNECT_ATTEMPTS" default:"0"`
	ConnectBackoffInitial time.Duration `envconfig:"CONNECT_BACKOFF_INITIAL" default:"1s"`
	ConnectBackoffMax     time.Duration `envconfig:"CONNECT_BACKOFF_MAX" default:"30s"`

	// Outbox relay tuning. The relay polls for committed-but-unpublished
	// events and hands them to the broker.
	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"1s"`
	OutboxBatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE" default:"100"`

	// ShutdownTimeout bounds how long in-flight messages may finish after a
	// shutdown signal.
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	// Metrics configuration.
	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"false"`
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int `envconfig:"METRICS_PORT" default:"9090"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged first when present, matching the config.ini workflow of
// earlier deployments.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return &cfg, nil
}

// BrokerURL renders the AMQP connection URI.
func (c *Config) BrokerURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.BrokerUser, c.BrokerPassword),
		Host:   fmt.Sprintf("%s:%d", c.BrokerHost, c.BrokerPort),
	}
	if c.BrokerVHost != "" && c.BrokerVHost != "/" {
		u.Path = "/" + url.PathEscape(c.BrokerVHost)
	}
	return u.String()
}

// PostgresURL renders the connection string consumed by the storage layer.
func (c *Config) PostgresURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   "/" + c.PostgresDBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.PostgresSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// LogValue implements slog.LogValuer so structured log handlers render the
// redacted form instead of marshaling the raw struct with its credentials.
func (c Config) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

func (c Config) String() string {
	// Create a copy to avoid modifying the original
	copy := c
	if copy.PostgresPassword != "" {
		copy.PostgresPassword = "***REDACTED***"
	}
	if copy.BrokerPassword != "" {
		copy.BrokerPassword = "***REDACTED***"
	}
	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(copy))
}

// Validate checks that the configuration is internally consistent. Required
// credentials are already enforced by the loader; Validate covers the values
// a loader cannot judge.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateEndpoints()...)
	errs = append(errs, c.validateRetry()...)
	errs = append(errs, c.validatePool()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

func (c *Config) validateEndpoints() []error {
	var errs []error
	if c.BrokerHost == "" {
		errs = append(errs, errors.New("broker: host is required"))
	}
	if c.PostgresHost == "" {
		errs = append(errs, errors.New("postgres: host is required"))
	}
	if c.ConsumeQueue == "" {
		errs = append(errs, errors.New("broker: consume queue is required"))
	}
	if c.ConsumeRoutingKey == "" {
		errs = append(errs, errors.New("broker: consume routing key is required"))
	}
	if c.PrefetchCount < 0 {
		errs = append(errs, fmt.Errorf("broker: invalid prefetch count %d", c.PrefetchCount))
	}
	return errs
}

func (c *Config) validateRetry() []error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("retry: max retries cannot be negative"))
	}
	if c.RetryInitialInterval < 0 {
		errs = append(errs, errors.New("retry: initial interval cannot be negative"))
	}
	if c.RetryMaxInterval < 0 {
		errs = append(errs, errors.New("retry: max interval cannot be negative"))
	}
	if c.RetryMaxInterval > 0 && c.RetryInitialInterval > 0 && c.RetryInitialInterval > c.RetryMaxInterval {
		errs = append(errs, errors.New("retry: initial interval cannot exceed max interval"))
	}
	return errs
}

func (c *Config) validatePool() []error {
	var errs []error
	if c.PoolMaxOpen < 1 {
		errs = append(errs, errors.New("pool: max open connections must be at least 1"))
	}
	if c.PoolMaxIdle < 0 {
		errs = append(errs, errors.New("pool: max idle connections cannot be negative"))
	}
	if c.PoolMaxIdle > c.PoolMaxOpen {
		errs = append(errs, errors.New("pool: max idle connections cannot exceed max open connections"))
	}
	if c.PoolAcquireTimeout <= 0 {
		errs = append(errs, errors.New("pool: acquire timeout must be positive"))
	}
	if c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("outbox: poll interval must be positive"))
	}
	if c.OutboxBatchSize < 1 {
		errs = append(errs, errors.New("outbox: batch size must be at least 1"))
	}
	return errs
}

func (c *Config) validatePorts() []error {
	var errs []error
	if c.BrokerPort < 1 || c.BrokerPort > 65535 {
		errs = append(errs, fmt.Errorf("broker: invalid port %d", c.BrokerPort))
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		errs = append(errs, fmt.Errorf("postgres: invalid port %d", c.PostgresPort))
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
