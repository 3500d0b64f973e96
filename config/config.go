package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/jwalitptl/realtime-hub/internal/realtime"
	"github.com/jwalitptl/realtime-hub/internal/sender"
	"github.com/jwalitptl/realtime-hub/internal/service/notification"
	"github.com/jwalitptl/realtime-hub/internal/service/stats"
	"github.com/jwalitptl/realtime-hub/internal/worker"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
	"github.com/jwalitptl/realtime-hub/pkg/messaging/redis"
	"github.com/jwalitptl/realtime-hub/pkg/tracing"
	pkgworker "github.com/jwalitptl/realtime-hub/pkg/worker"
)

const EnvPrefix = "HUB"

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes"`
	// AllowedOrigins for the websocket upgrade; empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	// Driver is "memory" or "postgres".
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

type RedisConfig struct {
	// URL empty disables cross-node fan-out and the outbox topic.
	URL              string        `mapstructure:"url"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	PoolSize         int           `mapstructure:"pool_size"`
	MinIdleConns     int           `mapstructure:"min_idle_conns"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
}

type RealtimeConfig struct {
	SendBuffer       int           `mapstructure:"send_buffer"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	MaxMessageBytes  int64         `mapstructure:"max_message_bytes"`
	// ClientPingInterval is what clients are expected to use; the broker's
	// heartbeat timeout must exceed it.
	ClientPingInterval time.Duration `mapstructure:"client_ping_interval"`
	RelayTopic         string        `mapstructure:"relay_topic"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
}

type DeliveryConfig struct {
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	ClaimLease     time.Duration `mapstructure:"claim_lease"`
	BatchSize      int           `mapstructure:"batch_size"`
	Concurrency    int           `mapstructure:"concurrency"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StatsCacheTTL  time.Duration `mapstructure:"stats_cache_ttl"`
	StatsWindow    time.Duration `mapstructure:"stats_window"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

type EmailConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	From              string `mapstructure:"from"`
	AwaitConfirmation bool   `mapstructure:"await_confirmation"`
}

type ChatConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Token          string `mapstructure:"token"`
	APIURL         string `mapstructure:"api_url"`
	DefaultChannel string `mapstructure:"default_channel"`
}

type WebhookConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Secret        string        `mapstructure:"secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

type ChannelsConfig struct {
	Email   EmailConfig   `mapstructure:"email"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

type OutboxConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	ClaimLease    time.Duration `mapstructure:"claim_lease"`
	TopicPrefix   string        `mapstructure:"topic_prefix"`
}

type MaintenanceConfig struct {
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
	OutboxRetention time.Duration `mapstructure:"outbox_retention"`
	StatsSchedule   string        `mapstructure:"stats_schedule"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `mapstructure:"prometheus_enabled"`
	MetricsPath       string `mapstructure:"metrics_path"`
	Namespace         string `mapstructure:"namespace"`
	// WorkerAddr is where the worker process serves health and metrics.
	WorkerAddr        string `mapstructure:"worker_addr"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Realtime    RealtimeConfig    `mapstructure:"realtime"`
	Delivery    DeliveryConfig    `mapstructure:"delivery"`
	Channels    ChannelsConfig    `mapstructure:"channels"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`

	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_header_bytes", 1<<20)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "realtime_hub")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.subscriber_buffer", 256)

	rt := realtime.DefaultConfig()
	v.SetDefault("realtime.send_buffer", rt.SendBuffer)
	v.SetDefault("realtime.write_timeout", rt.WriteTimeout)
	v.SetDefault("realtime.heartbeat_timeout", rt.HeartbeatTimeout)
	v.SetDefault("realtime.sweep_interval", rt.SweepInterval)
	v.SetDefault("realtime.max_message_bytes", rt.MaxMessageBytes)
	v.SetDefault("realtime.client_ping_interval", 30*time.Second)
	v.SetDefault("realtime.relay_topic", "hub.realtime")

	dc := notification.DefaultConfig()
	v.SetDefault("delivery.attempt_timeout", dc.AttemptTimeout)
	v.SetDefault("delivery.claim_lease", dc.ClaimLease)
	v.SetDefault("delivery.batch_size", dc.BatchSize)
	v.SetDefault("delivery.concurrency", dc.Concurrency)
	v.SetDefault("delivery.poll_interval", 5*time.Second)
	v.SetDefault("delivery.stats_cache_ttl", 30*time.Second)
	v.SetDefault("delivery.stats_window", stats.DefaultWindow)
	v.SetDefault("delivery.retry.initial_interval", dc.Retry.InitialInterval)
	v.SetDefault("delivery.retry.multiplier", dc.Retry.Multiplier)
	v.SetDefault("delivery.retry.max_interval", dc.Retry.MaxInterval)
	v.SetDefault("delivery.retry.max_jitter", time.Duration(0))

	v.SetDefault("channels.email.enabled", false)
	v.SetDefault("channels.email.host", "localhost")
	v.SetDefault("channels.email.port", 587)
	v.SetDefault("channels.email.username", "")
	v.SetDefault("channels.email.password", "")
	v.SetDefault("channels.email.from", "")
	v.SetDefault("channels.email.await_confirmation", false)
	v.SetDefault("channels.chat.enabled", false)
	v.SetDefault("channels.chat.token", "")
	v.SetDefault("channels.chat.api_url", "")
	v.SetDefault("channels.chat.default_channel", "")
	v.SetDefault("channels.webhook.enabled", true)
	v.SetDefault("channels.webhook.secret", "")
	v.SetDefault("channels.webhook.timeout", 10*time.Second)
	v.SetDefault("channels.webhook.rate_per_second", 20.0)
	v.SetDefault("channels.webhook.burst", 40)

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", 2*time.Second)
	v.SetDefault("outbox.retry_attempts", 5)
	v.SetDefault("outbox.retry_delay", 10*time.Second)
	v.SetDefault("outbox.claim_lease", time.Minute)
	v.SetDefault("outbox.topic_prefix", "hub.events.")

	mc := worker.DefaultMaintenanceConfig()
	v.SetDefault("maintenance.cleanup_schedule", mc.CleanupSchedule)
	v.SetDefault("maintenance.outbox_retention", mc.OutboxRetention)
	v.SetDefault("maintenance.stats_schedule", mc.StatsSchedule)
	v.SetDefault("maintenance.job_timeout", mc.JobTimeout)

	v.SetDefault("monitoring.prometheus_enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.namespace", "realtime_hub")
	v.SetDefault("monitoring.worker_addr", ":8081")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "realtime-hub")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 100.0)
	v.SetDefault("rate_limit.burst", 200)
}

// LoadConfig reads config.yml from the usual locations, or from path when
// given. A missing file is fine; defaults and HUB_* env vars still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app/config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.v = v

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that would break delivery or heartbeat guarantees.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Database.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be memory or postgres, got %q", c.Database.Driver))
	}
	if c.Delivery.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("delivery.attempt_timeout must be positive"))
	}
	if c.Delivery.ClaimLease <= c.Delivery.AttemptTimeout {
		errs = append(errs, fmt.Errorf("delivery.claim_lease (%s) must exceed delivery.attempt_timeout (%s)",
			c.Delivery.ClaimLease, c.Delivery.AttemptTimeout))
	}
	if c.Delivery.BatchSize <= 0 {
		errs = append(errs, errors.New("delivery.batch_size must be positive"))
	}
	if c.Delivery.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("delivery.retry.multiplier must be at least 1"))
	}
	if c.Realtime.HeartbeatTimeout <= c.Realtime.ClientPingInterval {
		errs = append(errs, fmt.Errorf("realtime.heartbeat_timeout (%s) must exceed realtime.client_ping_interval (%s)",
			c.Realtime.HeartbeatTimeout, c.Realtime.ClientPingInterval))
	}
	if c.Realtime.SendBuffer <= 0 {
		errs = append(errs, errors.New("realtime.send_buffer must be positive"))
	}
	if c.Channels.Email.Enabled && c.Channels.Email.From == "" {
		errs = append(errs, errors.New("channels.email.from is required when email is enabled"))
	}
	if c.Channels.Chat.Enabled && c.Channels.Chat.Token == "" {
		errs = append(errs, errors.New("channels.chat.token is required when chat is enabled"))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// WatchLogLevel re-applies logging.level whenever the config file changes.
// It is a no-op when no file was loaded.
func (c *Config) WatchLogLevel(log *logger.Logger) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level := c.v.GetString("logging.level")
		logger.SetLevel(logger.ParseLevel(level))
		log.Info("Config file changed, log level applied", "file", e.Name, "level", level)
	})
	c.v.WatchConfig()
}

func (c *Config) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:  logger.ParseLevel(c.Logging.Level),
		Format: c.Logging.Format,
	}
}

func (c *RealtimeConfig) ToRegistryConfig() realtime.Config {
	return realtime.Config{
		SendBuffer:       c.SendBuffer,
		WriteTimeout:     c.WriteTimeout,
		HeartbeatTimeout: c.HeartbeatTimeout,
		SweepInterval:    c.SweepInterval,
		MaxMessageBytes:  c.MaxMessageBytes,
	}
}

func (c *DeliveryConfig) ToServiceConfig() notification.Config {
	return notification.Config{
		AttemptTimeout: c.AttemptTimeout,
		ClaimLease:     c.ClaimLease,
		BatchSize:      c.BatchSize,
		Concurrency:    c.Concurrency,
		Retry: notification.RetryPolicy{
			InitialInterval: c.Retry.InitialInterval,
			Multiplier:      c.Retry.Multiplier,
			MaxInterval:     c.Retry.MaxInterval,
			MaxJitter:       c.Retry.MaxJitter,
		},
	}
}

func (c *DeliveryConfig) ToStatsConfig() stats.Config {
	return stats.Config{CacheTTL: c.StatsCacheTTL, DefaultWindow: c.StatsWindow}
}

func (c *DeliveryConfig) ToSchedulerConfig() pkgworker.RetrySchedulerConfig {
	return pkgworker.RetrySchedulerConfig{Interval: c.PollInterval, BatchSize: c.BatchSize}
}

func (c *EmailConfig) ToSenderConfig() sender.EmailConfig {
	return sender.EmailConfig{
		Host:              c.Host,
		Port:              c.Port,
		Username:          c.Username,
		Password:          c.Password,
		From:              c.From,
		AwaitConfirmation: c.AwaitConfirmation,
	}
}

func (c *ChatConfig) ToSenderConfig() sender.ChatConfig {
	return sender.ChatConfig{Token: c.Token, APIURL: c.APIURL, DefaultChannel: c.DefaultChannel}
}

func (c *WebhookConfig) ToSenderConfig() sender.WebhookConfig {
	return sender.WebhookConfig{
		Secret:        c.Secret,
		Timeout:       c.Timeout,
		RatePerSecond: c.RatePerSecond,
		Burst:         c.Burst,
	}
}

func (c *OutboxConfig) ToWorkerConfig() pkgworker.OutboxProcessorConfig {
	return pkgworker.OutboxProcessorConfig{
		BatchSize:     c.BatchSize,
		PollInterval:  c.PollInterval,
		RetryAttempts: c.RetryAttempts,
		RetryDelay:    c.RetryDelay,
		ClaimLease:    c.ClaimLease,
		TopicPrefix:   c.TopicPrefix,
	}
}

func (c *MaintenanceConfig) ToWorkerConfig() worker.MaintenanceConfig {
	return worker.MaintenanceConfig{
		CleanupSchedule: c.CleanupSchedule,
		OutboxRetention: c.OutboxRetention,
		StatsSchedule:   c.StatsSchedule,
		JobTimeout:      c.JobTimeout,
	}
}

func (c *RedisConfig) ToBrokerConfig() redis.Config {
	return redis.Config{
		URL:              c.URL,
		MaxRetries:       c.MaxRetries,
		RetryBackoff:     c.RetryBackoff,
		PoolSize:         c.PoolSize,
		MinIdleConns:     c.MinIdleConns,
		SubscriberBuffer: c.SubscriberBuffer,
	}
}

func (c *TracingConfig) ToTracingConfig() tracing.Config {
	return tracing.Config{
		Enabled:     c.Enabled,
		ServiceName: c.ServiceName,
		Environment: c.Environment,
		Endpoint:    c.Endpoint,
		Insecure:    c.Insecure,
		SampleRate:  c.SampleRate,
	}
}
