// Package config provides centralized configuration for the logstream binary.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/logstream/internal/models"
)

// Remote transports.
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
)

// Config is the master configuration struct.
type Config struct {
	Remote      RemoteConfig      `mapstructure:"remote" yaml:"remote"`
	Poller      PollerConfig      `mapstructure:"poller" yaml:"poller"`
	Correlation CorrelationConfig `mapstructure:"correlation" yaml:"correlation"`
	Channel     ChannelConfig     `mapstructure:"channel" yaml:"channel"`
	Fanout      FanoutConfig      `mapstructure:"fanout" yaml:"fanout"`

	// Shared infrastructure configurations
	NATS       NATSConfig       `mapstructure:"nats" yaml:"nats"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch" yaml:"opensearch"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// RemoteConfig selects and configures the query and channel services.
type RemoteConfig struct {
	Transport string        `mapstructure:"transport" yaml:"transport"`
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	ChannelID string        `mapstructure:"channel_id" yaml:"channel_id"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Token     string        `mapstructure:"token" yaml:"token"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
	Client    string        `mapstructure:"client" yaml:"client"`
}

// PollerConfig holds job scheduler settings
type PollerConfig struct {
	PollDelay      time.Duration `mapstructure:"poll_delay" yaml:"poll_delay"`
	MaxWaitTime    time.Duration `mapstructure:"max_wait_time" yaml:"max_wait_time"`
	DeleteTimeout  time.Duration `mapstructure:"delete_timeout" yaml:"delete_timeout"`
	StatusCapacity int           `mapstructure:"status_capacity" yaml:"status_capacity"`
}

// CorrelationConfig holds L2/L3 join settings
type CorrelationConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AgeoutWindow   int64    `mapstructure:"ageout_window" yaml:"ageout_window"`
	GCMultiplier   int      `mapstructure:"gc_multiplier" yaml:"gc_multiplier"`
	AbsoluteTime   bool     `mapstructure:"absolute_time" yaml:"absolute_time"`
	TimestampField string   `mapstructure:"timestamp_field" yaml:"timestamp_field"`
	SessionField   string   `mapstructure:"session_field" yaml:"session_field"`
	L2Fields       []string `mapstructure:"l2_fields" yaml:"l2_fields"`
	L3Fields       []string `mapstructure:"l3_fields" yaml:"l3_fields"`
}

// ChannelConfig holds event channel settings
type ChannelConfig struct {
	Filters     []string      `mapstructure:"filters" yaml:"filters"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	BatchSize   int           `mapstructure:"batch_size" yaml:"batch_size"`
	IdleDelay   time.Duration `mapstructure:"idle_delay" yaml:"idle_delay"`
	AutoAck     bool          `mapstructure:"auto_ack" yaml:"auto_ack"`
}

// FanoutConfig holds listener settings
type FanoutConfig struct {
	AllowDuplicates bool `mapstructure:"allow_duplicates" yaml:"allow_duplicates"`
	QueueSize       int  `mapstructure:"queue_size" yaml:"queue_size"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	Name          string        `mapstructure:"name" yaml:"name"`
	Token         string        `mapstructure:"token" yaml:"token"`
	Username      string        `mapstructure:"username" yaml:"username"`
	Password      string        `mapstructure:"password" yaml:"password"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// Publish sends emitted batches to logstream.events.<topic>.<source>.
	Publish bool `mapstructure:"publish" yaml:"publish"`

	// JetStream publishes through the durable events stream instead.
	JetStream bool `mapstructure:"jetstream" yaml:"jetstream"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL        string        `mapstructure:"url" yaml:"url"`
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	PoolSize   int           `mapstructure:"pool_size" yaml:"pool_size"`
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// OpenSearchConfig holds OpenSearch connection settings
type OpenSearchConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	URL           string `mapstructure:"url" yaml:"url"`
	Username      string `mapstructure:"username" yaml:"username"`
	Password      string `mapstructure:"password" yaml:"password"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify" yaml:"tls_skip_verify"`
	IndexPrefix   string `mapstructure:"index_prefix" yaml:"index_prefix"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// Dir returns the configuration directory: $LOGSTREAM_CONFIG_DIR, else
// $HOME/.logstream, else /etc/logstream.
func Dir() string {
	if dir := os.Getenv("LOGSTREAM_CONFIG_DIR"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".logstream")
	}
	return "/etc/logstream"
}

// Load reads configuration from Dir()/config.yaml and environment variables.
func Load() (*Config, error) {
	return LoadFile(filepath.Join(Dir(), "config.yaml"))
}

// LoadFile reads configuration from path and environment variables. A
// missing file is not an error; defaults and the environment still apply.
// Environment variables use the LOGSTREAM prefix with dots replaced by
// underscores, e.g. LOGSTREAM_REMOTE_BASE_URL.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Set all defaults
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("LOGSTREAM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found - continue with defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the packages do not validate themselves.
// Errors wrap models.ErrConfiguration.
func (c *Config) Validate() error {
	switch c.Remote.Transport {
	case TransportHTTP:
		if c.Remote.BaseURL == "" {
			return models.ConfigError("remote.base_url is required for the http transport")
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			return models.ConfigError("nats.url is required for the nats transport")
		}
	default:
		return models.ConfigError("remote.transport must be %q or %q, got %q",
			TransportHTTP, TransportNATS, c.Remote.Transport)
	}
	if c.Remote.Timeout < 0 {
		return models.ConfigError("remote.timeout must not be negative, got %s", c.Remote.Timeout)
	}
	if c.Fanout.QueueSize < 0 {
		return models.ConfigError("fanout.queue_size must not be negative, got %d", c.Fanout.QueueSize)
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return models.ConfigError("redis.url is required when redis is enabled")
	}
	if c.OpenSearch.Enabled && c.OpenSearch.URL == "" {
		return models.ConfigError("opensearch.url is required when opensearch is enabled")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return models.ConfigError("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

// YAML renders the configuration with secrets masked.
func (c Config) YAML() ([]byte, error) {
	masked := c
	masked.Remote.Token = mask(c.Remote.Token)
	masked.NATS.Token = mask(c.NATS.Token)
	masked.NATS.Password = mask(c.NATS.Password)
	masked.OpenSearch.Password = mask(c.OpenSearch.Password)
	return yaml.Marshal(masked)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// setDefaults sets all default configuration values
func setDefaults(v *viper.Viper) {
	// Remote service defaults
	v.SetDefault("remote.transport", TransportHTTP)
	v.SetDefault("remote.base_url", "http://localhost:8080")
	v.SetDefault("remote.channel_id", "EventFilter")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.user_agent", "logstream")
	v.SetDefault("remote.client", "logstream")

	// Poller defaults
	v.SetDefault("poller.poll_delay", "200ms")
	v.SetDefault("poller.max_wait_time", "0s")
	v.SetDefault("poller.delete_timeout", "5s")
	v.SetDefault("poller.status_capacity", 1024)

	// Correlation defaults
	v.SetDefault("correlation.enabled", false)
	v.SetDefault("correlation.ageout_window", 120)
	v.SetDefault("correlation.gc_multiplier", 100)
	v.SetDefault("correlation.absolute_time", false)
	v.SetDefault("correlation.timestamp_field", "time_generated")
	v.SetDefault("correlation.session_field", "sessionid")
	v.SetDefault("correlation.l2_fields", []string{"extended_traffic_log_mac", "extended_traffic_log_mac_stc"})
	v.SetDefault("correlation.l3_fields", []string{"src", "dst"})

	// Channel defaults
	v.SetDefault("channel.filters", []string{})
	v.SetDefault("channel.poll_timeout", "30s")
	v.SetDefault("channel.batch_size", 0)
	v.SetDefault("channel.idle_delay", "1s")
	v.SetDefault("channel.auto_ack", true)

	// Fanout defaults
	v.SetDefault("fanout.allow_duplicates", false)
	v.SetDefault("fanout.queue_size", 1024)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "logstream")
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.username", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")
	v.SetDefault("nats.publish", false)
	v.SetDefault("nats.jetstream", false)

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.ttl", "24h")

	// OpenSearch defaults
	v.SetDefault("opensearch.enabled", false)
	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "admin")
	v.SetDefault("opensearch.tls_skip_verify", true)
	v.SetDefault("opensearch.index_prefix", "logstream")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
}
