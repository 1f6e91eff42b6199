// Package config defines the single immutable configuration value of hissync.
//
// The configuration is organized into logical sections:
//   - Database: source database connection, timeouts and fetch retries
//   - Delivery: sink endpoints, pacing, batching and HTTP retries
//   - Scripts: where sync SQL scripts are resolved from
//   - Logging: zap settings and the failure log destination
//   - MQTT / Kafka: message-bus triggers
//   - Observability: metrics listener and trace exporter
//   - Sink: the insert-only API service
//
// A Config is built once by Load and handed to each component constructor.
// Nothing in the repository reads configuration from package state.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Supported source drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Supported request body compressions.
const (
	CompressionNone = ""
	CompressionGzip = "gzip"
)

// Config is the root configuration.
type Config struct {
	Database      DatabaseConfig      `yaml:"database" json:"database"`
	Delivery      DeliveryConfig      `yaml:"delivery" json:"delivery"`
	Scripts       ScriptsConfig       `yaml:"scripts" json:"scripts"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	MQTT          MQTTConfig          `yaml:"mqtt" json:"mqtt"`
	Kafka         KafkaConfig         `yaml:"kafka" json:"kafka"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Sink          SinkConfig          `yaml:"sink" json:"sink"`
}

// DatabaseConfig describes the source database.
type DatabaseConfig struct {
	// Driver selects the source engine (mysql, postgres)
	Driver   string `yaml:"driver" json:"driver"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Name     string `yaml:"name" json:"name"`
	// Charset is applied to MySQL connections only
	Charset string `yaml:"charset" json:"charset"`
	// ConnectTimeout bounds a single connection attempt
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	// ReadTimeout bounds socket reads on the source connection
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`
	// WriteTimeout bounds socket writes on the source connection
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	// RetryTotal is the number of retries after the first fetch attempt
	RetryTotal int `yaml:"retry_total" json:"retry_total"`
	// RetryBackoff is the wait after the first failed attempt; it doubles per attempt
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

// DeliveryConfig describes the remote sink and how rows are pushed to it.
type DeliveryConfig struct {
	// APIURL receives one record per POST
	APIURL string `yaml:"api_url" json:"api_url"`
	// BatchURL receives a JSON array of records per POST
	BatchURL string `yaml:"batch_url" json:"batch_url"`
	// BatchSize > 1 together with BatchURL selects batch mode
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// RequestTimeout bounds a single HTTP request
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// PostSleep is the pacing interval between network attempts
	PostSleep time.Duration `yaml:"post_sleep" json:"post_sleep"`
	// LogEvery emits a progress line every N processed rows (0 disables)
	LogEvery int `yaml:"log_every" json:"log_every"`
	// RetryTotal is the number of transport-level retries per request
	RetryTotal int `yaml:"retry_total" json:"retry_total"`
	// RetryBackoff is the first transport-level retry wait; it doubles per retry
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	// RetryStatuses are the response codes retried by the transport
	RetryStatuses []int `yaml:"retry_statuses" json:"retry_statuses"`
	// RetryMethods are the HTTP methods the transport may retry
	RetryMethods []string `yaml:"retry_methods" json:"retry_methods"`
	// Compression of request bodies ("" or gzip)
	Compression string `yaml:"compression" json:"compression"`
	// EnableHTTP2 configures the transport for HTTP/2 over TLS
	EnableHTTP2 bool `yaml:"enable_http2" json:"enable_http2"`
}

// ScriptsConfig locates sync scripts.
type ScriptsConfig struct {
	BaseDir     string `yaml:"base_dir" json:"base_dir"`
	RegistryURL string `yaml:"registry_url" json:"registry_url"`
}

// LoggingConfig holds zap settings and the failure log path.
type LoggingConfig struct {
	Level        string `yaml:"level" json:"level"`
	Encoding     string `yaml:"encoding" json:"encoding"`
	Development  bool   `yaml:"development" json:"development"`
	ErrorLogPath string `yaml:"error_log_path" json:"error_log_path"`
}

// MQTTConfig configures the MQTT trigger.
type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url" json:"broker_url"`
	Topic     string `yaml:"topic" json:"topic"`
	ClientID  string `yaml:"client_id" json:"client_id"`
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
	QoS       int    `yaml:"qos" json:"qos"`
}

// KafkaConfig configures the Kafka trigger.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
	Group   string   `yaml:"group" json:"group"`
}

// ObservabilityConfig controls metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr is the listen address of /metrics; empty disables it
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	// TracingExporter is "", "none" or "stdout"
	TracingExporter string `yaml:"tracing_exporter" json:"tracing_exporter"`
}

// SinkConfig configures the insert-only API.
type SinkConfig struct {
	DatabaseURL string `yaml:"database_url" json:"database_url"`
	ListenAddr  string `yaml:"listen_addr" json:"listen_addr"`
	MaxConns    int32  `yaml:"max_conns" json:"max_conns"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:         DriverMySQL,
			Host:           "127.0.0.1",
			Port:           3306,
			User:           "root",
			Charset:        "utf8mb4",
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   60 * time.Second,
			RetryTotal:     2,
			RetryBackoff:   500 * time.Millisecond,
		},
		Delivery: DeliveryConfig{
			APIURL:         "http://localhost:8000/raw",
			BatchSize:      1,
			RequestTimeout: 15 * time.Second,
			PostSleep:      300 * time.Millisecond,
			LogEvery:       100,
			RetryTotal:     3,
			RetryBackoff:   500 * time.Millisecond,
			RetryStatuses:  []int{429, 500, 502, 503, 504},
			RetryMethods:   []string{"POST", "GET"},
		},
		Scripts: ScriptsConfig{
			BaseDir: "sync-scripts",
		},
		Logging: LoggingConfig{
			Level:        "info",
			Encoding:     "json",
			ErrorLogPath: "logs/err_message.log",
		},
		MQTT: MQTTConfig{
			Topic:    "sync/custom",
			ClientID: "hissync",
			QoS:      1,
		},
		Kafka: KafkaConfig{
			Topic: "sync.custom",
			Group: "hissync",
		},
		Sink: SinkConfig{
			ListenAddr: ":8000",
			MaxConns:   30,
		},
	}
}

// BatchMode reports whether rows are delivered in batches. Batch mode needs
// both a batch size above one and a batch endpoint; otherwise rows go one at
// a time to APIURL.
func (d DeliveryConfig) BatchMode() bool {
	return d.BatchSize > 1 && strings.TrimSpace(d.BatchURL) != ""
}

// Validate checks the configuration for values no component can work with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMySQL, DriverPostgres:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Database.RetryTotal < 0 {
		return fmt.Errorf("database.retry_total cannot be negative")
	}
	if c.Database.RetryBackoff < 0 {
		return fmt.Errorf("database.retry_backoff cannot be negative")
	}
	if strings.TrimSpace(c.Delivery.APIURL) == "" {
		return fmt.Errorf("delivery.api_url is required")
	}
	if _, err := url.ParseRequestURI(c.Delivery.APIURL); err != nil {
		return fmt.Errorf("delivery.api_url: %w", err)
	}
	if c.Delivery.BatchURL != "" {
		if _, err := url.ParseRequestURI(c.Delivery.BatchURL); err != nil {
			return fmt.Errorf("delivery.batch_url: %w", err)
		}
	}
	if c.Delivery.BatchSize < 1 {
		return fmt.Errorf("delivery.batch_size must be at least 1")
	}
	if c.Delivery.RetryTotal < 0 {
		return fmt.Errorf("delivery.retry_total cannot be negative")
	}
	if c.Delivery.LogEvery < 0 {
		return fmt.Errorf("delivery.log_every cannot be negative")
	}
	for _, code := range c.Delivery.RetryStatuses {
		if code < 100 || code > 599 {
			return fmt.Errorf("delivery.retry_statuses: %d is not an HTTP status", code)
		}
	}
	switch c.Delivery.Compression {
	case CompressionNone, CompressionGzip:
	default:
		return fmt.Errorf("delivery.compression %q is not supported", c.Delivery.Compression)
	}
	switch c.Observability.TracingExporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("observability.tracing_exporter %q is not supported", c.Observability.TracingExporter)
	}
	return nil
}

// Redacted returns a copy with every secret masked.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "******"
	}
	c.Database.Password = mask(c.Database.Password)
	c.MQTT.Password = mask(c.MQTT.Password)
	if c.Sink.DatabaseURL != "" {
		if u, err := url.Parse(c.Sink.DatabaseURL); err == nil && u.User != nil {
			u.User = url.UserPassword(u.User.Username(), "******")
			c.Sink.DatabaseURL = u.String()
		} else {
			c.Sink.DatabaseURL = mask(c.Sink.DatabaseURL)
		}
	}
	c.Delivery.RetryStatuses = append([]int(nil), c.Delivery.RetryStatuses...)
	c.Delivery.RetryMethods = append([]string(nil), c.Delivery.RetryMethods...)
	c.Kafka.Brokers = append([]string(nil), c.Kafka.Brokers...)
	return c
}
