package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// unit tells how a raw environment value maps onto a typed field.
type unit int

const (
	unitNone unit = iota
	unitSeconds
	unitMillis
)

// setting binds one configuration key to its environment variable.
type setting struct {
	key  string
	env  string
	unit unit
}

// settings lists every key together with the environment variable the
// original deployment scripts use for it.
var settings = []setting{
	{"database.driver", "HIS_DB_DRIVER", unitNone},
	{"database.host", "HIS_DB_HOST", unitNone},
	{"database.port", "HIS_DB_PORT", unitNone},
	{"database.user", "HIS_DB_USER", unitNone},
	{"database.password", "HIS_DB_PASSWORD", unitNone},
	{"database.name", "HIS_DB_NAME", unitNone},
	{"database.charset", "HIS_DB_CHARSET", unitNone},
	{"database.connect_timeout", "HIS_DB_CONNECT_TIMEOUT", unitSeconds},
	{"database.read_timeout", "HIS_DB_READ_TIMEOUT", unitSeconds},
	{"database.write_timeout", "HIS_DB_WRITE_TIMEOUT", unitSeconds},
	{"database.retry_total", "HIS_DB_RETRY_TOTAL", unitNone},
	{"database.retry_backoff", "HIS_DB_RETRY_BACKOFF", unitSeconds},

	{"delivery.api_url", "API_URL", unitNone},
	{"delivery.batch_url", "API_BATCH_URL", unitNone},
	{"delivery.batch_size", "POST_BATCH_SIZE", unitNone},
	{"delivery.request_timeout", "REQUEST_TIMEOUT", unitSeconds},
	{"delivery.post_sleep", "POST_SLEEP_MS", unitMillis},
	{"delivery.log_every", "POST_LOG_EVERY", unitNone},
	{"delivery.retry_total", "POST_RETRY_TOTAL", unitNone},
	{"delivery.retry_backoff", "POST_RETRY_BACKOFF", unitSeconds},
	{"delivery.retry_statuses", "POST_RETRY_STATUSES", unitNone},
	{"delivery.retry_methods", "POST_RETRY_METHODS", unitNone},
	{"delivery.compression", "POST_COMPRESSION", unitNone},
	{"delivery.enable_http2", "POST_ENABLE_HTTP2", unitNone},

	{"scripts.base_dir", "SQL_BASE_DIR", unitNone},
	{"scripts.registry_url", "SYNC_SCRIPTS_URL", unitNone},

	{"logging.level", "LOG_LEVEL", unitNone},
	{"logging.encoding", "LOG_ENCODING", unitNone},
	{"logging.development", "LOG_DEVELOPMENT", unitNone},
	{"logging.error_log_path", "ERROR_LOG_PATH", unitNone},

	{"mqtt.broker_url", "MQTT_BROKER_URL", unitNone},
	{"mqtt.topic", "MQTT_TOPIC", unitNone},
	{"mqtt.client_id", "MQTT_CLIENT_ID", unitNone},
	{"mqtt.username", "MQTT_USERNAME", unitNone},
	{"mqtt.password", "MQTT_PASSWORD", unitNone},
	{"mqtt.qos", "MQTT_QOS", unitNone},

	{"kafka.brokers", "KAFKA_BROKERS", unitNone},
	{"kafka.topic", "KAFKA_TOPIC", unitNone},
	{"kafka.group", "KAFKA_GROUP", unitNone},

	{"observability.metrics_addr", "METRICS_ADDR", unitNone},
	{"observability.tracing_exporter", "TRACING_EXPORTER", unitNone},

	{"sink.database_url", "SINK_DATABASE_URL", unitNone},
	{"sink.listen_addr", "SINK_LISTEN_ADDR", unitNone},
	{"sink.max_conns", "SINK_MAX_CONNS", unitNone},
}

// flagKeys maps CLI flag names onto configuration keys.
var flagKeys = map[string]string{
	"log-level":  "logging.level",
	"api-url":    "delivery.api_url",
	"batch-url":  "delivery.batch_url",
	"batch-size": "delivery.batch_size",
	"sql-dir":    "scripts.base_dir",
	"error-log":  "logging.error_log_path",
	"metrics":    "observability.metrics_addr",
	"trace":      "observability.tracing_exporter",
	"listen":     "sink.listen_addr",
}

// LoadOptions selects the configuration sources.
type LoadOptions struct {
	// ConfigFile is an optional YAML file; ${VAR} references are expanded
	ConfigFile string
	// EnvFile is a dotenv file loaded into the process environment when it
	// exists. Variables already set are not overridden.
	EnvFile string
	// Flags are bound for the keys listed in flagKeys when present
	Flags *pflag.FlagSet
}

// Load builds a validated Config. Precedence: changed flags, environment,
// config file, defaults.
func Load(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	setDefaults(v, Default())

	for _, s := range settings {
		if err := v.BindEnv(s.key, s.env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", s.env, err)
		}
	}

	if opts.ConfigFile != "" {
		data, err := os.ReadFile(opts.ConfigFile) //nolint:gosec // G304: path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		v.SetConfigType("yaml")
		if err := v.MergeConfig(bytes.NewReader([]byte(substituteEnvVars(string(data))))); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.name", d.Database.Name)
	v.SetDefault("database.charset", d.Database.Charset)
	v.SetDefault("database.connect_timeout", d.Database.ConnectTimeout.Seconds())
	v.SetDefault("database.read_timeout", d.Database.ReadTimeout.Seconds())
	v.SetDefault("database.write_timeout", d.Database.WriteTimeout.Seconds())
	v.SetDefault("database.retry_total", d.Database.RetryTotal)
	v.SetDefault("database.retry_backoff", d.Database.RetryBackoff.Seconds())

	v.SetDefault("delivery.api_url", d.Delivery.APIURL)
	v.SetDefault("delivery.batch_url", d.Delivery.BatchURL)
	v.SetDefault("delivery.batch_size", d.Delivery.BatchSize)
	v.SetDefault("delivery.request_timeout", d.Delivery.RequestTimeout.Seconds())
	v.SetDefault("delivery.post_sleep", d.Delivery.PostSleep.Milliseconds())
	v.SetDefault("delivery.log_every", d.Delivery.LogEvery)
	v.SetDefault("delivery.retry_total", d.Delivery.RetryTotal)
	v.SetDefault("delivery.retry_backoff", d.Delivery.RetryBackoff.Seconds())
	v.SetDefault("delivery.retry_statuses", joinInts(d.Delivery.RetryStatuses))
	v.SetDefault("delivery.retry_methods", strings.Join(d.Delivery.RetryMethods, ","))
	v.SetDefault("delivery.compression", d.Delivery.Compression)
	v.SetDefault("delivery.enable_http2", d.Delivery.EnableHTTP2)

	v.SetDefault("scripts.base_dir", d.Scripts.BaseDir)
	v.SetDefault("scripts.registry_url", d.Scripts.RegistryURL)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("logging.development", d.Logging.Development)
	v.SetDefault("logging.error_log_path", d.Logging.ErrorLogPath)

	v.SetDefault("mqtt.broker_url", d.MQTT.BrokerURL)
	v.SetDefault("mqtt.topic", d.MQTT.Topic)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)

	v.SetDefault("kafka.brokers", strings.Join(d.Kafka.Brokers, ","))
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.group", d.Kafka.Group)

	v.SetDefault("observability.metrics_addr", d.Observability.MetricsAddr)
	v.SetDefault("observability.tracing_exporter", d.Observability.TracingExporter)

	v.SetDefault("sink.database_url", d.Sink.DatabaseURL)
	v.SetDefault("sink.listen_addr", d.Sink.ListenAddr)
	v.SetDefault("sink.max_conns", d.Sink.MaxConns)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var (
		cfg Config
		err error
	)

	duration := func(key string, u unit) time.Duration {
		if err != nil {
			return 0
		}
		var d time.Duration
		d, err = parseDuration(v.GetString(key), u)
		if err != nil {
			err = fmt.Errorf("%s: %w", key, err)
		}
		return d
	}

	cfg.Database = DatabaseConfig{
		Driver:         strings.ToLower(strings.TrimSpace(v.GetString("database.driver"))),
		Host:           v.GetString("database.host"),
		Port:           v.GetInt("database.port"),
		User:           v.GetString("database.user"),
		Password:       v.GetString("database.password"),
		Name:           v.GetString("database.name"),
		Charset:        v.GetString("database.charset"),
		ConnectTimeout: duration("database.connect_timeout", unitSeconds),
		ReadTimeout:    duration("database.read_timeout", unitSeconds),
		WriteTimeout:   duration("database.write_timeout", unitSeconds),
		RetryTotal:     v.GetInt("database.retry_total"),
		RetryBackoff:   duration("database.retry_backoff", unitSeconds),
	}
	if cfg.Database.Driver == "pgx" || cfg.Database.Driver == "postgresql" {
		cfg.Database.Driver = DriverPostgres
	}

	cfg.Delivery = DeliveryConfig{
		APIURL:         strings.TrimSpace(v.GetString("delivery.api_url")),
		BatchURL:       strings.TrimSpace(v.GetString("delivery.batch_url")),
		BatchSize:      v.GetInt("delivery.batch_size"),
		RequestTimeout: duration("delivery.request_timeout", unitSeconds),
		PostSleep:      duration("delivery.post_sleep", unitMillis),
		LogEvery:       v.GetInt("delivery.log_every"),
		RetryTotal:     v.GetInt("delivery.retry_total"),
		RetryBackoff:   duration("delivery.retry_backoff", unitSeconds),
		RetryMethods:   splitList(listString(v, "delivery.retry_methods"), strings.ToUpper),
		Compression:    strings.ToLower(strings.TrimSpace(v.GetString("delivery.compression"))),
		EnableHTTP2:    v.GetBool("delivery.enable_http2"),
	}
	if err != nil {
		return nil, err
	}
	if cfg.Delivery.RetryStatuses, err = ParseStatuses(listString(v, "delivery.retry_statuses")); err != nil {
		return nil, fmt.Errorf("delivery.retry_statuses: %w", err)
	}

	cfg.Scripts = ScriptsConfig{
		BaseDir:     v.GetString("scripts.base_dir"),
		RegistryURL: strings.TrimSpace(v.GetString("scripts.registry_url")),
	}
	cfg.Logging = LoggingConfig{
		Level:        v.GetString("logging.level"),
		Encoding:     v.GetString("logging.encoding"),
		Development:  v.GetBool("logging.development"),
		ErrorLogPath: v.GetString("logging.error_log_path"),
	}
	cfg.MQTT = MQTTConfig{
		BrokerURL: strings.TrimSpace(v.GetString("mqtt.broker_url")),
		Topic:     v.GetString("mqtt.topic"),
		ClientID:  v.GetString("mqtt.client_id"),
		Username:  strings.TrimSpace(v.GetString("mqtt.username")),
		Password:  strings.TrimSpace(v.GetString("mqtt.password")),
		QoS:       v.GetInt("mqtt.qos"),
	}
	cfg.Kafka = KafkaConfig{
		Brokers: splitList(listString(v, "kafka.brokers"), nil),
		Topic:   v.GetString("kafka.topic"),
		Group:   v.GetString("kafka.group"),
	}
	cfg.Observability = ObservabilityConfig{
		MetricsAddr:     v.GetString("observability.metrics_addr"),
		TracingExporter: strings.ToLower(v.GetString("observability.tracing_exporter")),
	}
	cfg.Sink = SinkConfig{
		DatabaseURL: v.GetString("sink.database_url"),
		ListenAddr:  v.GetString("sink.listen_addr"),
		MaxConns:    v.GetInt32("sink.max_conns"),
	}

	return &cfg, nil
}

// parseDuration accepts Go duration strings ("1.5s") or bare numbers in the
// given unit, which is how the environment variables are written.
func parseDuration(raw string, u unit) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		switch u {
		case unitMillis:
			return time.Duration(f * float64(time.Millisecond)), nil
		default:
			return time.Duration(f * float64(time.Second)), nil
		}
	}
	return time.ParseDuration(raw)
}

// ParseStatuses parses a comma separated list of HTTP status codes.
func ParseStatuses(raw string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%q is not a status code", part)
		}
		out = append(out, code)
	}
	return out, nil
}

func splitList(raw string, transform func(string) string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if transform != nil {
			part = transform(part)
		}
		out = append(out, part)
	}
	return out
}

// listString reads a key that may hold a comma separated string (env) or a
// YAML sequence (config file) and returns the comma separated form.
func listString(v *viper.Viper, key string) string {
	switch x := v.Get(key).(type) {
	case []interface{}:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(x, ",")
	case []int:
		return joinInts(x)
	default:
		return v.GetString(key)
	}
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		// Inserted values are never rescanned.
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
