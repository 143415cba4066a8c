package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Pebble Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Database  DatabaseConfig  `yaml:"database"`
	Relations RelationsConfig `yaml:"relations"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	NATS      NATSConfig      `yaml:"nats"`
	Ingest    IngestConfig    `yaml:"ingest"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServiceConfig identifies this Pebble Core instance.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// RelationsConfig names the tables backing the three device relations.
//
// The defaults match the schema created by the embedded migrations. Custom
// names are created on startup if they do not exist.
type RelationsConfig struct {
	Registry string `yaml:"registry"`
	Binding  string `yaml:"binding"`
	Data     string `yaml:"data"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// NATSConfig contains the optional NATS ingress settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	Token         string `yaml:"token"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	SubjectPrefix string `yaml:"subject_prefix"`

	// QueueGroup load-balances events across Pebble Core instances.
	// Empty means every instance receives every event.
	QueueGroup string `yaml:"queue_group"`

	MaxReconnects int `yaml:"max_reconnects"`
	ReconnectWait int `yaml:"reconnect_wait"` // seconds
}

// IngestConfig controls how inbound events are decoded and dispatched.
type IngestConfig struct {
	// Encoding of event payloads: "json" (default) or "cbor".
	Encoding string `yaml:"encoding"`

	// HandlerTimeout bounds a single handler invocation (seconds). 0 disables.
	HandlerTimeout int `yaml:"handler_timeout"`

	// MaxPending caps the number of payloads held by reference at once.
	MaxPending int `yaml:"max_pending"`

	// PublishOutcomes publishes each event outcome back to MQTT.
	PublishOutcomes bool `yaml:"publish_outcomes"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`

	// IngressAuth requires a bearer JWT on the HTTP event ingress endpoints.
	IngressAuth bool            `yaml:"ingress_auth"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// RateLimitConfig contains rate limiting settings for HTTP ingress.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// identifierPattern restricts relation names to plain SQL identifiers,
// since they are interpolated into statements.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PEBBLE_SECTION_KEY
// For example: PEBBLE_DATABASE_PATH, PEBBLE_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. It is used when no config file exists.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:   "pebble-core-01",
			Name: "Pebble Core",
		},
		Database: DatabaseConfig{
			Path:        "./data/pebble.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Relations: RelationsConfig{
			Registry: "deviceregistry",
			Binding:  "devicebinding",
			Data:     "devicedata",
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "pebble-core",
			},
			QoS:         1,
			TopicPrefix: "pebble",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "pebble-core",
			SubjectPrefix: "pebble",
			MaxReconnects: -1,
			ReconnectWait: 2,
		},
		Ingest: IngestConfig{
			Encoding:        "json",
			HandlerTimeout:  10,
			MaxPending:      1024,
			PublishOutcomes: true,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             50,
			},
		},
	}
}

// envOverrides maps PEBBLE_* environment variables onto config fields.
// Values that fail to parse are ignored and the file value stands.
var envOverrides = []struct {
	name  string
	apply func(c *Config, v string)
}{
	{"PEBBLE_SERVICE_ID", func(c *Config, v string) { c.Service.ID = v }},
	{"PEBBLE_DATABASE_PATH", func(c *Config, v string) { c.Database.Path = v }},
	{"PEBBLE_MQTT_ENABLED", setBool(func(c *Config) *bool { return &c.MQTT.Enabled })},
	{"PEBBLE_MQTT_HOST", func(c *Config, v string) { c.MQTT.Broker.Host = v }},
	{"PEBBLE_MQTT_PORT", setInt(func(c *Config) *int { return &c.MQTT.Broker.Port })},
	{"PEBBLE_MQTT_USERNAME", func(c *Config, v string) { c.MQTT.Auth.Username = v }},
	{"PEBBLE_MQTT_PASSWORD", func(c *Config, v string) { c.MQTT.Auth.Password = v }},
	{"PEBBLE_NATS_ENABLED", setBool(func(c *Config) *bool { return &c.NATS.Enabled })},
	{"PEBBLE_NATS_URL", func(c *Config, v string) { c.NATS.URL = v }},
	{"PEBBLE_NATS_TOKEN", func(c *Config, v string) { c.NATS.Token = v }},
	{"PEBBLE_INGEST_ENCODING", func(c *Config, v string) { c.Ingest.Encoding = v }},
	{"PEBBLE_API_HOST", func(c *Config, v string) { c.API.Host = v }},
	{"PEBBLE_API_PORT", setInt(func(c *Config) *int { return &c.API.Port })},
	{"PEBBLE_INFLUXDB_URL", func(c *Config, v string) { c.InfluxDB.URL = v }},
	{"PEBBLE_INFLUXDB_TOKEN", func(c *Config, v string) { c.InfluxDB.Token = v }},
	{"PEBBLE_LOG_LEVEL", func(c *Config, v string) { c.Logging.Level = v }},
	// The JWT secret should never live in the config file.
	{"PEBBLE_JWT_SECRET", func(c *Config, v string) { c.Security.JWT.Secret = v }},
}

func setInt(field func(*Config) *int) func(*Config, string) {
	return func(c *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*field(c) = n
		}
	}
}

func setBool(field func(*Config) *bool) func(*Config, string) {
	return func(c *Config, v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			*field(c) = b
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.name); v != "" {
			o.apply(cfg, v)
		}
	}
}

// Validate checks the configuration for errors and security issues.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	errs = append(errs, c.Relations.validate()...)

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		errs = append(errs, "mqtt.topic_prefix must not contain wildcards")
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			errs = append(errs, "nats.url is required when nats is enabled")
		}
		if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, "*> ") {
			errs = append(errs, "nats.subject_prefix must be a literal subject token")
		}
	}

	switch strings.ToLower(c.Ingest.Encoding) {
	case "json", "cbor":
	default:
		errs = append(errs, "ingest.encoding must be json or cbor")
	}
	if c.Ingest.HandlerTimeout < 0 {
		errs = append(errs, "ingest.handler_timeout must not be negative")
	}
	if c.Ingest.MaxPending < 1 {
		errs = append(errs, "ingest.max_pending must be at least 1")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	// Gateways mint their own tokens with the shared secret, so a weak
	// secret lets anyone inject registration and binding events.
	const minJWTSecretLength = 32
	if c.Security.IngressAuth {
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when ingress_auth is enabled (set PEBBLE_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (r RelationsConfig) validate() []string {
	var errs []string
	names := map[string]string{
		"relations.registry": r.Registry,
		"relations.binding":  r.Binding,
		"relations.data":     r.Data,
	}
	for _, key := range []string{"relations.registry", "relations.binding", "relations.data"} {
		if !identifierPattern.MatchString(names[key]) {
			errs = append(errs, key+" must be a plain SQL identifier")
		}
	}
	if r.Registry == r.Binding || r.Registry == r.Data || r.Binding == r.Data {
		errs = append(errs, "relations must use three distinct table names")
	}
	return errs
}

// ReadTimeout is the HTTP read and header timeout.
func (a APIConfig) ReadTimeout() time.Duration {
	return time.Duration(a.Timeouts.Read) * time.Second
}

// WriteTimeout is the HTTP write timeout.
func (a APIConfig) WriteTimeout() time.Duration {
	return time.Duration(a.Timeouts.Write) * time.Second
}

// IdleTimeout is the HTTP keep-alive idle timeout.
func (a APIConfig) IdleTimeout() time.Duration {
	return time.Duration(a.Timeouts.Idle) * time.Second
}

// Timeout is the per-event handler deadline, or zero for none.
func (i IngestConfig) Timeout() time.Duration {
	return time.Duration(i.HandlerTimeout) * time.Second
}
