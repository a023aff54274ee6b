package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete configuration shared by the four service
// binaries (receiver, working, delivery, dsncomposer). Each binary only
// reads the sections it needs; loading the whole file everywhere keeps
// one schema instead of four.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Receiver ReceiverConfig `mapstructure:"receiver"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	DKIM     DKIMConfig     `mapstructure:"dkim"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Plugins  PluginsConfig  `mapstructure:"plugins"`
	DNS      DNSConfig      `mapstructure:"dns"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the health/metrics HTTP endpoint settings common to
// every binary.
type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings for the
// quarantine/dead-letter archive (internal/plugin/pgstore).
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password" validate:"required"`
	DBName          string        `mapstructure:"dbname" validate:"required"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns a PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings shared by the broker
// (asynq's backing store) and the KVStore plugin.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ReceiverListenerConfig describes one bound address of the SMTP
// receiver, per spec.md §4.1's "three connection kinds ... each kind
// may have multiple bound addresses".
type ReceiverListenerConfig struct {
	Kind string `mapstructure:"kind" validate:"required,oneof=relay submission tunneled"`
	Addr string `mapstructure:"addr" validate:"required"`
}

// ReceiverConfig holds the inbound SMTP server settings: listeners plus
// the per-connection policy table of spec.md §4.1.
type ReceiverConfig struct {
	Listeners         []ReceiverListenerConfig `mapstructure:"listeners" validate:"dive"`
	ServerName        string                   `mapstructure:"server_name" validate:"required"`
	LocalDomains      []string                 `mapstructure:"local_domains"`
	SoftErrorLimit    int                      `mapstructure:"soft_error_limit"`
	HardErrorLimit    int                      `mapstructure:"hard_error_limit"`
	InterErrorDelay   time.Duration            `mapstructure:"inter_error_delay"`
	MaxMessageBytes   int64                    `mapstructure:"max_message_bytes"`
	PipeliningEnabled bool                     `mapstructure:"pipelining_enabled"`
	STARTTLSEnabled   bool                     `mapstructure:"starttls_enabled"`
	DSNEnabled        bool                     `mapstructure:"dsn_enabled"`
	SASLMechanisms    []string                 `mapstructure:"sasl_mechanisms"`
	ReadTimeout       time.Duration            `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration            `mapstructure:"write_timeout"`
	TLSCertFile       string                   `mapstructure:"tls_cert_file"`
	TLSKeyFile        string                   `mapstructure:"tls_key_file"`
	DumpDir           string                   `mapstructure:"dump_dir"`
}

// DeliveryConfig holds outbound SMTP delivery settings: MX-priority
// connection policy and the circuit breaker thresholds guarding each
// remote host (internal/delivery/basic.go, circuit_breaker.go).
type DeliveryConfig struct {
	HELODomain          string        `mapstructure:"helo_domain" validate:"required"`
	TLSPolicy           string        `mapstructure:"tls_policy" validate:"oneof=opportunistic dane enforce"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	SendTimeout         time.Duration `mapstructure:"send_timeout"`
	CircuitFailureLimit int           `mapstructure:"circuit_failure_limit"`
	CircuitOpenDuration time.Duration `mapstructure:"circuit_open_duration"`
	MaildirBasePath     string        `mapstructure:"maildir_base_path"`
	MboxBasePath        string        `mapstructure:"mbox_base_path"`
	Routes              []string      `mapstructure:"routes"`
}

// DKIMConfig holds DKIM signing settings (internal/authverify/dkim.go).
type DKIMConfig struct {
	Selector            string `mapstructure:"selector"`
	KeyBits             int    `mapstructure:"key_bits"`
	MasterEncryptionKey string `mapstructure:"master_encryption_key"`
}

// WorkersConfig holds asynq broker consumer settings shared by
// cmd/working, cmd/delivery, and cmd/dsncomposer.
type WorkersConfig struct {
	Concurrency int            `mapstructure:"concurrency"`
	Queues      map[string]int `mapstructure:"queues"`
	RetryDelays []string       `mapstructure:"retry_delays"`
}

// ParseRetryDelays parses the string retry delays into time.Duration values.
func (w WorkersConfig) ParseRetryDelays() ([]time.Duration, error) {
	delays := make([]time.Duration, 0, len(w.RetryDelays))
	for _, s := range w.RetryDelays {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid worker retry delay %q: %w", s, err)
		}
		delays = append(delays, d)
	}
	return delays, nil
}

// PluginsConfig holds connection parameters for the capability-trait
// backends in internal/plugin (§4.7).
type PluginsConfig struct {
	KVStore      KVStoreConfig      `mapstructure:"kvstore"`
	RelStore     RelStoreConfig     `mapstructure:"relstore"`
	EmbedStore   EmbedStoreConfig   `mapstructure:"embedstore"`
	RecordSource RecordSourceConfig `mapstructure:"recordsource"`
	Scanner      ScannerConfig      `mapstructure:"scanner"`
}

// KVStoreConfig configures the Redis-backed KVStore plugin.
type KVStoreConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	URL         string        `mapstructure:"url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Connections int           `mapstructure:"connections"`
}

// RelStoreConfig configures the Postgres/MySQL-backed RelationalStore
// plugin.
type RelStoreConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Driver      string `mapstructure:"driver" validate:"omitempty,oneof=postgres mysql"`
	URL         string `mapstructure:"url"`
	Connections int32  `mapstructure:"connections"`
}

// EmbedStoreConfig configures the SQLite-backed EmbeddedStore plugin.
type EmbedStoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RecordSourceConfig configures the CSV-backed RecordSource plugin.
type RecordSourceConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Delimiter string `mapstructure:"delimiter"`
}

// ScannerConfig configures the ClamAV-backed Scanner plugin.
type ScannerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	MaxConns    int           `mapstructure:"max_conns"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// DNSConfig holds DNS resolution settings for internal/dnsutil.
type DNSConfig struct {
	Resolver string        `mapstructure:"resolver"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// defaults returns the default configuration as a flat map using koanf's "."
// delimiter for nested keys.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		// Server
		"server.http_addr":        ":8080",
		"server.read_timeout":     "30s",
		"server.write_timeout":    "30s",
		"server.shutdown_timeout": "10s",

		// Database
		"database.host":              "localhost",
		"database.port":              5432,
		"database.user":              "relaymta",
		"database.password":          "",
		"database.dbname":            "relaymta",
		"database.sslmode":           "disable",
		"database.max_open_conns":    25,
		"database.max_idle_conns":    5,
		"database.conn_max_lifetime": "5m",
		"database.auto_migrate":      true,

		// Redis
		"redis.addr":      "localhost:6379",
		"redis.password":  "",
		"redis.db":        0,
		"redis.pool_size": 10,

		// Receiver
		"receiver.listeners":          []map[string]interface{}{{"kind": "relay", "addr": ":25"}},
		"receiver.server_name":        "",
		"receiver.local_domains":      []string{},
		"receiver.soft_error_limit":   3,
		"receiver.hard_error_limit":   10,
		"receiver.inter_error_delay":  "2s",
		"receiver.max_message_bytes":  36700160,
		"receiver.pipelining_enabled": true,
		"receiver.starttls_enabled":   true,
		"receiver.dsn_enabled":        true,
		"receiver.sasl_mechanisms":    []string{"PLAIN", "LOGIN"},
		"receiver.read_timeout":       "5m",
		"receiver.write_timeout":      "1m",
		"receiver.dump_dir":           "./data/dumps",

		// Delivery
		"delivery.helo_domain":           "",
		"delivery.tls_policy":            "opportunistic",
		"delivery.connect_timeout":       "30s",
		"delivery.send_timeout":          "5m",
		"delivery.circuit_failure_limit": 5,
		"delivery.circuit_open_duration": "1m",
		"delivery.maildir_base_path":     "/var/mail/relaymta",
		"delivery.mbox_base_path":        "/var/mail/relaymta",
		"delivery.routes":                []string{"basic", "maildir", "mbox"},

		// DKIM
		"dkim.selector":              "relaymta",
		"dkim.key_bits":              2048,
		"dkim.master_encryption_key": "",

		// Workers
		"workers.concurrency":  20,
		"workers.retry_delays": []string{"30s", "5m", "30m", "2h", "12h"},

		// Plugins
		"plugins.kvstore.enabled":           false,
		"plugins.kvstore.url":               "redis://localhost:6379",
		"plugins.kvstore.timeout":           "30s",
		"plugins.kvstore.connections":       4,
		"plugins.relstore.enabled":          false,
		"plugins.relstore.driver":           "postgres",
		"plugins.relstore.connections":      4,
		"plugins.embedstore.enabled":        false,
		"plugins.embedstore.path":           "./data/plugin-store.db",
		"plugins.recordsource.enabled":      false,
		"plugins.recordsource.delimiter":    ",",
		"plugins.scanner.enabled":           false,
		"plugins.scanner.max_conns":         4,
		"plugins.scanner.dial_timeout":      "10s",

		// DNS
		"dns.resolver":  "system",
		"dns.timeout":   "10s",
		"dns.cache_ttl": "5m",

		// Logging
		"logging.level":  "info",
		"logging.format": "json",
		"logging.output": "stdout",
	}
}

// Load reads the configuration from defaults, an optional YAML file, and
// environment variables (prefix RELAYMTA_). Later sources override earlier
// ones.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// 1. Load defaults.
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// 2. Load YAML file if provided and exists.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// 3. Overlay environment variables.
	//    RELAYMTA_DATABASE_HOST -> database.host
	if err := k.Load(env.Provider("RELAYMTA_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "RELAYMTA_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env variables: %w", err)
	}

	// 4. Unmarshal into the Config struct.
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "mapstructure",
	}); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}
