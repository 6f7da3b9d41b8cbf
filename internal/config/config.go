package config

import (
	"fmt"
	"time"

	"github.com/turtacn/arena-realtime/internal/domain/models"
	"github.com/turtacn/arena-realtime/pkg/constants"
)

// Config holds the application's configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Store       StoreConfig       `mapstructure:"store"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	Enforcement EnforcementConfig `mapstructure:"enforcement"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Origins     OriginsConfig     `mapstructure:"origins"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Log         LogConfig         `mapstructure:"log"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the HTTP listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCAddr returns the gRPC health listen address.
func (c ServerConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

type RedisConfig struct {
	Mode           string        `mapstructure:"mode"` // standalone, cluster, sentinel
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	ClusterAddrs   []string      `mapstructure:"cluster_addrs"`
	SentinelAddrs  []string      `mapstructure:"sentinel_addrs"`
	SentinelMaster string        `mapstructure:"sentinel_master"`
	PoolSize       int           `mapstructure:"pool_size"`
	MinIdleConns   int           `mapstructure:"min_idle_conns"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
}

type StoreConfig struct {
	KeyPrefix     string        `mapstructure:"key_prefix"`
	OpTimeout     time.Duration `mapstructure:"op_timeout"`
	CounterTTL    time.Duration `mapstructure:"counter_ttl"`
	FailPolicy    string        `mapstructure:"fail_policy"` // open, closed
	LocalFallback bool          `mapstructure:"local_fallback"`
}

type LimitsConfig struct {
	MaxPayloadBytes       int     `mapstructure:"max_payload_bytes"`
	HardReadLimit         int64   `mapstructure:"hard_read_limit"`
	MaxConnectionsPerUser int64   `mapstructure:"max_connections_per_user"`
	MaxConnectionsPerIP   int64   `mapstructure:"max_connections_per_ip"`
	RoomCapacity          int64   `mapstructure:"room_capacity"`
	MessageRate           float64 `mapstructure:"message_rate"`
	MessageBurst          int64   `mapstructure:"message_burst"`
	CloseAfterViolations  int     `mapstructure:"close_after_violations"`
}

type EnforcementConfig struct {
	Connections bool `mapstructure:"connections"`
	Messages    bool `mapstructure:"messages"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type OriginsConfig struct {
	Allowed []string `mapstructure:"allowed"`
}

type AuthConfig struct {
	AllowAnonymous bool        `mapstructure:"allow_anonymous"`
	Issuer         string      `mapstructure:"issuer"`
	Audience       string      `mapstructure:"audience"`
	Secret         string      `mapstructure:"secret"`
	Vault          VaultConfig `mapstructure:"vault"`
}

type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
	Path    string `mapstructure:"path"`
	Key     string `mapstructure:"key"`
}

type AuditConfig struct {
	Enabled    bool                `mapstructure:"enabled"`
	Sink       string              `mapstructure:"sink"` // kafka, database, log
	BufferSize int                 `mapstructure:"buffer_size"`
	SigningKey string              `mapstructure:"signing_key"`
	Kafka      KafkaConfig         `mapstructure:"kafka"`
	Database   AuditDatabaseConfig `mapstructure:"database"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type AuditDatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres, sqlite
	DSN    string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MonitoringConfig struct {
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// Policy builds the enforcement snapshot consumed by the guards.
func (c *Config) Policy() *models.Policy {
	return &models.Policy{
		Limits: models.Limits{
			MaxConnectionsPerUser: c.Limits.MaxConnectionsPerUser,
			MaxConnectionsPerIP:   c.Limits.MaxConnectionsPerIP,
			RoomCapacity:          c.Limits.RoomCapacity,
			MaxPayloadBytes:       c.Limits.MaxPayloadBytes,
			HardReadLimit:         c.Limits.HardReadLimit,
			MessageRate:           c.Limits.MessageRate,
			MessageBurst:          c.Limits.MessageBurst,
			CloseAfterViolations:  c.Limits.CloseAfterViolations,
		},
		EnforceConnections: c.Enforcement.Connections,
		EnforceMessages:    c.Enforcement.Messages,
		FailPolicy:         constants.FailPolicy(c.Store.FailPolicy),
		LocalFallback:      c.Store.LocalFallback,
		HeartbeatInterval:  c.Heartbeat.Interval,
		HeartbeatTimeout:   c.Heartbeat.Timeout,
	}
}

// Validate checks for essential configuration values.
func (c *Config) Validate() error {
	switch constants.FailPolicy(c.Store.FailPolicy) {
	case constants.FailOpen, constants.FailClosed:
	default:
		return fmt.Errorf("store.fail_policy must be 'open' or 'closed', got '%s'", c.Store.FailPolicy)
	}
	switch c.Redis.Mode {
	case "standalone", "cluster", "sentinel":
	default:
		return fmt.Errorf("unsupported redis.mode '%s'", c.Redis.Mode)
	}
	if c.Store.OpTimeout <= 0 {
		return fmt.Errorf("store.op_timeout must be positive")
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout (%s) must exceed heartbeat.interval (%s)",
			c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}
	if c.Limits.MaxConnectionsPerUser < 0 || c.Limits.MaxConnectionsPerIP < 0 || c.Limits.RoomCapacity < 0 {
		return fmt.Errorf("connection limits must not be negative")
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		return fmt.Errorf("limits.max_payload_bytes must be positive")
	}
	if c.Limits.HardReadLimit < int64(c.Limits.MaxPayloadBytes) {
		return fmt.Errorf("limits.hard_read_limit must be at least limits.max_payload_bytes")
	}
	if c.Limits.MessageBurst > 0 && c.Limits.MessageRate <= 0 {
		return fmt.Errorf("limits.message_rate must be positive when message_burst is set")
	}
	if c.Audit.Enabled {
		switch c.Audit.Sink {
		case "kafka":
			if len(c.Audit.Kafka.Brokers) == 0 || c.Audit.Kafka.Topic == "" {
				return fmt.Errorf("audit.kafka.brokers and audit.kafka.topic are required for the kafka sink")
			}
		case "database":
			if c.Audit.Database.DSN == "" {
				return fmt.Errorf("audit.database.dsn is required for the database sink")
			}
		case "log":
		default:
			return fmt.Errorf("unsupported audit.sink '%s'", c.Audit.Sink)
		}
	}
	return nil
}
