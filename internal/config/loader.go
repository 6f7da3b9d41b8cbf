package config

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/turtacn/arena-realtime/internal/domain/models"
	"github.com/turtacn/arena-realtime/pkg/constants"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

const envPrefix = "ARENA_RT"

// Loader reads configuration from file and environment and watches the file
// for changes.
type Loader struct {
	v   *viper.Viper
	log logger.Logger
}

// NewLoader creates a Loader. configFile may be empty, in which case
// config.yaml is searched in /etc/arena-realtime and the working directory.
func NewLoader(configFile string, log logger.Logger) *Loader {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/arena-realtime/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, log: log.WithComponent("config")}
}

// Load reads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		l.log.Info(context.Background(), "No config file found, using defaults and environment")
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Watch re-decodes the configuration whenever the config file changes and
// hands valid results to onChange. Invalid edits are logged and ignored.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			l.log.Error(context.Background(), "Ignoring invalid config change", err,
				logger.String("file", e.Name))
			return
		}
		l.log.Info(context.Background(), "Config reloaded",
			logger.String("file", e.Name),
			logger.String("op", e.Op.String()),
		)
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// LoadConfig is a convenience wrapper for one-shot loading.
func LoadConfig(configFile string, log logger.Logger) (*Config, error) {
	return NewLoader(configFile, log).Load()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "20s")

	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", "2s")
	v.SetDefault("redis.read_timeout", "500ms")
	v.SetDefault("redis.write_timeout", "500ms")
	v.SetDefault("redis.max_retries", 1)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls_enabled", false)

	v.SetDefault("store.key_prefix", constants.DefaultKeyPrefix)
	v.SetDefault("store.op_timeout", constants.DefaultStoreOpTimeout.String())
	v.SetDefault("store.counter_ttl", constants.DefaultCounterTTL.String())
	v.SetDefault("store.fail_policy", string(constants.FailOpen))
	v.SetDefault("store.local_fallback", true)

	v.SetDefault("limits.max_payload_bytes", constants.DefaultMaxPayloadBytes)
	v.SetDefault("limits.hard_read_limit", 4*constants.DefaultMaxPayloadBytes)
	v.SetDefault("limits.max_connections_per_user", constants.DefaultMaxConnectionsUser)
	v.SetDefault("limits.max_connections_per_ip", constants.DefaultMaxConnectionsIP)
	v.SetDefault("limits.room_capacity", constants.DefaultRoomCapacity)
	v.SetDefault("limits.message_rate", constants.DefaultMessageRate)
	v.SetDefault("limits.message_burst", constants.DefaultMessageBurst)
	v.SetDefault("limits.close_after_violations", constants.DefaultCloseAfterViolations)

	v.SetDefault("enforcement.connections", true)
	v.SetDefault("enforcement.messages", true)

	v.SetDefault("heartbeat.interval", constants.DefaultHeartbeatInterval.String())
	v.SetDefault("heartbeat.timeout", constants.DefaultHeartbeatTimeout.String())

	v.SetDefault("origins.allowed", []string{"*"})

	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("auth.allow_anonymous", true)
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.vault.enabled", false)
	v.SetDefault("auth.vault.address", "")
	v.SetDefault("auth.vault.token", "")
	v.SetDefault("auth.vault.path", "")
	v.SetDefault("auth.vault.mount", "secret")
	v.SetDefault("auth.vault.key", "jwt_secret")

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.sink", "log")
	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("audit.signing_key", "")
	v.SetDefault("audit.kafka.topic", "realtime.violations")
	v.SetDefault("audit.kafka.batch_timeout", "50ms")
	v.SetDefault("audit.kafka.write_timeout", "5s")
	v.SetDefault("audit.database.driver", "postgres")
	v.SetDefault("audit.database.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("monitoring.pprof_enabled", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "arena-realtime")
	v.SetDefault("tracing.sampling_rate", 0.1)
}

// ================================================================================
// Policy Holder
// ================================================================================

// PolicyHolder publishes the current enforcement policy to the guards and
// swaps it atomically on reload.
type PolicyHolder struct {
	current atomic.Pointer[models.Policy]
}

// NewPolicyHolder creates a holder seeded with the given policy.
func NewPolicyHolder(p *models.Policy) *PolicyHolder {
	h := &PolicyHolder{}
	h.current.Store(p)
	return h
}

// Current returns the active policy. Callers must not mutate it.
func (h *PolicyHolder) Current() *models.Policy {
	return h.current.Load()
}

// Update replaces the active policy.
func (h *PolicyHolder) Update(p *models.Policy) {
	h.current.Store(p)
}
