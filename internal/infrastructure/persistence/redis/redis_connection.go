// Package redis provides Redis client construction and health monitoring.
// It supports standalone, cluster, and sentinel deployment modes with connection pooling.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/arena-realtime/internal/config"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

// ConnectionMode defines Redis deployment mode
type ConnectionMode string

const (
	// ModeStandalone represents single Redis instance
	ModeStandalone ConnectionMode = "standalone"
	// ModeCluster represents Redis cluster mode
	ModeCluster ConnectionMode = "cluster"
	// ModeSentinel represents Redis sentinel mode for high availability
	ModeSentinel ConnectionMode = "sentinel"
)

// RedisConnection owns the shared Redis client. The client connects lazily,
// so the gateway can start while Redis is down and apply its fail policy.
type RedisConnection struct {
	config *config.RedisConfig
	client redis.UniversalClient
	logger logger.Logger

	closeOnce sync.Once
}

// NewRedisConnection builds the client for the configured mode.
//
// Parameters:
//   - cfg: Redis configuration
//   - log: Logger instance
//
// Returns:
//   - *RedisConnection: Connection manager holding the client
//   - error: Configuration error if any
func NewRedisConnection(cfg *config.RedisConfig, log logger.Logger) (*RedisConnection, error) {
	opts, err := universalOptions(cfg)
	if err != nil {
		return nil, err
	}

	rc := &RedisConnection{
		config: cfg,
		client: redis.NewUniversalClient(opts),
		logger: log.WithComponent("redis"),
	}
	rc.logger.Info(context.Background(), "Redis client created",
		logger.String("mode", cfg.Mode),
		logger.Any("addrs", opts.Addrs),
		logger.Int("pool_size", cfg.PoolSize),
	)
	return rc, nil
}

// NewRedisConnectionFromClient wraps an existing client, e.g. one pointed at miniredis.
func NewRedisConnectionFromClient(client redis.UniversalClient, log logger.Logger) *RedisConnection {
	return &RedisConnection{
		config: &config.RedisConfig{Mode: string(ModeStandalone)},
		client: client,
		logger: log.WithComponent("redis"),
	}
}

func universalOptions(cfg *config.RedisConfig) (*redis.UniversalOptions, error) {
	opts := &redis.UniversalOptions{
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	switch ConnectionMode(cfg.Mode) {
	case ModeStandalone, "":
		opts.Addrs = []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)}
	case ModeCluster:
		if len(cfg.ClusterAddrs) == 0 {
			return nil, fmt.Errorf("cluster addresses not configured")
		}
		opts.Addrs = cfg.ClusterAddrs
		opts.IsClusterMode = true
	case ModeSentinel:
		if len(cfg.SentinelAddrs) == 0 {
			return nil, fmt.Errorf("sentinel addresses not configured")
		}
		if cfg.SentinelMaster == "" {
			return nil, fmt.Errorf("sentinel master name not configured")
		}
		opts.Addrs = cfg.SentinelAddrs
		opts.MasterName = cfg.SentinelMaster
	default:
		return nil, fmt.Errorf("unsupported Redis mode: %s", cfg.Mode)
	}
	return opts, nil
}

// GetClient returns the Redis client instance.
func (rc *RedisConnection) GetClient() redis.UniversalClient {
	return rc.client
}

// Ping checks Redis server connectivity.
func (rc *RedisConnection) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// WaitReady pings until Redis answers or ctx ends. It is used at startup to
// log whether the gateway begins in degraded mode.
func (rc *RedisConnection) WaitReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := rc.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("redis not reachable: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// HealthCheck performs a health check and reports pool statistics.
//
// Returns:
//   - map[string]interface{}: Health status details
//   - error: Health check error if any
func (rc *RedisConnection) HealthCheck(ctx context.Context) (map[string]interface{}, error) {
	health := make(map[string]interface{})

	start := time.Now()
	err := rc.client.Ping(ctx).Err()
	health["connected"] = err == nil
	health["latency_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		health["error"] = err.Error()
		return health, err
	}

	stats := rc.client.PoolStats()
	health["pool_hits"] = stats.Hits
	health["pool_misses"] = stats.Misses
	health["pool_timeouts"] = stats.Timeouts
	health["total_conns"] = stats.TotalConns
	health["idle_conns"] = stats.IdleConns
	return health, nil
}

// Close gracefully closes the client. Safe to call more than once.
func (rc *RedisConnection) Close() error {
	var err error
	rc.closeOnce.Do(func() {
		err = rc.client.Close()
		if err != nil {
			rc.logger.Error(context.Background(), "Failed to close Redis connection", err)
			return
		}
		rc.logger.Info(context.Background(), "Redis connection closed")
	})
	return err
}
