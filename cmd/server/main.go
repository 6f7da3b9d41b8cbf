// Command server runs the tournament realtime gateway.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	appservice "github.com/turtacn/arena-realtime/internal/application/service"
	"github.com/turtacn/arena-realtime/internal/config"
	domainservice "github.com/turtacn/arena-realtime/internal/domain/service"
	"github.com/turtacn/arena-realtime/internal/infrastructure/audit"
	"github.com/turtacn/arena-realtime/internal/infrastructure/crypto"
	"github.com/turtacn/arena-realtime/internal/infrastructure/monitoring"
	"github.com/turtacn/arena-realtime/internal/infrastructure/persistence/redis"
	"github.com/turtacn/arena-realtime/internal/infrastructure/ratelimit"
	grpciface "github.com/turtacn/arena-realtime/internal/interfaces/grpc"
	httpiface "github.com/turtacn/arena-realtime/internal/interfaces/http"
	"github.com/turtacn/arena-realtime/internal/interfaces/http/handlers"
	"github.com/turtacn/arena-realtime/internal/interfaces/ws"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

func main() {
	var configFile string
	cmd := &cobra.Command{
		Use:           "arena-realtime",
		Short:         "Realtime WebSocket gateway for tournament rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to the config file")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string) error {
	bootLog, err := monitoring.NewZapLogger(&config.LogConfig{Level: "info", Format: "json"})
	if err != nil {
		return fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	loader := config.NewLoader(configFile, bootLog)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	log, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	tracing, err := monitoring.NewTracingManager(ctx, &cfg.Tracing, log)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(registry)

	redisConn, err := redis.NewRedisConnection(&cfg.Redis, log)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := redisConn.WaitReady(waitCtx, 250*time.Millisecond); err != nil {
		log.Warn(ctx, "Redis unreachable at startup, starting degraded",
			logger.String("fail_policy", cfg.Store.FailPolicy),
			logger.Error(err))
	}
	cancel()

	store, err := ratelimit.NewRedisCounterStore(redisConn.GetClient(), &ratelimit.CounterStoreConfig{
		OpTimeout:  cfg.Store.OpTimeout,
		CounterTTL: cfg.Store.CounterTTL,
	}, log, ratelimit.WithMetrics(metrics), ratelimit.WithTracer(tracing.Tracer()))
	if err != nil {
		return err
	}
	fallback := ratelimit.NewLocalBucketPool(cfg.Store.CounterTTL)

	auditSink, err := audit.NewSink(cfg.Audit, log)
	if err != nil {
		return err
	}

	// A nil *JWTAuthenticator must not become a non-nil interface.
	var authenticator domainservice.Authenticator
	jwtAuth, err := crypto.NewAuthenticatorFromConfig(ctx, cfg.Auth, log)
	if err != nil {
		return err
	}
	if jwtAuth != nil {
		authenticator = jwtAuth
	}

	policy := config.NewPolicyHolder(cfg.Policy())
	loader.Watch(func(next *config.Config) {
		policy.Update(next.Policy())
	})

	deps := appservice.GuardDeps{
		Store:   store,
		Keys:    domainservice.NewKeyBuilder(cfg.Store.KeyPrefix),
		Policy:  policy,
		Audit:   auditSink,
		Metrics: metrics,
		Logger:  log,
		Tracer:  tracing.Tracer(),
	}
	hub := ws.NewHub(log)
	wsHandler := ws.NewHandler(ws.HandlerConfig{
		AllowedOrigins: cfg.Origins.Allowed,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		WriteWait:      cfg.Server.WriteTimeout,
	}, ws.HandlerDeps{
		ConnectionGuard: appservice.NewConnectionGuard(deps),
		MessageGuard:    appservice.NewMessageGuard(deps, fallback),
		Authenticator:   authenticator,
		Router:          hub,
		Policy:          policy,
		Audit:           auditSink,
		Metrics:         metrics,
		Logger:          log,
	})

	health := handlers.NewHealthHandler(2*time.Second, log)
	health.Register("redis", redisConn.Ping)

	gin.SetMode(gin.ReleaseMode)
	router := httpiface.NewRouter(cfg, httpiface.RouterDeps{
		Health:   health,
		WS:       wsHandler,
		Metrics:  metrics,
		Gatherer: registry,
		Tracer:   tracing.Tracer(),
		Logger:   log,
	})

	grpcHealth := grpciface.NewHealthServer(redisConn.Ping, 5*time.Second, log)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr())
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(router.Start)
	g.Go(func() error { return grpcHealth.Serve(lis) })
	g.Go(func() error { return grpcHealth.Watch(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "Shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := hub.Shutdown(sctx); err != nil {
			log.Warn(sctx, "Connections still open at shutdown deadline", logger.Int("remaining", hub.Count()))
		}
		grpcHealth.Stop(sctx)
		return router.Stop(sctx)
	})
	runErr := g.Wait()

	if auditSink != nil {
		if err := auditSink.Close(); err != nil {
			log.Error(context.Background(), "Failed to close audit sink", err)
		}
	}
	_ = redisConn.Close()
	_ = tracing.Shutdown(context.Background())

	if runErr != nil {
		log.Error(context.Background(), "Server stopped with error", runErr)
		return runErr
	}
	log.Info(context.Background(), "Server stopped")
	return nil
}
