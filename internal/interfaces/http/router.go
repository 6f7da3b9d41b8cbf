package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/turtacn/arena-realtime/internal/config"
	"github.com/turtacn/arena-realtime/internal/infrastructure/monitoring"
	"github.com/turtacn/arena-realtime/internal/interfaces/http/handlers"
	"github.com/turtacn/arena-realtime/internal/interfaces/http/middleware"
	"github.com/turtacn/arena-realtime/internal/interfaces/ws"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

// RouterDeps are the handlers and collectors mounted by the Router.
type RouterDeps struct {
	Health   *handlers.HealthHandler
	WS       *ws.Handler
	Metrics  *monitoring.Metrics
	Gatherer prometheus.Gatherer
	Tracer   trace.Tracer
	Logger   logger.Logger
}

// Router owns the gin engine and the HTTP server.
type Router struct {
	engine *gin.Engine
	config *config.Config
	deps   RouterDeps
	logger logger.Logger
	server *http.Server
}

// NewRouter creates a Router with its routes installed.
func NewRouter(cfg *config.Config, deps RouterDeps) *Router {
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("http")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	r := &Router{
		engine: gin.New(),
		config: cfg,
		deps:   deps,
		logger: deps.Logger.WithComponent("router"),
	}
	r.setupRoutes()
	r.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r.engine,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	return r
}

func (r *Router) setupRoutes() {
	r.engine.Use(middleware.Recovery(r.deps.Logger))
	r.engine.Use(middleware.RequestLogger(r.deps.Logger))
	if r.deps.Metrics != nil {
		r.engine.Use(middleware.ObservabilityMiddleware(r.deps.Tracer, r.deps.Metrics.HTTPRequests, r.deps.Metrics.HTTPDuration))
	}

	// The WebSocket route checks origins itself so refused clients get a close code.
	if r.deps.WS != nil {
		r.engine.GET("/ws/tournament/:tournament_id", r.deps.WS.Handle)
	}

	plain := r.engine.Group("/")
	if c, ok := corsConfig(r.config.Origins.Allowed); ok {
		plain.Use(cors.New(c))
	}
	if r.deps.Health != nil {
		plain.GET("/health/live", r.deps.Health.LivenessCheck)
		plain.GET("/health/ready", r.deps.Health.ReadinessCheck)
	}
	plain.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.deps.Gatherer, promhttp.HandlerOpts{})))

	if r.config.Monitoring.PprofEnabled {
		pprof.Register(r.engine)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":             "not_found",
			"error_description": "The requested resource was not found",
		})
	})
}

// corsConfig derives the CORS settings for plain HTTP routes from the
// allowed origins. It reports false when no usable origin is configured.
func corsConfig(origins []string) (cors.Config, bool) {
	c := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		switch {
		case origin == "*":
			c.AllowAllOrigins = true
			c.AllowOrigins = nil
			return c, true
		case strings.HasPrefix(origin, "http://"), strings.HasPrefix(origin, "https://"):
			c.AllowOrigins = append(c.AllowOrigins, origin)
		}
	}
	return c, len(c.AllowOrigins) > 0
}

// Start serves HTTP until Stop is called.
func (r *Router) Start() error {
	r.logger.Info(context.Background(), "Starting HTTP server", logger.String("address", r.server.Addr))
	if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down. Hijacked WebSocket connections are
// not tracked by http.Server; the hub drains those.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info(ctx, "Stopping HTTP server...")
	return r.server.Shutdown(ctx)
}

// Engine exposes the gin engine for tests.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
