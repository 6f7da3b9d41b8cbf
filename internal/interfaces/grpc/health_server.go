// Package grpc exposes the gateway's health over the standard gRPC health
// protocol.
package grpc

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/turtacn/arena-realtime/pkg/logger"
)

// ServiceName is the health service name probed by orchestrators.
const ServiceName = "arena.realtime.Gateway"

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) error

// HealthServer serves grpc.health.v1 and keeps the serving status in step
// with a dependency probe.
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	probe    Probe
	interval time.Duration
	timeout  time.Duration
	log      logger.Logger
	serving  bool
}

// NewHealthServer creates a gRPC server with the health service registered.
// The status starts as NOT_SERVING until the first probe succeeds.
func NewHealthServer(probe Probe, interval time.Duration, log logger.Logger) *HealthServer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	chain := NewInterceptorChain(log)
	srv := grpc.NewServer(chain.ServerOptions()...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	h := &HealthServer{
		server:   srv,
		health:   hs,
		probe:    probe,
		interval: interval,
		timeout:  interval / 2,
		log:      log.WithComponent("grpc_health"),
	}
	h.setServing(false)
	return h
}

// Serve accepts connections on lis until Stop is called.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.log.Info(context.Background(), "Starting gRPC health server", logger.String("address", lis.Addr().String()))
	if err := h.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Watch probes the dependency every interval until ctx ends.
func (h *HealthServer) Watch(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		h.check(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (h *HealthServer) check(ctx context.Context) {
	if h.probe == nil {
		h.setServing(true)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.probe(pctx)
	if ctx.Err() != nil {
		return
	}
	serving := err == nil
	if serving != h.serving {
		if serving {
			h.log.Info(ctx, "Dependency reachable, reporting SERVING")
		} else {
			h.log.Warn(ctx, "Dependency unreachable, reporting NOT_SERVING", logger.Error(err))
		}
	}
	h.setServing(serving)
}

func (h *HealthServer) setServing(serving bool) {
	h.serving = serving
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
// Open Watch streams are cut when ctx ends first.
func (h *HealthServer) Stop(ctx context.Context) {
	h.health.Shutdown()

	done := make(chan struct{})
	go func() {
		h.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.server.Stop()
		<-done
	}
}
