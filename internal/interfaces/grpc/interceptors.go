package grpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	grpcCodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/turtacn/arena-realtime/pkg/logger"
)

// InterceptorChain holds the server interceptors.
type InterceptorChain struct {
	log logger.Logger
}

// NewInterceptorChain creates an InterceptorChain.
func NewInterceptorChain(log logger.Logger) *InterceptorChain {
	return &InterceptorChain{log: log.WithComponent("grpc")}
}

// UnaryRecoveryInterceptor converts handler panics into Internal errors.
func (ic *InterceptorChain) UnaryRecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				ic.log.Error(ctx, "gRPC handler panic recovered", fmt.Errorf("%v", r),
					logger.String("method", info.FullMethod),
				)
				err = status.Errorf(grpcCodes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// StreamRecoveryInterceptor is the streaming counterpart of
// UnaryRecoveryInterceptor.
func (ic *InterceptorChain) StreamRecoveryInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		defer func() {
			if r := recover(); r != nil {
				ic.log.Error(ss.Context(), "gRPC stream panic recovered", fmt.Errorf("%v", r),
					logger.String("method", info.FullMethod),
				)
				err = status.Errorf(grpcCodes.Internal, "internal server error")
			}
		}()
		return handler(srv, ss)
	}
}

// UnaryLoggingInterceptor logs each completed call.
func (ic *InterceptorChain) UnaryLoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ic.logCompletion(ctx, info.FullMethod, start, err)
		return resp, err
	}
}

// StreamLoggingInterceptor logs each completed stream.
func (ic *InterceptorChain) StreamLoggingInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		err := handler(srv, ss)
		ic.logCompletion(ss.Context(), info.FullMethod, start, err)
		return err
	}
}

func (ic *InterceptorChain) logCompletion(ctx context.Context, method string, start time.Time, err error) {
	code := status.Code(err)

	var userAgent string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if agents := md.Get("user-agent"); len(agents) > 0 {
			userAgent = agents[0]
		}
	}

	fields := []logger.Field{
		logger.String("method", method),
		logger.String("status", code.String()),
		logger.Int64("duration_ms", time.Since(start).Milliseconds()),
		logger.String("user_agent", userAgent),
	}
	switch code {
	case grpcCodes.OK, grpcCodes.Canceled:
		ic.log.Debug(ctx, "gRPC request completed", fields...)
	default:
		ic.log.Warn(ctx, "gRPC request failed", fields...)
	}
}

// ServerOptions returns the interceptor chain as server options.
func (ic *InterceptorChain) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			ic.UnaryRecoveryInterceptor(),
			ic.UnaryLoggingInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			ic.StreamRecoveryInterceptor(),
			ic.StreamLoggingInterceptor(),
		),
	}
}
