package grpcserver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// UnaryLogger logs every call. Internal failures are logged at error level,
// client mistakes at debug.
func UnaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Stringer("code", code),
			zap.Duration("elapsed", time.Since(start)),
		}
		switch code {
		case codes.OK:
			logger.Debug("rpc", fields...)
		case codes.Internal, codes.Unknown:
			logger.Error("rpc failed", append(fields, zap.Error(err))...)
		default:
			logger.Debug("rpc rejected", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}

// Register installs the order service and a health service reporting it as
// serving. The returned health server lets the caller flip the status on
// shutdown.
func Register(s *grpc.Server, srv *Server) *health.Server {
	RegisterOrderServiceServer(s, srv)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}
