package server

import (
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/trace"
)

// NewGRPCServer creates a gRPC server with trace interceptors and the
// health service registered. Shutdown flips it to NOT_SERVING.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(trace.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(trace.StreamServerInterceptor()),
	)
	gs := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(gs, s.health)
	return gs
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
