// Package grpcclient probes the platform's gRPC health service
package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/trace"
)

// Client wraps the health client of one platform instance
type Client struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// New creates a client for addr. The connection is established lazily.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    DefaultKeepaliveTime,
			Timeout: DefaultKeepaliveTimeout,
		}),
		grpc.WithUnaryInterceptor(trace.UnaryClientInterceptor()),
	)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeInvalidRequest, "dial %s", addr)
	}
	return &Client{conn: conn, Health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Check reports whether service is SERVING. An empty service asks about
// the server as a whole.
func (c *Client) Check(ctx context.Context, service string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return false, apperrors.FromGRPCError(err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
