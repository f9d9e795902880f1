// Package grpcclient probes the platform's gRPC health service
package grpcclient

import "time"

// Client configuration defaults
const (
	// Keepalive configuration
	DefaultKeepaliveTime    = 10 * time.Second
	DefaultKeepaliveTimeout = 3 * time.Second

	// Health check configuration
	HealthCheckTimeout = 2 * time.Second
)
