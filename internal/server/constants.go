// Package server exposes the voice session over HTTP, WebSocket and gRPC health
package server

import "time"

// Server configuration constants
const (
	// Per-connection WebSocket command limit
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Health service name registered next to the server-wide entry
	HealthService = "roaddoc.Session"

	// Largest accepted JSON request body
	MaxBodyBytes = 16 << 10

	// Time allowed for a single WebSocket write
	WriteTimeout = 5 * time.Second
)
