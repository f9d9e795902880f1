// Package orchestrator runs the voice question and answer session.
package orchestrator

import "time"

// Orchestrator configuration constants
const (
	// Conversation log size
	TranscriptMaxEntries = 100

	// Per-subscriber event buffer
	EventBuffer = 64

	// Silence detection defaults
	DefaultSilenceThresholdDB = -40.0
	DefaultSilenceGrace       = time.Second
)
