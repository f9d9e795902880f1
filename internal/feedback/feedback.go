// Package feedback plays short cues at exchange milestones.
package feedback

import (
	"context"
	"errors"
	"log/slog"
)

// Kind of cue.
type Kind string

// Cue kinds.
const (
	Start      Kind = "start"
	End        Kind = "end"
	Processing Kind = "processing"
	Error      Kind = "error"
)

// Sink plays a cue.
type Sink interface {
	Play(ctx context.Context, kind Kind) error
}

// Fire plays kind on sink in the background. Failures are logged and dropped.
func Fire(ctx context.Context, sink Sink, kind Kind) {
	if sink == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Debug("feedback sink panicked", "kind", kind, "panic", r)
			}
		}()
		if err := sink.Play(ctx, kind); err != nil {
			slog.Debug("feedback failed", "kind", kind, "error", err)
		}
	}()
}

// Log records cues in the log.
type Log struct{}

// Play implements Sink.
func (Log) Play(ctx context.Context, kind Kind) error {
	slog.DebugContext(ctx, "feedback", "kind", kind)
	return nil
}

// Multi plays a cue on every sink.
type Multi []Sink

// Play implements Sink.
func (m Multi) Play(ctx context.Context, kind Kind) error {
	var errs []error
	for _, s := range m {
		if err := s.Play(ctx, kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, kind Kind) error

// Play implements Sink.
func (f Func) Play(ctx context.Context, kind Kind) error { return f(ctx, kind) }
