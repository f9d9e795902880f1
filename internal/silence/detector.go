// Package silence decides when a recording has gone quiet long enough to stop.
package silence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/audio"
)

// Defaults used when Config fields are zero.
const (
	DefaultThresholdDB = -40.0
	DefaultTimeout     = 1500 * time.Millisecond
	DefaultGrace       = time.Second
)

// Config for the detector.
type Config struct {
	ThresholdDB float64 // samples below this are silence
	Timeout     time.Duration
	Grace       time.Duration
}

// Detector tracks the time of the last loud sample for one recording and
// fires at most once until Reset.
type Detector struct {
	cfg Config

	mu       sync.Mutex
	graceEnd time.Time
	lastLoud time.Time
	fired    bool
	armed    bool
}

// NewDetector creates a detector. It ignores samples until Reset is called.
func NewDetector(cfg Config) *Detector {
	if cfg.ThresholdDB == 0 {
		cfg.ThresholdDB = DefaultThresholdDB
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	return &Detector{cfg: cfg}
}

// Reset arms the detector for a recording that started at start.
func (d *Detector) Reset(start time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.graceEnd = start.Add(d.cfg.Grace)
	d.lastLoud = d.graceEnd
	d.fired = false
	d.armed = true
}

// Observe feeds one metering sample and reports whether silence was detected
// by this sample. It returns true at most once per Reset.
func (d *Detector) Observe(at time.Time, db float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.armed || d.fired || at.Before(d.graceEnd) {
		return false
	}

	if db >= d.cfg.ThresholdDB {
		d.lastLoud = at
		return false
	}

	if at.Sub(d.lastLoud) >= d.cfg.Timeout {
		d.fired = true
		return true
	}
	return false
}

// Fired reports whether detection fired since the last Reset.
func (d *Detector) Fired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

// Timeout returns the configured silence duration.
func (d *Detector) Timeout() time.Duration {
	return d.cfg.Timeout
}

// Watch feeds levels into a fresh detector armed at start and calls onSilence
// once when silence is detected. It returns when that happens, when levels is
// closed, or when ctx is done.
func Watch(ctx context.Context, cfg Config, start time.Time, levels <-chan audio.Level, onSilence func()) {
	d := NewDetector(cfg)
	d.Reset(start)

	for {
		select {
		case <-ctx.Done():
			return
		case lvl, ok := <-levels:
			if !ok {
				return
			}
			if d.Observe(lvl.At, lvl.DB) {
				slog.Debug("silence detected", "after", lvl.At.Sub(start), "timeout", d.cfg.Timeout)
				onSilence()
				return
			}
		}
	}
}
