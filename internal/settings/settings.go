// Package settings holds the user-adjustable voice settings.
package settings

import (
	"log/slog"
	"math"
	"time"

	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/syncx"
)

// Bounds and defaults.
const (
	MinTTSSpeed             = 0.5
	MaxTTSSpeed             = 2.0
	DefaultTTSSpeed         = 1.0
	DefaultSilenceTimeoutMs = 1500
)

// SilenceTimeoutOptions are the selectable silence timeouts in milliseconds.
var SilenceTimeoutOptions = []int{1000, 1500, 2000}

// Values is a snapshot of the settings.
type Values struct {
	TTSSpeed         float64 `json:"ttsSpeed"`
	SilenceTimeoutMs int     `json:"silenceTimeoutMs"`
}

// SilenceTimeout returns SilenceTimeoutMs as a duration.
func (v Values) SilenceTimeout() time.Duration {
	return time.Duration(v.SilenceTimeoutMs) * time.Millisecond
}

// Patch changes selected fields. Nil fields are left alone.
type Patch struct {
	TTSSpeed         *float64 `json:"ttsSpeed,omitempty"`
	SilenceTimeoutMs *int     `json:"silenceTimeoutMs,omitempty"`
}

// Provider reads the current settings.
type Provider interface {
	Get() Values
}

// Store is a concurrency-safe Provider that can be updated.
type Store struct {
	guard *syncx.RWGuard[Values]
}

// NewStore creates a store from initial, normalized.
func NewStore(initial Values) *Store {
	return &Store{guard: syncx.NewGuard(Normalize(initial))}
}

// Get implements Provider.
func (s *Store) Get() Values {
	return s.guard.Get()
}

// Apply validates and commits p, returning the new values.
func (s *Store) Apply(p Patch) (Values, error) {
	v, err := s.guard.Modify(func(v *Values) error {
		if p.TTSSpeed != nil {
			if math.IsNaN(*p.TTSSpeed) || math.IsInf(*p.TTSSpeed, 0) || *p.TTSSpeed <= 0 {
				return apperrors.Newf(apperrors.CodeInvalidRequest, "tts speed %v is not a positive number", *p.TTSSpeed)
			}
			v.TTSSpeed = *p.TTSSpeed
		}
		if p.SilenceTimeoutMs != nil {
			if *p.SilenceTimeoutMs <= 0 {
				return apperrors.Newf(apperrors.CodeInvalidRequest, "silence timeout %dms must be positive", *p.SilenceTimeoutMs)
			}
			v.SilenceTimeoutMs = *p.SilenceTimeoutMs
		}
		*v = Normalize(*v)
		return nil
	})
	if err == nil {
		slog.Info("settings updated", "tts_speed", v.TTSSpeed, "silence_timeout_ms", v.SilenceTimeoutMs)
	}
	return v, err
}

// Normalize clamps the speech rate and snaps the timeout to the nearest option.
// Zero values take the defaults.
func Normalize(v Values) Values {
	if v.TTSSpeed <= 0 || math.IsNaN(v.TTSSpeed) {
		v.TTSSpeed = DefaultTTSSpeed
	}
	v.TTSSpeed = min(max(v.TTSSpeed, MinTTSSpeed), MaxTTSSpeed)

	if v.SilenceTimeoutMs <= 0 {
		v.SilenceTimeoutMs = DefaultSilenceTimeoutMs
	}
	best := SilenceTimeoutOptions[0]
	for _, opt := range SilenceTimeoutOptions[1:] {
		if abs(opt-v.SilenceTimeoutMs) < abs(best-v.SilenceTimeoutMs) {
			best = opt
		}
	}
	v.SilenceTimeoutMs = best
	return v
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
