// Package speech speaks answers aloud.
package speech

import (
	"context"
	"io"
	"sync"

	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/openai"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/trace"
)

// Synthesizer turns text into an MP3 stream.
type Synthesizer interface {
	Synthesize(ctx context.Context, req openai.SpeechRequest) (io.ReadCloser, error)
}

// Output plays an MP3 stream, blocking until it ends or ctx is done.
type Output interface {
	Play(ctx context.Context, mp3 io.ReadCloser) error
}

// Callbacks observe an utterance. Any may be nil.
type Callbacks struct {
	OnStart   func(text string)
	OnDone    func()
	OnError   func(err error)
	OnStopped func()
}

// Config for the player.
type Config struct {
	Model string
	Voice string
}

// Player speaks one utterance at a time.
type Player struct {
	synth Synthesizer
	out   Output
	cfg   Config
	cb    Callbacks

	mu      sync.Mutex
	current *utterance
}

type utterance struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPlayer creates a player.
func NewPlayer(synth Synthesizer, out Output, cfg Config, cb Callbacks) *Player {
	return &Player{synth: synth, out: out, cfg: cfg, cb: cb}
}

// Speak stops any current utterance, then synthesizes and plays text,
// blocking until playback ends. It returns nil when playback completed,
// a CANCELLED error when Stop interrupted it, or a PLAYBACK_FAILED error.
func (p *Player) Speak(ctx context.Context, text string, speed float64) error {
	ctx, span := trace.StartSpan(ctx, "speak")
	defer span.End()

	uctx, cancel := context.WithCancel(ctx)
	u := &utterance{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	prev := p.current
	p.current = u
	p.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	defer func() {
		cancel()
		p.mu.Lock()
		if p.current == u {
			p.current = nil
		}
		p.mu.Unlock()
		close(u.done)
	}()

	rc, err := p.synth.Synthesize(uctx, openai.SpeechRequest{
		Model: p.cfg.Model,
		Voice: p.cfg.Voice,
		Text:  text,
		Speed: speed,
	})
	if err != nil {
		return p.finish(uctx, err)
	}

	if p.cb.OnStart != nil {
		p.cb.OnStart(text)
	}
	err = p.out.Play(uctx, rc)
	if err == nil && uctx.Err() == nil {
		if p.cb.OnDone != nil {
			p.cb.OnDone()
		}
		return nil
	}
	if err == nil {
		err = uctx.Err()
	}
	return p.finish(uctx, err)
}

func (p *Player) finish(uctx context.Context, err error) error {
	if uctx.Err() != nil {
		if p.cb.OnStopped != nil {
			p.cb.OnStopped()
		}
		return apperrors.Wrap(uctx.Err(), apperrors.CodeCancelled, "speech stopped")
	}
	trace.Logger(uctx).Warn("speech failed", "error", err)
	if p.cb.OnError != nil {
		p.cb.OnError(err)
	}
	if appErr, ok := apperrors.As(err); ok && appErr.Code != apperrors.CodeUnknown {
		return appErr
	}
	return apperrors.Wrap(err, apperrors.CodePlayback, "playback failed")
}

// Stop interrupts the current utterance. Safe to call at any time.
func (p *Player) Stop() {
	p.mu.Lock()
	u := p.current
	p.current = nil
	p.mu.Unlock()

	if u != nil {
		u.cancel()
	}
}

// IsSpeaking reports whether an utterance is in progress.
func (p *Player) IsSpeaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}
