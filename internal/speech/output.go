package speech

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
)

// DefaultSampleRate is the rate the speaker is opened at.
const DefaultSampleRate beep.SampleRate = 44100

// Speaker plays beep streamers on the default audio device. The device is
// opened on first use and shared by every stream.
type Speaker struct {
	rate    beep.SampleRate
	once    sync.Once
	initErr error
}

// NewSpeaker creates a speaker at rate.
func NewSpeaker(rate beep.SampleRate) *Speaker {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return &Speaker{rate: rate}
}

// SampleRate is the device rate streamers must be produced at.
func (s *Speaker) SampleRate() beep.SampleRate { return s.rate }

func (s *Speaker) init() error {
	s.once.Do(func() {
		s.initErr = speaker.Init(s.rate, s.rate.N(time.Second/10))
	})
	return s.initErr
}

// Play decodes an MP3 stream and plays it. Implements Output.
func (s *Speaker) Play(ctx context.Context, rc io.ReadCloser) error {
	streamer, format, err := mp3.Decode(rc)
	if err != nil {
		_ = rc.Close()
		return fmt.Errorf("decode mp3: %w", err)
	}
	defer streamer.Close()

	var src beep.Streamer = streamer
	if format.SampleRate != s.rate {
		src = beep.Resample(4, format.SampleRate, s.rate, streamer)
	}
	if err := s.PlayStreamer(ctx, src); err != nil {
		return err
	}
	return streamer.Err()
}

// PlayStreamer plays src at the device rate, blocking until it drains or
// ctx is done. On cancellation only this stream is silenced.
func (s *Speaker) PlayStreamer(ctx context.Context, src beep.Streamer) error {
	if err := s.init(); err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}

	done := make(chan struct{})
	ctrl := &beep.Ctrl{Streamer: beep.Seq(src, beep.Callback(func() { close(done) }))}
	speaker.Play(ctrl)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Lock()
		ctrl.Streamer = nil
		speaker.Unlock()
		return ctx.Err()
	}
}
