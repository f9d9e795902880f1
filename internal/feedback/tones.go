package feedback

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/faiface/beep"
)

// note is one beep of a cue.
type note struct {
	freq float64 // Hz, 0 is a rest
	dur  time.Duration
}

var cues = map[Kind][]note{
	Start:      {{880, 70 * time.Millisecond}},
	End:        {{660, 90 * time.Millisecond}},
	Processing: {{523, 50 * time.Millisecond}, {0, 30 * time.Millisecond}, {659, 50 * time.Millisecond}},
	Error:      {{330, 120 * time.Millisecond}, {0, 40 * time.Millisecond}, {220, 180 * time.Millisecond}},
}

const toneVolume = 0.25

// Player plays a streamer at a fixed rate.
type Player interface {
	SampleRate() beep.SampleRate
	PlayStreamer(ctx context.Context, s beep.Streamer) error
}

// Tones plays short synthesized cues through a speaker.
type Tones struct {
	out Player
}

// NewTones creates a tone sink.
func NewTones(out Player) *Tones {
	return &Tones{out: out}
}

// Play implements Sink.
func (t *Tones) Play(ctx context.Context, kind Kind) error {
	notes, ok := cues[kind]
	if !ok {
		return fmt.Errorf("unknown feedback kind %q", kind)
	}
	return t.out.PlayStreamer(ctx, cueStreamer(t.out.SampleRate(), notes))
}

func cueStreamer(rate beep.SampleRate, notes []note) beep.Streamer {
	parts := make([]beep.Streamer, 0, len(notes))
	for _, n := range notes {
		parts = append(parts, tone(rate, n.freq, rate.N(n.dur)))
	}
	return beep.Seq(parts...)
}

// tone generates a sine of length samples with a short linear fade at both ends.
func tone(rate beep.SampleRate, freq float64, length int) beep.Streamer {
	fade := min(rate.N(5*time.Millisecond), length/2)
	pos := 0
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if pos >= length {
			return 0, false
		}
		n := 0
		for i := range samples {
			if pos >= length {
				break
			}
			v := 0.0
			if freq > 0 {
				v = toneVolume * math.Sin(2*math.Pi*freq*float64(pos)/float64(rate))
				if pos < fade {
					v *= float64(pos) / float64(fade)
				} else if rem := length - pos; rem < fade {
					v *= float64(rem) / float64(fade)
				}
			}
			samples[i][0], samples[i][1] = v, v
			pos++
			n++
		}
		return n, true
	})
}
