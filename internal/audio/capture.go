// Package audio records the microphone into WAV files and meters loudness while recording.
package audio

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
)

const (
	framesPerBuffer = 1024
	levelBuffer     = 32
	// SilenceFloorDB is reported for digital silence.
	SilenceFloorDB = -160.0
)

// Level is one metering sample.
type Level struct {
	At time.Time
	DB float64 // dBFS, SilenceFloorDB..0
}

// Recording references a finished WAV file.
type Recording struct {
	Path       string
	SampleRate int
	Samples    int
	Duration   time.Duration
}

// inputStream is the slice of portaudio.Stream the recorder needs.
type inputStream interface {
	Start() error
	Read() error
	Stop() error
	Close() error
}

// openFunc opens a mono input stream that fills buf on every Read.
type openFunc func(sampleRate int, buf []float32) (inputStream, error)

// Config for the recorder.
type Config struct {
	SampleRate       int
	MeteringInterval time.Duration
	Dir              string
	ExcludedDevices  []string
}

// Recorder captures one recording at a time from the preferred microphone.
type Recorder struct {
	cfg  Config
	open openFunc

	mu     sync.Mutex
	active *take
}

// take is one in-progress recording.
type take struct {
	stream  inputStream
	file    *os.File
	writer  *bufio.Writer
	levels  chan Level
	cancel  context.CancelFunc
	done    chan struct{}
	samples int
	err     error
}

// NewRecorder initializes portaudio and returns a recorder. Close releases portaudio.
func NewRecorder(cfg Config) (*Recorder, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeCaptureInit, "portaudio initialize")
	}
	r := newRecorder(cfg, nil)
	r.open = r.openPortAudio
	return r, nil
}

func newRecorder(cfg Config, open openFunc) *Recorder {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.MeteringInterval <= 0 {
		cfg.MeteringInterval = 100 * time.Millisecond
	}
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	return &Recorder{cfg: cfg, open: open}
}

func (r *Recorder) openPortAudio(sampleRate int, buf []float32) (inputStream, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}

	dev := pickInputDevice(devices, r.cfg.ExcludedDevices)
	if dev == nil {
		if dev, err = portaudio.DefaultInputDevice(); err != nil {
			return nil, err
		}
	}
	slog.Debug("opening input device", "device", dev.Name)

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: len(buf),
	}
	return portaudio.OpenStream(params, buf)
}

// Start opens the microphone and begins writing a new recording. The returned
// channel receives a Level every metering interval and is closed when the take ends.
func (r *Recorder) Start(ctx context.Context) (<-chan Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return nil, apperrors.New(apperrors.CodeCaptureInit, "already recording")
	}

	buf := make([]float32, framesPerBuffer)
	stream, err := r.open(r.cfg.SampleRate, buf)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeCaptureInit, "open input stream")
	}

	file, err := os.CreateTemp(r.cfg.Dir, "roaddoc-*.wav")
	if err != nil {
		_ = stream.Close()
		return nil, apperrors.Wrap(err, apperrors.CodeCaptureInit, "create recording file")
	}

	w := bufio.NewWriter(file)
	if err := writeWAVHeader(w, r.cfg.SampleRate, 0); err != nil {
		_ = stream.Close()
		_ = file.Close()
		_ = os.Remove(file.Name())
		return nil, apperrors.Wrap(err, apperrors.CodeCaptureInit, "write wav header")
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = file.Close()
		_ = os.Remove(file.Name())
		return nil, apperrors.Wrap(err, apperrors.CodeCaptureInit, "start input stream")
	}

	takeCtx, cancel := context.WithCancel(ctx)
	t := &take{
		stream: stream,
		file:   file,
		writer: w,
		levels: make(chan Level, levelBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.active = t

	go r.readLoop(takeCtx, t, buf)

	slog.Info("recording started", "file", file.Name(), "sample_rate", r.cfg.SampleRate)
	return t.levels, nil
}

func (r *Recorder) readLoop(ctx context.Context, t *take, buf []float32) {
	defer close(t.done)
	defer close(t.levels)

	pcm := make([]byte, len(buf)*2)
	var sumSquares float64
	var windowSamples int
	windowStart := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := t.stream.Read(); err != nil {
			if ctx.Err() == nil {
				slog.Debug("audio read error", "error", err)
				t.err = err
			}
			return
		}

		for i, s := range buf {
			sumSquares += float64(s) * float64(s)
			putPCM16(pcm[i*2:], s)
		}
		windowSamples += len(buf)

		if _, err := t.writer.Write(pcm); err != nil {
			t.err = err
			return
		}
		t.samples += len(buf)

		if now := time.Now(); now.Sub(windowStart) >= r.cfg.MeteringInterval {
			lvl := Level{At: now, DB: rmsToDB(sumSquares, windowSamples)}
			select {
			case t.levels <- lvl:
			default:
				slog.Debug("level buffer full, dropping sample")
			}
			sumSquares, windowSamples, windowStart = 0, 0, now
		}
	}
}

// finish stops the stream and waits for the read loop.
func (t *take) finish() {
	t.cancel()
	_ = t.stream.Stop()
	<-t.done
	_ = t.stream.Close()
}

// Stop ends the active recording and returns it, or nil when nothing was recording.
func (r *Recorder) Stop() (*Recording, error) {
	r.mu.Lock()
	t := r.active
	r.active = nil
	r.mu.Unlock()

	if t == nil {
		return nil, nil
	}

	t.finish()

	if t.err != nil && t.samples == 0 {
		_ = t.file.Close()
		_ = os.Remove(t.file.Name())
		return nil, apperrors.Wrap(t.err, apperrors.CodeNoAudio, "no audio captured")
	}

	if err := t.writer.Flush(); err != nil {
		_ = t.file.Close()
		return nil, apperrors.Wrap(err, apperrors.CodeNoAudio, "flush recording")
	}
	if _, err := t.file.Seek(0, 0); err != nil {
		_ = t.file.Close()
		return nil, apperrors.Wrap(err, apperrors.CodeNoAudio, "rewind recording")
	}
	if err := writeWAVHeader(t.file, r.cfg.SampleRate, t.samples*2); err != nil {
		_ = t.file.Close()
		return nil, apperrors.Wrap(err, apperrors.CodeNoAudio, "finalize wav header")
	}
	if err := t.file.Close(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeNoAudio, "close recording")
	}

	rec := &Recording{
		Path:       t.file.Name(),
		SampleRate: r.cfg.SampleRate,
		Samples:    t.samples,
		Duration:   time.Duration(t.samples) * time.Second / time.Duration(r.cfg.SampleRate),
	}
	slog.Info("recording stopped", "file", rec.Path, "duration", rec.Duration)
	return rec, nil
}

// Cancel discards the active recording. Errors are logged and swallowed.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	t := r.active
	r.active = nil
	r.mu.Unlock()

	if t == nil {
		return
	}

	t.finish()
	_ = t.file.Close()
	if err := os.Remove(t.file.Name()); err != nil {
		slog.Debug("remove cancelled recording", "file", t.file.Name(), "error", err)
	}
	slog.Info("recording cancelled")
}

// IsRecording reports whether a take is in progress.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Close cancels any take and releases portaudio.
func (r *Recorder) Close() error {
	r.Cancel()
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio terminate: %w", err)
	}
	return nil
}

// Remove deletes a finished recording file.
func Remove(rec *Recording) {
	if rec == nil {
		return
	}
	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		slog.Debug("remove recording", "file", rec.Path, "error", err)
	}
}

func putPCM16(dst []byte, s float32) {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	v := int16(s * math.MaxInt16)
	dst[0] = byte(v)
	dst[1] = byte(uint16(v) >> 8)
}

// rmsToDB converts a window's sum of squares into dBFS.
func rmsToDB(sumSquares float64, n int) float64 {
	if n == 0 || sumSquares == 0 {
		return SilenceFloorDB
	}
	db := 20 * math.Log10(math.Sqrt(sumSquares/float64(n)))
	return max(db, SilenceFloorDB)
}
