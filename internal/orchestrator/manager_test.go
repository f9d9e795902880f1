package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/answer"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/audio"
	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/feedback"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/openai"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/resilience"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/settings"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/transcribe"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/usage"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeRecorder struct {
	mu       sync.Mutex
	dir      string
	levels   chan audio.Level
	startErr error
	starts   int
	stops    int
	cancels  int
	lastPath string
}

func (f *fakeRecorder) Start(context.Context) (<-chan audio.Level, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.levels = make(chan audio.Level, 16)
	return f.levels, nil
}

func (f *fakeRecorder) Stop() (*audio.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.lastPath = filepath.Join(f.dir, "take.wav")
	if err := os.WriteFile(f.lastPath, []byte("RIFF"), 0o600); err != nil {
		return nil, err
	}
	return &audio.Recording{Path: f.lastPath, SampleRate: 16000, Samples: 1600}, nil
}

func (f *fakeRecorder) Cancel() {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

func (f *fakeRecorder) send(l audio.Level) {
	f.mu.Lock()
	ch := f.levels
	f.mu.Unlock()
	ch <- l
}

func (f *fakeRecorder) counts() (starts, stops, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.cancels
}

// stubSTT is the remote speech-to-text endpoint.
type stubSTT struct {
	mu      sync.Mutex
	text    string
	err     error
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (s *stubSTT) Transcribe(context.Context, openai.TranscriptionRequest) (string, error) {
	s.mu.Lock()
	s.calls++
	text, err, entered, release := s.text, s.err, s.entered, s.release
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return text, err
}

func (s *stubSTT) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubChat is the remote completion endpoint.
type stubChat struct {
	mu    sync.Mutex
	reply string
	err   error
	reqs  []openai.ChatRequest
}

func (s *stubChat) Complete(_ context.Context, req openai.ChatRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.reply, s.err
}

func (s *stubChat) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

type fakeAnswerer struct {
	mu    sync.Mutex
	reqs  []answer.Request
	reply func(answer.Request) (string, error)
}

func (f *fakeAnswerer) Generate(_ context.Context, req answer.Request) (string, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	reply := f.reply
	f.mu.Unlock()
	return reply(req)
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
	speeds []float64
	block  bool
	stops  int
}

func (f *fakeSpeaker) Speak(ctx context.Context, text string, speed float64) error {
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.speeds = append(f.speeds, speed)
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return apperrors.Wrap(ctx.Err(), apperrors.CodeCancelled, "speech stopped")
	}
	return nil
}

func (f *fakeSpeaker) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

type cueLog struct {
	mu    sync.Mutex
	kinds []feedback.Kind
}

func (c *cueLog) sink() feedback.Sink {
	return feedback.Func(func(_ context.Context, k feedback.Kind) error {
		c.mu.Lock()
		c.kinds = append(c.kinds, k)
		c.mu.Unlock()
		return nil
	})
}

func (c *cueLog) has(k feedback.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, got := range c.kinds {
		if got == k {
			return true
		}
	}
	return false
}

type harness struct {
	m       *Manager
	rec     *fakeRecorder
	stt     *stubSTT
	chat    *stubChat
	speaker *fakeSpeaker
	cues    *cueLog
	events  <-chan Event
}

func fastRetry() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.BaseDelay = time.Millisecond
	return cfg
}

func newHarness(t *testing.T, opts ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		rec:     &fakeRecorder{dir: t.TempDir()},
		stt:     &stubSTT{},
		chat:    &stubChat{},
		speaker: &fakeSpeaker{},
		cues:    &cueLog{},
	}
	deps := Deps{
		Recorder:    h.rec,
		Transcriber: transcribe.New(h.stt, transcribe.Config{Model: "whisper-1", Language: "ko", Retry: fastRetry()}),
		Answerer: answer.New(h.chat, answer.Config{
			Model: "gpt-4o-mini", SystemPrompt: "도로교통법 전문가", MaxTokens: 300, MaxTokensDetailed: 800, Retry: fastRetry(),
		}),
		Speaker:  h.speaker,
		Settings: settings.NewStore(settings.Values{}),
		Feedback: h.cues.sink(),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	m, err := New(deps, Config{})
	require.NoError(t, err)
	h.m = m
	events, unsubscribe := m.Subscribe()
	h.events = events
	t.Cleanup(func() {
		unsubscribe()
		_ = m.Shutdown(context.Background())
	})
	return h
}

// states drains buffered events and returns the state transitions.
func (h *harness) states() []State {
	var out []State
	for {
		select {
		case e, ok := <-h.events:
			if !ok {
				return out
			}
			if e.Type == EventState {
				out = append(out, e.State)
			}
		default:
			return out
		}
	}
}

func TestVoiceExchangeEndToEnd(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Settings = settings.NewStore(settings.Values{TTSSpeed: 1.5})
	})
	h.stt.text = "어제 신호위반 벌금이 얼마예요"
	h.chat.reply = "신호위반 벌금은 6만원입니다."
	ctx := context.Background()

	assert.Equal(t, Idle, h.m.Snapshot().State)
	require.NoError(t, h.m.StartListening(ctx))
	assert.True(t, h.m.Snapshot().IsRecording)
	require.NoError(t, h.m.StopListening(ctx))

	snap := h.m.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, "어제 신호위반 벌금이 얼마예요", snap.Question)
	assert.Equal(t, "신호위반 벌금은 6만원입니다.", snap.Answer)
	assert.Empty(t, snap.Error)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "question", string(snap.Messages[0].Kind))
	assert.Equal(t, "어제 신호위반 벌금이 얼마예요", snap.Messages[0].Content)
	assert.Equal(t, "answer", string(snap.Messages[1].Kind))
	assert.Equal(t, "신호위반 벌금은 6만원입니다.", snap.Messages[1].Content)
	assert.Equal(t, &answer.Turn{Question: "어제 신호위반 벌금이 얼마예요", Answer: "신호위반 벌금은 6만원입니다."}, snap.LastTurn)

	assert.Equal(t, []State{Recording, Processing, Speaking, Idle}, h.states())
	assert.Equal(t, []string{"신호위반 벌금은 6만원입니다."}, h.speaker.spoken)
	assert.Equal(t, []float64{1.5}, h.speaker.speeds)

	// no prior turn: plain question, regular budget
	require.Equal(t, 1, h.chat.callCount())
	assert.Len(t, h.chat.reqs[0].Messages, 2)
	assert.Equal(t, 300, h.chat.reqs[0].MaxTokens)

	_, err := os.Stat(h.rec.lastPath)
	assert.True(t, os.IsNotExist(err), "recording should be removed after transcription")

	assert.Eventually(t, func() bool {
		return h.cues.has(feedback.Start) && h.cues.has(feedback.End) && h.cues.has(feedback.Processing)
	}, waitFor, tick)
}

func TestSilenceEndsRecordingOnce(t *testing.T) {
	h := newHarness(t)
	h.stt.text = "주차위반 과태료는요"
	h.chat.reply = "4만원입니다."

	require.NoError(t, h.m.StartListening(context.Background()))
	far := time.Now().Add(10 * time.Second)
	h.rec.send(audio.Level{At: far, DB: -80})
	h.rec.send(audio.Level{At: far.Add(time.Second), DB: -80})

	require.Eventually(t, func() bool {
		s := h.m.Snapshot()
		return s.State == Idle && len(s.Messages) == 2
	}, waitFor, tick)

	_, stops, _ := h.rec.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, h.stt.callCount())
	assert.Equal(t, 1, h.chat.callCount())
}

func TestCancelDuringTranscriptionDropsResult(t *testing.T) {
	h := newHarness(t)
	h.stt.text = "신호위반 벌금"
	h.stt.entered = make(chan struct{}, 1)
	h.stt.release = make(chan struct{})
	h.chat.reply = "6만원입니다."
	ctx := context.Background()

	require.NoError(t, h.m.StartListening(ctx))
	done := make(chan error, 1)
	go func() { done <- h.m.StopListening(ctx) }()

	<-h.stt.entered
	h.m.Cancel()

	snap := h.m.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Empty(t, snap.Messages)

	close(h.stt.release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("exchange did not finish")
	}

	snap = h.m.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Question)
	assert.Empty(t, snap.Error)
	assert.Nil(t, snap.LastTurn)
	assert.Zero(t, h.chat.callCount())
	assert.Empty(t, h.speaker.spoken)
}

func TestCancelDuringRecordingStopsSilenceWatch(t *testing.T) {
	h := newHarness(t)
	h.stt.text = "늦은 결과"

	require.NoError(t, h.m.StartListening(context.Background()))
	h.m.Cancel()

	_, _, cancels := h.rec.counts()
	assert.Equal(t, 1, cancels)
	assert.Equal(t, Idle, h.m.Snapshot().State)

	h.rec.send(audio.Level{At: time.Now().Add(10 * time.Second), DB: -80})
	assert.Never(t, func() bool { return h.stt.callCount() > 0 }, 100*time.Millisecond, tick)
}

func TestCancelTwiceFromIdleIsNoop(t *testing.T) {
	h := newHarness(t)

	assert.NotPanics(t, func() {
		h.m.Cancel()
		h.m.Cancel()
	})

	assert.Equal(t, Idle, h.m.Snapshot().State)
	assert.Empty(t, h.states())
	_, _, cancels := h.rec.counts()
	assert.Zero(t, cancels)
	assert.Zero(t, h.speaker.stops)
}

func TestCancelClearsConversationButKeepsTurn(t *testing.T) {
	h := newHarness(t)
	h.chat.reply = "6만원입니다."
	ctx := context.Background()

	require.NoError(t, h.m.AskQuestion(ctx, "신호위반 벌금"))
	require.Len(t, h.m.Snapshot().Messages, 2)

	h.m.Cancel()
	snap := h.m.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Answer)
	require.NotNil(t, snap.LastTurn)
	assert.Equal(t, "신호위반 벌금", snap.LastTurn.Question)
}

func TestNonRetryableTranscriptionFailureSkipsAnswer(t *testing.T) {
	h := newHarness(t)
	h.stt.err = apperrors.New(apperrors.CodeUnauthenticated, "invalid api key")
	ctx := context.Background()

	require.NoError(t, h.m.StartListening(ctx))
	err := h.m.StopListening(ctx)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeUnauthenticated), "got %v", err)

	snap := h.m.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, apperrors.UserMessage(err), snap.Error)
	assert.Equal(t, 1, h.stt.callCount())
	assert.Zero(t, h.chat.callCount())
	assert.Empty(t, snap.Messages)
	assert.Eventually(t, func() bool { return h.cues.has(feedback.Error) }, waitFor, tick)
}

func TestHallucinationAsksToSpeakClearly(t *testing.T) {
	h := newHarness(t)
	h.stt.text = "시청해주셔서 감사합니다."
	ctx := context.Background()

	require.NoError(t, h.m.StartListening(ctx))
	err := h.m.StopListening(ctx)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeHallucination))

	snap := h.m.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Contains(t, snap.Error, "명확하게")
	assert.Zero(t, h.chat.callCount())
}

func TestFollowUpSendsPreviousTurn(t *testing.T) {
	fa := &fakeAnswerer{reply: func(req answer.Request) (string, error) {
		return "답변: " + req.Question, nil
	}}
	h := newHarness(t, func(d *Deps) { d.Answerer = fa })
	ctx := context.Background()

	require.NoError(t, h.m.AskQuestion(ctx, "속도위반 벌금이 얼마예요"))
	require.NoError(t, h.m.AskQuestion(ctx, "더 자세히"))
	require.NoError(t, h.m.AskQuestion(ctx, "주차 위반은 어떻게 되나요"))

	require.Len(t, fa.reqs, 3)
	assert.Nil(t, fa.reqs[0].Previous)
	assert.False(t, fa.reqs[0].Detailed)

	assert.Equal(t, &answer.Turn{Question: "속도위반 벌금이 얼마예요", Answer: "답변: 속도위반 벌금이 얼마예요"}, fa.reqs[1].Previous)
	assert.True(t, fa.reqs[1].Detailed)

	assert.Nil(t, fa.reqs[2].Previous)
	assert.False(t, fa.reqs[2].Detailed)
}

func TestStartWhileBusyIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.m.StartListening(ctx))
	require.NoError(t, h.m.StartListening(ctx))
	require.NoError(t, h.m.AskQuestion(ctx, "질문"))

	starts, _, _ := h.rec.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, Recording, h.m.Snapshot().State)
	assert.Zero(t, h.chat.callCount())
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.m.StopListening(context.Background()))
	_, stops, _ := h.rec.counts()
	assert.Zero(t, stops)
}

func TestRecorderStartFailure(t *testing.T) {
	h := newHarness(t)
	h.rec.startErr = apperrors.New(apperrors.CodeCaptureInit, "no input device")

	err := h.m.StartListening(context.Background())
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCaptureInit))

	snap := h.m.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, apperrors.UserMessage(err), snap.Error)
	assert.Equal(t, []State{Recording, Idle}, h.states())
}

func TestAnswerPanicReturnsToIdle(t *testing.T) {
	fa := &fakeAnswerer{reply: func(answer.Request) (string, error) { panic("boom") }}
	h := newHarness(t, func(d *Deps) { d.Answerer = fa })

	err := h.m.AskQuestion(context.Background(), "신호위반")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInternal))

	snap := h.m.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, "처리 중 오류가 발생했습니다.", snap.Error)
}

func TestAskQuestionValidation(t *testing.T) {
	h := newHarness(t)
	err := h.m.AskQuestion(context.Background(), "   ")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidRequest))
	assert.Empty(t, h.states())
}

func TestAskQuestionSkipsTranscription(t *testing.T) {
	h := newHarness(t)
	h.chat.reply = "면허 정지 기준은 벌점 40점입니다."

	require.NoError(t, h.m.AskQuestion(context.Background(), "  면허 정지 기준  "))

	snap := h.m.Snapshot()
	assert.Equal(t, "면허 정지 기준", snap.Question)
	assert.Len(t, snap.Messages, 2)
	assert.Zero(t, h.stt.callCount())
	starts, _, _ := h.rec.counts()
	assert.Zero(t, starts)
	assert.Equal(t, []State{Processing, Speaking, Idle}, h.states())
}

func TestCancelDuringSpeech(t *testing.T) {
	h := newHarness(t)
	h.chat.reply = "6만원입니다."
	h.speaker.block = true

	done := make(chan error, 1)
	go func() { done <- h.m.AskQuestion(context.Background(), "신호위반") }()

	require.Eventually(t, func() bool { return h.m.Snapshot().IsSpeaking }, waitFor, tick)
	h.m.Cancel()

	assert.Equal(t, Idle, h.m.Snapshot().State)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("speech was not interrupted")
	}
	assert.Equal(t, 1, h.speaker.stops)
	assert.Empty(t, h.m.Snapshot().Messages)
}

func TestUsageGate(t *testing.T) {
	limiter, err := usage.NewLimiter(usage.Config{FreeLimit: 1}, &usage.MemoryStore{})
	require.NoError(t, err)
	h := newHarness(t, func(d *Deps) { d.Usage = limiter })
	h.chat.reply = "답변"
	ctx := context.Background()

	require.NoError(t, h.m.AskQuestion(ctx, "첫 질문"))
	snap := h.m.Snapshot()
	require.NotNil(t, snap.Usage)
	assert.Zero(t, snap.Usage.Remaining)

	err = h.m.StartListening(ctx)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeUsageLimit))
	starts, _, _ := h.rec.counts()
	assert.Zero(t, starts, "capture must not start past the limit")

	snap = h.m.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Contains(t, snap.Error, "무료 사용 횟수")

	err = h.m.AskQuestion(ctx, "두번째 질문")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeUsageLimit))
	assert.Equal(t, 1, h.chat.callCount())
}

func TestHandleDeepLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.m.HandleDeepLink(ctx, "roaddoc://start-recording?auto=false"))
	assert.Equal(t, Idle, h.m.Snapshot().State)

	err := h.m.HandleDeepLink(ctx, "roaddoc://unknown")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidRequest))

	require.NoError(t, h.m.HandleDeepLink(ctx, "roaddoc://start-recording"))
	assert.Equal(t, Recording, h.m.Snapshot().State)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.m.StartListening(ctx))
	require.NoError(t, h.m.Shutdown(ctx))
	require.NoError(t, h.m.Shutdown(ctx))

	assert.Equal(t, Idle, h.m.Snapshot().State)
	err := h.m.StartListening(ctx)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeUnavailable))

	// events channel is closed after draining
	assert.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-h.events:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, waitFor, tick)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)
}
