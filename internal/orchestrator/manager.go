package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/answer"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/audio"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/deeplink"
	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/feedback"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/settings"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/silence"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/trace"
)

// Orchestrator is an alias for Manager
type Orchestrator = Manager

// Manager owns the session state and drives one exchange at a time:
// record, transcribe, answer, speak. Every asynchronous result carries the
// token of the exchange that started it and is dropped once that token is
// no longer live.
type Manager struct {
	deps     Deps
	cfg      Config
	messages *transcript.MemoryStore
	events   *hub
	now      func() time.Time

	mu         sync.Mutex
	state      State
	question   string
	answer     string
	errMsg     string
	lastTurn   *answer.Turn
	token      string
	exchange   context.Context
	cancel     context.CancelFunc
	span       *trace.Span
	processing bool
	closed     bool
	wg         sync.WaitGroup
}

// New creates a manager in the Idle state.
func New(deps Deps, cfg Config) (*Manager, error) {
	if deps.Recorder == nil || deps.Transcriber == nil || deps.Answerer == nil || deps.Speaker == nil {
		return nil, apperrors.New(apperrors.CodeInternal, "orchestrator requires recorder, transcriber, answerer and speaker")
	}
	if deps.Settings == nil {
		deps.Settings = settings.NewStore(settings.Values{})
	}
	if cfg.SilenceThresholdDB == 0 {
		cfg.SilenceThresholdDB = DefaultSilenceThresholdDB
	}
	if cfg.SilenceGrace == 0 {
		cfg.SilenceGrace = DefaultSilenceGrace
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = TranscriptMaxEntries
	}

	return &Manager{
		deps:     deps,
		cfg:      cfg,
		messages: transcript.NewStore(cfg.MaxMessages),
		events:   newHub(EventBuffer),
		now:      time.Now,
		state:    Idle,
	}, nil
}

// Subscribe returns a channel of session events and a function that
// releases it. Slow subscribers miss events rather than stall the session.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.subscribe()
}

// Snapshot returns a copy of the observable state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	s := Snapshot{
		State:       m.state,
		Question:    m.question,
		Answer:      m.answer,
		Error:       m.errMsg,
		Messages:    m.messages.Entries(),
		IsRecording: m.state == Recording,
		IsSpeaking:  m.state == Speaking,
	}
	if m.lastTurn != nil {
		turn := *m.lastTurn
		s.LastTurn = &turn
	}
	m.mu.Unlock()

	if m.deps.Usage != nil {
		res := m.deps.Usage.CanUse()
		s.Usage = &res
	}
	return s
}

// StartListening begins a recording when the session is Idle and is a no-op
// otherwise. The recording ends on StopListening or after the configured
// stretch of silence.
func (m *Manager) StartListening(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return apperrors.New(apperrors.CodeUnavailable, "session is shut down")
	}
	if m.state != Idle {
		state := m.state
		m.mu.Unlock()
		trace.Logger(ctx).Debug("start ignored", "state", state)
		return nil
	}
	if err := m.checkUsageLocked(); err != nil {
		m.mu.Unlock()
		feedback.Fire(ctx, m.deps.Feedback, feedback.Error)
		return err
	}
	token, ectx := m.beginLocked(ctx, Recording)
	m.mu.Unlock()

	feedback.Fire(ectx, m.deps.Feedback, feedback.Start)

	levels, err := m.deps.Recorder.Start(ectx)
	if err != nil {
		return m.fail(ectx, token, err)
	}

	vals := m.deps.Settings.Get()
	cfg := silence.Config{
		ThresholdDB: m.cfg.SilenceThresholdDB,
		Timeout:     vals.SilenceTimeout(),
		Grace:       m.cfg.SilenceGrace,
	}
	start := m.now()

	m.mu.Lock()
	if m.token != token {
		m.mu.Unlock()
		m.deps.Recorder.Cancel()
		return nil
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		silence.Watch(ectx, cfg, start, levels, func() {
			trace.Logger(ectx).Info("silence timeout reached", "timeout", cfg.Timeout)
			_ = m.stop(ectx, token)
		})
	}()

	trace.Logger(ectx).Info("listening", "silence_timeout", cfg.Timeout)
	return nil
}

// StopListening ends the current recording and runs the rest of the
// exchange, returning once the session is Idle again. It is a no-op unless
// the session is Recording.
func (m *Manager) StopListening(ctx context.Context) error {
	m.mu.Lock()
	token, ectx := m.token, m.exchange
	m.mu.Unlock()

	if token == "" {
		return nil
	}
	return m.stop(ectx, token)
}

func (m *Manager) stop(ctx context.Context, token string) error {
	m.mu.Lock()
	live := m.token == token && m.state == Recording && !m.processing
	m.mu.Unlock()
	if !live {
		return nil
	}

	feedback.Fire(ctx, m.deps.Feedback, feedback.End)
	return m.processRecording(ctx, token)
}

func (m *Manager) processRecording(ctx context.Context, token string) (err error) {
	m.mu.Lock()
	if m.token != token || m.state != Recording || m.processing {
		m.mu.Unlock()
		return nil
	}
	m.processing = true
	m.setStateLocked(Processing)
	m.mu.Unlock()

	defer m.backstop(ctx, token, &err)
	feedback.Fire(ctx, m.deps.Feedback, feedback.Processing)

	rec, err := m.deps.Recorder.Stop()
	if err == nil && rec == nil {
		err = apperrors.New(apperrors.CodeNoAudio, "no recording in progress")
	}
	if err != nil {
		return m.fail(ctx, token, err)
	}
	defer audio.Remove(rec)

	text, err := m.deps.Transcriber.Transcribe(ctx, rec)
	if !m.isLive(token) {
		return nil
	}
	if err != nil {
		return m.fail(ctx, token, err)
	}
	return m.respond(ctx, token, text)
}

// AskQuestion runs an exchange for typed text, skipping capture and
// transcription. Like StartListening it is a no-op unless the session is Idle.
func (m *Manager) AskQuestion(ctx context.Context, text string) (err error) {
	question := strings.TrimSpace(text)
	if question == "" {
		return apperrors.New(apperrors.CodeInvalidRequest, "question is empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return apperrors.New(apperrors.CodeUnavailable, "session is shut down")
	}
	if m.state != Idle {
		state := m.state
		m.mu.Unlock()
		trace.Logger(ctx).Debug("question ignored", "state", state)
		return nil
	}
	if err := m.checkUsageLocked(); err != nil {
		m.mu.Unlock()
		feedback.Fire(ctx, m.deps.Feedback, feedback.Error)
		return err
	}
	token, ectx := m.beginLocked(ctx, Processing)
	m.processing = true
	m.mu.Unlock()

	defer m.backstop(ectx, token, &err)
	feedback.Fire(ectx, m.deps.Feedback, feedback.Processing)
	return m.respond(ectx, token, question)
}

// respond answers question and speaks the answer.
func (m *Manager) respond(ctx context.Context, token, question string) error {
	m.mu.Lock()
	if m.token != token {
		m.mu.Unlock()
		return nil
	}
	m.question = question
	msg := m.messages.Add(transcript.Question, question)
	m.events.emit(Event{Type: EventMessage, Message: &msg})
	req := answer.ForQuestion(question, m.lastTurn)
	m.mu.Unlock()

	log := trace.Logger(ctx)
	log.Info("question", "text", question, "follow_up", req.Previous != nil)

	text, err := m.deps.Answerer.Generate(ctx, req)
	if !m.isLive(token) {
		return nil
	}
	if err != nil {
		return m.fail(ctx, token, err)
	}

	m.mu.Lock()
	if m.token != token {
		m.mu.Unlock()
		return nil
	}
	m.answer = text
	msg = m.messages.Add(transcript.Answer, text)
	m.events.emit(Event{Type: EventMessage, Message: &msg})
	m.lastTurn = &answer.Turn{Question: question, Answer: text}
	m.setStateLocked(Speaking)
	m.mu.Unlock()

	if m.deps.Usage != nil {
		if err := m.deps.Usage.Record(); err != nil {
			log.Warn("failed to record usage", "error", err)
		}
	}

	err = m.deps.Speaker.Speak(ctx, text, m.deps.Settings.Get().TTSSpeed)
	if err != nil && !apperrors.IsCode(err, apperrors.CodeCancelled) {
		log.Warn("speech ended with error", "error", err)
	}

	m.mu.Lock()
	if m.token == token {
		m.endLocked()
	}
	m.mu.Unlock()
	return nil
}

// Cancel abandons the current exchange and resets the conversation. It
// returns once the session is Idle; results still in flight are discarded.
// Calling it on an empty Idle session does nothing.
func (m *Manager) Cancel() {
	m.mu.Lock()
	active := m.token != "" || m.state != Idle
	if !active && m.messages.Len() == 0 && m.question == "" && m.answer == "" && m.errMsg == "" {
		m.mu.Unlock()
		return
	}
	m.question, m.answer, m.errMsg = "", "", ""
	m.messages.Clear()
	if active {
		m.endLocked()
	}
	m.events.emit(Event{Type: EventReset, State: Idle})
	m.mu.Unlock()

	if active {
		m.deps.Recorder.Cancel()
		m.deps.Speaker.Stop()
		trace.Logger(context.Background()).Info("exchange cancelled")
	}
}

// HandleDeepLink starts listening for a roaddoc://start-recording link.
func (m *Manager) HandleDeepLink(ctx context.Context, raw string) error {
	action, err := deeplink.Parse(raw)
	if err != nil {
		return err
	}
	if action == deeplink.StartRecording {
		return m.StartListening(ctx)
	}
	return nil
}

// Shutdown cancels any exchange, waits for background work and releases
// the recorder. Later calls to StartListening and AskQuestion fail.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.events.close()

	var errs []error
	if c, ok := m.deps.Recorder.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// beginLocked resets the per-exchange fields and mints a new token.
func (m *Manager) beginLocked(ctx context.Context, state State) (string, context.Context) {
	m.question, m.answer, m.errMsg = "", "", ""
	m.token = uuid.NewString()

	ectx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ectx, span := trace.StartSpan(ectx, "exchange")
	span.SetAttr("token", m.token)
	m.exchange, m.cancel, m.span = ectx, cancel, span

	m.setStateLocked(state)
	return m.token, ectx
}

// endLocked retires the live token and returns to Idle.
func (m *Manager) endLocked() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.span != nil {
		m.span.End()
	}
	m.token, m.exchange, m.cancel, m.span = "", nil, nil, nil
	m.processing = false
	m.setStateLocked(Idle)
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.events.emit(Event{Type: EventState, State: s})
}

func (m *Manager) checkUsageLocked() error {
	if m.deps.Usage == nil {
		return nil
	}
	res := m.deps.Usage.CanUse()
	if res.Allowed {
		return nil
	}
	m.errMsg = res.Message()
	m.events.emit(Event{Type: EventError, Error: m.errMsg})
	return res.Err()
}

func (m *Manager) isLive(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token == token
}

// fail surfaces err for the exchange and returns to Idle. Stale failures
// are dropped and reported as nil.
func (m *Manager) fail(ctx context.Context, token string, err error) error {
	m.mu.Lock()
	if m.token != token {
		m.mu.Unlock()
		return nil
	}
	m.errMsg = apperrors.UserMessage(err)
	m.events.emit(Event{Type: EventError, Error: m.errMsg})
	m.endLocked()
	m.mu.Unlock()

	trace.Logger(ctx).Warn("exchange failed", "error", err)
	// the exchange context is already cancelled by endLocked
	feedback.Fire(context.WithoutCancel(ctx), m.deps.Feedback, feedback.Error)
	return err
}

// backstop turns a panic in an exchange into a generic failure.
func (m *Manager) backstop(ctx context.Context, token string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	trace.Logger(ctx).Error("exchange panicked", "panic", r)
	*errp = m.fail(ctx, token, apperrors.Newf(apperrors.CodeInternal, "exchange panicked: %v", r))
}
