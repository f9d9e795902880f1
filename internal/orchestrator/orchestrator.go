package orchestrator

import (
	"context"
	"time"

	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/answer"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/audio"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/feedback"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/settings"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/usage"
)

// State of the session.
type State string

// Session states.
const (
	Idle       State = "idle"
	Recording  State = "recording"
	Processing State = "processing"
	Speaking   State = "speaking"
)

// Message re-exported for API compatibility
type Message = transcript.Message

// Snapshot is a consistent copy of the observable session state.
type Snapshot struct {
	State       State         `json:"state"`
	Question    string        `json:"question"`
	Answer      string        `json:"answer"`
	Error       string        `json:"error,omitempty"`
	Messages    []Message     `json:"messages"`
	LastTurn    *answer.Turn  `json:"lastTurn,omitempty"`
	IsRecording bool          `json:"isRecording"`
	IsSpeaking  bool          `json:"isSpeaking"`
	Usage       *usage.Result `json:"usage,omitempty"`
}

// EventType identifies a session event.
type EventType string

// Event types.
const (
	EventState   EventType = "state"
	EventMessage EventType = "message"
	EventError   EventType = "error"
	EventReset   EventType = "reset"
)

// Event is pushed to subscribers on every observable change.
type Event struct {
	Type    EventType `json:"type"`
	State   State     `json:"state,omitempty"`
	Message *Message  `json:"message,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Recorder captures one recording at a time.
type Recorder interface {
	Start(ctx context.Context) (<-chan audio.Level, error)
	Stop() (*audio.Recording, error)
	Cancel()
}

// Transcriber turns a recording into question text.
type Transcriber interface {
	Transcribe(ctx context.Context, rec *audio.Recording) (string, error)
}

// Answerer generates the answer to a question.
type Answerer interface {
	Generate(ctx context.Context, req answer.Request) (string, error)
}

// Speaker reads an answer aloud. Speak blocks until playback ends.
type Speaker interface {
	Speak(ctx context.Context, text string, speed float64) error
	Stop()
}

// UsageGate limits how many exchanges may start.
type UsageGate interface {
	CanUse() usage.Result
	Record() error
}

// Deps are the collaborators of a Manager. Feedback and Usage are optional.
type Deps struct {
	Recorder    Recorder
	Transcriber Transcriber
	Answerer    Answerer
	Speaker     Speaker
	Settings    settings.Provider
	Feedback    feedback.Sink
	Usage       UsageGate
}

// Config tunes the manager.
type Config struct {
	SilenceThresholdDB float64
	SilenceGrace       time.Duration
	MaxMessages        int
}
