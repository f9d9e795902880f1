// Package transcribe turns a finished recording into question text.
package transcribe

import (
	"context"
	"os"
	"strings"

	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/audio"
	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/openai"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/resilience"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/trace"
)

// Remote is the speech-to-text endpoint.
type Remote interface {
	Transcribe(ctx context.Context, req openai.TranscriptionRequest) (string, error)
}

// Config for the client.
type Config struct {
	Model    string
	Language string
	Hint     string
	Retry    resilience.RetryConfig
	Filter   Filter // nil uses DefaultDenylist
}

// Client retries transient failures and rejects empty or hallucinated text.
type Client struct {
	remote Remote
	cfg    Config
}

// New creates a client.
func New(remote Remote, cfg Config) *Client {
	if cfg.Filter == nil {
		cfg.Filter = DefaultDenylist()
	}
	return &Client{remote: remote, cfg: cfg}
}

// Transcribe returns the trimmed text of rec. Failures are *errors.AppError:
// NO_AUDIO for a missing file, NOT_RECOGNIZED for empty text, HALLUCINATION
// for filtered text, or the classified remote error after retries.
func (c *Client) Transcribe(ctx context.Context, rec *audio.Recording) (string, error) {
	ctx, span := trace.StartSpan(ctx, "transcribe")
	defer span.End()
	log := trace.Logger(ctx)

	if rec == nil {
		return "", apperrors.New(apperrors.CodeNoAudio, "no recording")
	}
	if _, err := os.Stat(rec.Path); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeNoAudio, "recording file missing")
	}

	req := openai.TranscriptionRequest{
		Model:    c.cfg.Model,
		Path:     rec.Path,
		Language: c.cfg.Language,
		Prompt:   c.cfg.Hint,
	}
	raw, err := resilience.RetryValue(ctx, c.cfg.Retry, func(attempt int) (string, error) {
		span.SetAttr("attempts", attempt)
		return c.remote.Transcribe(ctx, req)
	})
	if err != nil {
		log.Warn("transcription failed", "error", err)
		return "", err
	}

	text := strings.TrimSpace(raw)
	if text == "" {
		return "", apperrors.New(apperrors.CodeNotRecognized, "empty transcription")
	}
	if c.cfg.Filter.Match(text) {
		log.Info("discarding hallucinated transcription", "text", text)
		return "", apperrors.New(apperrors.CodeHallucination, "transcription matched denylist").
			WithMetadata("text", text)
	}

	log.Debug("transcribed", "chars", len([]rune(text)), "duration", rec.Duration)
	return text, nil
}
