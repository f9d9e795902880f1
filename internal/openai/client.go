// Package openai adapts the hosted speech-to-text, chat completion and
// text-to-speech endpoints, returning classified errors.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/resilience"
)

// Role of a chat message.
type Role string

// Chat roles.
const (
	RoleSystem    Role = goopenai.ChatMessageRoleSystem
	RoleUser      Role = goopenai.ChatMessageRoleUser
	RoleAssistant Role = goopenai.ChatMessageRoleAssistant
)

// Message is one entry of a chat prompt.
type Message struct {
	Role    Role
	Content string
}

// ChatRequest is a single completion call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// TranscriptionRequest is a single speech-to-text call.
type TranscriptionRequest struct {
	Model    string
	Path     string
	Language string // ISO-639-1 hint
	Prompt   string // vocabulary hint
}

// SpeechRequest is a single synthesis call.
type SpeechRequest struct {
	Model string
	Voice string
	Text  string
	Speed float64
}

// Config for the client.
type Config struct {
	APIKey  string
	BaseURL string // empty uses the public endpoint
	Breaker resilience.Config
}

// Client wraps the remote endpoints with one breaker each. Calls make a
// single attempt; retrying is left to callers.
type Client struct {
	api *goopenai.Client

	transcription *resilience.Breaker
	chat          *resilience.Breaker
	speech        *resilience.Breaker
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.New(apperrors.CodeConfigMissing, "openai api key is not set")
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	hook := func(name string) func(from, to resilience.State) {
		return func(from, to resilience.State) {
			slog.Warn("endpoint breaker state changed", "endpoint", name, "from", from, "to", to)
		}
	}

	return &Client{
		api:           goopenai.NewClientWithConfig(clientCfg),
		transcription: resilience.New("transcription", cfg.Breaker).WithHook(hook("transcription")),
		chat:          resilience.New("chat", cfg.Breaker).WithHook(hook("chat")),
		speech:        resilience.New("speech", cfg.Breaker).WithHook(hook("speech")),
	}, nil
}

// Transcribe uploads the audio file and returns the recognized text untrimmed.
func (c *Client) Transcribe(ctx context.Context, req TranscriptionRequest) (string, error) {
	return resilience.ExecuteWithResult(c.transcription, func() (string, error) {
		resp, err := c.api.CreateTranscription(ctx, goopenai.AudioRequest{
			Model:    req.Model,
			FilePath: req.Path,
			Language: req.Language,
			Prompt:   req.Prompt,
			Format:   goopenai.AudioResponseFormatText,
		})
		if err != nil {
			return "", Classify(err)
		}
		return resp.Text, nil
	})
}

// Complete runs a chat completion and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	return resilience.ExecuteWithResult(c.chat, func() (string, error) {
		resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
			Model:       req.Model,
			Messages:    msgs,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		if err != nil {
			return "", Classify(err)
		}
		if len(resp.Choices) == 0 {
			return "", nil
		}
		return resp.Choices[0].Message.Content, nil
	})
}

// Synthesize returns an MP3 stream of text spoken at the requested speed.
// The caller closes the stream.
func (c *Client) Synthesize(ctx context.Context, req SpeechRequest) (io.ReadCloser, error) {
	return resilience.ExecuteWithResult(c.speech, func() (io.ReadCloser, error) {
		resp, err := c.api.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
			Model:          goopenai.SpeechModel(req.Model),
			Input:          req.Text,
			Voice:          goopenai.SpeechVoice(req.Voice),
			ResponseFormat: goopenai.SpeechResponseFormatMp3,
			Speed:          req.Speed,
		})
		if err != nil {
			return nil, Classify(err)
		}
		return resp, nil
	})
}

// Classify maps an SDK error onto the application taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		body := strings.TrimSpace(fmt.Sprintf("%s %v %s", apiErr.Type, apiErr.Code, apiErr.Message))
		e := apperrors.FromHTTPStatus(apiErr.HTTPStatusCode, body)
		e.Cause = err
		return e
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode != 0 {
			e := apperrors.FromHTTPStatus(reqErr.HTTPStatusCode, reqErr.Error())
			e.Cause = err
			return e
		}
		if reqErr.Err != nil {
			return apperrors.FromTransport(reqErr.Err)
		}
	}

	return apperrors.FromTransport(err)
}
