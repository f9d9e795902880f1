// Package answer generates spoken-length answers to traffic-law questions.
package answer

import (
	"context"
	"strings"

	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/openai"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/resilience"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/trace"
)

// Turn is a completed question and answer pair.
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Request is one generation call. Previous is sent as context when set.
type Request struct {
	Question string
	Previous *Turn
	Detailed bool
}

// Remote is the chat completion endpoint.
type Remote interface {
	Complete(ctx context.Context, req openai.ChatRequest) (string, error)
}

// Config for the client.
type Config struct {
	Model             string
	SystemPrompt      string
	Temperature       float32
	MaxTokens         int
	MaxTokensDetailed int
	Retry             resilience.RetryConfig
}

// Client builds prompts and retries transient failures.
type Client struct {
	remote Remote
	cfg    Config
}

// New creates a client.
func New(remote Remote, cfg Config) *Client {
	return &Client{remote: remote, cfg: cfg}
}

// Generate returns the trimmed answer. An empty answer is EMPTY_ANSWER.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	ctx, span := trace.StartSpan(ctx, "generate_answer")
	defer span.End()
	span.SetAttr("detailed", req.Detailed)
	span.SetAttr("follow_up", req.Previous != nil)

	chat := openai.ChatRequest{
		Model:       c.cfg.Model,
		Messages:    BuildMessages(c.cfg.SystemPrompt, req),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if req.Detailed {
		chat.MaxTokens = c.cfg.MaxTokensDetailed
	}

	raw, err := resilience.RetryValue(ctx, c.cfg.Retry, func(attempt int) (string, error) {
		span.SetAttr("attempts", attempt)
		return c.remote.Complete(ctx, chat)
	})
	if err != nil {
		trace.Logger(ctx).Warn("answer generation failed", "error", err)
		return "", err
	}

	text := strings.TrimSpace(raw)
	if text == "" {
		return "", apperrors.New(apperrors.CodeEmptyAnswer, "completion returned no text")
	}
	return text, nil
}

// BuildMessages returns system, optional prior user/assistant pair, then the question.
func BuildMessages(system string, req Request) []openai.Message {
	msgs := make([]openai.Message, 0, 4)
	msgs = append(msgs, openai.Message{Role: openai.RoleSystem, Content: system})
	if req.Previous != nil {
		msgs = append(msgs,
			openai.Message{Role: openai.RoleUser, Content: req.Previous.Question},
			openai.Message{Role: openai.RoleAssistant, Content: req.Previous.Answer},
		)
	}
	return append(msgs, openai.Message{Role: openai.RoleUser, Content: req.Question})
}
