// Package llmclient is the LLM collaborator: dispatches a prompt pair to
// Anthropic or an OpenAI-compatible backend based on a model-name prefix
// (spec.md §6, "explicitly out of scope" collaborator).
package llmclient

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/agensys/reviewbot/internal/template"
)

// ErrorKind classifies an LLM error for the pipeline's error model.
type ErrorKind string

const (
	ErrRateLimited   ErrorKind = "RATE_LIMITED"
	ErrNetwork       ErrorKind = "NETWORK"
	ErrInvalidReq    ErrorKind = "INVALID_REQUEST"
	ErrTokenLimit    ErrorKind = "TOKEN_LIMIT"
	ErrUnknown       ErrorKind = "UNKNOWN"
)

// LLMError wraps an underlying LLM error with a classification.
type LLMError struct {
	Kind      ErrorKind
	Transient bool
	Err       error
}

func (e *LLMError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *LLMError) Unwrap() error { return e.Err }

// Response is one LLM call's result plus token accounting for calibration.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Client is the LLM collaborator contract the pipeline depends on.
type Client interface {
	Complete(ctx context.Context, model string, maxOutputTokens int, p template.Prompt) (Response, error)
}

// dispatcher routes by a "claude-" model prefix to Anthropic, else to an
// OpenAI-compatible backend.
type dispatcher struct {
	anthropicKey string
	openAIKey    string
}

// New builds a Client that dispatches on the model name given per-call.
func New(anthropicKey, openAIKey string) Client {
	return &dispatcher{anthropicKey: anthropicKey, openAIKey: openAIKey}
}

func (d *dispatcher) Complete(ctx context.Context, model string, maxOutputTokens int, p template.Prompt) (Response, error) {
	if strings.HasPrefix(model, "claude-") {
		return completeAnthropic(ctx, d.anthropicKey, model, maxOutputTokens, p)
	}
	return completeOpenAI(ctx, d.openAIKey, model, maxOutputTokens, p)
}

func completeAnthropic(ctx context.Context, apiKey, model string, maxOutputTokens int, p template.Prompt) (Response, error) {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxOutputTokens),
		System:    []anthropic.TextBlockParam{{Text: p.System}},
		Messages: []anthropic.MessageParam{
			{Role: anthropic.MessageParamRoleUser, Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(p.User)}},
		},
	})
	if err != nil {
		return Response{}, classifyAnthropic(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return Response{
		Text:         sb.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

func classifyAnthropic(err error) *LLMError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 503, 504, 529:
			return &LLMError{Kind: ErrRateLimited, Transient: true, Err: err}
		case 400:
			return &LLMError{Kind: ErrInvalidReq, Transient: false, Err: err}
		}
	}
	return classifyByMessage(err)
}

func completeOpenAI(ctx context.Context, apiKey, model string, maxOutputTokens int, p template.Prompt) (Response, error) {
	client := openai.NewClient(openaiopt.WithAPIKey(apiKey))

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     model,
		MaxTokens: openai.Int(int64(maxOutputTokens)),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(p.System),
			openai.UserMessage(p.User),
		},
	})
	if err != nil {
		return Response{}, classifyByMessage(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, &LLMError{Kind: ErrUnknown, Err: errors.New("empty choices")}
	}
	return Response{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func classifyByMessage(err error) *LLMError {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return &LLMError{Kind: ErrRateLimited, Transient: true, Err: err}
	case strings.Contains(msg, "context deadline") || strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return &LLMError{Kind: ErrNetwork, Transient: true, Err: err}
	case strings.Contains(msg, "maximum context length") || strings.Contains(msg, "token"):
		return &LLMError{Kind: ErrTokenLimit, Transient: false, Err: err}
	case strings.Contains(msg, "invalid"):
		return &LLMError{Kind: ErrInvalidReq, Transient: false, Err: err}
	default:
		return &LLMError{Kind: ErrUnknown, Transient: false, Err: err}
	}
}
