package llm

import (
	"context"
	"encoding/base64"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/gemini-relay/internal/config"
	"github.com/comigor/gemini-relay/internal/history"
	"github.com/comigor/gemini-relay/internal/logger"
)

// ChatCompleter is the slice of the go-openai client used here.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI speaks to any OpenAI compatible chat completions endpoint,
// including the Gemini compatibility layer.
type OpenAI struct {
	completer    ChatCompleter
	model        string
	systemPrompt string
	temperature  float32
	topP         float32
	maxTokens    int
	timeout      time.Duration
}

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}

// NewOpenAI wraps completer. A nil completer is replaced by NewClient(cfg).
func NewOpenAI(completer ChatCompleter, cfg config.LLMConfig) *OpenAI {
	if completer == nil {
		completer = NewClient(cfg)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &OpenAI{
		completer:    completer,
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		topP:         cfg.TopP,
		maxTokens:    int(cfg.MaxOutputTokens),
		timeout:      cfg.Timeout,
	}
}

func (o *OpenAI) SendMessage(ctx context.Context, hist []history.Turn, turn history.Turn) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(hist)+2)
	if o.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		})
	}
	for _, t := range hist {
		messages = append(messages, toChatMessage(t))
	}
	messages = append(messages, toChatMessage(turn))

	resp, err := o.completer.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		Temperature: o.temperature,
		TopP:        o.topP,
		MaxTokens:   o.maxTokens,
	})
	if err != nil {
		return "", errors.Wrap(err, "chat completion")
	}
	logger.L.Debug("LLM response received", "id", resp.ID, "choices", len(resp.Choices))

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyReply
	}
	return resp.Choices[0].Message.Content, nil
}

// UploadMedia inlines the bytes as a data URI; chat completions has no files API.
func (o *OpenAI) UploadMedia(_ context.Context, r io.Reader, mimeType, displayName string) (history.FileRef, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return history.FileRef{}, errors.Wrap(err, "read media")
	}
	return history.FileRef{
		URI:      "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
		MIMEType: mimeType,
		Name:     displayName,
	}, nil
}

func toChatMessage(t history.Turn) openai.ChatCompletionMessage {
	role := openai.ChatMessageRoleUser
	if t.Role == history.RoleModel {
		role = openai.ChatMessageRoleAssistant
	}

	hasFile := false
	for _, p := range t.Parts {
		if p.File != nil {
			hasFile = true
			break
		}
	}
	if !hasFile {
		return openai.ChatCompletionMessage{Role: role, Content: t.Text()}
	}

	parts := make([]openai.ChatMessagePart, 0, len(t.Parts))
	for _, p := range t.Parts {
		switch {
		case p.File != nil:
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: p.File.URI, Detail: openai.ImageURLDetailAuto},
			})
		case p.Text != "":
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
		}
	}
	return openai.ChatCompletionMessage{Role: role, MultiContent: parts}
}
