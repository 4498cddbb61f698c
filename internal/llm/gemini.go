package llm

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/genai"

	"github.com/comigor/gemini-relay/internal/config"
	"github.com/comigor/gemini-relay/internal/history"
	"github.com/comigor/gemini-relay/internal/logger"
)

const defaultGeminiModel = "gemini-1.5-pro"

// Gemini talks to the Gemini API through the Google Gen AI SDK.
type Gemini struct {
	client  *genai.Client
	model   string
	gen     *genai.GenerateContentConfig
	timeout time.Duration
}

// NewGemini creates a Gemini client from cfg.
func NewGemini(ctx context.Context, cfg config.LLMConfig) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, errors.Wrap(err, "create gemini client")
	}

	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{
		client:  client,
		model:   model,
		gen:     generationConfig(cfg),
		timeout: cfg.Timeout,
	}, nil
}

func generationConfig(cfg config.LLMConfig) *genai.GenerateContentConfig {
	gen := &genai.GenerateContentConfig{
		MaxOutputTokens:  cfg.MaxOutputTokens,
		ResponseMIMEType: cfg.ResponseMIMEType,
	}
	if cfg.Temperature > 0 {
		gen.Temperature = genai.Ptr(cfg.Temperature)
	}
	if cfg.TopP > 0 {
		gen.TopP = genai.Ptr(cfg.TopP)
	}
	if cfg.TopK > 0 {
		gen.TopK = genai.Ptr(cfg.TopK)
	}
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		gen.SystemInstruction = genai.NewContentFromText(cfg.SystemPrompt, genai.RoleUser)
	}
	return gen
}

// SendMessage starts a chat seeded with hist and sends turn as the next user message.
func (g *Gemini) SendMessage(ctx context.Context, hist []history.Turn, turn history.Turn) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	chat, err := g.client.Chats.Create(ctx, g.model, g.gen, toContents(hist))
	if err != nil {
		return "", errors.Wrap(err, "start gemini chat")
	}
	resp, err := chat.Send(ctx, toParts(turn.Parts)...)
	if err != nil {
		return "", errors.Wrap(err, "gemini send message")
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

// UploadMedia pushes r to the Gemini Files API.
func (g *Gemini) UploadMedia(ctx context.Context, r io.Reader, mimeType, displayName string) (history.FileRef, error) {
	f, err := g.client.Files.Upload(ctx, r, &genai.UploadFileConfig{
		MIMEType:    mimeType,
		DisplayName: displayName,
	})
	if err != nil {
		return history.FileRef{}, errors.Wrap(err, "gemini upload")
	}
	logger.L.Info("uploaded file", "display_name", f.DisplayName, "uri", f.URI)

	ref := history.FileRef{URI: f.URI, MIMEType: f.MIMEType, Name: f.Name}
	if ref.MIMEType == "" {
		ref.MIMEType = mimeType
	}
	return ref, nil
}

func toContents(turns []history.Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		out = append(out, genai.NewContentFromParts(toParts(t.Parts), genai.Role(t.Role)))
	}
	return out
}

func toParts(parts []history.Part) []*genai.Part {
	out := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.File != nil:
			out = append(out, genai.NewPartFromURI(p.File.URI, p.File.MIMEType))
		case p.Text != "":
			out = append(out, genai.NewPartFromText(p.Text))
		}
	}
	return out
}
