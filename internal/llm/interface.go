package llm

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/comigor/gemini-relay/internal/config"
	"github.com/comigor/gemini-relay/internal/history"
)

// ErrEmptyReply is returned when the model answered without any text.
var ErrEmptyReply = errors.New("model returned an empty reply")

// Client is the remote model capability the relay depends on; it is easy to mock in tests.
type Client interface {
	// SendMessage continues the conversation hist with turn and returns the reply text.
	SendMessage(ctx context.Context, hist []history.Turn, turn history.Turn) (string, error)
	// UploadMedia hands bytes to the service and returns a handle usable in later turns.
	UploadMedia(ctx context.Context, r io.Reader, mimeType, displayName string) (history.FileRef, error)
}

// New builds the client for cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "", "gemini":
		g, err := NewGemini(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "openai":
		return NewOpenAI(nil, cfg), nil
	default:
		return nil, errors.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
