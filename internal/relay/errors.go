package relay

import (
	"github.com/pkg/errors"

	"github.com/comigor/gemini-relay/internal/media"
)

// Sentinels classifying a failed exchange. Errors carrying a cause join the
// sentinel and the cause with fmt.Errorf("%w: %w", ...); pkg/errors adds context.
var (
	ErrMissingInput = errors.New("text or image_url parameter not provided")
	ErrMissingImage = errors.New("image file not provided")
	ErrInvalidMedia = media.ErrInvalidMedia
	// ErrFetch wraps failures to download an image from its host.
	ErrFetch = media.ErrFetch
	// ErrUpstream wraps failures of the remote model service.
	ErrUpstream = errors.New("upstream model error")
	// ErrPersist wraps failures to record the exchange.
	ErrPersist = errors.New("history persistence error")
)

const (
	MsgMissingInput = "Text or image_url parameter not provided"
	MsgMissingImage = "Image file not provided"
	MsgFetch        = "failed to fetch image"
	MsgUpstream     = "upstream model request failed"
	MsgPersist      = "failed to save conversation history"
	MsgInternal     = "internal error"
)

// PublicMessage is the text shown to callers for err. Only input errors
// describe themselves; everything else stays generic.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingInput):
		return MsgMissingInput
	case errors.Is(err, ErrMissingImage):
		return MsgMissingImage
	case errors.Is(err, ErrInvalidMedia):
		return err.Error()
	case errors.Is(err, ErrFetch):
		return MsgFetch
	case errors.Is(err, ErrUpstream):
		return MsgUpstream
	case errors.Is(err, ErrPersist):
		return MsgPersist
	default:
		return MsgInternal
	}
}
