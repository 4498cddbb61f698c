// Package relay runs one chat exchange: resolve the user, stage any image,
// call the model with the user's history and record both turns.
package relay

import (
	"context"
	"fmt"
	"mime/multipart"

	"github.com/pkg/errors"
	"github.com/qmuntal/stateless"

	"github.com/comigor/gemini-relay/internal/history"
	"github.com/comigor/gemini-relay/internal/identity"
	"github.com/comigor/gemini-relay/internal/llm"
	"github.com/comigor/gemini-relay/internal/logger"
	"github.com/comigor/gemini-relay/internal/media"
)

// FSM States
const (
	StateIdle               = "Idle"
	StateResolvingUser      = "ResolvingUser"
	StateMaterializingMedia = "MaterializingMedia"
	StateCallingModel       = "CallingModel"
	StateRecording          = "Recording"
	StateDone               = "Done"
	StateError              = "Error"
)

// FSM Triggers
const (
	TriggerStart        = "Start"
	TriggerUserResolved = "UserResolved"
	TriggerMediaReady   = "MediaReady"
	TriggerModelReplied = "ModelReplied"
	TriggerRecorded     = "Recorded"
	TriggerFailed       = "Failed"
)

// MediaSource stages images for the model.
type MediaSource interface {
	FromURL(ctx context.Context, rawURL string) (history.FileRef, error)
	FromUpload(ctx context.Context, fh *multipart.FileHeader) (history.FileRef, error)
}

// Request is one inbound chat call.
type Request struct {
	UserID   string
	Text     string
	ImageURL string
	Upload   *multipart.FileHeader
	// Multipart marks form uploads, which must carry an image file.
	Multipart bool
}

// Validate reports the input error for r, if any.
func (r Request) Validate() error {
	if r.Multipart {
		if r.Upload == nil {
			return ErrMissingImage
		}
		return nil
	}
	if r.Text == "" && r.ImageURL == "" {
		return ErrMissingInput
	}
	return nil
}

// Response is the result of a successful exchange. UserID is empty when history is disabled.
type Response struct {
	UserID string
	Reply  string
}

// Relay wires the store, the id policy, the media stager and the model together.
type Relay struct {
	store *history.Store
	ids   identity.Generator
	media MediaSource
	model llm.Client
}

// New creates a relay. A nil store disables history: every call is a fresh conversation.
func New(store *history.Store, ids identity.Generator, media MediaSource, model llm.Client) *Relay {
	if ids == nil {
		ids = identity.UUID{}
	}
	return &Relay{store: store, ids: ids, media: media, model: model}
}

// HistoryEnabled reports whether exchanges are recorded.
func (r *Relay) HistoryEnabled() bool { return r.store != nil }

// maxIDAttempts bounds the search for an unused generated id.
const maxIDAttempts = 1000

// ResolveUser returns supplied when non-empty, otherwise a new id registered with an empty history.
// Generated ids that are already taken, for example by a caller-supplied id, are skipped.
func (r *Relay) ResolveUser(ctx context.Context, supplied string) (string, error) {
	if supplied != "" || r.store == nil {
		return supplied, nil
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := r.ids.Next()
		created, err := r.store.Create(ctx, id)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrPersist, err)
		}
		if created {
			logger.L.Info("registered new user", "user_id", id)
			return id, nil
		}
		logger.L.Debug("generated id already taken", "user_id", id)
	}
	return "", errors.Errorf("no free user id after %d attempts", maxIDAttempts)
}

// pipeline is the per-call state shared by the FSM actions.
type pipeline struct {
	req     Request
	userID  string
	unlock  func()
	file    *history.FileRef
	turn    history.Turn
	reply   string
	lastErr error
	next    string
}

func (p *pipeline) fail(err error) {
	p.lastErr = err
	p.next = TriggerFailed
}

// Chat runs req through the state machine and returns the model's reply.
func (r *Relay) Chat(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	p := &pipeline{req: req}
	defer func() {
		if p.unlock != nil {
			p.unlock()
		}
	}()

	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerStart, StateResolvingUser)

	fsm.Configure(StateResolvingUser).
		OnEntry(func(ctx context.Context, args ...any) error {
			id, err := r.ResolveUser(ctx, p.req.UserID)
			if err != nil {
				p.fail(err)
				return nil
			}
			p.userID = id
			if r.store != nil {
				p.unlock = r.store.Lock(id)
			}
			p.next = TriggerUserResolved
			return nil
		}).
		Permit(TriggerUserResolved, StateMaterializingMedia).
		Permit(TriggerFailed, StateError)

	fsm.Configure(StateMaterializingMedia).
		OnEntry(func(ctx context.Context, args ...any) error {
			var (
				ref history.FileRef
				err error
			)
			switch {
			case p.req.Upload != nil:
				ref, err = r.media.FromUpload(ctx, p.req.Upload)
			case p.req.ImageURL != "":
				ref, err = r.media.FromURL(ctx, p.req.ImageURL)
			default:
				p.next = TriggerMediaReady
				return nil
			}
			if err != nil {
				if errors.Is(err, media.ErrUpload) {
					err = fmt.Errorf("%w: %w", ErrUpstream, err)
				}
				p.fail(err)
				return nil
			}
			p.file = &ref
			p.next = TriggerMediaReady
			return nil
		}).
		Permit(TriggerMediaReady, StateCallingModel).
		Permit(TriggerFailed, StateError)

	fsm.Configure(StateCallingModel).
		OnEntry(func(ctx context.Context, args ...any) error {
			parts := make([]history.Part, 0, 2)
			if p.file != nil {
				parts = append(parts, history.FilePart(*p.file))
			}
			if p.req.Text != "" {
				parts = append(parts, history.TextPart(p.req.Text))
			}
			p.turn = history.UserTurn(parts...)

			var hist []history.Turn
			if r.store != nil {
				hist = r.store.Get(p.userID)
			}
			logger.ForUser(p.userID).Debug("calling model", "history_turns", len(hist), "parts", len(parts))

			reply, err := r.model.SendMessage(ctx, hist, p.turn)
			if err != nil {
				p.fail(fmt.Errorf("%w: %w", ErrUpstream, err))
				return nil
			}
			p.reply = reply
			p.next = TriggerModelReplied
			return nil
		}).
		Permit(TriggerModelReplied, StateRecording).
		Permit(TriggerFailed, StateError)

	fsm.Configure(StateRecording).
		OnEntry(func(ctx context.Context, args ...any) error {
			if r.store != nil {
				if err := r.store.Append(ctx, p.userID, p.turn, history.ModelTurn(p.reply)); err != nil {
					p.fail(fmt.Errorf("%w: %w", ErrPersist, err))
					return nil
				}
			}
			p.next = TriggerRecorded
			return nil
		}).
		Permit(TriggerRecorded, StateDone).
		Permit(TriggerFailed, StateError)

	fsm.Configure(StateError).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.ForUser(p.userID).Warn("chat failed", "error", p.lastErr)
			return nil
		})

	// Each action records the next trigger; firing from here keeps transitions unnested.
	p.next = TriggerStart
	for p.next != "" {
		trigger := p.next
		p.next = ""
		if err := fsm.FireCtx(ctx, trigger); err != nil {
			return Response{}, errors.Wrapf(err, "relay state machine on %s", trigger)
		}
	}

	state, err := fsm.State(ctx)
	if err != nil {
		return Response{}, errors.Wrap(err, "relay state machine")
	}
	switch state {
	case StateDone:
		return Response{UserID: p.userID, Reply: p.reply}, nil
	case StateError:
		return Response{}, p.lastErr
	default:
		return Response{}, errors.Errorf("relay stopped in state %v", state)
	}
}
