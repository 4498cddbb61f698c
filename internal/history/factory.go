package history

import (
	"context"

	"github.com/pkg/errors"

	"github.com/comigor/gemini-relay/internal/config"
)

// ErrUnknownBackend is returned for a history.backend value NewBackend does not know.
var ErrUnknownBackend = errors.New("unknown history backend")

// NewBackend builds the Persister selected by cfg.Backend.
func NewBackend(ctx context.Context, cfg config.HistoryConfig) (Persister, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(nil), nil
	case "file":
		return persister(NewFile(cfg.Path))
	case "sqlite":
		return persister(NewSQLite(cfg.Path))
	case "bolt":
		return persister(NewBolt(cfg.Path))
	case "postgres":
		return persister(NewPostgres(cfg.DSN))
	case "redis":
		return persister(NewRedis(ctx, cfg.RedisAddr, cfg.RedisKey))
	default:
		return nil, errors.Wrap(ErrUnknownBackend, cfg.Backend)
	}
}

// persister keeps a failed constructor from leaking a typed nil.
func persister[T Persister](p T, err error) (Persister, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}
