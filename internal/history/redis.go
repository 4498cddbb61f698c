package history

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis persists the snapshot in a single hash: field = user id, value = JSON turns.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects to addr and uses key as the hash name.
func NewRedis(ctx context.Context, addr, key string) (*Redis, error) {
	if key == "" {
		key = "gemini-relay:histories"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	return &Redis{client: client, key: key}, nil
}

func (r *Redis) Load(ctx context.Context) (Snapshot, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read history hash")
	}
	snap := make(Snapshot, len(fields))
	for id, raw := range fields {
		turns := []Turn{}
		if err := json.Unmarshal([]byte(raw), &turns); err != nil {
			return nil, errors.Wrapf(err, "decode history %s", id)
		}
		snap[id] = turns
	}
	return snap, nil
}

// Save replaces the hash atomically inside MULTI/EXEC.
func (r *Redis) Save(ctx context.Context, snap Snapshot) error {
	values := make(map[string]interface{}, len(snap))
	for id, turns := range snap {
		if turns == nil {
			turns = []Turn{}
		}
		enc, err := json.Marshal(turns)
		if err != nil {
			return errors.Wrap(err, "encode history")
		}
		values[id] = string(enc)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(values) > 0 {
			pipe.HSet(ctx, r.key, values)
		}
		return nil
	})
	return errors.Wrap(err, "write history hash")
}

func (r *Redis) Close() error {
	return r.client.Close()
}
