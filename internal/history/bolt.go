package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var historiesBucket = []byte("histories")

// Bolt persists the snapshot in a BoltDB file, one key per user.
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens the BoltDB file at path.
func NewBolt(path string) (*Bolt, error) {
	if path == "" {
		path = "histories.bolt"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create bolt dir")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt")
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Load(context.Context) (Snapshot, error) {
	snap := Snapshot{}
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(historiesBucket)
		if bk == nil {
			return nil
		}
		return bk.ForEach(func(k, v []byte) error {
			turns := []Turn{}
			if len(v) > 0 {
				if err := json.Unmarshal(v, &turns); err != nil {
					return errors.Wrapf(err, "decode history %s", k)
				}
			}
			snap[string(k)] = turns
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Save recreates the bucket so it reflects snap exactly.
func (b *Bolt) Save(_ context.Context, snap Snapshot) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(historiesBucket) != nil {
			if err := tx.DeleteBucket(historiesBucket); err != nil {
				return errors.Wrap(err, "drop histories bucket")
			}
		}
		bk, err := tx.CreateBucket(historiesBucket)
		if err != nil {
			return errors.Wrap(err, "create histories bucket")
		}
		for id, turns := range snap {
			if turns == nil {
				turns = []Turn{}
			}
			enc, err := json.Marshal(turns)
			if err != nil {
				return errors.Wrap(err, "encode history")
			}
			if err := bk.Put([]byte(id), enc); err != nil {
				return errors.Wrapf(err, "put %s", id)
			}
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
