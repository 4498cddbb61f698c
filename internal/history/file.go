package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// File persists the snapshot as a single JSON document, {user_id: [turn...]}.
// Writes go to a sibling temp file that is renamed over the target.
type File struct {
	path string
}

// NewFile returns a File backend writing to path.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("history file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create history dir")
	}
	return &File{path: path}, nil
}

func (f *File) Load(context.Context) (Snapshot, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read history file")
	}
	if len(raw) == 0 {
		return Snapshot{}, nil
	}
	snap := Snapshot{}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, errors.Wrapf(err, "decode %s", f.path)
	}
	return snap, nil
}

func (f *File) Save(_ context.Context, snap Snapshot) error {
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode history")
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp history file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp history file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp history file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp history file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), f.path), "replace history file")
}

func (f *File) Close() error { return nil }
