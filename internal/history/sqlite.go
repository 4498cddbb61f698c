package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"

	"github.com/comigor/gemini-relay/internal/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
    user_id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS turns (
    user_id TEXT NOT NULL,
    seq     INTEGER NOT NULL,
    role    TEXT NOT NULL,
    parts   TEXT NOT NULL,
    PRIMARY KEY (user_id, seq)
);`

// SQLite persists the snapshot in a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = "history.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create sqlite dir")
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// A single connection keeps writers from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init sqlite schema")
	}
	logger.L.Info("sqlite history DB initialized", "path", path)
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{}

	users, err := s.db.QueryContext(ctx, `SELECT user_id FROM users;`)
	if err != nil {
		return nil, errors.Wrap(err, "query users")
	}
	for users.Next() {
		var id string
		if err := users.Scan(&id); err != nil {
			users.Close()
			return nil, errors.Wrap(err, "scan user")
		}
		snap[id] = []Turn{}
	}
	users.Close()
	if err := users.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate users")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id, role, parts FROM turns ORDER BY user_id, seq ASC;`)
	if err != nil {
		return nil, errors.Wrap(err, "query turns")
	}
	defer rows.Close()
	for rows.Next() {
		var id, role, parts string
		if err := rows.Scan(&id, &role, &parts); err != nil {
			return nil, errors.Wrap(err, "scan turn")
		}
		t := Turn{Role: Role(role)}
		if err := json.Unmarshal([]byte(parts), &t.Parts); err != nil {
			return nil, errors.Wrapf(err, "decode parts for %s", id)
		}
		snap[id] = append(snap[id], t)
	}
	return snap, errors.Wrap(rows.Err(), "iterate turns")
}

func (s *SQLite) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns;`); err != nil {
		return errors.Wrap(err, "clear turns")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users;`); err != nil {
		return errors.Wrap(err, "clear users")
	}
	for id, turns := range snap {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users (user_id) VALUES (?);`, id); err != nil {
			return errors.Wrapf(err, "insert user %s", id)
		}
		for seq, t := range turns {
			parts, err := json.Marshal(t.Parts)
			if err != nil {
				return errors.Wrap(err, "encode parts")
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO turns (user_id, seq, role, parts) VALUES (?,?,?,?);`, id, seq, string(t.Role), string(parts)); err != nil {
				return errors.Wrapf(err, "insert turn %s/%d", id, seq)
			}
		}
	}
	return errors.Wrap(tx.Commit(), "commit history")
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
