package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar = new(slog.LevelVar)

// L is the process-wide structured logger. Everything logs JSON to stdout unless SetOutput is called.
var L = newJSON(os.Stdout)

func newJSON(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar}))
}

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn", "warning":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// Level reports the currently active level.
func Level() slog.Level {
	return levelVar.Level()
}

// SetOutput redirects L to w, keeping the configured level.
func SetOutput(w io.Writer) {
	L = newJSON(w)
}

// ForUser returns a child logger tagged with the conversation owner.
func ForUser(userID string) *slog.Logger {
	return L.With("user_id", userID)
}
