// Package logging builds the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
)

// Config holds logging configuration.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Pretty selects a human-readable text handler instead of JSON.
	Pretty bool
}

// ParseLevel maps a level name to its slog.Level. Unknown names fall back
// to info.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger constructs a slog.Logger per the configuration.
func NewLogger(cfg Config) *slog.Logger {
	logger, _ := NewDynamic(cfg)
	return logger
}

// NewDynamic constructs a logger plus the LevelVar controlling it, so the
// level can follow configuration reloads without rebuilding the logger.
func NewDynamic(cfg Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Pretty {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), level
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)), level
}
