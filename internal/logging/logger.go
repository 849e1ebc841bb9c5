// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the handler and level of a logger.
type Options struct {
	Env    string
	Level  string
	Output io.Writer
}

// New returns a project-standard slog logger.
// - env=prod: JSON handler without source locations
// - otherwise: text handler with source locations
// Level is one of debug/info/warn/error, default info. Output defaults to
// stdout.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	level := parseLevel(opts.Level)

	if strings.EqualFold(strings.TrimSpace(opts.Env), "prod") {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:     level,
			AddSource: false,
		}))
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}))
}

// NewLogger logs to stdout with the level taken from LOG_LEVEL.
func NewLogger(env string) *slog.Logger {
	return New(Options{Env: env, Level: os.Getenv("LOG_LEVEL")})
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
