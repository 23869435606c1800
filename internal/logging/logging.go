// SPDX-License-Identifier:Apache-2.0

// Package logging builds the process logger. The level lives in a
// slog.LevelVar so a configuration reload can change it.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-logr/logr"
)

// logrErrorKey is the key logr uses for the error of Error calls.
const logrErrorKey = "err"

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", level)
}

// Logger is the process logger with its adjustable level.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New returns a JSON logger writing to w at the given level.
func New(w io.Writer, level string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	v := &slog.LevelVar{}
	v.Set(lvl)
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       v,
		AddSource:   lvl == slog.LevelDebug,
		ReplaceAttr: replaceAttr,
	})
	return &Logger{Logger: slog.New(handler), level: v}, nil
}

// SetLevel changes the level of every logger derived from l.
func (l *Logger) SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	if l.level.Level() != lvl {
		l.level.Set(lvl)
		l.Info("log level changed", "level", lvl.String())
	}
	return nil
}

// Level returns the current level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Logr adapts the logger for libraries logging through logr.
func (l *Logger) Logr() logr.Logger {
	return logr.FromSlogHandler(l.Handler())
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.LevelKey:
		return slog.String(a.Key, strings.ToLower(a.Value.String()))
	case logrErrorKey:
		return slog.Attr{Key: "error", Value: a.Value}
	}
	return a
}
