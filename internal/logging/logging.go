// Package logging builds the diagnostic logger for gcscript.
//
// Diagnostics go to a rotating JSON file when one is configured and to a
// text handler on stderr otherwise. Script console output never goes here;
// it is kept by the scripting package.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/joeycumines/gc-scripting/internal/config"
)

// ParseLevel maps debug, info, warn and error, in any case, to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger for settings. The closer releases the log file, if
// any, and must be called once the logger is no longer used.
func New(settings config.LogSettings, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(settings.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	if settings.File == "" {
		return slog.New(slog.NewTextHandler(stderr, opts)), nopCloser{}, nil
	}
	w, err := NewRotatingFileWriter(settings.File, settings.MaxSizeMB, settings.MaxFiles)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(slog.NewJSONHandler(w, opts)), w, nil
}
