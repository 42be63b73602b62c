package scripting

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joeycumines/gc-scripting/internal/storage"
)

// DefaultLogFile is the destination name used when none is configured.
const DefaultLogFile = "scripting.log"

// LogSaver persists the script log. name is the configured destination and
// text the log lines joined by newlines.
type LogSaver interface {
	SaveLog(ctx context.Context, name, text string) error
}

// LogSaverFunc adapts a function to LogSaver.
type LogSaverFunc func(ctx context.Context, name, text string) error

func (f LogSaverFunc) SaveLog(ctx context.Context, name, text string) error {
	return f(ctx, name, text)
}

// lockPollInterval is how often a save retries a lock held by another process.
const lockPollInterval = 25 * time.Millisecond

// FileLogSaver writes the log to a file, replacing it atomically. Relative
// names resolve against Dir. Saves hold an exclusive lock on "<path>.lock",
// so processes sharing a log directory do not interleave.
type FileLogSaver struct {
	Dir string
}

func (s FileLogSaver) SaveLog(ctx context.Context, name, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.Dir, name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("save log %s: %w", path, err)
	}
	lock, err := storage.Lock(ctx, path+".lock", lockPollInterval)
	if err != nil {
		return fmt.Errorf("save log %s: %w", path, err)
	}
	defer lock.Unlock()
	if err := storage.AtomicWriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("save log %s: %w", path, err)
	}
	return nil
}

// WriterLogSaver streams the log to W, for hosts that hand the text to
// someone else (a download, a terminal) instead of owning a file system.
type WriterLogSaver struct {
	mu sync.Mutex
	W  io.Writer
}

func (s *WriterLogSaver) SaveLog(ctx context.Context, name, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.W, "%s\n", text); err != nil {
		return fmt.Errorf("save log %s: %w", name, err)
	}
	return nil
}
