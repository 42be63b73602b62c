package scripting

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultConsoleCapacity is the number of console entries kept by default.
const DefaultConsoleCapacity = 1000

// ConsoleEntry is one line of console output from a worker.
type ConsoleEntry struct {
	Time    time.Time         `json:"time"`
	Level   slog.Level        `json:"level"`
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// ConsoleLog keeps the most recent console output of every worker a
// Scripting has run, so hosts can show script authors what happened.
type ConsoleLog struct {
	logger  *slog.Logger
	handler *consoleHandler
}

// NewConsoleLog creates a ConsoleLog holding at most capacity entries.
func NewConsoleLog(capacity int) *ConsoleLog {
	if capacity <= 0 {
		capacity = DefaultConsoleCapacity
	}
	h := &consoleHandler{
		store: &consoleStore{
			entries: make([]ConsoleEntry, 0, min(capacity, 64)),
			maxSize: capacity,
		},
	}
	return &ConsoleLog{logger: slog.New(h), handler: h}
}

// Record appends a console event.
func (c *ConsoleLog) Record(ev ConsoleEvent, attrs ...slog.Attr) {
	attrs = append(attrs, slog.String("type", ev.Type))
	c.logger.LogAttrs(context.Background(), consoleLevel(ev.Type), ev.Message, attrs...)
}

// Entries returns a copy of all retained entries, oldest first.
func (c *ConsoleLog) Entries() []ConsoleEntry {
	s := c.handler.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConsoleEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Recent returns the last count entries.
func (c *ConsoleLog) Recent(count int) []ConsoleEntry {
	s := c.handler.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	if count <= 0 || count > len(s.entries) {
		count = len(s.entries)
	}
	out := make([]ConsoleEntry, count)
	copy(out, s.entries[len(s.entries)-count:])
	return out
}

// Search returns the entries whose message contains query, ignoring case.
func (c *ConsoleLog) Search(query string) []ConsoleEntry {
	s := c.handler.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	query = strings.ToLower(query)
	var matches []ConsoleEntry
	for _, e := range s.entries {
		if strings.Contains(strings.ToLower(e.Message), query) {
			matches = append(matches, e)
		}
	}
	return matches
}

// Clear drops all entries.
func (c *ConsoleLog) Clear() {
	s := c.handler.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
}

func consoleLevel(typ string) slog.Level {
	switch typ {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

type consoleStore struct {
	mu      sync.RWMutex
	entries []ConsoleEntry
	maxSize int
}

// consoleHandler is an slog.Handler writing into a bounded consoleStore.
type consoleHandler struct {
	store *consoleStore
	attrs []slog.Attr
	group string
}

func (h *consoleHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	attrs := make(map[string]string, len(h.attrs)+record.NumAttrs())
	add := func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		attrs[key] = a.Value.String()
		return true
	}
	for _, a := range h.attrs {
		add(a)
	}
	record.Attrs(add)

	entry := ConsoleEntry{
		Time:    record.Time,
		Level:   record.Level,
		Type:    attrs["type"],
		Message: record.Message,
	}
	delete(attrs, "type")
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}

	s := h.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if over := len(s.entries) - s.maxSize; over > 0 {
		s.entries = append(s.entries[:0], s.entries[over:]...)
	}
	return nil
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}
