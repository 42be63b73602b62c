package scripting

import (
	"log/slog"
	"time"
)

// DefaultBufferLength holds a numeric result with room for small structs.
const DefaultBufferLength = 256

// Option configures a Scripting.
type Option func(*options)

type options struct {
	bufferLength    int
	timeout         time.Duration
	logFile         string
	saver           LogSaver
	logger          *slog.Logger
	onExit          func()
	onEvent         func(Event)
	globals         map[string]any
	consoleCapacity int
	metrics         *Metrics
}

func defaultOptions() options {
	return options{
		bufferLength:    DefaultBufferLength,
		timeout:         DefaultTimeout,
		logFile:         DefaultLogFile,
		saver:           FileLogSaver{},
		consoleCapacity: DefaultConsoleCapacity,
	}
}

// WithBufferLength sets the size of the shared result buffer. It must be at
// least 8 bytes; larger buffers carry struct-shaped invoke results.
func WithBufferLength(n int) Option {
	return func(o *options) { o.bufferLength = n }
}

// WithTimeout overrides how long script waits for a command reply.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogFile sets the destination name handed to the LogSaver.
func WithLogFile(name string) Option {
	return func(o *options) {
		if name != "" {
			o.logFile = name
		}
	}
}

// WithLogSaver sets where the script log is persisted.
func WithLogSaver(s LogSaver) Option {
	return func(o *options) {
		if s != nil {
			o.saver = s
		}
	}
}

// WithLogger sets the diagnostic logger. slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOnExit registers the action taken when script calls exit(), after the
// log has been saved.
func WithOnExit(fn func()) Option {
	return func(o *options) { o.onExit = fn }
}

// WithOnEvent registers an observer called, on the routing goroutine, for
// every event from the current worker after the controller has handled it.
// fn may call Close, which then does not wait for that goroutine; Eval from
// fn fails with ErrDeadlock.
func WithOnEvent(fn func(Event)) Option {
	return func(o *options) { o.onEvent = fn }
}

// WithGlobals installs extra globals into every worker before the script runs.
func WithGlobals(globals map[string]any) Option {
	return func(o *options) { o.globals = globals }
}

// WithConsoleCapacity bounds the number of retained console entries.
func WithConsoleCapacity(n int) Option {
	return func(o *options) { o.consoleCapacity = n }
}

// WithMetrics records activity into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}
