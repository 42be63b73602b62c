// Package scripting runs untrusted JavaScript in an isolated worker while
// giving it a synchronous read, write and invoke API backed by an
// asynchronous host.
//
// A Scripting owns one SharedChannel and at most one Worker. Script calling
// read(name) resets the channel, posts a ReadCommand and blocks its worker
// on the channel. The controller hands the command to the MessageHandler on
// its own goroutine, encodes the reply into the channel and wakes the
// worker. Evaluations flow the other way: Eval queues the expression and the
// worker answers with an EvalCompleted or EvalFailed event. Only the head of
// the queue is ever dispatched, so results settle in submission order.
//
//	s, err := scripting.New(ctx, handler, scripting.WithTimeout(5*time.Second))
//	if err != nil { ... }
//	defer s.Close()
//
//	s.Load(source)
//	v, err := s.Eval(ctx, "sayHello('patrick')")
package scripting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joeycumines/gc-scripting/internal/goroutineid"
)

// EvalResult settles one evaluation. Err is an *EvalError when the
// expression threw, or ErrStopped, ErrReloaded or ErrClosed when the
// evaluation was discarded.
type EvalResult struct {
	Value any
	Err   error
}

type evalEntry struct {
	expression string
	result     chan EvalResult
}

// settle must be called at most once per entry.
func (e *evalEntry) settle(r EvalResult) { e.result <- r }

// Scripting is the controller a host holds to run scripts. It never blocks
// on its worker: commands are served on their own goroutines and events are
// handled as they arrive. All methods are safe for concurrent use.
type Scripting struct {
	id      string
	handler MessageHandler
	opts    options
	channel *SharedChannel
	console *ConsoleLog
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	worker       *Worker
	cancelWorker context.CancelFunc
	evalQueue    []*evalEntry
	logs         []string
	logGen       uint64
	closed       bool

	saveMu sync.Mutex

	// routes covers routing and command goroutines, saves covers
	// background log saves.
	routes sync.WaitGroup
	saves  sync.WaitGroup

	// goroutine ids of running route loops, where event observers run
	routeGoroutines sync.Map
}

// New builds a Scripting. It fails fast with a *ConstructionError when the
// handler is missing or the buffer cannot hold a numeric result. When ctx is
// cancelled the Scripting is closed.
func New(ctx context.Context, handler MessageHandler, opts ...Option) (*Scripting, error) {
	if handler == nil {
		return nil, &ConstructionError{Reason: "nil message handler"}
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	channel, err := NewSharedChannel(o.bufferLength, o.timeout)
	if err != nil {
		return nil, err
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	lifecycle, cancel := context.WithCancel(context.Background())
	s := &Scripting{
		id:      id,
		handler: handler,
		opts:    o,
		channel: channel,
		console: NewConsoleLog(o.consoleCapacity),
		logger:  logger.With(slog.String("scripting", id)),
		ctx:     lifecycle,
		cancel:  cancel,
	}

	if ctx.Done() != nil {
		context.AfterFunc(ctx, func() {
			_ = s.Close()
		})
	}
	return s, nil
}

// ID identifies the instance in logs.
func (s *Scripting) ID() string { return s.id }

// Console returns the captured console output of all workers.
func (s *Scripting) Console() *ConsoleLog { return s.console }

// Loaded reports whether a worker is running.
func (s *Scripting) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker != nil
}

// Logs returns the unsaved script log lines.
func (s *Scripting) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs...)
}

// Load replaces the running worker, if any, with a fresh one running
// script after the runtime and API shims. Evaluations still queued against
// the old worker settle with ErrReloaded.
func (s *Scripting) Load(script string) *Scripting {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("load after close ignored")
		return s
	}
	s.loadLocked(script)
	return s
}

func (s *Scripting) loadLocked(script string) {
	s.terminateLocked(ErrReloaded)

	w := newWorker(workerConfig{
		globals: s.opts.globals,
		logger:  s.logger,
	})
	ctx, cancel := context.WithCancel(s.ctx)
	s.worker, s.cancelWorker = w, cancel
	s.opts.metrics.workerStarted()
	w.Post(InitCommand{Channel: s.channel})
	w.Post(bootCommand{source: Bootstrap(script)})

	s.routes.Add(1)
	go s.route(ctx, w)
	s.logger.Debug("script loaded", slog.String("worker", w.ID()), slog.Int("bytes", len(script)))
}

// Main asks the worker to call the script's main function. Completion is
// only observable as a MainCompletedEvent. Without a worker it does nothing.
func (s *Scripting) Main() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker == nil {
		return
	}
	s.worker.Post(MainCommand{})
}

// EvalAsync queues expression and returns a channel that receives its
// result exactly once. An empty script is loaded first if nothing is.
func (s *Scripting) EvalAsync(expression string) <-chan EvalResult {
	entry := &evalEntry{expression: expression, result: make(chan EvalResult, 1)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		entry.settle(EvalResult{Err: ErrClosed})
		return entry.result
	}
	if s.worker == nil {
		s.loadLocked("")
	}
	s.evalQueue = append(s.evalQueue, entry)
	if len(s.evalQueue) == 1 {
		s.worker.Post(EvalCommand{Expression: expression})
	}
	return entry.result
}

// Eval evaluates expression in the worker's global scope and waits for the
// result. A cancelled ctx abandons the wait but leaves the evaluation queued.
func (s *Scripting) Eval(ctx context.Context, expression string) (any, error) {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if (w != nil && w.OnLoop()) || s.onRoute() {
		return nil, ErrDeadlock
	}

	select {
	case r := <-s.EvalAsync(expression):
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop terminates the worker. Queued evaluations settle with ErrStopped and
// the script log is saved in the background.
func (s *Scripting) Stop() {
	s.mu.Lock()
	if s.worker == nil {
		s.mu.Unlock()
		return
	}
	s.terminateLocked(ErrStopped)
	s.mu.Unlock()

	s.saveLogAsync()
}

// SaveLog persists the accumulated log lines and clears them. With nothing
// logged it returns immediately without touching the LogSaver. Lines logged
// while the save is in progress are kept for the next save.
func (s *Scripting) SaveLog(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	n, gen := len(s.logs), s.logGen
	if n == 0 {
		s.mu.Unlock()
		return nil
	}
	text := strings.Join(s.logs, "\n")
	s.mu.Unlock()

	err := s.opts.saver.SaveLog(ctx, s.opts.logFile, text)
	s.opts.metrics.logSave(err)
	if err != nil {
		return fmt.Errorf("scripting: save log: %w", err)
	}

	s.mu.Lock()
	if s.logGen == gen {
		s.logs = append([]string(nil), s.logs[n:]...)
	}
	s.mu.Unlock()
	return nil
}

// Wait blocks until background log saves have finished.
func (s *Scripting) Wait() { s.saves.Wait() }

// Close stops the worker, saves the log and waits for all goroutines the
// instance started. Queued evaluations settle with ErrClosed. Handlers that
// ignore their context delay Close until they return.
func (s *Scripting) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.terminateLocked(ErrClosed)
	s.mu.Unlock()

	s.saves.Wait()
	err := s.SaveLog(context.Background())
	s.cancel()
	// from an event observer the calling route loop exits once it returns
	if !s.onRoute() {
		s.routes.Wait()
	}
	return err
}

// onRoute reports whether the caller is a route loop goroutine.
func (s *Scripting) onRoute() bool {
	_, ok := s.routeGoroutines.Load(goroutineid.Get())
	return ok
}

func (s *Scripting) terminateLocked(reason error) {
	for _, e := range s.evalQueue {
		e.settle(EvalResult{Err: reason})
		s.opts.metrics.eval("discarded")
	}
	s.evalQueue = nil

	if s.worker == nil {
		return
	}
	s.cancelWorker()
	s.worker.Terminate()
	s.logger.Debug("worker stopped", slog.String("worker", s.worker.ID()), slog.String("reason", reason.Error()))
	s.worker, s.cancelWorker = nil, nil
}

// route drains one worker's outbox until it is terminated.
func (s *Scripting) route(ctx context.Context, w *Worker) {
	defer s.routes.Done()
	gid := goroutineid.Get()
	s.routeGoroutines.Store(gid, struct{}{})
	defer s.routeGoroutines.Delete(gid)
	for {
		select {
		case <-w.Done():
			return
		case m := <-w.Messages():
			switch msg := m.(type) {
			case Command:
				s.routes.Add(1)
				go s.serveCommand(ctx, msg)
			case Event:
				s.handleEvent(w, msg)
			}
		}
	}
}

// serveCommand answers one command through the SharedChannel. Handler
// failures become the channel's error signal and never escape.
func (s *Scripting) serveCommand(ctx context.Context, cmd Command) {
	defer s.routes.Done()
	start := time.Now()
	res := runCommand(ctx, s.handler, cmd)
	outcome := "ok"
	if res.Err != nil {
		outcome = "error"
		s.logger.Warn("command failed", slog.String("cmd", cmd.Cmd()), slog.Any("error", res.Err))
	}
	if err := s.channel.Deliver(cmd.Sequence(), res); errors.Is(err, ErrStaleReply) {
		outcome = "dropped"
		s.logger.Warn("command result dropped", slog.String("cmd", cmd.Cmd()), slog.Any("error", err))
	} else if err != nil {
		outcome = "error"
		s.logger.Warn("command result not encodable", slog.String("cmd", cmd.Cmd()), slog.Any("error", err))
	}
	s.opts.metrics.command(cmd.Cmd(), outcome, time.Since(start))
}

func (s *Scripting) handleEvent(w *Worker, ev Event) {
	s.mu.Lock()
	if s.worker != w {
		s.mu.Unlock()
		s.logger.Debug("event from replaced worker ignored", slog.String("event", ev.EventName()))
		return
	}

	switch e := ev.(type) {
	case ConsoleEvent:
		s.console.Record(e, slog.String("worker", w.ID()))
		s.opts.metrics.console(e.Type)
		s.logger.Debug("console", slog.String("type", e.Type), slog.String("message", e.Message))
	case LogEvent:
		if e.Clear {
			s.logs = nil
			s.logGen++
		}
		if e.Text != "" {
			s.logs = append(s.logs, e.Text)
		}
	case MainCompletedEvent:
		s.saveLogAsync()
	case EvalCompletedEvent:
		s.settleHeadLocked(w, EvalResult{Value: e.Result})
	case EvalFailedEvent:
		s.settleHeadLocked(w, EvalResult{Err: &EvalError{Message: e.Error}})
	case ExitEvent:
		s.exitAsync()
	default:
		s.logger.Debug("unhandled event", slog.String("event", ev.EventName()))
	}
	s.mu.Unlock()

	if s.opts.onEvent != nil {
		s.opts.onEvent(ev)
	}
}

// settleHeadLocked completes the head evaluation and dispatches the next.
func (s *Scripting) settleHeadLocked(w *Worker, r EvalResult) {
	if len(s.evalQueue) == 0 {
		s.logger.Warn("evaluation result with nothing queued")
		return
	}
	head := s.evalQueue[0]
	s.evalQueue[0] = nil
	s.evalQueue = s.evalQueue[1:]
	outcome := "completed"
	if ee, ok := r.Err.(*EvalError); ok {
		ee.Expression = head.expression
		outcome = "failed"
	}
	s.opts.metrics.eval(outcome)
	head.settle(r)

	if len(s.evalQueue) > 0 {
		if !w.Post(EvalCommand{Expression: s.evalQueue[0].expression}) {
			s.logger.Warn("worker refused evaluation", slog.String("worker", w.ID()))
		}
	}
}

func (s *Scripting) saveLogAsync() {
	s.saves.Add(1)
	go func() {
		defer s.saves.Done()
		if err := s.SaveLog(s.ctx); err != nil {
			s.logger.Warn("failed to save script log", slog.Any("error", err))
		}
	}()
}

// exitAsync saves the log then runs the exit hook, which is free to call
// Close.
func (s *Scripting) exitAsync() {
	s.saves.Add(1)
	go func() {
		func() {
			defer s.saves.Done()
			if err := s.SaveLog(s.ctx); err != nil {
				s.logger.Warn("failed to save script log on exit", slog.Any("error", err))
			}
		}()
		if s.opts.onExit != nil {
			s.opts.onExit()
		}
	}()
}
