package scripting

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/google/uuid"

	"github.com/joeycumines/gc-scripting/internal/goroutineid"
)

// outboxSize is how many messages a worker can post before it waits for the
// controller to drain them.
const outboxSize = 64

// Worker is an isolated execution context: one goja VM owned by one event
// loop goroutine. The controller talks to it only through Post, and it talks
// back only through Messages, apart from the SharedChannel it is handed by
// InitCommand.
//
// goja.Runtime is not goroutine-safe, so every VM access happens in a job
// scheduled on the loop. A job blocked in read, write or invoke blocks the
// whole worker, which is what makes the API synchronous from script.
type Worker struct {
	id     string
	loop   *eventloop.EventLoop
	logger *slog.Logger

	outbox    chan Message
	done      chan struct{}
	closeOnce sync.Once

	// vm is captured by the first job so Terminate can interrupt it from
	// another goroutine.
	vm           atomic.Pointer[goja.Runtime]
	loopGoroutID atomic.Int64

	// only touched on the loop goroutine
	channel *SharedChannel
	seq     uint64
}

type workerConfig struct {
	globals map[string]any
	logger  *slog.Logger
}

// newWorker starts the event loop and schedules the environment setup. The
// program itself arrives as a bootCommand, after InitCommand, so top level
// script can already use the SharedChannel.
func newWorker(cfg workerConfig) *Worker {
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		id:     uuid.NewString(),
		outbox: make(chan Message, outboxSize),
		done:   make(chan struct{}),
	}
	w.logger = logger.With(slog.String("worker", w.id))

	w.loop = eventloop.NewEventLoop(eventloop.EnableConsole(false))
	w.loop.Start()

	if !w.loop.RunOnLoop(func(vm *goja.Runtime) { w.setup(vm, cfg) }) {
		w.logger.Error("event loop refused setup job")
		w.Terminate()
	}
	return w
}

// ID identifies the worker in logs.
func (w *Worker) ID() string { return w.id }

// Messages is the worker's outbox.
func (w *Worker) Messages() <-chan Message { return w.outbox }

// Done is closed once the worker is terminated.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Terminated reports whether Terminate has been called.
func (w *Worker) Terminated() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// OnLoop reports whether the caller is running on the worker's goroutine.
func (w *Worker) OnLoop() bool {
	id := w.loopGoroutID.Load()
	return id != 0 && id == goroutineid.Get()
}

// Post schedules a control command. It never blocks and returns false once
// the worker is gone.
func (w *Worker) Post(cmd Control) bool {
	if w.Terminated() {
		return false
	}
	return w.loop.RunOnLoop(func(vm *goja.Runtime) { w.handle(vm, cmd) })
}

// Terminate stops the worker without waiting for it: any pending wait is
// released, running script is interrupted and the loop is told to stop.
// It is safe to call more than once.
func (w *Worker) Terminate() {
	w.closeOnce.Do(func() {
		close(w.done)
		if vm := w.vm.Load(); vm != nil {
			vm.Interrupt(ErrTerminated)
		}
		w.loop.StopNoWait()
		w.logger.Debug("worker terminated")
	})
}

func (w *Worker) setup(vm *goja.Runtime, cfg workerConfig) {
	w.vm.Store(vm)
	w.loopGoroutID.Store(goroutineid.Get())
	if w.Terminated() {
		vm.Interrupt(ErrTerminated)
		return
	}

	// no module system, no host process
	for _, name := range []string{"require", "process", "module", "exports"} {
		_ = vm.Set(name, goja.Undefined())
	}
	_ = vm.Set("console", w.newConsole(vm))
	_ = vm.Set(hostGlobal, w.newHost(vm))
	for name, value := range cfg.globals {
		if err := vm.Set(name, value); err != nil {
			w.logger.Warn("failed to set global", slog.String("name", name), slog.Any("error", err))
		}
	}
}

// boot runs the bootstrap program. Failures are posted as console errors,
// as they would be for any other script exception.
func (w *Worker) boot(vm *goja.Runtime, source string) {
	prg, err := goja.Compile("userscript.js", source, false)
	if err != nil {
		w.emit(ConsoleEvent{Message: errorString(err), Type: "error"})
		return
	}
	if _, err := vm.RunProgram(prg); err != nil {
		w.emit(ConsoleEvent{Message: errorString(err), Type: "error"})
	}
}

func (w *Worker) handle(vm *goja.Runtime, cmd Control) {
	if w.Terminated() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker job panicked", slog.String("control", cmd.control()), slog.Any("panic", r))
			w.emit(ConsoleEvent{Message: fmt.Sprintf("internal error: %v", r), Type: "error"})
		}
	}()

	switch c := cmd.(type) {
	case InitCommand:
		w.channel = c.Channel
	case bootCommand:
		w.boot(vm, c.source)
	case MainCommand:
		w.runMain(vm)
	case EvalCommand:
		w.runEval(vm, c.Expression)
	}
}

func (w *Worker) runMain(vm *goja.Runtime) {
	defer w.emit(MainCompletedEvent{})

	main, ok := goja.AssertFunction(vm.Get("main"))
	if !ok {
		w.emit(ConsoleEvent{Message: "ReferenceError: main is not defined", Type: "error"})
		return
	}
	if _, err := main(goja.Undefined()); err != nil {
		w.emit(ConsoleEvent{Message: errorString(err), Type: "error"})
	}
}

func (w *Worker) runEval(vm *goja.Runtime, expression string) {
	v, err := vm.RunString(expression)
	if err != nil {
		msg := errorString(err)
		w.emit(EvalFailedEvent{Error: msg})
		w.emit(ConsoleEvent{Message: msg, Type: "error"})
		return
	}
	w.emit(EvalCompletedEvent{Result: export(v)})
}

// emit posts a message to the controller, giving up if the worker is
// terminated while the outbox is full.
func (w *Worker) emit(m Message) {
	select {
	case w.outbox <- m:
	case <-w.done:
	}
}

// newHost builds the primitives RuntimeShim is written against.
func (w *Worker) newHost(vm *goja.Runtime) *goja.Object {
	host := vm.NewObject()

	requireChannel := func() *SharedChannel {
		if w.Terminated() {
			panic(vm.NewGoError(ErrTerminated))
		}
		if w.channel == nil {
			panic(vm.NewTypeError("scripting runtime is not initialized"))
		}
		return w.channel
	}

	// 0 selects the channel's own timeout; init has not happened yet
	_ = host.Set("timeout", 0)

	_ = host.Set("reset", func() {
		seq, err := requireChannel().ResetUnless(w.done)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		w.seq = seq
	})
	_ = host.Set("post", func(call goja.FunctionCall) goja.Value {
		if w.Terminated() {
			panic(vm.NewGoError(ErrTerminated))
		}
		msg, ok := decodeMessage(vm, call.Argument(0), w.seq)
		if !ok {
			w.logger.Debug("dropping message without cmd or event", slog.String("message", call.Argument(0).String()))
			return goja.Undefined()
		}
		w.emit(msg)
		return goja.Undefined()
	})
	_ = host.Set("wait", func(call goja.FunctionCall) goja.Value {
		ch := requireChannel()
		var timeout time.Duration
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			timeout = time.Duration(arg.ToInteger()) * time.Millisecond
		}
		status, err := ch.Await(timeout, w.done)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(status.String())
	})
	_ = host.Set("failed", func() bool {
		return requireChannel().Failed()
	})
	_ = host.Set("buffer", func() goja.Value {
		return vm.ToValue(vm.NewArrayBuffer(requireChannel().Bytes()))
	})
	return host
}

func (w *Worker) newConsole(vm *goja.Runtime) *goja.Object {
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			w.emit(ConsoleEvent{Message: strings.Join(parts, " "), Type: level})
			return goja.Undefined()
		})
	}
	return console
}

// decodeMessage classifies a posted object by shape: a cmd field makes it a
// Command, an event field an Event.
func decodeMessage(vm *goja.Runtime, v goja.Value, seq uint64) (Message, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	obj := v.ToObject(vm)

	if cmd := obj.Get("cmd"); isSet(cmd) {
		switch tag := cmd.String(); tag {
		case "read":
			return ReadCommand{Seq: seq, Name: stringOf(obj.Get("name"))}, true
		case "write":
			return WriteCommand{Seq: seq, Name: stringOf(obj.Get("name")), Value: export(obj.Get("value"))}, true
		case "invoke":
			return InvokeCommand{
				Seq:  seq,
				Name: stringOf(obj.Get("name")),
				Args: exportArgs(obj.Get("args")),
				Inf:  stringOf(obj.Get("inf")),
			}, true
		default:
			return UnsupportedCommand{Seq: seq, Tag: tag}, true
		}
	}

	event := obj.Get("event")
	if !isSet(event) {
		return nil, false
	}
	var detail *goja.Object
	if d := obj.Get("detail"); isSet(d) {
		detail = d.ToObject(vm)
	}
	field := func(name string) goja.Value {
		if detail == nil {
			return nil
		}
		return detail.Get(name)
	}

	switch name := event.String(); name {
	case "Console":
		typ := stringOf(field("type"))
		if typ == "" {
			typ = "log"
		}
		return ConsoleEvent{Message: stringOf(field("message")), Type: typ}, true
	case "Log":
		clear := field("clear")
		return LogEvent{Text: stringOf(field("text")), Clear: isSet(clear) && clear.ToBoolean()}, true
	case "MainCompleted":
		return MainCompletedEvent{}, true
	case "EvalCompleted":
		return EvalCompletedEvent{Result: export(field("result"))}, true
	case "EvalFailed":
		return EvalFailedEvent{Error: stringOf(field("error"))}, true
	case "Exit":
		return ExitEvent{}, true
	default:
		return UnknownEvent{Name: name}, true
	}
}

func isSet(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

func stringOf(v goja.Value) string {
	if !isSet(v) {
		return ""
	}
	return v.String()
}

func export(v goja.Value) any {
	if !isSet(v) {
		return nil
	}
	return v.Export()
}

func exportArgs(v goja.Value) []any {
	switch a := export(v).(type) {
	case nil:
		return nil
	case []any:
		return a
	default:
		return []any{a}
	}
}

// errorString renders a script failure the way toString() would.
func errorString(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value().String()
	}
	return err.Error()
}
