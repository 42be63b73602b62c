package scripting

import (
	"context"
	"fmt"
)

// MessageHandler answers the commands script issues. It is the binding layer
// that owns the named values script reads and writes.
//
// Results are encoded into the SharedChannel. Arrays ([]byte, []int,
// []int64, []float64, or []any of numbers, as exported from script or
// decoded from TOML) are copied one byte per element; an array with a
// non-numeric element fails the command. bool and numbers use the 8-byte
// encoding, and anything else (including nil) yields a zeroed buffer. A
// returned error is thrown into script as a failed command.
//
// Implementations must be safe for concurrent use and should return once ctx
// is done; ctx ends when the worker that issued the command is terminated.
type MessageHandler interface {
	ScriptRead(ctx context.Context, name string) (any, error)
	ScriptWrite(ctx context.Context, name string, value any) (any, error)
	InvokeMethod(ctx context.Context, name string, args []any, inf string) (any, error)
}

// HandlerFuncs adapts plain functions to MessageHandler. A nil function
// fails its command.
type HandlerFuncs struct {
	Read   func(ctx context.Context, name string) (any, error)
	Write  func(ctx context.Context, name string, value any) (any, error)
	Invoke func(ctx context.Context, name string, args []any, inf string) (any, error)
}

var _ MessageHandler = HandlerFuncs{}

func (h HandlerFuncs) ScriptRead(ctx context.Context, name string) (any, error) {
	if h.Read == nil {
		return nil, fmt.Errorf("read is not supported")
	}
	return h.Read(ctx, name)
}

func (h HandlerFuncs) ScriptWrite(ctx context.Context, name string, value any) (any, error) {
	if h.Write == nil {
		return nil, fmt.Errorf("write is not supported")
	}
	return h.Write(ctx, name, value)
}

func (h HandlerFuncs) InvokeMethod(ctx context.Context, name string, args []any, inf string) (any, error) {
	if h.Invoke == nil {
		return nil, fmt.Errorf("invoke is not supported")
	}
	return h.Invoke(ctx, name, args, inf)
}

// runCommand dispatches cmd to handler. Panics are returned as errors.
func runCommand(ctx context.Context, handler MessageHandler, cmd Command) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: &CommandError{Cmd: cmd.Cmd(), Err: fmt.Errorf("handler panicked: %v", r)}}
		}
	}()

	var (
		name  string
		value any
		err   error
	)
	switch c := cmd.(type) {
	case ReadCommand:
		name = c.Name
		value, err = handler.ScriptRead(ctx, c.Name)
	case WriteCommand:
		name = c.Name
		value, err = handler.ScriptWrite(ctx, c.Name, c.Value)
	case InvokeCommand:
		name = c.Name
		value, err = handler.InvokeMethod(ctx, c.Name, c.Args, c.Inf)
	default:
		err = ErrUnsupportedCommand
	}
	if err != nil {
		return Result{Err: &CommandError{Cmd: cmd.Cmd(), Name: name, Err: err}}
	}
	return Result{Value: value}
}
