package scripting

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped settles evaluations that were still queued when Stop was called.
	ErrStopped = errors.New("scripting: stopped")

	// ErrReloaded settles evaluations that were queued against a worker that
	// Load replaced.
	ErrReloaded = errors.New("scripting: script reloaded")

	// ErrClosed is returned by operations on a closed Scripting instance.
	ErrClosed = errors.New("scripting: closed")

	// ErrTerminated is raised inside a worker whose wait was cut short by
	// termination.
	ErrTerminated = errors.New("scripting: worker terminated")

	// ErrDeadlock is returned when a blocking call is made from the worker's
	// own goroutine or from an event observer, where it could never complete.
	ErrDeadlock = errors.New("scripting: blocking call from the script goroutine would deadlock")

	// ErrStaleReply reports a result delivered for a command that is no
	// longer the one in flight.
	ErrStaleReply = errors.New("scripting: stale reply")

	// ErrUnsupportedCommand is wrapped by CommandError for unknown cmd tags.
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// ConstructionError reports a Scripting or SharedChannel that cannot be built.
type ConstructionError struct {
	Reason string
}

func (e *ConstructionError) Error() string {
	return "scripting: cannot construct: " + e.Reason
}

// CommandError is the failure of a read, write or invoke command.
type CommandError struct {
	Cmd  string
	Name string
	Err  error
}

func (e *CommandError) Error() string {
	if errors.Is(e.Err, ErrUnsupportedCommand) {
		return "Unsupported command: " + e.Cmd
	}
	if e.Name == "" {
		return fmt.Sprintf("%s failed: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s(%s) failed: %v", e.Cmd, e.Name, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// EvalError carries the error string reported by the worker for a failed
// evaluation.
type EvalError struct {
	Expression string
	Message    string
}

func (e *EvalError) Error() string { return e.Message }
