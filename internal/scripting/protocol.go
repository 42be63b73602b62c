package scripting

// Message is anything a worker posts to its controller. Commands expect
// exactly one reply through the SharedChannel; events expect none.
type Message interface {
	isMessage()
}

// Command is a request from script that the controller answers through the
// SharedChannel.
type Command interface {
	Message
	// Cmd is the wire tag: read, write, invoke or whatever script sent.
	Cmd() string
	// Sequence is the SharedChannel sequence the command was issued under.
	Sequence() uint64
}

// Event is a fire-and-forget notification from a worker.
type Event interface {
	Message
	// EventName is the wire tag, e.g. "Console" or "EvalCompleted".
	EventName() string
}

// ReadCommand asks the message handler for the value of Name.
type ReadCommand struct {
	Seq  uint64
	Name string
}

// WriteCommand asks the message handler to store Value under Name.
type WriteCommand struct {
	Seq   uint64
	Name  string
	Value any
}

// InvokeCommand asks the message handler to call method Name of interface Inf.
type InvokeCommand struct {
	Seq  uint64
	Name string
	Args []any
	Inf  string
}

// UnsupportedCommand is a command whose tag the protocol does not know.
type UnsupportedCommand struct {
	Seq uint64
	Tag string
}

func (ReadCommand) isMessage()        {}
func (WriteCommand) isMessage()       {}
func (InvokeCommand) isMessage()      {}
func (UnsupportedCommand) isMessage() {}

func (ReadCommand) Cmd() string          { return "read" }
func (WriteCommand) Cmd() string         { return "write" }
func (InvokeCommand) Cmd() string        { return "invoke" }
func (c UnsupportedCommand) Cmd() string { return c.Tag }

func (c ReadCommand) Sequence() uint64        { return c.Seq }
func (c WriteCommand) Sequence() uint64       { return c.Seq }
func (c InvokeCommand) Sequence() uint64      { return c.Seq }
func (c UnsupportedCommand) Sequence() uint64 { return c.Seq }

// ConsoleEvent is a line of console output. Type is the console method
// (log, info, warn, error, debug).
type ConsoleEvent struct {
	Message string
	Type    string
}

// LogEvent appends Text to the script log, after clearing it when Clear is set.
type LogEvent struct {
	Text  string
	Clear bool
}

// MainCompletedEvent follows every main command, even one that threw.
type MainCompletedEvent struct{}

// EvalCompletedEvent settles the head evaluation with Result.
type EvalCompletedEvent struct {
	Result any
}

// EvalFailedEvent settles the head evaluation with Error.
type EvalFailedEvent struct {
	Error string
}

// ExitEvent is posted by exit().
type ExitEvent struct{}

// UnknownEvent is an event tag the controller does not handle.
type UnknownEvent struct {
	Name string
}

func (ConsoleEvent) isMessage()       {}
func (LogEvent) isMessage()           {}
func (MainCompletedEvent) isMessage() {}
func (EvalCompletedEvent) isMessage() {}
func (EvalFailedEvent) isMessage()    {}
func (ExitEvent) isMessage()          {}
func (UnknownEvent) isMessage()       {}

func (ConsoleEvent) EventName() string       { return "Console" }
func (LogEvent) EventName() string           { return "Log" }
func (MainCompletedEvent) EventName() string { return "MainCompleted" }
func (EvalCompletedEvent) EventName() string { return "EvalCompleted" }
func (EvalFailedEvent) EventName() string    { return "EvalFailed" }
func (ExitEvent) EventName() string          { return "Exit" }
func (e UnknownEvent) EventName() string     { return e.Name }

// Control is a command from the controller to a worker.
type Control interface {
	control() string
}

// InitCommand hands the worker its SharedChannel. It is always the first
// control a worker receives.
type InitCommand struct {
	Channel *SharedChannel
}

// MainCommand calls the script's global main function.
type MainCommand struct{}

// EvalCommand evaluates Expression in the worker's global scope.
type EvalCommand struct {
	Expression string
}

// bootCommand runs the assembled program. The controller sends it right
// after InitCommand.
type bootCommand struct {
	source string
}

func (InitCommand) control() string { return "init" }
func (bootCommand) control() string { return "boot" }
func (MainCommand) control() string { return "main" }
func (EvalCommand) control() string { return "eval" }
