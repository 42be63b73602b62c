// Package registers is a small register-file model that scripts can drive
// through read, write and invoke. It is loaded from TOML:
//
//	[registers]
//	speed = 10
//	enabled = true
//
//	[methods.scale]
//	interface = "IMotor"
//	expr = "reg.speed * args[0]"
//
//	[methods.header]
//	expr = "[52, 18]"
//
// Method expressions are expr-lang programs evaluated with name, args, inf
// and reg (a snapshot of the registers) in scope. A list result is returned
// as raw bytes.
package registers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var (
	// ErrUnknownRegister is returned when script reads a register that does not exist.
	ErrUnknownRegister = errors.New("unknown register")
	// ErrUnknownMethod is returned when no method matches an invoke.
	ErrUnknownMethod = errors.New("unknown method")
)

// File is the on-disk shape of a model.
type File struct {
	Registers map[string]any    `toml:"registers"`
	Methods   map[string]Method `toml:"methods,omitempty"`
}

// Method declares an invokable method. An empty Interface matches any.
type Method struct {
	Interface string `toml:"interface,omitempty"`
	Expr      string `toml:"expr"`
}

type method struct {
	Method
	name    string
	program *vm.Program
}

// Model holds register values and compiled methods. It is safe for
// concurrent use.
type Model struct {
	mu        sync.RWMutex
	registers map[string]any
	methods   map[string][]*method
}

// New returns an empty model.
func New() *Model {
	return &Model{
		registers: map[string]any{},
		methods:   map[string][]*method{},
	}
}

// Load reads a model from a TOML file.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registers file: %w", err)
	}
	defer f.Close()
	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse reads a model from TOML. Unknown keys are logged and ignored.
func Parse(r io.Reader) (*Model, error) {
	var file File
	md, err := toml.NewDecoder(r).Decode(&file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse registers: %w", err)
	}
	for _, key := range md.Undecoded() {
		slog.Warn("ignoring unknown registers key", "key", key.String())
	}

	m := New()
	maps.Copy(m.registers, file.Registers)
	for _, name := range slices.Sorted(maps.Keys(file.Methods)) {
		if err := m.Define(name, file.Methods[name]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Define compiles and adds a method, replacing any with the same name and
// interface.
func (m *Model) Define(name string, def Method) error {
	program, err := expr.Compile(def.Expr,
		expr.Env(exprEnv("", nil, "", nil)),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return fmt.Errorf("method %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	defs := slices.DeleteFunc(m.methods[name], func(d *method) bool {
		return d.Interface == def.Interface
	})
	m.methods[name] = append(defs, &method{Method: def, name: name, program: program})
	return nil
}

// Get returns a register value.
func (m *Model) Get(name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.registers[name]
	return v, ok
}

// Set stores a register value.
func (m *Model) Set(name string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registers[name] = value
}

// Snapshot returns a copy of all registers.
func (m *Model) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.registers)
}

// WriteTOML encodes the registers, in the same shape Parse reads.
func (m *Model) WriteTOML(w io.Writer) error {
	file := File{Registers: m.Snapshot()}
	if err := toml.NewEncoder(w).Encode(file); err != nil {
		return fmt.Errorf("failed to encode registers: %w", err)
	}
	return nil
}

// ScriptRead returns the value of a register.
func (m *Model) ScriptRead(ctx context.Context, name string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := m.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRegister, name)
	}
	return v, nil
}

// ScriptWrite stores a register value and reports success.
func (m *Model) ScriptWrite(ctx context.Context, name string, value any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.Set(name, value)
	return true, nil
}

// InvokeMethod runs the method matching name and inf.
func (m *Model) InvokeMethod(ctx context.Context, name string, args []any, inf string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def := m.lookup(name, inf)
	if def == nil {
		if inf == "" {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, name)
		}
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, inf, name)
	}

	out, err := expr.Run(def.program, exprEnv(name, args, inf, m.Snapshot()))
	if err != nil {
		return nil, fmt.Errorf("method %s: %w", name, err)
	}
	return toResult(out)
}

func (m *Model) lookup(name, inf string) *method {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var fallback *method
	for _, d := range m.methods[name] {
		switch d.Interface {
		case inf:
			return d
		case "":
			fallback = d
		}
	}
	return fallback
}

func exprEnv(name string, args []any, inf string, reg map[string]any) map[string]any {
	if args == nil {
		args = []any{}
	}
	if reg == nil {
		reg = map[string]any{}
	}
	return map[string]any{
		"name": name,
		"args": args,
		"inf":  inf,
		"reg":  reg,
	}
}

// toResult turns a list into raw bytes and passes anything else through.
func toResult(v any) (any, error) {
	list, ok := v.([]any)
	if !ok {
		return v, nil
	}
	out := make([]byte, len(list))
	for i, e := range list {
		switch n := e.(type) {
		case int:
			out[i] = byte(n)
		case int64:
			out[i] = byte(n)
		case float64:
			out[i] = byte(int64(n))
		default:
			return nil, fmt.Errorf("byte %d: %T is not a number", i, e)
		}
	}
	return out, nil
}
