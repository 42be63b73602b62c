package scripting

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/gc-scripting/internal/registers"
)

const testWait = 5 * time.Second

type invocation struct {
	Name string
	Args []any
	Inf  string
}

// fakeHost is a MessageHandler over an in-memory register file.
type fakeHost struct {
	mu          sync.Mutex
	registers   map[string]any
	invocations []invocation
	invokeValue any

	inflight    atomic.Int32
	maxInflight atomic.Int32

	// release unblocks reads of "slow"; nil blocks them until the worker goes
	release chan struct{}
}

func newFakeHost() *fakeHost {
	return &fakeHost{registers: map[string]any{}}
}

func (h *fakeHost) enter() func() {
	n := h.inflight.Add(1)
	for {
		m := h.maxInflight.Load()
		if n <= m || h.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { h.inflight.Add(-1) }
}

func (h *fakeHost) ScriptRead(ctx context.Context, name string) (any, error) {
	defer h.enter()()
	switch name {
	case "slow":
		select {
		case <-h.release:
			return 99, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case "missing":
		return nil, errors.New("no such register")
	}
	time.Sleep(time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registers[name], nil
}

func (h *fakeHost) ScriptWrite(_ context.Context, name string, value any) (any, error) {
	defer h.enter()()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registers[name] = value
	return true, nil
}

func (h *fakeHost) InvokeMethod(_ context.Context, name string, args []any, inf string) (any, error) {
	defer h.enter()()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invocations = append(h.invocations, invocation{Name: name, Args: args, Inf: inf})
	return h.invokeValue, nil
}

func (h *fakeHost) set(name string, v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registers[name] = v
}

func (h *fakeHost) get(name string) any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registers[name]
}

type memorySaver struct {
	mu    sync.Mutex
	saves []string
	names []string
}

func (m *memorySaver) SaveLog(_ context.Context, name, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, text)
	m.names = append(m.names, name)
	return nil
}

func (m *memorySaver) Saves() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.saves...)
}

type harness struct {
	s      *Scripting
	host   *fakeHost
	saver  *memorySaver
	events chan Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		host:   newFakeHost(),
		saver:  &memorySaver{},
		events: make(chan Event, 1024),
	}
	opts = append([]Option{
		WithLogSaver(h.saver),
		WithOnEvent(func(ev Event) {
			select {
			case h.events <- ev:
			default:
			}
		}),
	}, opts...)
	s, err := New(context.Background(), h.host, opts...)
	require.NoError(t, err)
	h.s = s
	t.Cleanup(func() { _ = s.Close() })
	return h
}

func (h *harness) eval(t *testing.T, expression string) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	return h.s.Eval(ctx, expression)
}

func (h *harness) mustEval(t *testing.T, expression string) any {
	t.Helper()
	v, err := h.eval(t, expression)
	require.NoError(t, err, expression)
	return v
}

// awaitEvent returns the first event with the given name.
func (h *harness) awaitEvent(t *testing.T, name string) Event {
	t.Helper()
	timer := time.NewTimer(testWait)
	defer timer.Stop()
	for {
		select {
		case ev := <-h.events:
			if ev.EventName() == name {
				return ev
			}
		case <-timer.C:
			t.Fatalf("timed out waiting for %s event", name)
			return nil
		}
	}
}

// collectEvents returns the next n events whose names are in names.
func (h *harness) collectEvents(t *testing.T, n int, names ...string) []Event {
	t.Helper()
	timer := time.NewTimer(testWait)
	defer timer.Stop()
	var out []Event
	for len(out) < n {
		select {
		case ev := <-h.events:
			if slices.Contains(names, ev.EventName()) {
				out = append(out, ev)
			}
		case <-timer.C:
			t.Fatalf("timed out with %d of %d events", len(out), n)
		}
	}
	return out
}

func (h *harness) consoleContains(substr string) bool {
	return len(h.s.Console().Search(substr)) > 0
}

func TestNew_ConstructionErrors(t *testing.T) {
	var ce *ConstructionError

	_, err := New(context.Background(), nil)
	require.ErrorAs(t, err, &ce)

	_, err = New(context.Background(), newFakeHost(), WithBufferLength(4))
	require.ErrorAs(t, err, &ce)

	_, err = New(context.Background(), newFakeHost(), WithTimeout(-time.Second))
	require.ErrorAs(t, err, &ce)
}

func TestScripting_EvalLoadsEmptyScript(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.s.Loaded())

	assert.EqualValues(t, 2, h.mustEval(t, "1+1"))
	assert.True(t, h.s.Loaded())
}

func TestScripting_EvalOrder(t *testing.T) {
	h := newHarness(t)
	h.s.Load("")

	first := h.s.EvalAsync("1+1")
	second := h.s.EvalAsync("2+2")
	third := h.s.EvalAsync("bad syntax !!!")

	evs := h.collectEvents(t, 3, "EvalCompleted", "EvalFailed")
	assert.Equal(t, EvalCompletedEvent{Result: int64(2)}, evs[0])
	assert.Equal(t, EvalCompletedEvent{Result: int64(4)}, evs[1])
	assert.IsType(t, EvalFailedEvent{}, evs[2])

	r := <-first
	require.NoError(t, r.Err)
	assert.EqualValues(t, 2, r.Value)

	r = <-second
	require.NoError(t, r.Err)
	assert.EqualValues(t, 4, r.Value)

	r = <-third
	var ee *EvalError
	require.ErrorAs(t, r.Err, &ee)
	assert.Equal(t, "bad syntax !!!", ee.Expression)
	assert.Contains(t, ee.Message, "SyntaxError")
	assert.True(t, h.consoleContains("SyntaxError"))
}

func TestScripting_SequentialReads(t *testing.T) {
	h := newHarness(t)
	for i := range 5 {
		h.host.set(fmt.Sprintf("r%d", i), i*10)
	}
	h.s.Load(`
function sum() {
    var total = 0;
    for (var i = 0; i < 5; i++) {
        total += read('r' + i);
    }
    return total;
}`)

	assert.EqualValues(t, 100, h.mustEval(t, "sum()"))
	assert.EqualValues(t, 1, h.host.maxInflight.Load(), "at most one command in flight")
	assert.True(t, h.consoleContains("read(r3) => 30"))
}

func TestScripting_ReadAtTopLevel(t *testing.T) {
	h := newHarness(t)
	h.host.set("r1", 10)
	h.s.Load(`var start = read('r1');`)

	assert.EqualValues(t, 10, h.mustEval(t, "start"))
}

func TestScripting_ReadArrayRegister(t *testing.T) {
	h := newHarness(t)
	h.host.set("header", []any{int64(0x34), int64(0x12)})
	h.host.set("bad", []any{int64(1), "x"})

	assert.EqualValues(t, 0x1234, h.mustEval(t, "read('header')"))

	_, err := h.eval(t, "read('bad')")
	var ee *EvalError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Message, `Error executing {"cmd":"read","name":"bad"}`)
}

func TestScripting_RegisterModelArrays(t *testing.T) {
	model, err := registers.Parse(strings.NewReader("[registers]\nheader = [0x34, 0x12]\n"))
	require.NoError(t, err)
	s, err := New(context.Background(), model, WithLogSaver(&memorySaver{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	v, err := s.Eval(ctx, "read('header')")
	require.NoError(t, err)
	assert.EqualValues(t, 0x1234, v)

	_, err = s.Eval(ctx, "write('pair', [1, 2])")
	require.NoError(t, err)
	v, err = s.Eval(ctx, "read('pair')")
	require.NoError(t, err)
	assert.EqualValues(t, 0x0201, v)
}

func TestScripting_Write(t *testing.T) {
	h := newHarness(t)

	assert.EqualValues(t, 1, h.mustEval(t, "write('x', 7)"))
	assert.Equal(t, int64(7), h.host.get("x"))
	assert.True(t, h.consoleContains("write(x, 7) => 1"))
}

func TestScripting_Invoke(t *testing.T) {
	h := newHarness(t)
	h.host.invokeValue = []byte{0x34, 0x12}

	t.Run("by name", func(t *testing.T) {
		assert.EqualValues(t, 0x1234, h.mustEval(t, "invoke('foo', [1, 2], 'IfaceA')"))
		assert.True(t, h.consoleContains("invoke(foo, [1,2], IfaceA) => 0x1234"))
	})

	t.Run("by interface", func(t *testing.T) {
		assert.EqualValues(t, 0x12, h.mustEval(t, "invoke('IfaceA', 'foo', [1, 2])[1]"))
		assert.EqualValues(t, 256, h.mustEval(t, "invoke('IfaceA', 'foo', [1, 2]).length"))
	})

	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	want := invocation{Name: "foo", Args: []any{int64(1), int64(2)}, Inf: "IfaceA"}
	assert.Equal(t, []invocation{want, want, want}, h.host.invocations)
}

func TestScripting_CommandFailure(t *testing.T) {
	h := newHarness(t)

	_, err := h.eval(t, "read('missing')")
	var ee *EvalError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Message, `Error executing {"cmd":"read","name":"missing"}`)

	// the script can recover and carry on
	v := h.mustEval(t, "(function() { try { read('missing'); return 0; } catch (e) { return 1; } })()")
	assert.EqualValues(t, 1, v)
}

func TestScripting_UnsupportedCommand(t *testing.T) {
	h := newHarness(t)

	_, err := h.eval(t, "Runtime.execute({cmd: 'frob'})")
	var ee *EvalError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Message, `Error executing {"cmd":"frob"}`)
}

func TestScripting_Timeout(t *testing.T) {
	h := newHarness(t, WithTimeout(50*time.Millisecond))
	h.host.release = make(chan struct{})
	h.host.set("fast", 5)

	start := time.Now()
	assert.EqualValues(t, 0, h.mustEval(t, "read('slow')"))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, h.consoleContains("Script timeout while waiting for result!"))

	assert.EqualValues(t, 5, h.mustEval(t, "read('fast')"))

	// the late reply must not leak into later commands
	close(h.host.release)
	assert.EqualValues(t, 5, h.mustEval(t, "read('fast')"))
}

func TestScripting_Main(t *testing.T) {
	t.Run("throwing main still completes", func(t *testing.T) {
		h := newHarness(t)
		h.s.Load(`function main() { throw new Error('boom'); }`)
		h.s.Main()

		h.awaitEvent(t, "MainCompleted")
		assert.True(t, h.consoleContains("Error: boom"))
		assert.EqualValues(t, 3, h.mustEval(t, "1+2"))
	})

	t.Run("missing main", func(t *testing.T) {
		h := newHarness(t)
		h.s.Load(`var x = 1;`)
		h.s.Main()

		h.awaitEvent(t, "MainCompleted")
		assert.True(t, h.consoleContains("ReferenceError: main is not defined"))
	})

	t.Run("saves the log", func(t *testing.T) {
		h := newHarness(t)
		h.s.Load(`function main() { log('x'); }`)
		h.s.Main()

		h.awaitEvent(t, "MainCompleted")
		h.s.Wait()
		assert.Equal(t, []string{"x"}, h.saver.Saves())
	})

	t.Run("without a worker", func(t *testing.T) {
		h := newHarness(t)
		h.s.Main()
		assert.False(t, h.s.Loaded())
	})
}

func TestScripting_StopAndReload(t *testing.T) {
	h := newHarness(t)
	h.s.Load("")

	blocked := h.s.EvalAsync("read('slow')")
	queued := h.s.EvalAsync("1")
	h.s.Stop()
	h.s.Stop()

	assert.ErrorIs(t, (<-blocked).Err, ErrStopped)
	assert.ErrorIs(t, (<-queued).Err, ErrStopped)
	assert.False(t, h.s.Loaded())

	h.s.Load("")
	assert.EqualValues(t, 42, h.mustEval(t, "40+2"))
}

func TestScripting_LoadReplacesWorker(t *testing.T) {
	h := newHarness(t)
	h.s.Load("var version = 1;")

	blocked := h.s.EvalAsync("read('slow')")
	h.s.Load("var version = 2;")

	assert.ErrorIs(t, (<-blocked).Err, ErrReloaded)
	assert.EqualValues(t, 2, h.mustEval(t, "version"))
}

func TestScripting_SaveLog(t *testing.T) {
	h := newHarness(t)

	h.mustEval(t, "log('a'); log('b')")
	assert.Equal(t, []string{"a", "b"}, h.s.Logs())

	require.NoError(t, h.s.SaveLog(context.Background()))
	assert.Equal(t, []string{"a\nb"}, h.saver.Saves())
	assert.Empty(t, h.s.Logs())

	require.NoError(t, h.s.SaveLog(context.Background()))
	assert.Len(t, h.saver.Saves(), 1, "nothing to save")

	h.mustEval(t, "log('a'); log('c', true)")
	assert.Equal(t, []string{"c"}, h.s.Logs())
}

func TestScripting_SaveLogError(t *testing.T) {
	boom := errors.New("disk full")
	s, err := New(context.Background(), newFakeHost(), WithLogSaver(LogSaverFunc(func(context.Context, string, string) error {
		return boom
	})))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	_, err = s.Eval(ctx, "log('kept')")
	require.NoError(t, err)

	require.ErrorIs(t, s.SaveLog(ctx), boom)
	assert.Equal(t, []string{"kept"}, s.Logs())
}

func TestScripting_Exit(t *testing.T) {
	exited := make(chan struct{})
	h := newHarness(t, WithOnExit(func() { close(exited) }), WithLogFile("custom.log"))

	h.mustEval(t, "log('bye'); exit()")
	select {
	case <-exited:
	case <-time.After(testWait):
		t.Fatal("exit hook not called")
	}
	assert.Equal(t, []string{"bye"}, h.saver.Saves())
	h.saver.mu.Lock()
	assert.Equal(t, []string{"custom.log"}, h.saver.names)
	h.saver.mu.Unlock()
}

func TestScripting_ConsoleCapture(t *testing.T) {
	h := newHarness(t)

	h.mustEval(t, "console.warn('careful', 1)")
	entries := h.s.Console().Search("careful")
	require.Len(t, entries, 1)
	assert.Equal(t, "careful 1", entries[0].Message)
	assert.Equal(t, "warn", entries[0].Type)
}

func TestScripting_DeadlockGuard(t *testing.T) {
	var s *Scripting
	h := newHarness(t, WithGlobals(map[string]any{
		"nested": func() string {
			_, err := s.Eval(context.Background(), "1")
			return err.Error()
		},
	}))
	s = h.s

	assert.Equal(t, ErrDeadlock.Error(), h.mustEval(t, "nested()"))
}

func TestScripting_OnEventEvalDeadlock(t *testing.T) {
	got := make(chan error, 1)
	var s *Scripting
	h := newHarness(t, WithOnEvent(func(ev Event) {
		if _, ok := ev.(MainCompletedEvent); ok {
			_, err := s.Eval(context.Background(), "1")
			got <- err
		}
	}))
	s = h.s

	h.s.Load("function main() {}").Main()
	select {
	case err := <-got:
		require.ErrorIs(t, err, ErrDeadlock)
	case <-time.After(testWait):
		t.Fatal("observer not called")
	}
}

func TestScripting_OnEventClose(t *testing.T) {
	closed := make(chan error, 1)
	var s *Scripting
	saver := &memorySaver{}
	s, err := New(context.Background(), newFakeHost(), WithLogSaver(saver), WithOnEvent(func(ev Event) {
		if _, ok := ev.(MainCompletedEvent); ok {
			closed <- s.Close()
		}
	}))
	require.NoError(t, err)

	s.Load("function main() { log('done'); }").Main()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(testWait):
		t.Fatal("Close from an event observer did not return")
	}
	assert.False(t, s.Loaded())
	assert.Contains(t, saver.Saves(), "done")
	_, err = s.Eval(context.Background(), "1")
	require.ErrorIs(t, err, ErrClosed)
}

func TestScripting_EvalContextCancelled(t *testing.T) {
	h := newHarness(t)
	h.s.Load("")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.s.Eval(ctx, "read('slow')")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScripting_Close(t *testing.T) {
	h := newHarness(t)
	h.s.Load("")
	blocked := h.s.EvalAsync("log('pending'); read('slow')")

	// the log line arrives before the read blocks
	h.awaitEvent(t, "Log")
	require.NoError(t, h.s.Close())
	require.NoError(t, h.s.Close())

	assert.ErrorIs(t, (<-blocked).Err, ErrClosed)
	assert.Equal(t, []string{"pending"}, h.saver.Saves())

	_, err := h.eval(t, "1")
	assert.ErrorIs(t, err, ErrClosed)

	h.s.Load("")
	assert.False(t, h.s.Loaded())
}

func TestScripting_ContextClosesInstance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(ctx, newFakeHost(), WithLogSaver(&memorySaver{}))
	require.NoError(t, err)
	s.Load("")

	cancel()
	assert.Eventually(t, func() bool {
		r := <-s.EvalAsync("1")
		return errors.Is(r.Err, ErrClosed)
	}, testWait, 10*time.Millisecond)
}
