package scripting

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Lock word values. Anything other than lockIdle and lockFailed means a
// command is in flight.
const (
	lockIdle    int32 = 0
	lockFailed  int32 = -1
	lockPending int32 = 1
)

// DefaultTimeout bounds how long a script waits for a command result.
const DefaultTimeout = 10 * time.Second

// AwaitStatus is the outcome of SharedChannel.Await.
type AwaitStatus int

const (
	// AwaitOK means the lock left the pending state.
	AwaitOK AwaitStatus = iota
	// AwaitTimedOut means the wait gave up before any reply.
	AwaitTimedOut
)

// String returns the status name the runtime shim compares against.
func (s AwaitStatus) String() string {
	if s == AwaitOK {
		return "ok"
	}
	return "timed-out"
}

// Result is what a MessageHandler produced for one command: a value to
// encode into the buffer, or an error to signal.
type Result struct {
	Value any
	Err   error
}

// SharedChannel is the single-slot rendezvous between a worker blocked inside
// read, write or invoke and the controller computing the reply. It is
// allocated once per Scripting and reused by every worker it loads.
//
// Only one command may be in flight. Each Reset starts a new sequence, and
// replies carrying an older sequence are dropped, so a reply that arrives
// after its command timed out can never satisfy the next one.
type SharedChannel struct {
	lock    atomic.Int32
	seq     atomic.Uint64
	timeout time.Duration

	// mu orders buffer writes against Reset and Bytes.
	mu  sync.Mutex
	buf []byte

	wake chan struct{}
}

// NewSharedChannel allocates the lock word and a bufferLength byte buffer.
// A timeout of zero selects DefaultTimeout.
func NewSharedChannel(bufferLength int, timeout time.Duration) (*SharedChannel, error) {
	if bufferLength < ResultSize {
		return nil, &ConstructionError{Reason: fmt.Sprintf("buffer length %d is smaller than %d bytes", bufferLength, ResultSize)}
	}
	if timeout < 0 {
		return nil, &ConstructionError{Reason: fmt.Sprintf("negative timeout %v", timeout)}
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &SharedChannel{
		timeout: timeout,
		buf:     make([]byte, bufferLength),
		wake:    make(chan struct{}, 1),
	}, nil
}

// Len returns the buffer length in bytes.
func (c *SharedChannel) Len() int { return len(c.buf) }

// Timeout returns the default wait timeout.
func (c *SharedChannel) Timeout() time.Duration { return c.timeout }

// Sequence returns the sequence of the command currently in flight.
func (c *SharedChannel) Sequence() uint64 { return c.seq.Load() }

// Reset zeroes the buffer, marks the lock pending and returns the sequence
// number the next command must carry.
func (c *SharedChannel) Reset() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetLocked()
}

// ResetUnless is Reset on behalf of a worker whose termination closes done.
// Once done is closed it fails with ErrTerminated and leaves the channel to
// whichever worker replaced the caller.
func (c *SharedChannel) ResetUnless(done <-chan struct{}) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-done:
		return 0, ErrTerminated
	default:
	}
	return c.resetLocked(), nil
}

func (c *SharedChannel) resetLocked() uint64 {
	clear(c.buf)
	select {
	case <-c.wake:
	default:
	}
	seq := c.seq.Add(1)
	c.lock.Store(lockPending)
	return seq
}

// Signal settles command seq as succeeded or failed and wakes the waiter.
func (c *SharedChannel) Signal(seq uint64, ok bool) error {
	defer c.notify()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSeq(seq); err != nil {
		return err
	}
	c.settle(ok)
	return nil
}

// Deliver encodes res into the buffer and settles command seq. A failed
// result leaves the buffer untouched. Arrays are copied verbatim one byte
// per element, booleans and numbers use the 8-byte encoding, and any other
// value leaves the buffer zeroed. An array that does not fit, or holds a
// non-numeric element, fails the command. The waiter is woken whatever the
// outcome.
func (c *SharedChannel) Deliver(seq uint64, res Result) error {
	defer c.notify()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkSeq(seq); err != nil {
		return err
	}
	if res.Err != nil {
		c.settle(false)
		return nil
	}

	if b, ok, err := byteArray(res.Value); ok {
		if err != nil {
			c.settle(false)
			return err
		}
		if len(b) > len(c.buf) {
			c.settle(false)
			return fmt.Errorf("scripting: result of %d bytes exceeds buffer of %d", len(b), len(c.buf))
		}
		copy(c.buf, b)
		c.settle(true)
		return nil
	}

	var word [ResultSize]byte
	switch v := res.Value.(type) {
	case bool:
		word = EncodeBool(v)
	case int:
		word = EncodeInt(int64(v))
	case int8:
		word = EncodeInt(int64(v))
	case int16:
		word = EncodeInt(int64(v))
	case int32:
		word = EncodeInt(int64(v))
	case int64:
		word = EncodeInt(v)
	case uint:
		word = EncodeUint(uint64(v))
	case uint8:
		word = EncodeUint(uint64(v))
	case uint16:
		word = EncodeUint(uint64(v))
	case uint32:
		word = EncodeUint(uint64(v))
	case uint64:
		word = EncodeUint(v)
	case float32:
		word = EncodeNumber(float64(v))
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<63 {
			word = EncodeInt(int64(v))
		} else {
			word = EncodeNumber(v)
		}
	default:
		// nil, strings and anything else succeed with a zeroed buffer
		c.settle(true)
		return nil
	}
	copy(c.buf, word[:])
	c.settle(true)
	return nil
}

// Await blocks until the in-flight command settles, the timeout elapses, or
// cancel is closed. A timeout of zero or less uses the channel default.
func (c *SharedChannel) Await(timeout time.Duration, cancel <-chan struct{}) (AwaitStatus, error) {
	if c.lock.Load() != lockPending {
		return AwaitOK, nil
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	select {
	case <-cancel:
		return AwaitTimedOut, ErrTerminated
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-c.wake:
			select {
			case <-cancel:
				// the wakeup may belong to a replacement waiter
				c.notify()
				return AwaitTimedOut, ErrTerminated
			default:
			}
			if c.lock.Load() != lockPending {
				return AwaitOK, nil
			}
		case <-timer.C:
			return AwaitTimedOut, nil
		case <-cancel:
			return AwaitTimedOut, ErrTerminated
		}
	}
}

// Failed reports whether the last command was signalled as failed.
func (c *SharedChannel) Failed() bool { return c.lock.Load() == lockFailed }

// Pending reports whether a command is still awaiting its reply.
func (c *SharedChannel) Pending() bool { return c.lock.Load() == lockPending }

// Bytes returns a copy of the whole buffer.
func (c *SharedChannel) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	return out
}

// byteArray reports whether v is an array result and converts it, keeping
// the low byte of each element.
func byteArray(v any) ([]byte, bool, error) {
	switch a := v.(type) {
	case []byte:
		return a, true, nil
	case []int:
		return convertBytes(a, func(n int) (byte, bool) { return byte(n), true })
	case []int64:
		return convertBytes(a, func(n int64) (byte, bool) { return byte(n), true })
	case []float64:
		return convertBytes(a, func(n float64) (byte, bool) { return byte(int64(n)), true })
	case []any:
		return convertBytes(a, elementByte)
	}
	return nil, false, nil
}

func convertBytes[T any](in []T, conv func(T) (byte, bool)) ([]byte, bool, error) {
	out := make([]byte, len(in))
	for i, e := range in {
		b, ok := conv(e)
		if !ok {
			return nil, true, fmt.Errorf("scripting: array element %d: %T is not a number", i, e)
		}
		out[i] = b
	}
	return out, true, nil
}

func elementByte(e any) (byte, bool) {
	switch n := e.(type) {
	case int:
		return byte(n), true
	case int8:
		return byte(n), true
	case int16:
		return byte(n), true
	case int32:
		return byte(n), true
	case int64:
		return byte(n), true
	case uint:
		return byte(n), true
	case uint8:
		return n, true
	case uint16:
		return byte(n), true
	case uint32:
		return byte(n), true
	case uint64:
		return byte(n), true
	case float32:
		return byte(int64(n)), true
	case float64:
		return byte(int64(n)), true
	}
	return 0, false
}

func (c *SharedChannel) checkSeq(seq uint64) error {
	if seq != c.seq.Load() || c.lock.Load() != lockPending {
		return fmt.Errorf("%w: sequence %d, current %d", ErrStaleReply, seq, c.seq.Load())
	}
	return nil
}

func (c *SharedChannel) settle(ok bool) {
	if ok {
		c.lock.Store(lockIdle)
	} else {
		c.lock.Store(lockFailed)
	}
}

func (c *SharedChannel) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
