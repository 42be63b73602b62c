package scripting

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, length int) *SharedChannel {
	t.Helper()
	c, err := NewSharedChannel(length, time.Second)
	require.NoError(t, err)
	return c
}

func TestNewSharedChannel(t *testing.T) {
	t.Run("too small", func(t *testing.T) {
		_, err := NewSharedChannel(7, 0)
		var ce *ConstructionError
		require.ErrorAs(t, err, &ce)
		assert.Contains(t, ce.Error(), "buffer length 7")
	})

	t.Run("negative timeout", func(t *testing.T) {
		_, err := NewSharedChannel(8, -time.Second)
		var ce *ConstructionError
		require.ErrorAs(t, err, &ce)
	})

	t.Run("defaults", func(t *testing.T) {
		c, err := NewSharedChannel(8, 0)
		require.NoError(t, err)
		assert.Equal(t, 8, c.Len())
		assert.Equal(t, DefaultTimeout, c.Timeout())
		assert.False(t, c.Pending())
		assert.False(t, c.Failed())
	})
}

func TestSharedChannel_Deliver(t *testing.T) {
	for _, tc := range []struct {
		name  string
		value any
		want  []byte
	}{
		{"int", 0x1234, []byte{0x34, 0x12, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"negative", int32(-1), []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0, 0}},
		{"uint8", uint8(200), []byte{200, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"true", true, []byte{1, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"integral float", float64(42), []byte{42, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"fraction", 2.5, []byte{2, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"bytes verbatim", []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{"ints verbatim", []int{0x34, 0x12, 0x1ff}, []byte{0x34, 0x12, 0xff, 0, 0, 0, 0, 0, 0, 0}},
		{"int64s verbatim", []int64{0x34, 0x12}, []byte{0x34, 0x12, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"float64s verbatim", []float64{1, 2.9}, []byte{1, 2, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"exported array", []any{int64(0x34), float64(0x12), 0x100 + 7}, []byte{0x34, 0x12, 7, 0, 0, 0, 0, 0, 0, 0}},
		{"nil zeroes", nil, make([]byte, 10)},
		{"string zeroes", "hello", make([]byte, 10)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestChannel(t, 10)
			seq := c.Reset()
			require.True(t, c.Pending())

			require.NoError(t, c.Deliver(seq, Result{Value: tc.value}))
			assert.False(t, c.Pending())
			assert.False(t, c.Failed())
			assert.Equal(t, tc.want, c.Bytes())
		})
	}
}

func TestSharedChannel_DeliverError(t *testing.T) {
	c := newTestChannel(t, 8)
	seq := c.Reset()
	require.NoError(t, c.Deliver(seq, Result{Value: 99, Err: errors.New("boom")}))
	assert.True(t, c.Failed())
	assert.Equal(t, make([]byte, 8), c.Bytes())
}

func TestSharedChannel_DeliverOverflow(t *testing.T) {
	c := newTestChannel(t, 8)
	seq := c.Reset()
	err := c.Deliver(seq, Result{Value: make([]byte, 9)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds buffer")
	assert.True(t, c.Failed())
}

func TestSharedChannel_DeliverNonNumericElement(t *testing.T) {
	c := newTestChannel(t, 8)
	seq := c.Reset()
	err := c.Deliver(seq, Result{Value: []any{int64(1), "two"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "element 1: string is not a number")
	assert.True(t, c.Failed())
	assert.False(t, c.Pending())
}

func TestSharedChannel_DeliverArrayOverflow(t *testing.T) {
	c := newTestChannel(t, 8)
	seq := c.Reset()
	err := c.Deliver(seq, Result{Value: make([]int64, 9)})
	require.Error(t, err)
	assert.True(t, c.Failed())
}

func TestSharedChannel_ResetClearsPreviousResult(t *testing.T) {
	c := newTestChannel(t, 8)
	seq := c.Reset()
	require.NoError(t, c.Deliver(seq, Result{Value: 7}))

	next := c.Reset()
	assert.Equal(t, seq+1, next)
	assert.Equal(t, next, c.Sequence())
	assert.True(t, c.Pending())
	assert.Equal(t, make([]byte, 8), c.Bytes())
}

func TestSharedChannel_StaleReply(t *testing.T) {
	c := newTestChannel(t, 8)
	old := c.Reset()
	cur := c.Reset()

	err := c.Deliver(old, Result{Value: 5})
	require.ErrorIs(t, err, ErrStaleReply)
	assert.True(t, c.Pending(), "stale reply must not settle the current command")
	assert.Equal(t, make([]byte, 8), c.Bytes())

	require.NoError(t, c.Deliver(cur, Result{Value: 6}))
	require.ErrorIs(t, c.Deliver(cur, Result{Value: 7}), ErrStaleReply, "second reply to the same command")
	assert.EqualValues(t, 6, DecodeResult(c.Bytes()))
}

func TestSharedChannel_Signal(t *testing.T) {
	c := newTestChannel(t, 8)
	seq := c.Reset()
	require.NoError(t, c.Signal(seq, false))
	assert.True(t, c.Failed())

	seq = c.Reset()
	require.NoError(t, c.Signal(seq, true))
	assert.False(t, c.Failed())
	assert.False(t, c.Pending())
}

func TestSharedChannel_Await(t *testing.T) {
	t.Run("not pending returns at once", func(t *testing.T) {
		c := newTestChannel(t, 8)
		status, err := c.Await(time.Hour, nil)
		require.NoError(t, err)
		assert.Equal(t, AwaitOK, status)
	})

	t.Run("woken by delivery", func(t *testing.T) {
		c := newTestChannel(t, 8)
		seq := c.Reset()
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = c.Deliver(seq, Result{Value: 42})
		}()
		status, err := c.Await(5*time.Second, nil)
		require.NoError(t, err)
		assert.Equal(t, AwaitOK, status)
		assert.EqualValues(t, 42, DecodeResult(c.Bytes()))
	})

	t.Run("delivery before wait", func(t *testing.T) {
		c := newTestChannel(t, 8)
		seq := c.Reset()
		require.NoError(t, c.Deliver(seq, Result{Value: 1}))
		status, err := c.Await(time.Millisecond, nil)
		require.NoError(t, err)
		assert.Equal(t, AwaitOK, status)
	})

	t.Run("stale wake is ignored", func(t *testing.T) {
		c := newTestChannel(t, 8)
		old := c.Reset()
		c.Reset()
		_ = c.Deliver(old, Result{Value: 1})

		start := time.Now()
		status, err := c.Await(30*time.Millisecond, nil)
		require.NoError(t, err)
		assert.Equal(t, AwaitTimedOut, status)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("timeout", func(t *testing.T) {
		c := newTestChannel(t, 8)
		c.Reset()
		status, err := c.Await(20*time.Millisecond, nil)
		require.NoError(t, err)
		assert.Equal(t, AwaitTimedOut, status)
		assert.Equal(t, "timed-out", status.String())
		assert.False(t, c.Failed())
	})

	t.Run("cancel", func(t *testing.T) {
		c := newTestChannel(t, 8)
		c.Reset()
		cancel := make(chan struct{})
		close(cancel)
		_, err := c.Await(time.Hour, cancel)
		require.ErrorIs(t, err, ErrTerminated)
	})
}

func TestSharedChannel_ResetUnless(t *testing.T) {
	c := newTestChannel(t, 8)
	done := make(chan struct{})

	seq, err := c.ResetUnless(done)
	require.NoError(t, err)
	assert.Equal(t, c.Sequence(), seq)

	// the replacement worker takes over before the old one resets again
	close(done)
	next := c.Reset()
	_, err = c.ResetUnless(done)
	require.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, next, c.Sequence(), "terminated worker must not advance the sequence")

	require.NoError(t, c.Deliver(next, Result{Value: 3}))
	assert.EqualValues(t, 3, DecodeResult(c.Bytes()))
}

func TestSharedChannel_TerminatedWaiterLeavesWakeup(t *testing.T) {
	c := newTestChannel(t, 8)
	oldDone := make(chan struct{})
	c.Reset()

	oldWaiting := make(chan error, 1)
	go func() {
		_, err := c.Await(time.Hour, oldDone)
		oldWaiting <- err
	}()
	time.Sleep(10 * time.Millisecond)

	close(oldDone)
	seq := c.Reset()
	newWaiting := make(chan AwaitStatus, 1)
	go func() {
		status, _ := c.Await(time.Second, nil)
		newWaiting <- status
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Deliver(seq, Result{Value: 9}))

	assert.Equal(t, AwaitOK, <-newWaiting)
	require.ErrorIs(t, <-oldWaiting, ErrTerminated)
}
