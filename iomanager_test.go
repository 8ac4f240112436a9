package fiberloop

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fdOf(t *testing.T, ln *net.TCPListener) int {
	t.Helper()
	raw, err := ln.SyscallConn()
	require.NoError(t, err)
	var fd int
	require.NoError(t, raw.Control(func(f uintptr) { fd = int(f) }))
	return fd
}

func TestIOManager_NonBlockingAcceptLoop(t *testing.T) {
	io, err := NewIOManager(2, false, "accept-test")
	require.NoError(t, err)
	defer io.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	tl, ok := ln.(*net.TCPListener)
	require.True(t, ok)
	rawLn, err := tl.SyscallConn()
	require.NoError(t, err)
	var lfd int
	require.NoError(t, rawLn.Control(func(f uintptr) { lfd = int(f) }))

	accepted := make(chan struct{}, 1)
	var onAccept func()
	onAccept = func() {
		_, acceptErr := ln.Accept()
		if acceptErr == nil {
			accepted <- struct{}{}
			return
		}
		// spurious wakeup under edge-triggered epoll with a non-blocking
		// listener: re-arm and keep waiting.
		_ = io.AddEvent(lfd, EventRead, onAccept)
	}
	require.NoError(t, io.AddEvent(lfd, EventRead, onAccept))

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept dispatch")
	}
}

func TestIOManager_AddEvent_DoubleRegistrationRejected(t *testing.T) {
	io, err := NewIOManager(1, false, "dup-test")
	require.NoError(t, err)
	defer io.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	fd := fdOf(t, ln.(*net.TCPListener))

	require.NoError(t, io.AddEvent(fd, EventRead, func() {}))
	assert.ErrorIs(t, io.AddEvent(fd, EventRead, func() {}), ErrEventAlreadyRegistered)
	// the write slot is independent and should still be registrable.
	require.NoError(t, io.AddEvent(fd, EventWrite, func() {}))

	// A listening socket never reports these events, and Stop waits until no
	// registration is pending, so both are removed before the deferred Stop.
	assert.True(t, io.DelEvent(fd, EventRead))
	assert.True(t, io.DelEvent(fd, EventWrite))
}

func TestIOManager_DelEvent_RoundTrip(t *testing.T) {
	io, err := NewIOManager(1, false, "roundtrip")
	require.NoError(t, err)
	defer io.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	fd := fdOf(t, ln.(*net.TCPListener))

	before := io.pendingCount.Load()
	require.NoError(t, io.AddEvent(fd, EventRead, func() {}))
	assert.True(t, io.DelEvent(fd, EventRead))
	assert.Equal(t, before, io.pendingCount.Load())

	fc := io.fdContext(fd)
	require.NotNil(t, fc)
	fc.mu.Lock()
	assert.Equal(t, Event(0), fc.events)
	assert.False(t, fc.read.armed())
	fc.mu.Unlock()

	assert.False(t, io.DelEvent(fd, EventRead), "deleting an unregistered bit must report false")
}

func TestIOManager_CancelEvent_TriggersExactlyOnce(t *testing.T) {
	io, err := NewIOManager(1, false, "cancel-test")
	require.NoError(t, err)
	defer io.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	fd := fdOf(t, ln.(*net.TCPListener))

	var calls atomic.Int32
	require.NoError(t, io.AddEvent(fd, EventRead, func() {
		calls.Add(1)
	}))

	assert.True(t, io.CancelEvent(fd, EventRead))
	assert.False(t, io.CancelEvent(fd, EventRead), "a second cancel of the same slot must report false")

	deadline := time.After(time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for cancelled waiter to be triggered")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())

	fc := io.fdContext(fd)
	require.NotNil(t, fc)
	fc.mu.Lock()
	assert.Equal(t, Event(0), fc.events)
	fc.mu.Unlock()
}

func TestIOManager_CancelAll(t *testing.T) {
	io, err := NewIOManager(1, false, "cancel-all")
	require.NoError(t, err)
	defer io.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	fd := fdOf(t, ln.(*net.TCPListener))

	var reads, writes atomic.Int32
	require.NoError(t, io.AddEvent(fd, EventRead, func() { reads.Add(1) }))
	require.NoError(t, io.AddEvent(fd, EventWrite, func() { writes.Add(1) }))

	io.CancelAll(fd)

	deadline := time.After(time.Second)
	for reads.Load() == 0 || writes.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for CancelAll to trigger both slots")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	fc := io.fdContext(fd)
	require.NotNil(t, fc)
	fc.mu.Lock()
	assert.Equal(t, Event(0), fc.events)
	fc.mu.Unlock()
}

func TestDefaultIOManager_Singleton(t *testing.T) {
	a, err := DefaultIOManager()
	require.NoError(t, err)
	b, err := DefaultIOManager()
	require.NoError(t, err)
	assert.Same(t, a, b)
}
