//go:build linux

package fiberloop

import (
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Semaphore is a counting semaphore used as a start barrier between a
// Thread's constructor and the goroutine it spawns.
type Semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// NewSemaphore constructs a Semaphore with an initial count of n.
func NewSemaphore(n int) *Semaphore {
	s := &Semaphore{count: n}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Wait blocks while the count is zero, then decrements it.
func (s *Semaphore) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.count == 0 {
		s.cond.Wait()
	}
	s.count--
}

// Signal increments the count and wakes one waiter.
func (s *Semaphore) Signal() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.cond.Signal()
}

// Thread wraps an OS thread, obtained via runtime.LockOSThread, with genuine
// kernel tid and pthread-name parity via golang.org/x/sys/unix.
type Thread struct {
	name    string
	tid     int
	barrier *Semaphore
	cb      func()

	joined chan struct{}
}

// NewThread spawns a goroutine locked to its own OS thread running cb, and
// blocks until the new thread has recorded its tid and set its name.
func NewThread(cb func(), name string) *Thread {
	t := &Thread{
		name:    name,
		barrier: NewSemaphore(0),
		cb:      cb,
		joined:  make(chan struct{}),
	}

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		t.tid = unix.Gettid()
		namedBytes := append([]byte(truncateThreadName(name)), 0)
		if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&namedBytes[0])), 0, 0, 0); err != nil {
			fallbackLogger.Warning().Str("thread", name).Err(err).Log("failed to set thread name")
		}

		gid := goroutineID()
		locals.setThread(gid, t)

		fn := t.cb
		t.cb = nil
		t.barrier.Signal()

		if fn != nil {
			fn()
		}
		close(t.joined)
	}()

	t.barrier.Wait()
	return t
}

// Tid returns the kernel thread id recorded by the spawned goroutine.
func (t *Thread) Tid() int { return t.tid }

// Name returns the thread's configured name.
func (t *Thread) Name() string { return t.name }

// Join blocks until the thread's callback returns. It is safe to call more
// than once: every call waits for completion, and calls made after the
// callback has returned return immediately.
func (t *Thread) Join() {
	<-t.joined
}

// truncateThreadName enforces the 15-byte (plus NUL) limit PR_SET_NAME
// imposes on Linux thread names.
func truncateThreadName(name string) string {
	const max = 15
	if len(name) > max {
		return name[:max]
	}
	return name
}

// CurrentThread returns the Thread owning the calling goroutine, or nil if
// the calling goroutine was not spawned via NewThread.
func CurrentThread() *Thread {
	return locals.getThread(goroutineID())
}
