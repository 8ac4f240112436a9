// Portable by design: no OS-specific syscalls, so this file carries no
// //go:build tag, unlike thread.go/poller_linux.go/wakeup_linux.go/fd_unix.go.

package fiberloop

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// defaultStackSize is the fiber stack-size attribute used when a caller
// passes 0 to NewFiber. Go's runtime grows the real stack on demand; this
// value exists purely so Fiber.StackSize stays comparable for callers that
// size workloads against it.
const defaultStackSize = 128000

// FiberState is a fiber's position in its lifecycle.
type FiberState int32

const (
	// FiberReady means the fiber may be resumed.
	FiberReady FiberState = iota
	// FiberRunning means the fiber is the one executing on its worker.
	FiberRunning
	// FiberTerm means the fiber's callback has returned; it cannot be resumed again.
	FiberTerm
)

func (s FiberState) String() string {
	switch s {
	case FiberReady:
		return "ready"
	case FiberRunning:
		return "running"
	case FiberTerm:
		return "term"
	default:
		return fmt.Sprintf("FiberState(%d)", int32(s))
	}
}

var fiberIDCounter atomic.Uint64
var liveFiberCount atomic.Int64

// LiveFiberCount returns the number of fibers created via NewFiber that have
// not yet reached FiberTerm.
func LiveFiberCount() int64 { return liveFiberCount.Load() }

// Fiber is a cooperative execution unit with its own goroutine, standing in
// for the stackful-coroutine primitive this runtime is built around: its
// persistent goroutine, backed by Go's own growable stack, plays the role of
// the owned stack region, and the unbuffered resumeCh/yieldCh pair plays the
// role of a saved machine context, per the substitution this design
// explicitly licenses.
//
// runInScheduler is the Go stand-in for the original's m_runInScheduler,
// which picked the static swap-target (t_scheduler_fiber vs t_thread_fiber)
// a fiber returned control to. The channel-rendezvous substitution makes the
// swap target implicit in whoever called Resume, so this no longer selects a
// destination; it is instead enforced as a precondition in Resume — a
// scheduler-owned fiber (idle fibers, transient callback wrappers) may only
// be resumed from a goroutine currently bound to a Scheduler.
type Fiber struct {
	id             uint64
	state          atomic.Int32
	runInScheduler bool
	stackSize      int
	isMain         bool

	mu      sync.Mutex
	cb      func()
	once    *sync.Once
	started bool

	resumeCh chan struct{}
	yieldCh  chan struct{}
}

// NewFiber constructs a fiber in state FiberReady. stackSize == 0 selects
// defaultStackSize. If runInScheduler is true, Resume succeeds only from a
// goroutine bound to a Scheduler (see the Fiber doc comment); callers that
// resume the returned fiber directly from a thread's main fiber should pass
// false.
func NewFiber(cb func(), stackSize int, runInScheduler bool) *Fiber {
	if stackSize == 0 {
		stackSize = defaultStackSize
	}
	f := &Fiber{
		id:             fiberIDCounter.Add(1),
		runInScheduler: runInScheduler,
		stackSize:      stackSize,
		cb:             cb,
		once:           new(sync.Once),
		resumeCh:       make(chan struct{}),
		yieldCh:        make(chan struct{}),
	}
	f.state.Store(int32(FiberReady))
	liveFiberCount.Add(1)
	return f
}

// newMainFiber constructs the main fiber representing the calling goroutine's
// own native stack. It is always RUNNING and never backed by a trampoline
// goroutine: it is GetThis's fallback when the calling goroutine has not yet
// been resumed into any fiber.
func newMainFiber() *Fiber {
	f := &Fiber{
		id:        fiberIDCounter.Add(1),
		stackSize: 0,
		isMain:    true,
	}
	f.state.Store(int32(FiberRunning))
	return f
}

// GetThis lazily creates the calling goroutine's main fiber on first call and
// returns whichever fiber is currently running on the calling goroutine.
func GetThis() *Fiber {
	gid := goroutineID()
	if f := locals.getCurrent(gid); f != nil {
		return f
	}
	if f := locals.getMainFiber(gid); f != nil {
		locals.setCurrent(gid, f)
		return f
	}
	f := newMainFiber()
	locals.setMainFiber(gid, f)
	locals.setCurrent(gid, f)
	return f
}

// ID returns the fiber's process-wide monotonic id.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current state.
func (f *Fiber) State() FiberState { return FiberState(f.state.Load()) }

// StackSize returns the stack-size attribute the fiber was constructed with.
func (f *Fiber) StackSize() int { return f.stackSize }

// IsMain reports whether this is a thread's main fiber.
func (f *Fiber) IsMain() bool { return f.isMain }

// RunsInScheduler reports whether this fiber was constructed as a
// scheduler-owned fiber (see the Fiber doc comment). Resume enforces this as
// a precondition rather than a swap-target selection.
func (f *Fiber) RunsInScheduler() bool { return f.runInScheduler }

// Reset reinitialises a TERM fiber with a new callback, reusing the Fiber
// (its id and handoff channels) instead of allocating a new one; the next
// Resume starts a fresh trampoline goroutine. Valid only from FiberTerm.
func (f *Fiber) Reset(cb func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if FiberState(f.state.Load()) != FiberTerm {
		return ErrFiberNotTerm
	}
	f.cb = cb
	f.once = new(sync.Once)
	f.started = false
	f.state.Store(int32(FiberReady))
	liveFiberCount.Add(1)
	return nil
}

func (f *Fiber) start() {
	f.started = true
	go f.trampoline()
}

// trampoline is the fiber's persistent goroutine body. It blocks for the
// first resume, invokes the callback, and on return releases the callback
// reference before transitioning to TERM and performing the final yield —
// mirroring the "drop ownership before the last context swap" rule this
// design is built on.
func (f *Fiber) trampoline() {
	gid := goroutineID()
	locals.setCurrent(gid, f)
	defer locals.setCurrent(gid, nil)

	<-f.resumeCh

	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic(f, r)
			}
		}()
		if cb != nil {
			cb()
		}
	}()

	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
	f.state.Store(int32(FiberTerm))
	liveFiberCount.Add(-1)

	// final yield: wakes whoever resumed us, does not block for a resume back.
	f.yieldCh <- struct{}{}
}

// Resume transitions the fiber from FiberReady to FiberRunning and blocks
// the calling goroutine until the fiber next yields or terminates. A
// scheduler-owned fiber (see RunsInScheduler) additionally requires the
// calling goroutine to be bound to a Scheduler.
func (f *Fiber) Resume() error {
	if FiberState(f.state.Load()) != FiberReady {
		return ErrFiberNotReady
	}
	if f.runInScheduler && CurrentScheduler() == nil {
		return ErrFiberNotInScheduler
	}
	f.state.Store(int32(FiberRunning))

	f.mu.Lock()
	if !f.started {
		f.once.Do(f.start)
	}
	f.mu.Unlock()

	f.resumeCh <- struct{}{}
	<-f.yieldCh
	return nil
}

// Yield suspends the calling fiber, handing control back to whichever
// goroutine resumed it. Valid only when called from within the fiber's own
// trampoline goroutine, in state FiberRunning or FiberTerm.
func (f *Fiber) Yield() error {
	st := FiberState(f.state.Load())
	if st != FiberRunning && st != FiberTerm {
		return fmt.Errorf("fiberloop: yield from state %s: %w", st, ErrFiberNotReady)
	}
	if st != FiberTerm {
		f.state.Store(int32(FiberReady))
	}
	f.yieldCh <- struct{}{}
	if st != FiberTerm {
		<-f.resumeCh
	}
	return nil
}
