package fiberloop

import (
	"runtime"
	"sync"
)

// goroutineID returns the calling goroutine's id, parsed out of the header
// line of runtime.Stack's output. Go exposes no cheaper supported way to
// obtain this, and it stands in for the three C++ thread-locals (current
// fiber, main fiber, scheduler fiber) this runtime's spec is built around:
// each is tracked here, keyed by the id of the goroutine presently acting in
// that role.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// fiberLocals tracks, per goroutine id, the fiber-local state a resident
// goroutine needs: the fiber it is currently running as, the thread's main
// fiber, the scheduler fiber it yields to, and the scheduler/thread it
// belongs to. It is the Go stand-in for thread-local storage.
type fiberLocals struct {
	mu        sync.RWMutex
	current   map[uint64]*Fiber
	mainFiber map[uint64]*Fiber
	schedFib  map[uint64]*Fiber
	scheduler map[uint64]*Scheduler
	thread    map[uint64]*Thread
}

var locals = &fiberLocals{
	current:   make(map[uint64]*Fiber),
	mainFiber: make(map[uint64]*Fiber),
	schedFib:  make(map[uint64]*Fiber),
	scheduler: make(map[uint64]*Scheduler),
	thread:    make(map[uint64]*Thread),
}

func (l *fiberLocals) setCurrent(gid uint64, f *Fiber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f == nil {
		delete(l.current, gid)
		return
	}
	l.current[gid] = f
}

func (l *fiberLocals) getCurrent(gid uint64) *Fiber {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current[gid]
}

func (l *fiberLocals) setMainFiber(gid uint64, f *Fiber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mainFiber[gid] = f
}

func (l *fiberLocals) getMainFiber(gid uint64) *Fiber {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.mainFiber[gid]
}

func (l *fiberLocals) setSchedulerFiber(gid uint64, f *Fiber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f == nil {
		delete(l.schedFib, gid)
		return
	}
	l.schedFib[gid] = f
}

func (l *fiberLocals) getSchedulerFiber(gid uint64) *Fiber {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.schedFib[gid]
}

func (l *fiberLocals) setScheduler(gid uint64, s *Scheduler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s == nil {
		delete(l.scheduler, gid)
		return
	}
	l.scheduler[gid] = s
}

func (l *fiberLocals) getScheduler(gid uint64) *Scheduler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.scheduler[gid]
}

func (l *fiberLocals) setThread(gid uint64, t *Thread) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.thread[gid] = t
}

func (l *fiberLocals) getThread(gid uint64) *Thread {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.thread[gid]
}

// CurrentScheduler returns the Scheduler owning the calling goroutine, or nil
// if the calling goroutine is not a scheduler worker.
func CurrentScheduler() *Scheduler {
	return locals.getScheduler(goroutineID())
}
