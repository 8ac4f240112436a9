// Portable by design: no OS-specific syscalls, so this file carries no
// //go:build tag, unlike thread.go/poller_linux.go/wakeup_linux.go/fd_unix.go.

package fiberloop

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// ScheduleTask is a unit of scheduler work: exactly one of Fiber or Func is
// set. Thread, when not -1, pins the task to the worker whose goroutine id
// matches it — the Go stand-in for the original's pinning by OS thread id,
// since a worker loop is not always backed by a dedicated locked OS thread
// (the use_caller worker runs inside its scheduler fiber's own goroutine).
type ScheduleTask struct {
	Fiber  *Fiber
	Func   func()
	Thread int64 // -1 means "any worker"
}

// AnyThread is the sentinel meaning a ScheduleTask may run on any worker.
const AnyThread int64 = -1

// schedulerCaps is the capability set the design notes substitute for the
// tickle/idle/stopping virtual methods: the base Scheduler supplies
// poll-and-sleep defaults, and IOManager overrides all three with its
// epoll-backed implementations.
type schedulerCaps struct {
	tickle   func()
	idleBody func(self *Fiber)
	stopping func() bool
}

// Scheduler is a worker pool draining a single shared, mutex-guarded FIFO of
// ScheduleTasks. It performs no work-stealing, no priority, and no
// preemption: workers are strictly cooperative fibers.
type Scheduler struct {
	name        string
	logger      Logger
	diag        *diagnosticLimiter
	threadCount int
	useCaller   bool
	stackSize   int

	mu    sync.Mutex
	queue *list.List // of *ScheduleTask

	activeCount atomic.Int32
	idleCount   atomic.Int32
	stoppingF   atomic.Bool
	startedF    atomic.Bool

	workers        []*Thread
	schedulerFiber *Fiber // only set when useCaller

	caps schedulerCaps
}

// NewScheduler constructs a Scheduler with threads workers. If useCaller is
// true, the calling goroutine is co-opted as worker 0 (one fewer OS thread
// is spawned by Start); that worker only actually runs when Stop is called.
func NewScheduler(threads int, useCaller bool, name string, opts ...Option) (*Scheduler, error) {
	if threads < 1 {
		threads = 1
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		name:        name,
		logger:      cfg.logger,
		diag:        newDiagnosticLimiter(cfg.rateLimitEnabled),
		threadCount: threads,
		useCaller:   useCaller,
		stackSize:   cfg.stackSize,
		queue:       list.New(),
	}
	s.caps = schedulerCaps{
		tickle:   func() {},
		idleBody: s.defaultIdleBody,
		stopping: s.defaultStopping,
	}
	if useCaller {
		var schedFiber *Fiber
		schedFiber = NewFiber(func() {
			s.workerLoop(schedFiber)
		}, s.stackSize, false)
		s.schedulerFiber = schedFiber
	}
	return s, nil
}

// Name returns the scheduler's configured name.
func (s *Scheduler) Name() string { return s.name }

// defaultIdleBody is the base (non-IOManager) idle fiber: it polls, since
// the base Scheduler has no event source to block on.
func (s *Scheduler) defaultIdleBody(self *Fiber) {
	for {
		if s.caps.stopping() {
			return
		}
		time.Sleep(time.Millisecond)
		self.Yield()
	}
}

func (s *Scheduler) defaultStopping() bool {
	return s.stoppingF.Load() && s.queueLen() == 0 && s.activeCount.Load() == 0
}

func (s *Scheduler) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Schedule enqueues a fiber for execution. thread pins it to a worker's
// goroutine id, or AnyThread.
func (s *Scheduler) Schedule(f *Fiber, thread int64) error {
	return s.schedule(&ScheduleTask{Fiber: f, Thread: thread})
}

// ScheduleFunc enqueues a plain callback, lazily wrapped into a transient
// fiber by whichever worker runs it.
func (s *Scheduler) ScheduleFunc(cb func(), thread int64) error {
	return s.schedule(&ScheduleTask{Func: cb, Thread: thread})
}

func (s *Scheduler) schedule(t *ScheduleTask) error {
	if s.stoppingF.Load() {
		return ErrSchedulerStopped
	}
	s.mu.Lock()
	wasEmpty := s.queue.Len() == 0
	s.queue.PushBack(t)
	s.mu.Unlock()
	if wasEmpty {
		s.caps.tickle()
	}
	return nil
}

// popTask performs the linear pinning scan: the first task whose Thread is
// AnyThread or matches gid is taken.
func (s *Scheduler) popTask(gid uint64) (*ScheduleTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.queue.Front(); e != nil; e = e.Next() {
		t := e.Value.(*ScheduleTask)
		if t.Thread == AnyThread || t.Thread == int64(gid) {
			s.queue.Remove(e)
			return t, true
		}
	}
	return nil, false
}

// Start spawns threadCount-minus-caller OS workers. Idempotent.
func (s *Scheduler) Start() {
	if !s.startedF.CompareAndSwap(false, true) {
		return
	}
	n := s.threadCount
	if s.useCaller {
		n--
	}
	for i := 0; i < n; i++ {
		workerName := s.name + "-worker"
		th := NewThread(func() {
			f := GetThis()
			locals.setScheduler(goroutineID(), s)
			s.workerLoop(f)
		}, workerName)
		s.workers = append(s.workers, th)
	}
}

// Stop requests shutdown, tickles every worker once, runs the caller's
// dedicated scheduler fiber to completion if useCaller, then joins every
// spawned worker.
func (s *Scheduler) Stop() {
	s.stoppingF.Store(true)
	for i := 0; i < s.threadCount; i++ {
		s.caps.tickle()
	}
	if s.useCaller && s.schedulerFiber != nil {
		gid := goroutineID()
		locals.setScheduler(gid, s)
		_ = s.schedulerFiber.Resume()
	}
	for _, w := range s.workers {
		w.Join()
	}
}

// IsStopping reports whether the scheduler's stop predicate currently holds.
func (s *Scheduler) IsStopping() bool { return s.caps.stopping() }

// ActiveCount returns the number of workers currently running a task.
func (s *Scheduler) ActiveCount() int32 { return s.activeCount.Load() }

// IdleCount returns the number of workers currently parked in their idle fiber.
func (s *Scheduler) IdleCount() int32 { return s.idleCount.Load() }

func (s *Scheduler) workerLoop(schedFiber *Fiber) {
	gid := goroutineID()
	locals.setScheduler(gid, s)
	locals.setSchedulerFiber(gid, schedFiber)

	var idleFiber *Fiber
	idleFiber = NewFiber(func() {
		s.caps.idleBody(idleFiber)
	}, s.stackSize, true)

	for {
		if task, ok := s.popTask(gid); ok {
			s.activeCount.Add(1)
			s.runTask(task)
			s.activeCount.Add(-1)
			continue
		}
		s.idleCount.Add(1)
		_ = idleFiber.Resume()
		s.idleCount.Add(-1)
		if idleFiber.State() == FiberTerm {
			break
		}
	}
}

func (s *Scheduler) runTask(t *ScheduleTask) {
	switch {
	case t.Fiber != nil:
		if t.Fiber.State() != FiberTerm {
			if err := t.Fiber.Resume(); err != nil {
				s.logCallerMisuse("resume", err)
			}
		}
	case t.Func != nil:
		transient := NewFiber(t.Func, s.stackSize, true)
		if err := transient.Resume(); err != nil {
			s.logCallerMisuse("resume", err)
		}
	}
}

func (s *Scheduler) logCallerMisuse(op string, err error) {
	if s.diag.allow("caller-misuse:" + op) {
		s.logger.Warning().Str("op", op).Err(err).Log("scheduler task rejected")
	}
}
