//go:build linux

package fiberloop

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventContext is a single waiter slot: either a fiber to resume or a
// callback to enqueue, plus the scheduler that owns it.
type EventContext struct {
	scheduler *Scheduler
	fiber     *Fiber
	cb        func()
}

func (e *EventContext) armed() bool { return e.fiber != nil || e.cb != nil }

func (e *EventContext) clear() { *e = EventContext{} }

// trigger enqueues the waiter onto its scheduler and clears the slot.
func (e *EventContext) trigger() {
	if !e.armed() {
		return
	}
	s := e.scheduler
	if e.fiber != nil {
		f := e.fiber
		_ = s.Schedule(f, AnyThread)
	} else if e.cb != nil {
		_ = s.ScheduleFunc(e.cb, AnyThread)
	}
	e.clear()
}

// FdContext is the per-file-descriptor record: the registered event mask and
// up to two waiter slots (one per event bit), guarded by a per-fd mutex.
type FdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   EventContext
	write  EventContext
}

func (fc *FdContext) slot(ev Event) *EventContext {
	switch ev {
	case EventRead:
		return &fc.read
	case EventWrite:
		return &fc.write
	default:
		return nil
	}
}

// IOManager layers an epoll reactor on top of a Scheduler and TimerManager,
// translating fd readiness and timer expiry into fiber/callback dispatch.
type IOManager struct {
	*Scheduler
	*TimerManager

	reactor      *epollReactor
	wakeFd       int
	logger       Logger
	diag         *diagnosticLimiter
	idleCap      time.Duration
	pendingCount atomic.Int64

	fdsMu sync.RWMutex
	fds   []*FdContext

	closeOnce sync.Once
}

// NewIOManager constructs an IOManager with threads workers, optionally
// co-opting the caller per Scheduler's construction contract.
func NewIOManager(threads int, useCaller bool, name string, opts ...Option) (*IOManager, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	sched, err := NewScheduler(threads, useCaller, name, opts...)
	if err != nil {
		return nil, err
	}

	timers, err := NewTimerManager(opts...)
	if err != nil {
		return nil, err
	}

	reactor, err := newEpollReactor()
	if err != nil {
		return nil, err
	}

	wakeFd, err := createWakeFd()
	if err != nil {
		_ = reactor.close()
		return nil, err
	}
	if err := reactor.add(wakeFd, EventRead); err != nil {
		_ = reactor.close()
		_ = closeFD(wakeFd)
		return nil, err
	}

	io := &IOManager{
		Scheduler:    sched,
		TimerManager: timers,
		reactor:      reactor,
		wakeFd:       wakeFd,
		logger:       cfg.logger,
		diag:         newDiagnosticLimiter(cfg.rateLimitEnabled),
		idleCap:      cfg.idleTimeoutCap,
		fds:          make([]*FdContext, cfg.maxFDsHint),
	}

	sched.caps.tickle = io.tickle
	sched.caps.idleBody = io.idleBody
	sched.caps.stopping = io.isStopping
	io.TimerManager.SetOnTimerInsertedAtFront(io.tickle)

	sched.Start()
	return io, nil
}

func (io *IOManager) growFDs(fd int) *FdContext {
	io.fdsMu.Lock()
	defer io.fdsMu.Unlock()
	if fd >= len(io.fds) {
		grown := make([]*FdContext, fd+1)
		copy(grown, io.fds)
		io.fds = grown
	}
	if io.fds[fd] == nil {
		io.fds[fd] = &FdContext{fd: fd}
	}
	return io.fds[fd]
}

func (io *IOManager) fdContext(fd int) *FdContext {
	io.fdsMu.RLock()
	defer io.fdsMu.RUnlock()
	if fd < 0 || fd >= len(io.fds) {
		return nil
	}
	return io.fds[fd]
}

// AddEvent registers interest in event on fd. When cb is nil, the currently
// running fiber is captured and will be resumed on readiness; otherwise cb
// is enqueued instead. Registering an already-registered bit is refused.
func (io *IOManager) AddEvent(fd int, event Event, cb func()) error {
	fc := io.growFDs(fd)

	fc.mu.Lock()
	if fc.events&event != 0 {
		fc.mu.Unlock()
		return ErrEventAlreadyRegistered
	}
	newMask := fc.events | event
	var opErr error
	if fc.events == 0 {
		opErr = io.reactor.add(fd, newMask)
	} else {
		opErr = io.reactor.modify(fd, newMask)
	}
	if opErr != nil {
		fc.mu.Unlock()
		return opErr
	}

	slot := fc.slot(event)
	scheduler := CurrentScheduler()
	if scheduler == nil {
		scheduler = io.Scheduler
	}
	slot.scheduler = scheduler
	if cb == nil {
		slot.fiber = GetThis()
	} else {
		slot.cb = cb
	}
	fc.events = newMask
	fc.mu.Unlock()

	io.pendingCount.Add(1)
	return nil
}

// DelEvent silently cancels a registration: no waiter is triggered.
func (io *IOManager) DelEvent(fd int, event Event) bool {
	fc := io.fdContext(fd)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&event == 0 {
		return false
	}
	fc.slot(event).clear()
	io.rearm(fc, fc.events&^event)
	io.pendingCount.Add(-1)
	return true
}

// CancelEvent cancels a registration like DelEvent, but also triggers the
// waiter synchronously, as if the event had fired.
func (io *IOManager) CancelEvent(fd int, event Event) bool {
	fc := io.fdContext(fd)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&event == 0 {
		return false
	}
	slot := fc.slot(event)
	slot.trigger()
	io.rearm(fc, fc.events&^event)
	io.pendingCount.Add(-1)
	return true
}

// CancelAll triggers both waiter slots on fd, if armed.
func (io *IOManager) CancelAll(fd int) {
	fc := io.fdContext(fd)
	if fc == nil {
		return
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	triggered := Event(0)
	if fc.read.armed() {
		fc.read.trigger()
		triggered |= EventRead
		io.pendingCount.Add(-1)
	}
	if fc.write.armed() {
		fc.write.trigger()
		triggered |= EventWrite
		io.pendingCount.Add(-1)
	}
	io.rearm(fc, fc.events&^triggered)
}

// rearm must be called with fc.mu held; it updates fc.events to newMask and
// issues the corresponding epoll_ctl MOD/DEL.
func (io *IOManager) rearm(fc *FdContext, newMask Event) {
	fc.events = newMask
	var err error
	if newMask == 0 {
		err = io.reactor.del(fc.fd)
	} else {
		err = io.reactor.modify(fc.fd, newMask)
	}
	if err != nil && io.diag.allow("rearm") {
		io.logger.Warning().Int("fd", fc.fd).Err(err).Log("failed to rearm fd")
	}
}

// tickle wakes a blocked epoll_wait if any worker is currently idle.
func (io *IOManager) tickle() {
	if io.IdleCount() == 0 {
		return
	}
	if err := tickleWakeFd(io.wakeFd); err != nil && io.diag.allow("tickle") {
		io.logger.Warning().Err(err).Log("failed to tickle wake fd")
	}
}

func (io *IOManager) isStopping() bool {
	return io.Scheduler.defaultStopping() && io.pendingCount.Load() == 0 && !io.TimerManager.HasTimer()
}

// idleBody is the IOManager's idle fiber: each iteration blocks in
// epoll_wait for up to min(nextTimerDeadline, idleCap), drains expired
// timers into the scheduler, dispatches ready fd events, then yields.
func (io *IOManager) idleBody(self *Fiber) {
	for {
		timeout := io.nextTimeout()

		ready, err := io.reactor.wait(timeout)
		if err != nil {
			if io.diag.allow("epoll_wait") {
				io.logger.Err().Err(err).Log("epoll_wait failed")
			}
			return
		}

		for _, cb := range io.TimerManager.ListExpiredCb() {
			_ = io.Scheduler.ScheduleFunc(cb, AnyThread)
		}

		for _, r := range ready {
			if r.fd == io.wakeFd {
				drainWakeFd(io.wakeFd)
				continue
			}
			io.dispatch(r.fd, r.events)
		}

		if io.isStopping() {
			return
		}
		self.Yield()
	}
}

func (io *IOManager) nextTimeout() int {
	next := io.TimerManager.GetNextTimer()
	capMs := int(io.idleCap / time.Millisecond)
	if next == noNextTimer {
		return capMs
	}
	if int(next) > capMs {
		return capMs
	}
	return int(next)
}

// dispatch handles one fd's readiness: it intersects the kernel-reported
// events with the registered mask (synthesising READ|WRITE against the
// registered mask on EPOLLERR/EPOLLHUP with no read/write bit, per the
// error/hangup policy), triggers each armed slot, and re-arms or deletes the
// fd's epoll registration.
func (io *IOManager) dispatch(fd int, reported Event) {
	fc := io.fdContext(fd)
	if fc == nil {
		return
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if reported&(EventError|EventHangup) != 0 && reported&(EventRead|EventWrite) == 0 {
		reported |= fc.events
	}

	triggered := reported & fc.events
	if triggered&EventRead != 0 {
		fc.read.trigger()
		io.pendingCount.Add(-1)
	}
	if triggered&EventWrite != 0 {
		fc.write.trigger()
		io.pendingCount.Add(-1)
	}
	if triggered != 0 {
		io.rearm(fc, fc.events&^triggered)
	}
}

// Stop shuts the IOManager down: it defers to Scheduler.Stop for the
// fiber/worker drain protocol, then releases the epoll fd and wake fd
// exactly once.
func (io *IOManager) Stop() {
	io.Scheduler.Stop()
	io.closeOnce.Do(func() {
		_ = io.reactor.close()
		_ = closeFD(io.wakeFd)
	})
}
