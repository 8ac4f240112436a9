// Portable by design: no OS-specific syscalls, so this file carries no
// //go:build tag, unlike thread.go/poller_linux.go/wakeup_linux.go/fd_unix.go.

package fiberloop

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// noNextTimer is the getNextTimer sentinel meaning "no timers pending".
const noNextTimer = ^uint64(0)

var timerSeqCounter atomic.Uint64

// Timer is a single deferred callback, ordered by absolute deadline with
// ties broken by a stable insertion sequence (the Go stand-in for breaking
// ties by object identity, since this rewrite has no address to compare).
type Timer struct {
	mu        sync.Mutex
	ms        uint64
	deadline  time.Time
	cb        func()
	recurring bool
	cancelled bool
	seq       uint64
	heapIndex int
	manager   *TimerManager
}

// Cancel clears the timer's callback and removes it from its manager's set.
// Returns false if it was already cancelled.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.cb = nil
	t.mu.Unlock()
	t.manager.remove(t)
	return true
}

// Refresh erases and reinserts the timer with deadline = now + ms, always
// pushing the deadline later, never earlier.
func (t *Timer) Refresh() error {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return ErrTimerCancelled
	}
	ms := t.ms
	t.mu.Unlock()
	t.manager.remove(t)
	t.mu.Lock()
	t.deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	t.mu.Unlock()
	t.manager.insert(t)
	return nil
}

// Reset changes the timer's period. If fromNow is true the new deadline is
// now+ms; otherwise it is re-derived from the timer's original anchor
// (deadline-ms)+ms. Per the preserved open question, a call that would not
// change anything (ms unchanged and !fromNow) is a no-op.
func (t *Timer) Reset(ms uint64, fromNow bool) error {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return ErrTimerCancelled
	}
	if ms == t.ms && !fromNow {
		t.mu.Unlock()
		return nil
	}
	var base time.Time
	if fromNow {
		base = time.Now()
	} else {
		base = t.deadline.Add(-time.Duration(t.ms) * time.Millisecond)
	}
	t.mu.Unlock()

	t.manager.remove(t)

	t.mu.Lock()
	t.ms = ms
	t.deadline = base.Add(time.Duration(ms) * time.Millisecond)
	t.mu.Unlock()

	t.manager.insert(t)
	return nil
}

// timerHeap is a container/heap min-heap over *Timer ordered by
// (deadline, seq), grounded on the teacher's loop.go timerHeap.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// TimerManager maintains a deadline-ordered set of timers, with coalesced
// wakeup notification and heuristic clock-rollover detection.
type TimerManager struct {
	mu           sync.RWMutex
	heap         timerHeap
	tickled      bool
	previousTime time.Time

	logger Logger
	diag   *diagnosticLimiter

	onInsertedAtFront func()
}

// NewTimerManager constructs an empty TimerManager, resolving opts the same
// way Scheduler and IOManager do.
func NewTimerManager(opts ...Option) (*TimerManager, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &TimerManager{
		previousTime:      time.Now(),
		logger:            cfg.logger,
		diag:              newDiagnosticLimiter(cfg.rateLimitEnabled),
		onInsertedAtFront: func() {},
	}, nil
}

// AddTimer constructs and inserts a timer firing ms milliseconds from now.
func (m *TimerManager) AddTimer(ms uint64, cb func(), recurring bool) *Timer {
	t := &Timer{
		ms:        ms,
		deadline:  time.Now().Add(time.Duration(ms) * time.Millisecond),
		cb:        cb,
		recurring: recurring,
		seq:       nextTimerSeq(),
		manager:   m,
	}
	m.insert(t)
	return t
}

// AddConditionTimer wraps cb so it only runs if weakCond is still alive when
// the timer fires. The witness is held with a weak.Pointer, so the timer
// does not keep it alive.
func AddConditionTimer[T any](m *TimerManager, ms uint64, cb func(), cond *T, recurring bool) *Timer {
	witness := weak.Make(cond)
	return m.AddTimer(ms, func() {
		if witness.Value() != nil {
			cb()
		}
	}, recurring)
}

func nextTimerSeq() uint64 {
	return timerSeqCounter.Add(1)
}

func (m *TimerManager) insert(t *Timer) {
	m.mu.Lock()
	heap.Push(&m.heap, t)
	becameFront := m.heap[0] == t
	needTickle := becameFront && !m.tickled
	if needTickle {
		m.tickled = true
	}
	m.mu.Unlock()
	if needTickle {
		m.onInsertedAtFront()
	}
}

func (m *TimerManager) remove(t *Timer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.heapIndex < 0 || t.heapIndex >= len(m.heap) || m.heap[t.heapIndex] != t {
		return
	}
	heap.Remove(&m.heap, t.heapIndex)
}

// GetNextTimer resets the tickled flag and returns the milliseconds until
// the next deadline: 0 if already due, noNextTimer if the set is empty.
func (m *TimerManager) GetNextTimer() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false
	if len(m.heap) == 0 {
		return noNextTimer
	}
	next := m.heap[0].deadline
	now := time.Now()
	if !next.After(now) {
		return 0
	}
	return uint64(next.Sub(now) / time.Millisecond)
}

// HasTimer reports whether any timer is currently held.
func (m *TimerManager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.heap) > 0
}

// ListExpiredCb drains due callbacks (or, on detected clock rollover, every
// callback) into the returned slice. Recurring timers are rescheduled at
// now+ms (never prev_deadline+ms) and reinserted; one-shot timers are
// cleared.
func (m *TimerManager) ListExpiredCb() []func() {
	now := time.Now()
	m.mu.Lock()

	rollover := m.detectClockRollover(now)

	var expired []*Timer
	if rollover {
		expired = append(expired, m.heap...)
		m.heap = m.heap[:0]
	} else {
		for len(m.heap) > 0 && !m.heap[0].deadline.After(now) {
			expired = append(expired, heap.Pop(&m.heap).(*Timer))
		}
	}
	m.mu.Unlock()

	if rollover && m.diag.allow("clock-rollover") {
		m.logger.Warning().Int("timers_flushed", len(expired)).Log("system clock rollback detected, flushing all timers")
	}

	var cbs []func()
	var toReinsert []*Timer
	for _, t := range expired {
		t.mu.Lock()
		cb := t.cb
		recurring := t.recurring
		ms := t.ms
		cancelled := t.cancelled
		if !recurring {
			t.cb = nil
		} else if cb != nil {
			t.deadline = now.Add(time.Duration(ms) * time.Millisecond)
		}
		t.mu.Unlock()

		if cancelled || cb == nil {
			continue
		}
		cbs = append(cbs, cb)
		if recurring {
			toReinsert = append(toReinsert, t)
		}
	}
	for _, t := range toReinsert {
		m.insert(t)
	}
	return cbs
}

// detectClockRollover signals rollover when now is more than an hour behind
// the last sample, and unconditionally advances the sample.
func (m *TimerManager) detectClockRollover(now time.Time) bool {
	rollover := now.Before(m.previousTime.Add(-time.Hour))
	m.previousTime = now
	return rollover
}

// SetOnTimerInsertedAtFront installs the callback invoked, outside the
// manager's lock, whenever an insert makes a new timer the current minimum
// while no wakeup is already coalesced in flight. IOManager uses this to
// tickle its blocked epoll_wait.
func (m *TimerManager) SetOnTimerInsertedAtFront(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	m.onInsertedAtFront = fn
}
