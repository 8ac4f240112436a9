package fiberloop

import (
	"os"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured-logging facade threaded through Scheduler,
// TimerManager and IOManager. It is satisfied by *logiface.Logger[*stumpy.Event],
// the default, and may be substituted with WithLogger for testing or to
// point diagnostics elsewhere.
type Logger interface {
	Debug() *logiface.Builder[*stumpy.Event]
	Info() *logiface.Builder[*stumpy.Event]
	Warning() *logiface.Builder[*stumpy.Event]
	Err() *logiface.Builder[*stumpy.Event]
}

func defaultLogger() Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithTimeField("ts")),
		stumpy.L.WithWriter(os.Stderr),
	)
}

// fallbackLogger is used by code paths, such as a fiber's trampoline, that
// have no access to a Scheduler/IOManager's configured Logger.
var fallbackLogger = defaultLogger()

// logPanic reports a panic recovered from a user callback at the trampoline
// boundary. The panic does not propagate further: the fiber finishes in
// FiberTerm as if its callback had returned, and the goroutine that resumed
// it, a scheduler worker included, keeps running.
func logPanic(f *Fiber, r any) {
	fallbackLogger.Err().Uint64("fiber_id", f.ID()).Interface("panic", r).Log("fiber callback panicked")
}

// diagnosticLimiter rate-limits repeated diagnostics per category (failed fd
// re-arms, tickles and epoll_wait calls, rejected scheduler tasks, clock
// rollbacks) so a busy fd can't flood the sink. Scheduler, TimerManager and
// IOManager each construct their own limiter.
type diagnosticLimiter struct {
	enabled bool
	limiter *catrate.Limiter
}

func newDiagnosticLimiter(enabled bool) *diagnosticLimiter {
	d := &diagnosticLimiter{enabled: enabled}
	if enabled {
		d.limiter = catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		})
	}
	return d
}

// allow reports whether a diagnostic in the given category may be logged
// right now. When rate limiting is disabled, every call is allowed.
func (d *diagnosticLimiter) allow(category string) bool {
	if d == nil || !d.enabled || d.limiter == nil {
		return true
	}
	_, ok := d.limiter.Allow(category)
	return ok
}
