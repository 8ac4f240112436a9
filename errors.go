package fiberloop

import "errors"

// Caller-misuse errors (spec error kind 2): returned, never panicked, and do
// not mutate state.
var (
	// ErrFiberNotReady is returned by Resume when the fiber is not in state Ready.
	ErrFiberNotReady = errors.New("fiberloop: fiber is not ready")
	// ErrFiberNotTerm is returned by Reset when the fiber is not in state Term.
	ErrFiberNotTerm = errors.New("fiberloop: fiber is not terminated")
	// ErrFiberNotInScheduler is returned by Resume when a scheduler-owned
	// fiber is resumed from a goroutine with no bound Scheduler.
	ErrFiberNotInScheduler = errors.New("fiberloop: fiber requires a scheduler-bound caller")
	// ErrEventAlreadyRegistered is returned by AddEvent when the requested
	// event bit is already registered on the fd.
	ErrEventAlreadyRegistered = errors.New("fiberloop: event already registered")
	// ErrSchedulerStopped is returned by Schedule once the scheduler has
	// begun stopping.
	ErrSchedulerStopped = errors.New("fiberloop: scheduler is stopped")
	// ErrTimerCancelled is returned by Refresh/Reset on a timer that was
	// already cancelled.
	ErrTimerCancelled = errors.New("fiberloop: timer is cancelled")
)
