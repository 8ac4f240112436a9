// Package fiberloop implements an M:N user-space concurrency runtime: stackful
// fibers multiplexed across a fixed-size worker pool, woken by a
// readiness-based I/O reactor and a monotonic timer wheel.
//
// # Architecture
//
// Four layers build on each other: [Fiber] is a cooperative execution unit
// with its own goroutine and suspend/resume semantics; [Scheduler] runs a
// pool of worker threads draining a shared FIFO of fibers and callbacks;
// [TimerManager] maintains a deadline-ordered set of timers; [IOManager]
// embeds both and layers an epoll reactor on top, translating file
// descriptor readiness into fiber resumption.
//
// # Execution model
//
// Workers are strictly cooperative: a fiber runs until it calls Yield, and
// only one fiber is RUNNING per worker at a time. There is no preemption and
// no work-stealing — a single shared, mutex-guarded FIFO feeds every worker.
//
// # Usage
//
//	io, err := fiberloop.NewIOManager(2, true, "server")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer io.Stop()
//
//	f := fiberloop.NewFiber(func() {
//	    fmt.Println("hello from a fiber")
//	}, 0, false)
//	io.Schedule(f, -1)
package fiberloop
