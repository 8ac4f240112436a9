package fiberloop_test

import (
	"fmt"
	"net"

	fiberloop "github.com/joeycumines/go-fiberloop"
)

// ExampleIOManager_timeout demonstrates the composition pattern the original
// hook layer used to give a blocking call a deadline: race an AddEvent
// registration against an AddTimer, and whichever fires first cancels the
// other. The hook layer itself (transparent libc interposition) is out of
// scope; this is the primitive it would have been built on.
func ExampleIOManager_timeout() {
	// useCaller=false: a real OS-thread worker must be driving the idle
	// fiber's epoll_wait/timer-drain loop concurrently with the <-result
	// read below. With useCaller=true and threads=1, Start spawns zero
	// workers and the caller-bound scheduler fiber only runs inside Stop,
	// which would never happen while this goroutine is blocked on result.
	io, err := fiberloop.NewIOManager(2, false, "timeout-demo")
	if err != nil {
		fmt.Println("setup error:", err)
		return
	}
	defer io.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Println("listen error:", err)
		return
	}
	defer ln.Close()

	tl := ln.(*net.TCPListener)
	raw, err := tl.SyscallConn()
	if err != nil {
		fmt.Println("rawconn error:", err)
		return
	}
	var fd int
	raw.Control(func(f uintptr) { fd = int(f) })

	result := make(chan string, 1)

	var timer *fiberloop.Timer
	onReady := func() {
		timer.Cancel()
		result <- "ready"
	}
	if err := io.AddEvent(fd, fiberloop.EventRead, onReady); err != nil {
		fmt.Println("addevent error:", err)
		return
	}

	timer = io.AddTimer(50, func() {
		// DelEvent, not CancelEvent: the wait genuinely timed out, so the
		// accept-ready waiter must be silently dropped rather than fired
		// as if the fd had actually become ready.
		if io.DelEvent(fd, fiberloop.EventRead) {
			result <- "timeout"
		}
	}, false)

	fmt.Println(<-result)
	// Output: timeout
}
