//go:build linux

package fiberloop

import (
	"golang.org/x/sys/unix"
)

// Event is the bitmask of I/O conditions IOManager tracks per fd, matching
// spec's FdContext "subset of {READ, WRITE}" plus the two kernel-reported
// conditions (error, hangup) the idle loop synthesises READ|WRITE from.
type Event uint32

const (
	EventRead Event = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// epollReactor is a thin wrapper over epoll_create1/epoll_ctl/epoll_wait,
// adapted from the teacher's FastPoller: this repository's FdContext (with
// its two EventContext waiter slots) owns per-fd state directly, so this
// type carries no per-fd callback storage of its own, just the fd and the
// event translation.
type epollReactor struct {
	epfd     int
	eventBuf [256]unix.EpollEvent
}

func newEpollReactor() (*epollReactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollReactor{epfd: epfd}, nil
}

func (p *epollReactor) close() error {
	return unix.Close(p.epfd)
}

func (p *epollReactor) add(fd int, ev Event) error {
	e := &unix.EpollEvent{Events: eventsToEpoll(ev) | unix.EPOLLET, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, e)
}

func (p *epollReactor) modify(fd int, ev Event) error {
	e := &unix.EpollEvent{Events: eventsToEpoll(ev) | unix.EPOLLET, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, e)
}

func (p *epollReactor) del(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for up to timeoutMs and returns the (fd, triggered-events)
// pairs ready. EINTR is swallowed, matching spec's "transient I/O: retry
// silently" policy.
func (p *epollReactor) wait(timeoutMs int) ([]epollReady, error) {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]epollReady, n)
	for i := 0; i < n; i++ {
		out[i] = epollReady{fd: int(p.eventBuf[i].Fd), events: epollToEvents(p.eventBuf[i].Events)}
	}
	return out, nil
}

type epollReady struct {
	fd     int
	events Event
}

func eventsToEpoll(events Event) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(raw uint32) Event {
	var e Event
	if raw&unix.EPOLLIN != 0 {
		e |= EventRead
	}
	if raw&unix.EPOLLOUT != 0 {
		e |= EventWrite
	}
	if raw&unix.EPOLLERR != 0 {
		e |= EventError
	}
	if raw&unix.EPOLLHUP != 0 {
		e |= EventHangup
	}
	return e
}
