//go:build linux

package fiberloop

import "golang.org/x/sys/unix"

// createWakeFd creates the eventfd IOManager uses as its self-pipe for
// cross-thread tickling, grounded on the teacher's createWakeFd.
func createWakeFd() (int, error) {
	return unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
}

// tickleWakeFd writes one notification to the wake eventfd, waking a
// blocked epoll_wait that has it registered.
func tickleWakeFd(fd int) error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(fd, buf[:])
	if err == unix.EAGAIN {
		// already has a pending wakeup coalesced in the counter; fine.
		return nil
	}
	return err
}

// drainWakeFd reads and discards the eventfd's counter so the next write
// generates a fresh edge.
func drainWakeFd(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}
