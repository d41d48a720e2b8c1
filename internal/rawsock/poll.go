package rawsock

import (
	"time"

	"golang.org/x/sys/unix"
)

// Readable is the result of a Poll call: the set of file descriptors, from
// the ones requested, that are ready for reading.
type Readable map[int]bool

// Poll waits for at least one of fds to become readable, or for timeout to
// elapse, whichever comes first. A negative timeout waits indefinitely. This
// is the dispatcher's single suspension point per iteration (§5): every
// other socket operation in the loop is non-blocking, except the TCP connect
// of a new forward socket (see Connect).
func Poll(fds []int, timeout time.Duration) (Readable, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
	}

	n, err := unix.Poll(pfds, ms)
	if err != nil {
		if err == unix.EINTR {
			// A delivered signal (e.g. the one that set the cancellation
			// flag) interrupted the wait. Return control to the caller
			// immediately with an empty-but-successful result instead of
			// retrying in place, so Run() gets a chance to observe the
			// flag right away rather than starting a fresh full-length
			// wait first.
			return Readable{}, nil
		}
		return nil, err
	}
	readable := make(Readable, n)
	for _, pfd := range pfds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			readable[int(pfd.Fd)] = true
		}
	}
	return readable, nil
}
