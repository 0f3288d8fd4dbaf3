//go:build unix

package amqp

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// unixPoller drives one TCP stream's readiness via the POSIX poll(2)
// syscall, the same primitive srgg-blecli's ptyio package uses for its
// non-blocking read/write loop. It's simpler than a persistent epoll
// registration (no add/modify/delete bookkeeping) at the cost of rebuilding
// a one-element pollfd array per Wait call, which is cheap enough for a
// single-socket reactor.
type unixPoller struct {
	fd       int
	writable bool
}

func newSocketPoller(fd int) (socketPoller, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, wrapErr(err, ErrIo)
	}
	return &unixPoller{fd: fd}, nil
}

func (p *unixPoller) SetInterest(writable bool) {
	p.writable = writable
}

func (p *unixPoller) Wait(timeout time.Duration, hasTimeout bool) (readable, writable bool, err error) {
	events := int16(unix.POLLIN)
	if p.writable {
		events |= unix.POLLOUT
	}
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: events}}

	ms := -1
	if hasTimeout {
		ms = int(timeout / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
	}

	for {
		n, err := unix.Poll(fds, ms)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return false, false, wrapErr(err, ErrIo)
		}
		if n == 0 {
			return false, false, nil
		}
		revents := fds[0].Revents
		readable = revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
		writable = p.writable && revents&unix.POLLOUT != 0
		return readable, writable, nil
	}
}

func (p *unixPoller) Close() error {
	return nil
}
