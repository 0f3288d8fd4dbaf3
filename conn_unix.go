//go:build unix

package amqp

import (
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

// rawConn wraps a non-blocking raw fd as an io.ReadWriter whose Read/Write
// report a would-block condition as errWouldBlock, matching what
// FrameBuffer.ReadFrom and Inner.writeTo expect from a non-blocking
// source/sink. This is the direct analogue of the mio TcpStream the
// original event loop drives.
type rawConn struct {
	fd int
}

func newRawConn(fd int) *rawConn { return &rawConn{fd: fd} }

func (c *rawConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return 0, errWouldBlock
		}
		if err == syscall.EINTR {
			return 0, errWouldBlock
		}
		return 0, err
	}
	if n == 0 && len(p) > 0 {
		// read(2) reports an orderly peer shutdown as zero bytes.
		return 0, io.EOF
	}
	return n, nil
}

func (c *rawConn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return n, errWouldBlock
		}
		if err == syscall.EINTR {
			return n, errWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (c *rawConn) Close() error {
	return unix.Close(c.fd)
}
