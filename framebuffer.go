package amqp

import (
	"encoding/binary"
	"errors"
	"io"
)

// frameHeaderSize is type(1) + channel(2) + payload-size(4).
const frameHeaderSize = 1 + 2 + 4

// FrameBuffer consumes bytes from a readable source and yields complete
// decoded frames to a callback, buffering any partial frame across calls.
// It is the Go counterpart of the teacher's bufio.Reader-backed `reader`,
// generalized to the would-block-aware, non-blocking read path spec.md
// §4.1 requires.
type FrameBuffer struct {
	buf []byte
}

// NewFrameBuffer returns an empty FrameBuffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// errWouldBlock is the sentinel this package uses to recognize a
// non-blocking read that made no progress. Production reads come from a
// non-blocking fd via the Poller; tests can return this directly from a
// fake source.
var errWouldBlock = errors.New("amqp: would block")

// ReadFrom drains source until it signals would-block or EOF, dispatching
// every complete frame to callback in arrival order. It returns the number
// of bytes read so the caller can record rx-activity. Any error from the
// callback aborts immediately and is returned to the caller.
func (fb *FrameBuffer) ReadFrom(source io.Reader, callback func(Frame) error) (int, error) {
	var total int
	var chunk [4096]byte

	for {
		n, err := source.Read(chunk[:])
		if n > 0 {
			total += n
			fb.buf = append(fb.buf, chunk[:n]...)
			if derr := fb.drainFrames(callback); derr != nil {
				return total, derr
			}
		}
		if err != nil {
			if errors.Is(err, errWouldBlock) || isWouldBlock(err) {
				return total, nil
			}
			if errors.Is(err, io.EOF) {
				return total, wrapErr(err, ErrUnexpectedSocketClose)
			}
			return total, wrapErr(err, ErrIo)
		}
		if n == 0 {
			return total, nil
		}
	}
}

// drainFrames decodes and dispatches every complete frame currently
// buffered, leaving any trailing partial frame in fb.buf.
func (fb *FrameBuffer) drainFrames(callback func(Frame) error) error {
	for {
		frame, consumed, err := fb.tryParseOne()
		if err != nil {
			return err
		}
		if frame == nil {
			return nil
		}
		fb.buf = fb.buf[consumed:]
		if err := callback(frame); err != nil {
			return err
		}
	}
}

// tryParseOne returns (nil, 0, nil) when fb.buf doesn't yet hold a complete
// frame. A malformed frame-end octet is ErrReceivedMalformed.
func (fb *FrameBuffer) tryParseOne() (Frame, int, error) {
	if len(fb.buf) < frameHeaderSize {
		return nil, 0, nil
	}
	typ := fb.buf[0]
	channel := binary.BigEndian.Uint16(fb.buf[1:3])
	size := binary.BigEndian.Uint32(fb.buf[3:7])

	total := frameHeaderSize + int(size) + 1
	if len(fb.buf) < total {
		return nil, 0, nil
	}
	payload := fb.buf[frameHeaderSize : frameHeaderSize+int(size)]
	if fb.buf[total-1] != frameEnd {
		return nil, 0, errMalformed("frame-end octet")
	}

	switch typ {
	case frameMethod:
		f, err := decodeMethodPayload(channel, payload)
		return f, total, err
	case frameHeartbeat:
		return HeartbeatFrame{}, total, nil
	case frameHeader, frameBody:
		return &otherFrame{ChannelID: channel, Desc: "content frame"}, total, nil
	default:
		return nil, 0, errMalformed("unknown frame type")
	}
}

// isWouldBlock recognizes a non-blocking read/write that made no progress:
// either this package's own errWouldBlock sentinel (rawConn on unix, or a
// fake source/sink in tests) or a net.Error whose Timeout() is true, which
// a deadline-based non-blocking emulation would produce.
func isWouldBlock(err error) bool {
	if errors.Is(err, errWouldBlock) {
		return true
	}
	type timeoutter interface{ Timeout() bool }
	if t, ok := err.(timeoutter); ok {
		return t.Timeout()
	}
	return false
}
