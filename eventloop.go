package amqp

import (
	"io"
	"time"
)

// outboundMethod is one queued Submit call: a method frame bound for
// channelID, waiting to cross from the caller's goroutine into the
// EventLoop's.
type outboundMethod struct {
	channelID uint16
	method    Method
}

// submitQueueDepth bounds how many outbound method frames a caller can have
// queued before Submit starts blocking (closeReqCh holds a single close
// request); generous
// enough that a reasonable caller never notices, small enough that a
// runaway producer can't grow the reactor's backlog unboundedly.
const submitQueueDepth = 64

// EventLoop is the single-threaded, cooperative reactor of spec.md §4.6: it
// owns the one TCP socket (via conn and poller), polls readiness, and
// dispatches to the write/read/timer paths each iteration. Its only
// suspension point is the poller.Wait call (spec.md §5); submitCh and
// closeReqCh are the host-layer boundary (spec.md §6) that let another
// goroutine hand frames to the loop without a second suspension point - the
// loop only ever drains them with a non-blocking select at the top of each
// iteration, before poller.Wait.
type EventLoop struct {
	conn        io.ReadWriteCloser
	poller      socketPoller
	frameBuffer *FrameBuffer
	inner       *Inner
	state       ConnectionState

	submitCh   chan outboundMethod
	closeReqCh chan closeInfo
}

func newEventLoop(conn io.ReadWriteCloser, poller socketPoller, options Options) *EventLoop {
	return &EventLoop{
		conn:        conn,
		poller:      poller,
		frameBuffer: NewFrameBuffer(),
		inner:       newInner(options),
		state:       stateStart{},
		submitCh:    make(chan outboundMethod, submitQueueDepth),
		closeReqCh:  make(chan closeInfo, 1),
	}
}

// Run drives the handshake and then the steady-state loop until a fatal
// error or a clean close. It never returns nil: per spec.md §3, there is no
// normal-completion terminal state.
func (el *EventLoop) Run() error {
	el.sendProtocolHeader()

	err := el.mainLoop()
	return withSecureRewrite(err, el.state)
}

// sendProtocolHeader queues the fixed "AMQP\x00\x00\x09\x01" preamble that
// opens every AMQP 0-9-1 connection, ahead of anything ConnectionState ever
// pushes.
func (el *EventLoop) sendProtocolHeader() {
	el.inner.outbuf.buf = append(el.inner.outbuf.buf, protocolHeader...)
}

func (el *EventLoop) mainLoop() error {
	for {
		if err := el.drainSubmissions(); err != nil {
			return err
		}

		hadData := el.inner.hasDataToWrite()
		el.poller.SetInterest(hadData)

		timeout, hasTimeout := computeTimeout(el.inner.options.PollTimeout, el.inner.heartbeats)
		readable, writable, err := el.poller.Wait(timeout, hasTimeout)
		if err != nil {
			return err
		}

		if !readable && !writable {
			if len(el.inner.heartbeats.PollDue()) == 0 {
				return newErr(ErrSocketPollTimeout)
			}
			// Otherwise this wakeup was the heartbeat deadline arriving;
			// fall through to processHeartbeatTimers below.
		}

		if writable {
			if err := el.inner.writeTo(&el.state, el.conn); err != nil {
				return err
			}
		}
		if readable {
			if err := el.inner.readFromStream(&el.state, el.conn, el.frameBuffer); err != nil {
				return err
			}
		}
		if err := el.inner.processHeartbeatTimers(); err != nil {
			return err
		}
	}
}

// drainSubmissions applies every Submit/Close call queued since the last
// iteration. It never blocks: once both channels are empty it returns, so
// it adds no suspension point beyond the one in poller.Wait.
func (el *EventLoop) drainSubmissions() error {
	for {
		select {
		case sub := <-el.submitCh:
			if err := el.inner.PushMethod(sub.channelID, sub.method); err != nil {
				return err
			}
		case close := <-el.closeReqCh:
			if err := el.inner.setOurCloseReq(close); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// computeTimeout picks the sooner of the caller's configured poll timeout
// and the next heartbeat deadline, so a single poll wakes for either cause
// (spec.md §9's design note, realized here via wall-clock comparison
// instead of a second registered timer fd).
func computeTimeout(optTimeout *time.Duration, heartbeats HeartbeatTimers) (time.Duration, bool) {
	var (
		have bool
		best time.Duration
	)
	if deadline, ok := heartbeats.NextDeadline(); ok {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		best, have = d, true
	}
	if optTimeout != nil {
		if !have || *optTimeout < best {
			best, have = *optTimeout, true
		}
	}
	return best, have
}
