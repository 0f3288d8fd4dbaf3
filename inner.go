package amqp

import (
	"io"

	"github.com/sirupsen/logrus"
)

// closeRequest pairs a pending close with the absolute byte offset into
// outbuf marking the end of the frame that closes the connection - either
// the close-ok we owe the server, or our own close. See spec.md §3's
// CloseRequest and invariant 2.
type closeRequest struct {
	close closeInfo
	pos   int
}

// Inner is the mutable context shared by the read, write, and timer paths:
// the output buffer, close-request bookkeeping, options, and heartbeats.
// It is owned exclusively by the EventLoop goroutine; nothing else may
// touch it while the loop is running (spec.md §5).
type Inner struct {
	outbuf OutputBuffer

	serverCloseReq *closeRequest
	ourCloseReq    *closeRequest

	options    Options
	heartbeats HeartbeatTimers
}

func newInner(options Options) *Inner {
	return &Inner{options: options}
}

func (in *Inner) log() *logrus.Entry { return in.options.Logger }

func (in *Inner) hasDataToWrite() bool { return !in.outbuf.IsEmpty() }

// PushMethod is the host-layer boundary's producing side (spec.md §6):
// anything that wants to speak on the wire calls through here.
func (in *Inner) PushMethod(channelID uint16, method Method) error {
	return in.outbuf.PushMethod(channelID, method)
}

func (in *Inner) startHeartbeats(intervalSeconds uint16) {
	if intervalSeconds > 0 {
		in.log().Debugf("starting heartbeat timers (%d sec)", intervalSeconds)
		in.heartbeats.Start(intervalSeconds)
	}
}

// setServerCloseReq records the server's connection.close, replying with
// close-ok exactly once even if the server sends close more than once
// (spec.md §8's idempotence property).
func (in *Inner) setServerCloseReq(close closeInfo) error {
	in.log().Infof("received close request from server (%d: %s)", close.ReplyCode, close.ReplyText)
	if in.serverCloseReq != nil {
		return nil
	}
	if err := in.outbuf.PushMethod(0, ConnectionCloseOk{}); err != nil {
		return err
	}
	in.serverCloseReq = &closeRequest{close: close, pos: in.outbuf.Len()}
	return nil
}

// setOurCloseReq records our own connection.close, again idempotently.
func (in *Inner) setOurCloseReq(close closeInfo) error {
	if in.ourCloseReq != nil {
		return nil
	}
	if err := in.outbuf.PushMethod(0, ConnectionClose{
		ReplyCode: close.ReplyCode,
		ReplyText: close.ReplyText,
	}); err != nil {
		return err
	}
	in.ourCloseReq = &closeRequest{close: close, pos: in.outbuf.Len()}
	return nil
}

func (in *Inner) recordRxActivity() { in.heartbeats.RecordRxActivity() }

// readFromStream drains source via the FrameBuffer and feeds every decoded
// frame to the state machine, dropping channel-0 heartbeats first the way
// spec.md §4.6 step 3 describes.
func (in *Inner) readFromStream(state *ConnectionState, source io.Reader, fb *FrameBuffer) error {
	n, err := fb.ReadFrom(source, func(frame Frame) error {
		if _, ok := frame.(HeartbeatFrame); ok {
			in.log().Debug("received heartbeat")
			return nil
		}
		next, err := (*state).process(in, frame)
		if err != nil {
			return err
		}
		*state = next
		return nil
	})
	if n > 0 {
		in.recordRxActivity()
	}
	return err
}

// writeTo implements the write path of spec.md §4.5.
func (in *Inner) writeTo(state *ConnectionState, w writerAt) error {
	if (*state).isClosing() {
		// We must not send anything after our own close.
		in.outbuf.Clear()
		return nil
	}

	length := in.outbuf.Len()
	if in.serverCloseReq != nil && in.serverCloseReq.pos < length {
		length = in.serverCloseReq.pos
	}
	if in.ourCloseReq != nil && in.ourCloseReq.pos < length {
		length = in.ourCloseReq.pos
	}

	pos := 0
	for pos < length {
		n, err := w.Write(in.outbuf.Bytes()[pos:length])
		if n > 0 {
			in.heartbeats.RecordTxActivity()
			pos += n
		}
		if err != nil {
			if isWouldBlock(err) {
				if in.serverCloseReq != nil {
					in.serverCloseReq.pos -= pos
				}
				in.outbuf.DrainWritten(pos)
				return nil
			}
			return wrapErr(err, ErrIo)
		}
	}

	if in.serverCloseReq != nil && length == in.serverCloseReq.pos {
		in.log().Info("sent close-ok in response to server's close request; dropping connection")
		return newCloseErr(ErrServerClosedConnection, in.serverCloseReq.close.ReplyCode, in.serverCloseReq.close.ReplyText)
	}

	if in.ourCloseReq != nil && length == in.ourCloseReq.pos {
		in.log().Info("sent close request to server")
		*state = stateClosing{close: in.ourCloseReq.close}
	}

	// Wrote everything available; clear rather than drain the tail that
	// may have arrived after our close (see spec.md §9's open question).
	in.outbuf.Clear()
	return nil
}

// processHeartbeatTimers implements the firing policy of spec.md §4.3.
func (in *Inner) processHeartbeatTimers() error {
	for _, kind := range in.heartbeats.PollDue() {
		switch kind {
		case heartbeatRx:
			switch in.heartbeats.FireRx() {
			case heartbeatStillRunning:
				in.log().Trace("rx heartbeat timer fired, but have received data since last")
			case heartbeatExpired:
				in.log().Error("missed heartbeats from server - closing connection")
				return newErr(ErrMissedServerHeartbeats)
			}
		case heartbeatTx:
			switch in.heartbeats.FireTx() {
			case heartbeatStillRunning:
				in.log().Trace("tx heartbeat timer fired, but have sent data since last")
			case heartbeatExpired:
				if in.outbuf.IsEmpty() {
					in.log().Debug("sending heartbeat")
					in.outbuf.PushHeartbeat()
				} else {
					in.log().Warn("tx heartbeat fired, but already have queued data to write - possible socket problem")
				}
			}
		}
	}
	return nil
}

// writerAt is the minimal write surface writeTo needs; satisfied by the
// non-blocking rawConn (see conn_unix.go) and trivially by any io.Writer
// in tests.
type writerAt interface {
	Write([]byte) (int, error)
}
