package amqp

import "time"

// socketPoller is the readiness primitive the EventLoop drives. It exists
// as an interface, rather than a direct syscall.Conn user, so the reactor
// in eventloop.go can be exercised in tests against a fake implementation
// without a real socket or a real OS poller.
//
// Unlike the mio-based original, which needs a second registered token for
// its timer wheel, this binding folds heartbeat due-ness into wall-clock
// comparisons the EventLoop makes on every wakeup (see heartbeat.go's
// NextDeadline/PollDue) - so socketPoller only ever reports on the one
// stream fd, and the EventLoop computes the wait timeout from whichever of
// Options.PollTimeout or the next heartbeat deadline is sooner.
type socketPoller interface {
	// Wait blocks until the stream is readable, writable (if interested),
	// the timeout elapses, or an error occurs. hasTimeout false means wait
	// forever.
	Wait(timeout time.Duration, hasTimeout bool) (readable, writable bool, err error)

	// SetInterest toggles whether Wait also watches for writability.
	// Readability is always of interest.
	SetInterest(writable bool)

	Close() error
}
