// Copyright (c) 2012, Sean Treadway, SoundCloud Ltd.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/streadway/amqp

package amqp

import (
	"net"
	"os"
	"sync"
	"time"
)

const defaultConnectionTimeout = 30 * time.Second

// Connection is one AMQP 0-9-1 connection: a dialed or caller-supplied
// socket driven by a single EventLoop goroutine from handshake through
// steady state to close. There must be no other goroutine touching the
// loop's state; Submit and Close are the only safe ways in from outside.
type Connection struct {
	destructor sync.Once // shutdown once
	m          sync.Mutex

	conn net.Conn
	file *os.File
	loop *EventLoop

	done     chan struct{}
	closes   []chan *Error
	noNotify bool

	runErr *Error
}

// Dial accepts a string in the AMQP URI format and returns a new
// Connection over TCP, using PLAIN auth built from the URI's userinfo and
// this package's default Options otherwise.
func Dial(uri string) (*Connection, error) {
	return DialConfig(uri, Options{})
}

// DialConfig accepts a string in the AMQP URI format and an Options value
// controlling the handshake, returning a new Connection. Auth and VHost
// fall back to what the URI carries when left unset in opts.
func DialConfig(uri string, opts Options) (*Connection, error) {
	parsed, err := parseAMQPURI(uri)
	if err != nil {
		return nil, err
	}
	if opts.Auth == nil {
		opts.Auth = parsed.PlainAuth()
	}
	if opts.VHost == "" {
		opts.VHost = parsed.VHost
	}

	conn, err := net.DialTimeout("tcp", parsed.Address(), defaultConnectionTimeout)
	if err != nil {
		return nil, wrapErr(err, ErrIo)
	}

	return Open(conn, opts)
}

/*
Open accepts an already established *net.TCPConn (or anything offering
the same File() accessor, such as *net.UnixConn) as the transport. Use
this when you want to hand in a socket you dialed yourself. A conn
without a File() accessor, such as a *tls.Conn, is rejected with an
ErrIo error.

The returned Connection's EventLoop is already running in its own
goroutine by the time Open returns; callers learn of its eventual,
unavoidable termination through NotifyClose.
*/
func Open(conn net.Conn, opts Options) (*Connection, error) {
	opts = opts.withDefaults()

	file, err := fileOf(conn)
	if err != nil {
		return nil, wrapErr(err, ErrIo)
	}

	poller, err := newSocketPoller(int(file.Fd()))
	if err != nil {
		file.Close()
		return nil, err
	}

	c := &Connection{
		conn: conn,
		file: file,
		loop: newEventLoop(newRawConn(int(file.Fd())), poller, opts),
		done: make(chan struct{}),
	}

	go c.run()

	return c, nil
}

// fileOf extracts the underlying *os.File from a net.Conn so its
// descriptor can be driven directly by the raw, non-blocking poller and
// reader/writer in poller_unix.go/conn_unix.go, bypassing the runtime
// netpoller entirely as spec.md §5 requires. File() dup's the descriptor,
// so shutdown closes both Connection.file and conn.
func fileOf(conn net.Conn) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	f, ok := conn.(filer)
	if !ok {
		return nil, errMalformed("connection type has no File() accessor")
	}
	return f.File()
}

// run drives the EventLoop until it ends, which it always eventually
// does, and fans the terminal error out to every NotifyClose listener.
func (c *Connection) run() {
	err := c.loop.Run()
	c.shutdown(err)
}

func (c *Connection) shutdown(err error) {
	c.destructor.Do(func() {
		c.m.Lock()
		defer c.m.Unlock()

		if ae, ok := err.(*Error); ok {
			c.runErr = ae
			for _, ch := range c.closes {
				ch <- ae
			}
		}

		for _, ch := range c.closes {
			close(ch)
		}

		c.noNotify = true
		close(c.done)

		c.file.Close()
		c.conn.Close()
	})
}

/*
NotifyClose registers a listener for the error that ends this
connection's event loop - a protocol violation, a transport failure, or a
clean server- or client-initiated close.

Every ending, a clean close included, is delivered as one *Error value
(ErrServerClosedConnection or ErrClientClosedConnection for a clean
close), after which the channel is closed.

To reconnect after a transport or protocol error, register a listener
here and re-run your setup process once it fires.
*/
func (c *Connection) NotifyClose(ch chan *Error) chan *Error {
	c.m.Lock()
	defer c.m.Unlock()

	if c.noNotify {
		if c.runErr != nil {
			ch <- c.runErr
		}
		close(ch)
	} else {
		c.closes = append(c.closes, ch)
	}
	return ch
}

// Submit is the host-layer boundary's producing side (spec.md §6): it
// hands a method frame on channelID to the EventLoop goroutine via
// submitCh, rather than touching Inner directly, since Submit runs on the
// caller's goroutine and Inner is owned exclusively by the loop (spec.md
// §5). A layer above this package that multiplexes AMQP channels and
// content frames is out of scope here; Submit is its entry point.
func (c *Connection) Submit(channelID uint16, method Method) error {
	select {
	case c.loop.submitCh <- outboundMethod{channelID: channelID, method: method}:
		return nil
	case <-c.done:
		return c.closedErr()
	}
}

/*
Close requests a clean shutdown of the AMQP connection and waits for the
event loop to end, either because it saw the matching close-ok or because
some other terminal condition beat it to the exit.

An error return doesn't necessarily mean the close request itself failed;
it means the final state of the connection was something other than a
clean client-initiated close, and the connection should be treated as
closed regardless.
*/
func (c *Connection) Close() error {
	select {
	case c.loop.closeReqCh <- closeInfo{ReplyCode: 200, ReplyText: "connection closed by client"}:
	case <-c.done:
	}
	<-c.done
	if c.runErr != nil && c.runErr.Kind != ErrClientClosedConnection {
		return c.runErr
	}
	return nil
}

// closedErr reports why the loop already ended, for callers who lost the
// race between Submit and shutdown.
func (c *Connection) closedErr() error {
	c.m.Lock()
	defer c.m.Unlock()
	if c.runErr != nil {
		return c.runErr
	}
	return newErr(ErrClientClosedConnection)
}
