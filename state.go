package amqp

import (
	"fmt"
	"strings"
)

// closeInfo is the reply-code/reply-text pair carried by a pending close,
// the Go equivalent of the Rust amq_protocol Close method's two fields.
type closeInfo struct {
	ReplyCode uint16
	ReplyText string
}

// ConnectionState is the handshake state machine of spec.md §4.4: a tagged
// variant reacting to inbound method frames on channel 0. Each concrete
// type is one of the six states; process returns the next state (itself,
// for most transitions) and any fatal error.
type ConnectionState interface {
	process(inner *Inner, frame Frame) (ConnectionState, error)
	isClosing() bool
}

type stateStart struct{}
type stateSecure struct{}
type stateTune struct{}
type stateOpen struct{}
type stateSteady struct{}
type stateClosing struct{ close closeInfo }

func (stateStart) isClosing() bool   { return false }
func (stateSecure) isClosing() bool  { return false }
func (stateTune) isClosing() bool    { return false }
func (stateOpen) isClosing() bool    { return false }
func (stateSteady) isClosing() bool  { return false }
func (stateClosing) isClosing() bool { return true }

func methodOf(frame Frame) (Method, bool) {
	mf, ok := frame.(*MethodFrame)
	if !ok {
		return nil, false
	}
	return mf.Method, true
}

func (stateStart) process(inner *Inner, frame Frame) (ConnectionState, error) {
	m, ok := methodOf(frame)
	if !ok {
		return nil, newWrongFrameErr("start")
	}
	start, ok := m.(ConnectionStart)
	if !ok {
		return nil, newWrongFrameErr("start")
	}

	inner.log().Debugf("received handshake %+v", start)

	startOk, err := inner.options.makeStartOk(start)
	if err != nil {
		return nil, err
	}

	inner.log().Debugf("sending handshake %+v", startOk)
	if err := inner.PushMethod(0, startOk); err != nil {
		return nil, err
	}
	return stateSecure{}, nil
}

func (stateSecure) process(inner *Inner, frame Frame) (ConnectionState, error) {
	m, ok := methodOf(frame)
	if !ok {
		return nil, newWrongFrameErr("secure or tune")
	}
	switch mm := m.(type) {
	case ConnectionSecure:
		inner.log().Debugf("received handshake %+v", mm)
		return nil, newErr(ErrSaslSecureNotSupported)
	case ConnectionTune:
		return stateTune{}.process(inner, frame)
	default:
		return nil, newWrongFrameErr("secure or tune")
	}
}

func (stateTune) process(inner *Inner, frame Frame) (ConnectionState, error) {
	m, ok := methodOf(frame)
	if !ok {
		return nil, newWrongFrameErr("tune")
	}
	tune, ok := m.(ConnectionTune)
	if !ok {
		return nil, newWrongFrameErr("tune")
	}

	inner.log().Debugf("received handshake %+v", tune)

	tuneOk, err := inner.options.makeTuneOk(tune)
	if err != nil {
		return nil, err
	}
	inner.startHeartbeats(tuneOk.Heartbeat)

	inner.log().Debugf("sending handshake %+v", tuneOk)
	if err := inner.PushMethod(0, tuneOk); err != nil {
		return nil, err
	}

	open := inner.options.makeOpen()
	inner.log().Debugf("sending handshake %+v", open)
	if err := inner.PushMethod(0, open); err != nil {
		return nil, err
	}

	return stateOpen{}, nil
}

func (stateOpen) process(inner *Inner, frame Frame) (ConnectionState, error) {
	m, ok := methodOf(frame)
	if !ok {
		return nil, newWrongFrameErr("open-ok")
	}
	switch mm := m.(type) {
	case ConnectionOpenOk:
		inner.log().Debugf("received handshake %+v", mm)
		return stateSteady{}, nil
	case ConnectionClose:
		if err := inner.setServerCloseReq(closeInfo{mm.ReplyCode, mm.ReplyText}); err != nil {
			return nil, err
		}
		return stateOpen{}, nil
	default:
		return nil, newWrongFrameErr("open-ok")
	}
}

func (stateSteady) process(inner *Inner, frame Frame) (ConnectionState, error) {
	if mm, ok := methodOf(frame); ok {
		if closeM, ok := mm.(ConnectionClose); ok {
			if err := inner.setServerCloseReq(closeInfo{closeM.ReplyCode, closeM.ReplyText}); err != nil {
				return nil, err
			}
			return stateSteady{}, nil
		}
	}

	text := fmt.Sprintf("do not know how to handle frame %v", frame)
	inner.log().Errorf("%s - closing connection", text)
	if err := inner.setOurCloseReq(closeInfo{ReplyCode: notImplementedCode, ReplyText: text}); err != nil {
		return nil, err
	}
	return stateSteady{}, nil
}

func (s stateClosing) process(inner *Inner, frame Frame) (ConnectionState, error) {
	if mm, ok := methodOf(frame); ok {
		if _, ok := mm.(ConnectionCloseOk); ok {
			return nil, newCloseErr(ErrClientClosedConnection, s.close.ReplyCode, s.close.ReplyText)
		}
	}
	inner.log().Trace("discarding frame (waiting for close-ok)")
	return s, nil
}

// notImplementedCode is AMQP's NOT-IMPLEMENTED hard error reply code,
// used when the Steady state has no handler for an inbound frame.
const notImplementedCode uint16 = 540

// makeStartOk picks a mutually supported SASL mechanism and locale and
// builds the start-ok method, implementing the auth-negotiation rules of
// spec.md §4.4.
func (o Options) makeStartOk(start ConnectionStart) (ConnectionStartOk, error) {
	if o.Auth == nil {
		o.Auth = PlainAuth{}
	}
	mechanisms := strings.Fields(start.Mechanisms)
	if !contains(mechanisms, o.Auth.Mechanism()) {
		return ConnectionStartOk{}, newListErr(ErrUnsupportedAuthMechanism, start.Mechanisms)
	}

	locale := o.resolveLocale()
	locales := strings.Fields(start.Locales)
	if !contains(locales, locale) {
		return ConnectionStartOk{}, newListErr(ErrUnsupportedLocale, start.Locales)
	}

	return ConnectionStartOk{
		ClientProperties: Table{
			"product": "github.com/go-amqp/coreloop",
			"platform": "Go",
			"capabilities": Table{
				"connection.blocked": true,
			},
		},
		Mechanism: o.Auth.Mechanism(),
		Response:  o.Auth.Response(""),
		Locale:    locale,
	}, nil
}

// makeTuneOk negotiates channel-max/frame-max/heartbeat per spec.md §4.4.
func (o Options) makeTuneOk(tune ConnectionTune) (ConnectionTuneOk, error) {
	channelMax := tune.ChannelMax
	if channelMax == 0 {
		channelMax = o.ChannelMax
	}

	frameMax := o.FrameMax
	if tune.FrameMax != 0 && tune.FrameMax < frameMax {
		frameMax = tune.FrameMax
	}
	if frameMax < frameMinSize {
		return ConnectionTuneOk{}, newFrameMaxErr(frameMinSize)
	}

	heartbeat := o.Heartbeat
	if heartbeat == 0 {
		heartbeat = tune.Heartbeat
	}

	return ConnectionTuneOk{
		ChannelMax: channelMax,
		FrameMax:   frameMax,
		Heartbeat:  heartbeat,
	}, nil
}

func (o Options) makeOpen() ConnectionOpen {
	return ConnectionOpen{VirtualHost: o.VHost}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
