package amqp

import (
	"bytes"
	"encoding/binary"
	"io"
)

const (
	frameMethod    byte = 1
	frameHeader    byte = 2
	frameBody      byte = 3
	frameHeartbeat byte = 8
	frameEnd       byte = 0xCE

	classConnection uint16 = 10

	methodConnectionStart    uint16 = 10
	methodConnectionStartOk  uint16 = 11
	methodConnectionSecure   uint16 = 20
	methodConnectionSecureOk uint16 = 21
	methodConnectionTune     uint16 = 30
	methodConnectionTuneOk   uint16 = 31
	methodConnectionOpen     uint16 = 40
	methodConnectionOpenOk   uint16 = 41
	methodConnectionClose    uint16 = 50
	methodConnectionCloseOk  uint16 = 51

	// frameMinSize is the protocol's floor for a negotiated frame-max.
	frameMinSize uint32 = 4096
)

var protocolHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// Frame is any decoded AMQP frame the event loop can receive. The core only
// cares about method frames (on channel 0, for the handshake and close) and
// heartbeat frames; anything else is carried as otherFrame so the
// connection-state machine can still apply its Steady-state default
// (NOT_IMPLEMENTED close) the way spec.md §6 requires.
type Frame interface {
	Channel() uint16
}

// MethodFrame carries one decoded AMQP method.
type MethodFrame struct {
	ChannelID uint16
	Method    Method
}

func (f *MethodFrame) Channel() uint16 { return f.ChannelID }

// HeartbeatFrame is the zero-payload liveness frame on channel 0.
type HeartbeatFrame struct{}

func (HeartbeatFrame) Channel() uint16 { return 0 }

// otherFrame represents a header or body frame, or a method frame for a
// class/method this core doesn't decode in full (e.g. channel/basic
// methods). It carries just enough to describe itself in an error.
type otherFrame struct {
	ChannelID uint16
	Desc      string
}

func (f *otherFrame) Channel() uint16 { return f.ChannelID }

// Method is any decoded or to-be-encoded AMQP method argument list.
type Method interface {
	classID() uint16
	methodID() uint16
}

type ConnectionStart struct {
	VersionMajor     byte
	VersionMinor     byte
	ServerProperties Table
	Mechanisms       string
	Locales          string
}

func (ConnectionStart) classID() uint16  { return classConnection }
func (ConnectionStart) methodID() uint16 { return methodConnectionStart }

type ConnectionStartOk struct {
	ClientProperties Table
	Mechanism        string
	Response         string
	Locale           string
}

func (ConnectionStartOk) classID() uint16  { return classConnection }
func (ConnectionStartOk) methodID() uint16 { return methodConnectionStartOk }

type ConnectionSecure struct {
	Challenge string
}

func (ConnectionSecure) classID() uint16  { return classConnection }
func (ConnectionSecure) methodID() uint16 { return methodConnectionSecure }

type ConnectionTune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (ConnectionTune) classID() uint16  { return classConnection }
func (ConnectionTune) methodID() uint16 { return methodConnectionTune }

type ConnectionTuneOk struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (ConnectionTuneOk) classID() uint16  { return classConnection }
func (ConnectionTuneOk) methodID() uint16 { return methodConnectionTuneOk }

type ConnectionOpen struct {
	VirtualHost string
}

func (ConnectionOpen) classID() uint16  { return classConnection }
func (ConnectionOpen) methodID() uint16 { return methodConnectionOpen }

type ConnectionOpenOk struct{}

func (ConnectionOpenOk) classID() uint16  { return classConnection }
func (ConnectionOpenOk) methodID() uint16 { return methodConnectionOpenOk }

type ConnectionClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func (ConnectionClose) classID() uint16  { return classConnection }
func (ConnectionClose) methodID() uint16 { return methodConnectionClose }

type ConnectionCloseOk struct{}

func (ConnectionCloseOk) classID() uint16  { return classConnection }
func (ConnectionCloseOk) methodID() uint16 { return methodConnectionCloseOk }

// encodeMethodPayload serializes a method's class/method id plus its
// arguments. Failures here are ErrInternalSerializationError: we only ever
// encode methods this package built itself.
func encodeMethodPayload(buf *bytes.Buffer, m Method) error {
	if err := binary.Write(buf, binary.BigEndian, m.classID()); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, m.methodID()); err != nil {
		return err
	}
	switch mm := m.(type) {
	case ConnectionStartOk:
		if err := encodeTable(buf, mm.ClientProperties); err != nil {
			return err
		}
		writeShortString(buf, mm.Mechanism)
		writeLongString(buf, mm.Response)
		writeShortString(buf, mm.Locale)
	case ConnectionTuneOk:
		binary.Write(buf, binary.BigEndian, mm.ChannelMax)
		binary.Write(buf, binary.BigEndian, mm.FrameMax)
		binary.Write(buf, binary.BigEndian, mm.Heartbeat)
	case ConnectionOpen:
		writeShortString(buf, mm.VirtualHost)
		writeShortString(buf, "")  // capabilities, reserved
		buf.WriteByte(0)           // insist, reserved
	case ConnectionClose:
		binary.Write(buf, binary.BigEndian, mm.ReplyCode)
		writeShortString(buf, mm.ReplyText)
		binary.Write(buf, binary.BigEndian, mm.ClassID)
		binary.Write(buf, binary.BigEndian, mm.MethodID)
	case ConnectionCloseOk:
		// no arguments
	default:
		return errInternalSerialization(m)
	}
	return nil
}

func errInternalSerialization(m Method) error {
	return &Error{Kind: ErrInternalSerializationError, Text: "unsupported outbound method"}
}

func writeShortString(buf *bytes.Buffer, s string) {
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func writeLongString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint32(len(s)))
	buf.WriteString(s)
}

func readShortString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", errMalformed("short string length")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", errMalformed("short string")
	}
	return string(b), nil
}

func readLongString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", errMalformed("long string length")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", errMalformed("long string")
	}
	return string(b), nil
}

// decodeMethodPayload decodes the class/method id plus arguments for the
// subset of connection-class methods this core receives. Anything else
// (other classes, or a connection method we never receive) decodes to
// otherFrame so the state machine can apply its generic "other" handling.
func decodeMethodPayload(channel uint16, payload []byte) (Frame, error) {
	r := bytes.NewReader(payload)
	var classID, methodIDVal uint16
	if err := binary.Read(r, binary.BigEndian, &classID); err != nil {
		return nil, errMalformed("method class id")
	}
	if err := binary.Read(r, binary.BigEndian, &methodIDVal); err != nil {
		return nil, errMalformed("method method id")
	}

	if classID != classConnection {
		return &otherFrame{ChannelID: channel, Desc: "non-connection method"}, nil
	}

	switch methodIDVal {
	case methodConnectionStart:
		var major, minor byte
		if b, err := r.ReadByte(); err != nil {
			return nil, errMalformed("start.version-major")
		} else {
			major = b
		}
		if b, err := r.ReadByte(); err != nil {
			return nil, errMalformed("start.version-minor")
		} else {
			minor = b
		}
		props, err := decodeTable(r)
		if err != nil {
			return nil, err
		}
		mechanisms, err := readLongString(r)
		if err != nil {
			return nil, err
		}
		locales, err := readLongString(r)
		if err != nil {
			return nil, err
		}
		return &MethodFrame{ChannelID: channel, Method: ConnectionStart{
			VersionMajor: major, VersionMinor: minor,
			ServerProperties: props, Mechanisms: mechanisms, Locales: locales,
		}}, nil

	case methodConnectionSecure:
		challenge, err := readLongString(r)
		if err != nil {
			return nil, err
		}
		return &MethodFrame{ChannelID: channel, Method: ConnectionSecure{Challenge: challenge}}, nil

	case methodConnectionTune:
		var chMax uint16
		var frMax uint32
		var hb uint16
		if err := binary.Read(r, binary.BigEndian, &chMax); err != nil {
			return nil, errMalformed("tune.channel-max")
		}
		if err := binary.Read(r, binary.BigEndian, &frMax); err != nil {
			return nil, errMalformed("tune.frame-max")
		}
		if err := binary.Read(r, binary.BigEndian, &hb); err != nil {
			return nil, errMalformed("tune.heartbeat")
		}
		return &MethodFrame{ChannelID: channel, Method: ConnectionTune{ChannelMax: chMax, FrameMax: frMax, Heartbeat: hb}}, nil

	case methodConnectionOpenOk:
		if _, err := readShortString(r); err != nil {
			return nil, err
		}
		return &MethodFrame{ChannelID: channel, Method: ConnectionOpenOk{}}, nil

	case methodConnectionClose:
		var code uint16
		if err := binary.Read(r, binary.BigEndian, &code); err != nil {
			return nil, errMalformed("close.reply-code")
		}
		text, err := readShortString(r)
		if err != nil {
			return nil, err
		}
		var classID2, methodID2 uint16
		if err := binary.Read(r, binary.BigEndian, &classID2); err != nil {
			return nil, errMalformed("close.class-id")
		}
		if err := binary.Read(r, binary.BigEndian, &methodID2); err != nil {
			return nil, errMalformed("close.method-id")
		}
		return &MethodFrame{ChannelID: channel, Method: ConnectionClose{
			ReplyCode: code, ReplyText: text, ClassID: classID2, MethodID: methodID2,
		}}, nil

	case methodConnectionCloseOk:
		return &MethodFrame{ChannelID: channel, Method: ConnectionCloseOk{}}, nil

	default:
		return &otherFrame{ChannelID: channel, Desc: "unexpected connection method"}, nil
	}
}
