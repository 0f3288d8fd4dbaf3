package amqp

import "bytes"

// OutputBuffer is an append-only staging buffer of serialized outbound
// frames, matching spec.md §4.2. It supports truncation from the front
// after a partial write, which is why it's a plain byte slice rather than
// something like a bytes.Buffer (whose Bytes() view isn't stable across
// further writes the way ours needs to be for drainWritten bookkeeping).
type OutputBuffer struct {
	buf []byte
}

// NewOutputBuffer returns an empty OutputBuffer.
func NewOutputBuffer() *OutputBuffer {
	return &OutputBuffer{}
}

// PushMethod serializes one method frame on channelID and appends it. A serialization failure here is always
// ErrInternalSerializationError - a bug in this package, never a peer
// problem, since every outbound method is one this package constructed.
func (o *OutputBuffer) PushMethod(channelID uint16, method Method) error {
	var payload bytes.Buffer
	if err := encodeMethodPayload(&payload, method); err != nil {
		if _, ok := err.(*Error); ok {
			return err
		}
		return &Error{Kind: ErrInternalSerializationError, cause: err}
	}
	o.pushFrame(frameMethod, channelID, payload.Bytes())
	return nil
}

// PushHeartbeat appends the canonical zero-length heartbeat frame on
// channel 0.
func (o *OutputBuffer) PushHeartbeat() {
	o.pushFrame(frameHeartbeat, 0, nil)
}

func (o *OutputBuffer) pushFrame(typ byte, channelID uint16, payload []byte) {
	var hdr [frameHeaderSize]byte
	hdr[0] = typ
	hdr[1] = byte(channelID >> 8)
	hdr[2] = byte(channelID)
	size := uint32(len(payload))
	hdr[3] = byte(size >> 24)
	hdr[4] = byte(size >> 16)
	hdr[5] = byte(size >> 8)
	hdr[6] = byte(size)
	o.buf = append(o.buf, hdr[:]...)
	o.buf = append(o.buf, payload...)
	o.buf = append(o.buf, frameEnd)
}

// Len reports the number of bytes currently queued.
func (o *OutputBuffer) Len() int { return len(o.buf) }

// IsEmpty reports whether there's nothing queued.
func (o *OutputBuffer) IsEmpty() bool { return len(o.buf) == 0 }

// Bytes returns the queued bytes. Callers must not retain the slice across
// a DrainWritten/Clear/Push* call, since those may reallocate or reuse it.
func (o *OutputBuffer) Bytes() []byte { return o.buf }

// DrainWritten removes the first n bytes, shifting the remainder to the
// front. Used after a partial write.
func (o *OutputBuffer) DrainWritten(n int) {
	if n <= 0 {
		return
	}
	if n >= len(o.buf) {
		o.buf = o.buf[:0]
		return
	}
	o.buf = append(o.buf[:0], o.buf[n:]...)
}

// Clear discards all queued content.
func (o *OutputBuffer) Clear() {
	o.buf = o.buf[:0]
}
