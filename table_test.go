package amqp

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func lengthPrefixed(t *testing.T, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(len(body))))
	buf.Write(body)
	return buf.Bytes()
}

func TestTableEncodeDecodeRoundTrip(t *testing.T) {
	in := Table{
		"product": "coreloop",
		"enabled": true,
		"count":   int32(7),
		"nested": Table{
			"inner": "value",
		},
	}

	var buf bytes.Buffer
	require.NoError(t, encodeTable(&buf, in))

	r := bytes.NewReader(buf.Bytes())
	out, err := decodeTable(r)
	require.NoError(t, err)

	require.Equal(t, "coreloop", out["product"])
	require.Equal(t, true, out["enabled"])
	require.Equal(t, int32(7), out["count"])
	nested, ok := out["nested"].(Table)
	require.True(t, ok)
	require.Equal(t, "value", nested["inner"])
}

func TestDecodeTableHandlesBoolByteShortAndVoidTags(t *testing.T) {
	var body bytes.Buffer
	fields := []struct {
		key string
		tag byte
		val []byte
	}{
		{"bool", 't', []byte{1}},
		{"byte", 'b', []byte{0x2A}},
		{"short", 'U', []byte{0x00, 0x05}},
		{"void", 'V', nil},
	}
	for _, f := range fields {
		body.WriteByte(byte(len(f.key)))
		body.WriteString(f.key)
		body.WriteByte(f.tag)
		body.Write(f.val)
	}

	out, err := decodeTable(bytes.NewReader(lengthPrefixed(t, body.Bytes())))
	require.NoError(t, err)
	require.Equal(t, true, out["bool"])
	require.Equal(t, byte(0x2A), out["byte"])
	require.Equal(t, int16(5), out["short"])
	require.Nil(t, out["void"])
}

func TestDecodeTableRejectsUnknownTag(t *testing.T) {
	var body bytes.Buffer
	body.WriteByte(1)
	body.WriteString("x")
	body.WriteByte('?')

	_, err := decodeTable(bytes.NewReader(lengthPrefixed(t, body.Bytes())))
	require.Error(t, err)
	require.Equal(t, ErrReceivedMalformed, err.(*Error).Kind)
}
