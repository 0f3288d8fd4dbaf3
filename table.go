package amqp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Table is an AMQP 0-9-1 field table: a string-keyed map of typed values.
// It mirrors the teacher's Table type, used here to carry connection.start's
// server-properties and connection.start-ok's client-properties.
type Table map[string]interface{}

// encodeTable serializes t into the wire's long-size-prefixed field table.
func encodeTable(buf *bytes.Buffer, t Table) error {
	var body bytes.Buffer
	for k, v := range t {
		if len(k) > 255 {
			return fmt.Errorf("amqp: field table key %q too long", k)
		}
		body.WriteByte(byte(len(k)))
		body.WriteString(k)
		if err := encodeFieldValue(&body, v); err != nil {
			return err
		}
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(body.Len())); err != nil {
		return err
	}
	_, err := buf.Write(body.Bytes())
	return err
}

func encodeFieldValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case bool:
		buf.WriteByte('t')
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int32:
		buf.WriteByte('I')
		return binary.Write(buf, binary.BigEndian, val)
	case int:
		buf.WriteByte('I')
		return binary.Write(buf, binary.BigEndian, int32(val))
	case string:
		buf.WriteByte('S')
		if err := binary.Write(buf, binary.BigEndian, uint32(len(val))); err != nil {
			return err
		}
		buf.WriteString(val)
	case Table:
		buf.WriteByte('F')
		return encodeTable(buf, val)
	case nil:
		buf.WriteByte('V')
	default:
		return fmt.Errorf("amqp: unsupported field table value type %T", v)
	}
	return nil
}

// decodeTable is deliberately permissive: real brokers' server-properties
// carry nested tables/arrays of capabilities this client never inspects, so
// every standard 0-9-1 field type is decoded (and discarded where this
// client has no use for it) rather than rejected.
func decodeTable(r *bytes.Reader) (Table, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, errMalformed("field table length")
	}
	body := make([]byte, size)
	if n, err := r.Read(body); err != nil || uint32(n) != size {
		return nil, errMalformed("field table body")
	}
	br := bytes.NewReader(body)

	t := make(Table)
	for br.Len() > 0 {
		keyLen, err := br.ReadByte()
		if err != nil {
			return nil, errMalformed("field table key length")
		}
		key := make([]byte, keyLen)
		if _, err := br.Read(key); err != nil {
			return nil, errMalformed("field table key")
		}
		v, err := decodeFieldValue(br)
		if err != nil {
			return nil, err
		}
		t[string(key)] = v
	}
	return t, nil
}

func decodeFieldValue(r *bytes.Reader) (interface{}, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, errMalformed("field table value tag")
	}
	switch tag {
	case 't':
		b, err := r.ReadByte()
		if err != nil {
			return nil, errMalformed("boolean field")
		}
		return b != 0, nil
	case 'b', 'B':
		var b byte
		if err := binary.Read(r, binary.BigEndian, &b); err != nil {
			return nil, errMalformed("short-short field")
		}
		return b, nil
	case 'U':
		var v int16
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, errMalformed("short-int field")
		}
		return v, nil
	case 'u':
		var v uint16
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, errMalformed("short-uint field")
		}
		return v, nil
	case 'I':
		var v int32
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, errMalformed("long-int field")
		}
		return v, nil
	case 'i':
		var v uint32
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, errMalformed("long-uint field")
		}
		return v, nil
	case 'L', 'l':
		var v int64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, errMalformed("long-long field")
		}
		return v, nil
	case 'f':
		var v uint32
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, errMalformed("float field")
		}
		return v, nil
	case 'd':
		var v uint64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, errMalformed("double field")
		}
		return v, nil
	case 'D':
		if _, err := r.ReadByte(); err != nil { // scale
			return nil, errMalformed("decimal field")
		}
		var v uint32
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, errMalformed("decimal field")
		}
		return v, nil
	case 's':
		n, err := r.ReadByte()
		if err != nil {
			return nil, errMalformed("short-string field")
		}
		b := make([]byte, n)
		if _, err := r.Read(b); err != nil {
			return nil, errMalformed("short-string field")
		}
		return string(b), nil
	case 'S':
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, errMalformed("long-string field")
		}
		b := make([]byte, n)
		if _, err := r.Read(b); err != nil {
			return nil, errMalformed("long-string field")
		}
		return string(b), nil
	case 'T':
		var v int64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, errMalformed("timestamp field")
		}
		return v, nil
	case 'F':
		return decodeTable(r)
	case 'A':
		return decodeFieldArray(r)
	case 'x':
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, errMalformed("byte array field")
		}
		b := make([]byte, n)
		if _, err := r.Read(b); err != nil {
			return nil, errMalformed("byte array field")
		}
		return b, nil
	case 'V':
		return nil, nil
	default:
		return nil, errMalformed(fmt.Sprintf("unknown field table tag %q", tag))
	}
}

func decodeFieldArray(r *bytes.Reader) ([]interface{}, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, errMalformed("field array length")
	}
	body := make([]byte, size)
	if _, err := r.Read(body); err != nil {
		return nil, errMalformed("field array body")
	}
	br := bytes.NewReader(body)
	var arr []interface{}
	for br.Len() > 0 {
		v, err := decodeFieldValue(br)
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	return arr, nil
}
