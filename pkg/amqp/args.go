package amqp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

var errShortArgs = errors.New("method arguments truncated")

// ArgWriter accumulates method arguments in wire order. Consecutive bits are
// packed into one octet, as the protocol requires.
type ArgWriter struct {
	buf     bytes.Buffer
	bits    byte
	nbits   uint
	pending bool
}

func (w *ArgWriter) flushBits() {
	if w.pending {
		w.buf.WriteByte(w.bits)
		w.bits, w.nbits, w.pending = 0, 0, false
	}
}

func (w *ArgWriter) Octet(v uint8) *ArgWriter {
	w.flushBits()
	w.buf.WriteByte(v)
	return w
}

func (w *ArgWriter) Short(v uint16) *ArgWriter {
	w.flushBits()
	w.buf.Write(encodeShort(v))
	return w
}

func (w *ArgWriter) Long(v uint32) *ArgWriter {
	w.flushBits()
	w.buf.Write(encodeLong(v))
	return w
}

func (w *ArgWriter) LongLong(v uint64) *ArgWriter {
	w.flushBits()
	w.buf.Write(encodeLongLong(v))
	return w
}

func (w *ArgWriter) ShortStr(s string) *ArgWriter {
	w.flushBits()
	w.buf.Write(encodeShortStr(s))
	return w
}

func (w *ArgWriter) LongStr(s string) *ArgWriter {
	w.flushBits()
	w.buf.Write(encodeLongStr(s))
	return w
}

func (w *ArgWriter) Table(t amqp091.Table) *ArgWriter {
	w.flushBits()
	w.buf.Write(writeFieldTable(t))
	return w
}

func (w *ArgWriter) Bit(v bool) *ArgWriter {
	if w.nbits == 8 {
		w.flushBits()
	}
	if v {
		w.bits |= 1 << w.nbits
	}
	w.nbits++
	w.pending = true
	return w
}

// Bytes returns the encoded arguments.
func (w *ArgWriter) Bytes() []byte {
	w.flushBits()
	return w.buf.Bytes()
}

// ArgReader decodes method arguments in wire order. The first decoding error
// sticks; check Err once after reading every field.
type ArgReader struct {
	data  []byte
	pos   int
	bits  byte
	nbits uint
	err   error
}

func NewArgReader(args []byte) *ArgReader {
	return &ArgReader{data: args}
}

// Err returns the first error met while reading.
func (r *ArgReader) Err() error { return r.err }

func (r *ArgReader) take(n int) []byte {
	r.nbits = 0
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = errShortArgs
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *ArgReader) Octet() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *ArgReader) Short() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *ArgReader) Long() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *ArgReader) LongLong() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *ArgReader) ShortStr() string {
	n := int(r.Octet())
	return string(r.take(n))
}

func (r *ArgReader) LongStr() string {
	n := int(r.Long())
	return string(r.take(n))
}

func (r *ArgReader) Table() amqp091.Table {
	if r.err != nil {
		return nil
	}
	t, n, err := parseFieldTable(r.data[r.pos:])
	if err != nil {
		r.err = err
		return nil
	}
	r.pos += n
	r.nbits = 0
	return t
}

func (r *ArgReader) Bit() bool {
	if r.nbits == 0 || r.nbits == 8 {
		b := r.take(1)
		if b == nil {
			return false
		}
		r.bits = b[0]
	}
	v := r.bits&(1<<r.nbits) != 0
	r.nbits++
	return v
}

// parseFieldTable decodes a length-prefixed field table and reports how many
// bytes it consumed.
func parseFieldTable(b []byte) (amqp091.Table, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("field table: %w", errShortArgs)
	}
	size := int(binary.BigEndian.Uint32(b[0:4]))
	if 4+size > len(b) {
		return nil, 0, fmt.Errorf("field table: %w", errShortArgs)
	}
	body := b[4 : 4+size]
	t := amqp091.Table{}
	for pos := 0; pos < len(body); {
		klen := int(body[pos])
		pos++
		if pos+klen > len(body) {
			return nil, 0, fmt.Errorf("field table key: %w", errShortArgs)
		}
		key := string(body[pos : pos+klen])
		pos += klen
		v, n, err := parseFieldValue(body[pos:])
		if err != nil {
			return nil, 0, fmt.Errorf("field %q: %w", key, err)
		}
		t[key] = v
		pos += n
	}
	return t, 4 + size, nil
}

func parseFieldValue(b []byte) (interface{}, int, error) {
	if len(b) < 1 {
		return nil, 0, errShortArgs
	}
	need := func(n int) error {
		if len(b) < 1+n {
			return errShortArgs
		}
		return nil
	}
	switch b[0] {
	case 't':
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return b[1] != 0, 2, nil
	case 'b':
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return int8(b[1]), 2, nil
	case 'B':
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return b[1], 2, nil
	case 's':
		if err := need(2); err != nil {
			return nil, 0, err
		}
		return int16(binary.BigEndian.Uint16(b[1:3])), 3, nil
	case 'u':
		if err := need(2); err != nil {
			return nil, 0, err
		}
		return binary.BigEndian.Uint16(b[1:3]), 3, nil
	case 'I':
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return int32(binary.BigEndian.Uint32(b[1:5])), 5, nil
	case 'i':
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return binary.BigEndian.Uint32(b[1:5]), 5, nil
	case 'l':
		if err := need(8); err != nil {
			return nil, 0, err
		}
		return int64(binary.BigEndian.Uint64(b[1:9])), 9, nil
	case 'f':
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return math.Float32frombits(binary.BigEndian.Uint32(b[1:5])), 5, nil
	case 'd':
		if err := need(8); err != nil {
			return nil, 0, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b[1:9])), 9, nil
	case 'D':
		if err := need(5); err != nil {
			return nil, 0, err
		}
		return amqp091.Decimal{Scale: b[1], Value: int32(binary.BigEndian.Uint32(b[2:6]))}, 6, nil
	case 'S', 'x':
		if err := need(4); err != nil {
			return nil, 0, err
		}
		n := int(binary.BigEndian.Uint32(b[1:5]))
		if err := need(4 + n); err != nil {
			return nil, 0, err
		}
		if b[0] == 'x' {
			return append([]byte(nil), b[5:5+n]...), 5 + n, nil
		}
		return string(b[5 : 5+n]), 5 + n, nil
	case 'T':
		if err := need(8); err != nil {
			return nil, 0, err
		}
		return time.Unix(int64(binary.BigEndian.Uint64(b[1:9])), 0), 9, nil
	case 'F':
		t, n, err := parseFieldTable(b[1:])
		if err != nil {
			return nil, 0, err
		}
		return t, 1 + n, nil
	case 'A':
		if err := need(4); err != nil {
			return nil, 0, err
		}
		n := int(binary.BigEndian.Uint32(b[1:5]))
		if err := need(4 + n); err != nil {
			return nil, 0, err
		}
		arr := []interface{}{}
		body := b[5 : 5+n]
		for pos := 0; pos < len(body); {
			v, used, err := parseFieldValue(body[pos:])
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, v)
			pos += used
		}
		return arr, 5 + n, nil
	case 'V':
		return nil, 1, nil
	}
	return nil, 0, fmt.Errorf("unsupported field type %q", b[0])
}
