package amqp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// encode helpers
func encodeShort(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}
func encodeLong(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
func encodeLongLong(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
func encodeLongStr(s string) []byte {
	b := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(s)))
	copy(b[4:], []byte(s))
	return b
}

// shortstr: 1-byte length + bytes
func encodeShortStr(s string) []byte {
	if len(s) > 255 {
		s = s[:255]
	}
	b := make([]byte, 1+len(s))
	b[0] = byte(len(s))
	copy(b[1:], []byte(s))
	return b
}

// writeFieldTable encodes a field table including its 4-byte length prefix.
// Keys are written in sorted order so encodings are stable.
func writeFieldTable(t amqp091.Table) []byte {
	var body bytes.Buffer
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		body.Write(encodeShortStr(k))
		writeFieldValue(&body, t[k])
	}
	out := make([]byte, 0, 4+body.Len())
	out = append(out, encodeLong(uint32(body.Len()))...)
	return append(out, body.Bytes()...)
}

func writeFieldValue(buf *bytes.Buffer, v interface{}) {
	switch v := v.(type) {
	case bool:
		buf.WriteByte('t')
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int8:
		buf.WriteByte('b')
		buf.WriteByte(byte(v))
	case uint8:
		buf.WriteByte('B')
		buf.WriteByte(v)
	case int16:
		buf.WriteByte('s')
		buf.Write(encodeShort(uint16(v)))
	case uint16:
		buf.WriteByte('u')
		buf.Write(encodeShort(v))
	case int32:
		buf.WriteByte('I')
		buf.Write(encodeLong(uint32(v)))
	case uint32:
		buf.WriteByte('i')
		buf.Write(encodeLong(v))
	case int:
		buf.WriteByte('l')
		buf.Write(encodeLongLong(uint64(v)))
	case int64:
		buf.WriteByte('l')
		buf.Write(encodeLongLong(uint64(v)))
	case float32:
		buf.WriteByte('f')
		buf.Write(encodeLong(math.Float32bits(v)))
	case float64:
		buf.WriteByte('d')
		buf.Write(encodeLongLong(math.Float64bits(v)))
	case amqp091.Decimal:
		buf.WriteByte('D')
		buf.WriteByte(v.Scale)
		buf.Write(encodeLong(uint32(v.Value)))
	case string:
		buf.WriteByte('S')
		buf.Write(encodeLongStr(v))
	case []byte:
		buf.WriteByte('x')
		buf.Write(encodeLongStr(string(v)))
	case time.Time:
		buf.WriteByte('T')
		buf.Write(encodeLongLong(uint64(v.Unix())))
	case amqp091.Table:
		buf.WriteByte('F')
		buf.Write(writeFieldTable(v))
	case map[string]interface{}:
		buf.WriteByte('F')
		buf.Write(writeFieldTable(amqp091.Table(v)))
	case []interface{}:
		var arr bytes.Buffer
		for _, item := range v {
			writeFieldValue(&arr, item)
		}
		buf.WriteByte('A')
		buf.Write(encodeLong(uint32(arr.Len())))
		buf.Write(arr.Bytes())
	case nil:
		buf.WriteByte('V')
	default:
		// amqp091.Table.Validate rejects these before they reach the wire
		buf.WriteByte('S')
		buf.Write(encodeLongStr(fmt.Sprint(v)))
	}
}

// buildStartOkArgs builds connection.start-ok arguments.
func buildStartOkArgs(clientProperties amqp091.Table, mechanism, response, locale string) []byte {
	var buf bytes.Buffer
	buf.Write(writeFieldTable(clientProperties))
	buf.Write(encodeShortStr(mechanism))
	buf.Write(encodeLongStr(response))
	buf.Write(encodeShortStr(locale))
	return buf.Bytes()
}

// buildTuneArgs builds connection.tune and connection.tune-ok arguments;
// both methods share the layout.
func buildTuneArgs(channelMax uint16, frameMax uint32, heartbeat uint16) []byte {
	var buf bytes.Buffer
	buf.Write(encodeShort(channelMax))
	buf.Write(encodeLong(frameMax))
	buf.Write(encodeShort(heartbeat))
	return buf.Bytes()
}

// buildOpenArgs builds connection.open arguments: virtual-host, the
// deprecated capabilities shortstr and the deprecated insist bit.
func buildOpenArgs(vhost string) []byte {
	var buf bytes.Buffer
	buf.Write(encodeShortStr(vhost))
	buf.Write(encodeShortStr(""))
	buf.WriteByte(0)
	return buf.Bytes()
}

// buildCloseArgs builds connection.close and channel.close arguments.
func buildCloseArgs(replyCode uint16, replyText string, classID, methodID uint16) []byte {
	var buf bytes.Buffer
	buf.Write(encodeShort(replyCode))
	buf.Write(encodeShortStr(replyText))
	buf.Write(encodeShort(classID))
	buf.Write(encodeShort(methodID))
	return buf.Bytes()
}

// channel.open carries a single reserved shortstr
func buildChannelOpenArgs() []byte {
	return encodeShortStr("")
}
