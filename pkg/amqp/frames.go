package amqp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Frame types as they appear in the first octet of every frame.
const (
	FrameMethod    = 1
	FrameHeader    = 2
	FrameBody      = 3
	FrameHeartbeat = 8
	FrameEnd       = 0xCE
)

// package logger used for SDK logs. Libraries should default to a no-op
// logger and let the embedding application configure logging. Use
// SetLogger to provide an application logger.
var logger zerolog.Logger = zerolog.Nop()

// SetLogger sets the package logger used by the AMQP client. Callers should
// pass a configured `zerolog.Logger` (for example one created with
// `zerolog.New(os.Stderr).With().Timestamp().Logger()`). Connections created
// without WithLogger inherit it.
func SetLogger(l zerolog.Logger) { logger = l }

const (
	// MaxFrameSize bounds frames decoded before Tune has negotiated a
	// frame-max, and frames on connections that negotiated "no limit".
	MaxFrameSize = 1 << 20 // 1MB

	// FrameMinSize is the smallest frame-max a peer may negotiate.
	FrameMinSize = 4096

	frameHeaderSize   = 7
	frameOverheadSize = frameHeaderSize + 1
)

// protocolHeader is sent by the client before anything else. A server that
// does not support the version answers with its own header and closes.
var protocolHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// Frame represents a raw AMQP frame
type Frame struct {
	Type    uint8
	Channel uint16
	Payload []byte
}

// Kind returns the class/method pair of a method frame.
func (f Frame) Kind() (MethodKind, error) {
	if f.Type != FrameMethod {
		return MethodKind{}, fmt.Errorf("frame type %d is not a method frame", f.Type)
	}
	classID, methodID, _, err := ParseMethod(f.Payload)
	if err != nil {
		return MethodKind{}, err
	}
	return MethodKind{Class: classID, Method: methodID}, nil
}

// Args returns the method arguments of a method frame.
func (f Frame) Args() []byte {
	_, _, args, err := ParseMethod(f.Payload)
	if err != nil {
		return nil
	}
	return args
}

func (f Frame) String() string {
	switch f.Type {
	case FrameMethod:
		if k, err := f.Kind(); err == nil {
			return fmt.Sprintf("%s(ch=%d)", k, f.Channel)
		}
		return fmt.Sprintf("method(ch=%d, malformed)", f.Channel)
	case FrameHeader:
		return fmt.Sprintf("content-header(ch=%d)", f.Channel)
	case FrameBody:
		return fmt.Sprintf("content-body(ch=%d, %d bytes)", f.Channel, len(f.Payload))
	case FrameHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("frame(type=%d, ch=%d)", f.Type, f.Channel)
}

// ReadFrame reads a single frame from r
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [7]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	t := hdr[0]
	ch := binary.BigEndian.Uint16(hdr[1:3])
	size := binary.BigEndian.Uint32(hdr[3:7])
	if size > MaxFrameSize {
		return Frame{}, fmt.Errorf("frame size %d exceeds limit %d", size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	// read frame-end octet
	var end [1]byte
	if _, err := io.ReadFull(r, end[:]); err != nil {
		return Frame{}, err
	}
	if end[0] != FrameEnd {
		return Frame{}, errors.New("invalid frame end")
	}
	return Frame{Type: t, Channel: ch, Payload: payload}, nil
}

// WriteFrame writes a frame to w
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [7]byte
	hdr[0] = f.Type
	binary.BigEndian.PutUint16(hdr[1:3], f.Channel)
	binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	// frame end
	if _, err := w.Write([]byte{FrameEnd}); err != nil {
		return err
	}
	return nil
}

// NewMethodFrame builds a method frame. args does NOT include class/method ids.
func NewMethodFrame(channel uint16, kind MethodKind, args []byte) Frame {
	payload := make([]byte, 4+len(args))
	binary.BigEndian.PutUint16(payload[0:2], kind.Class)
	binary.BigEndian.PutUint16(payload[2:4], kind.Method)
	copy(payload[4:], args)
	return Frame{Type: FrameMethod, Channel: channel, Payload: payload}
}

// helper to write a method frame (type 1). args does NOT include class/method ids.
func WriteMethod(w io.Writer, channel uint16, classID, methodID uint16, args []byte) error {
	return WriteFrame(w, NewMethodFrame(channel, MethodKind{Class: classID, Method: methodID}, args))
}

// ParseMethod parses a method frame payload and returns class, method and remaining args
func ParseMethod(payload []byte) (classID, methodID uint16, args []byte, err error) {
	if len(payload) < 4 {
		return 0, 0, nil, fmt.Errorf("method payload too short")
	}
	classID = binary.BigEndian.Uint16(payload[0:2])
	methodID = binary.BigEndian.Uint16(payload[2:4])
	args = payload[4:]
	return classID, methodID, args, nil
}

// ErrIncompleteFrame is returned by Codec.Decode when buf does not yet hold a
// whole frame. The caller keeps the bytes and retries once more arrive.
var ErrIncompleteFrame = errors.New("amqp: incomplete frame")

// Codec translates between raw bytes and frames. Decode consumes at most one
// frame from the front of buf and returns the unconsumed remainder.
type Codec interface {
	Decode(buf []byte) (Frame, []byte, error)
	Encode(f Frame) ([]byte, error)
}

// WireCodec is the default Codec for the AMQP 0-9-1 general frame format.
type WireCodec struct {
	maxFrame atomic.Uint32
}

// NewWireCodec returns a codec rejecting frames larger than maxFrame bytes
// (header and frame-end included). Zero means MaxFrameSize.
func NewWireCodec(maxFrame uint32) *WireCodec {
	c := &WireCodec{}
	c.SetMaxFrameSize(maxFrame)
	return c
}

// SetMaxFrameSize updates the limit after tuning. Safe to call while another
// goroutine decodes.
func (c *WireCodec) SetMaxFrameSize(n uint32) {
	if n == 0 {
		n = MaxFrameSize
	}
	c.maxFrame.Store(n)
}

// Decode implements Codec.
func (c *WireCodec) Decode(buf []byte) (Frame, []byte, error) {
	if len(buf) >= 4 && string(buf[:4]) == "AMQP" {
		if len(buf) < len(protocolHeader) {
			return Frame{}, buf, ErrIncompleteFrame
		}
		return Frame{}, buf, &VersionError{Major: buf[5], Minor: buf[6], Revision: buf[7]}
	}
	if len(buf) < frameHeaderSize {
		return Frame{}, buf, ErrIncompleteFrame
	}
	size := binary.BigEndian.Uint32(buf[3:7])
	if limit := c.maxFrame.Load(); uint64(size)+frameOverheadSize > uint64(limit) {
		return Frame{}, buf, fmt.Errorf("frame size %d exceeds limit %d", size+frameOverheadSize, limit)
	}
	total := frameHeaderSize + int(size) + 1
	if len(buf) < total {
		return Frame{}, buf, ErrIncompleteFrame
	}
	if buf[total-1] != FrameEnd {
		return Frame{}, buf, errors.New("invalid frame end")
	}
	payload := make([]byte, size)
	copy(payload, buf[frameHeaderSize:total-1])
	f := Frame{Type: buf[0], Channel: binary.BigEndian.Uint16(buf[1:3]), Payload: payload}
	return f, buf[total:], nil
}

// Encode implements Codec.
func (c *WireCodec) Encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(frameOverheadSize + len(f.Payload))
	if err := WriteFrame(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
