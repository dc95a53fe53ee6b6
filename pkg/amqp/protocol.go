package amqp

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	readChunkSize = 32 * 1024

	// bounds the connection.close written after a violation, so a peer that
	// stopped reading cannot hold up the teardown
	violationWriteTimeout = time.Second
)

// protocolHandler owns the transport. A single reader goroutine feeds
// onBytesReceived, which decodes frames and hands each one to route in
// arrival order. Writes from any goroutine are serialized by writeMu.
type protocolHandler struct {
	transport io.ReadWriteCloser
	codec     Codec
	route     func(Frame) error
	onClosed  func(error)
	metrics   *Metrics
	log       zerolog.Logger

	writeMu sync.Mutex
	inbuf   []byte

	// UnixNano timestamps of the last frame written and the last bytes read
	lastSent atomic.Int64
	lastRecv atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newProtocolHandler(t io.ReadWriteCloser, codec Codec, route func(Frame) error, onClosed func(error), metrics *Metrics, log zerolog.Logger) *protocolHandler {
	now := time.Now().UnixNano()
	p := &protocolHandler{
		transport: t,
		codec:     codec,
		route:     route,
		onClosed:  onClosed,
		metrics:   metrics,
		log:       log,
		closed:    make(chan struct{}),
	}
	p.lastSent.Store(now)
	p.lastRecv.Store(now)
	return p
}

func (p *protocolHandler) start() {
	go p.readLoop()
}

func (p *protocolHandler) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := p.transport.Read(buf)
		if n > 0 {
			if perr := p.onBytesReceived(buf[:n]); perr != nil {
				p.fail(perr)
				return
			}
		}
		if err != nil {
			p.onTransportClosed(err)
			return
		}
	}
}

// onBytesReceived appends b to the undecoded remainder and routes every
// complete frame. The returned error is fatal to the connection.
func (p *protocolHandler) onBytesReceived(b []byte) error {
	p.lastRecv.Store(time.Now().UnixNano())
	p.inbuf = append(p.inbuf, b...)
	for len(p.inbuf) > 0 {
		f, rest, err := p.codec.Decode(p.inbuf)
		if errors.Is(err, ErrIncompleteFrame) {
			break
		}
		if err != nil {
			var verr *VersionError
			if errors.As(err, &verr) {
				return verr
			}
			return protocolErrorf(amqp091.FrameError, "decode: %v", err)
		}
		p.inbuf = rest
		if err := p.route(f); err != nil {
			return err
		}
	}
	if len(p.inbuf) == 0 {
		p.inbuf = nil
	} else {
		p.inbuf = append([]byte(nil), p.inbuf...)
	}
	return nil
}

func (p *protocolHandler) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *protocolHandler) sendFrame(f Frame) error {
	if p.isClosed() {
		return ErrClosed
	}
	b, err := p.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f, err)
	}
	p.writeMu.Lock()
	_, err = p.transport.Write(b)
	p.writeMu.Unlock()
	if err != nil {
		return closedError(fmt.Errorf("write %s: %w", f, err))
	}
	p.lastSent.Store(time.Now().UnixNano())
	p.metrics.frameSent(f.Type)
	return nil
}

func (p *protocolHandler) sendMethod(channel uint16, kind MethodKind, args []byte) error {
	p.log.Debug().Uint16("chan", channel).Str("method", kind.String()).Int("args", len(args)).Msg("send method")
	return p.sendFrame(NewMethodFrame(channel, kind, args))
}

func (p *protocolHandler) sendHeartbeat() error {
	return p.sendFrame(Frame{Type: FrameHeartbeat})
}

func (p *protocolHandler) sendProtocolHeader() error {
	if p.isClosed() {
		return ErrClosed
	}
	p.writeMu.Lock()
	_, err := p.transport.Write(protocolHeader)
	p.writeMu.Unlock()
	if err != nil {
		return closedError(fmt.Errorf("write protocol header: %w", err))
	}
	p.lastSent.Store(time.Now().UnixNano())
	return nil
}

// fail tears the connection down after a fatal error. Protocol violations are
// reported to the server with connection.close first.
func (p *protocolHandler) fail(err error) {
	var perr *ProtocolError
	if errors.As(err, &perr) && !p.isClosed() {
		p.metrics.violation()
		p.log.Error().Err(err).Msg("closing connection after protocol violation")
		if dc, ok := p.transport.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = dc.SetWriteDeadline(time.Now().Add(violationWriteTimeout))
		}
		reason := perr.Reason
		if len(reason) > 255 {
			reason = reason[:255]
		}
		if werr := p.sendMethod(0, ConnectionClose, buildCloseArgs(uint16(perr.Code), reason, 0, 0)); werr != nil {
			p.log.Debug().Err(werr).Msg("write connection.close failed")
		}
	}
	p.shutdown(err)
}

func (p *protocolHandler) onTransportClosed(reason error) {
	if !p.isClosed() {
		p.log.Debug().Err(reason).Msg("transport closed")
	}
	if errors.Is(reason, io.EOF) {
		reason = fmt.Errorf("transport closed by peer: %w", reason)
	}
	p.shutdown(reason)
}

// shutdown closes the transport and runs onClosed exactly once.
func (p *protocolHandler) shutdown(cause error) {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.transport.Close()
		if p.onClosed != nil {
			p.onClosed(cause)
		}
	})
}
