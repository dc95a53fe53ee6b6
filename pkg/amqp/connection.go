package amqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const replySuccess = 200

// ConnectionState is the lifecycle position of a Connection.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is an open AMQP 0-9-1 connection. It multiplexes channels over
// one transport and is safe for concurrent use.
type Connection struct {
	name    string
	opts    Options
	codec   Codec
	log     zerolog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	proto      *protocolHandler
	dispatcher *dispatcher
	hb         *heartbeater
	ids        *idAllocator

	state atomic.Int32

	// negotiated during the handshake, read-only afterwards
	frameMax         uint32
	channelMax       uint16
	heartbeat        time.Duration
	serverProperties amqp091.Table

	done  chan struct{}
	errMu sync.Mutex
	err   error

	blockedMu sync.Mutex
	blocked   []chan amqp091.Blocking
}

// Connect dials host:port and performs the handshake.
func Connect(ctx context.Context, host string, port int, username, password, vhost string, opts ...Option) (*Connection, error) {
	o := buildOptions(opts)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: o.DialTimeout, KeepAlive: 30 * time.Second}

	var (
		conn net.Conn
		err  error
	)
	if o.TLSConfig != nil {
		cfg := o.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: cfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("amqp: dial %s: %w", addr, err)
	}
	return open(ctx, conn, ConnectionInfo{Username: username, Password: password, VirtualHost: vhost}, o)
}

// Open performs the handshake over an already established transport. The
// connection owns transport from here on and closes it on failure.
func Open(ctx context.Context, transport io.ReadWriteCloser, info ConnectionInfo, opts ...Option) (*Connection, error) {
	return open(ctx, transport, info, buildOptions(opts))
}

// ConnectAndOpenChannel connects and opens one channel. If the channel cannot
// be opened the connection is closed again.
func ConnectAndOpenChannel(ctx context.Context, host string, port int, username, password, vhost string, opts ...Option) (*Connection, *Channel, error) {
	conn, err := Connect(ctx, host, port, username, password, vhost, opts...)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.OpenChannel(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func open(ctx context.Context, transport io.ReadWriteCloser, info ConnectionInfo, o Options) (*Connection, error) {
	if err := o.validate(); err != nil {
		_ = transport.Close()
		return nil, err
	}
	c := newConnection(transport, o)

	ctx, span := c.startSpan(ctx, "amqp.connect", attribute.String("amqp.vhost", info.VirtualHost))
	if o.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.HandshakeTimeout)
		defer cancel()
	}

	started := time.Now()
	c.proto.start()
	if err := c.bootstrap(ctx, info); err != nil {
		c.proto.shutdown(err)
		c.metrics.handshakeFailed()
		c.log.Error().Err(err).Str("vhost", info.VirtualHost).Msg("handshake failed")
		endSpan(span, err)
		return nil, err
	}
	c.metrics.connectionOpened(time.Since(started))
	c.log.Info().
		Str("vhost", info.VirtualHost).
		Uint32("frame_max", c.frameMax).
		Uint16("channel_max", c.channelMax).
		Dur("heartbeat", c.heartbeat).
		Msg("connection open")
	span.SetAttributes(
		attribute.Int64("amqp.frame_max", int64(c.frameMax)),
		attribute.Int("amqp.channel_max", int(c.channelMax)),
		attribute.Int64("amqp.heartbeat_seconds", int64(c.heartbeat/time.Second)),
	)
	endSpan(span, nil)
	return c, nil
}

func newConnection(transport io.ReadWriteCloser, o Options) *Connection {
	name := o.ConnectionName
	if name == "" {
		name = "amqp-client-" + uuid.NewString()
	}
	base := logger
	if o.Logger != nil {
		base = *o.Logger
	}
	codec := o.Codec
	if codec == nil {
		codec = NewWireCodec(0)
	}
	c := &Connection{
		name:    name,
		opts:    o,
		codec:   codec,
		log:     base.With().Str("conn", name).Logger(),
		metrics: o.Metrics,
		tracer:  newTracer(o.TracerProvider),
		done:    make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.dispatcher = newDispatcher(c.handleControl, c.metrics, c.log)
	c.proto = newProtocolHandler(transport, codec, c.dispatcher.route, c.teardown, c.metrics, c.log)
	c.hb = newHeartbeater(c.proto, c.metrics)
	return c
}

// Name is the connection_name sent to the server.
func (c *Connection) Name() string { return c.name }

// FrameMax is the negotiated frame size limit, 0 for none.
func (c *Connection) FrameMax() uint32 { return c.frameMax }

// ChannelMax is the highest usable channel id.
func (c *Connection) ChannelMax() uint16 { return c.channelMax }

// Heartbeat is the negotiated heartbeat interval, 0 when disabled.
func (c *Connection) Heartbeat() time.Duration { return c.heartbeat }

// ServerProperties returns the properties the server sent in connection.start.
func (c *Connection) ServerProperties() amqp091.Table { return c.serverProperties }

func (c *Connection) State() ConnectionState { return ConnectionState(c.state.Load()) }

func (c *Connection) setState(s ConnectionState) ConnectionState {
	return ConnectionState(c.state.Swap(int32(s)))
}

// Channels returns the ids of the channels currently registered.
func (c *Connection) Channels() []uint16 { return c.dispatcher.channelIDs() }

// Done is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed, or nil while it is alive.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// IsClosed reports whether the connection has been torn down.
func (c *Connection) IsClosed() bool { return c.State() == StateClosed }

// NotifyBlocked registers a listener for connection.blocked and
// connection.unblocked. Notifications are dropped rather than stall the
// reader when the listener is full, so give it a buffer. The channel is
// closed with the connection.
func (c *Connection) NotifyBlocked(ch chan amqp091.Blocking) chan amqp091.Blocking {
	c.blockedMu.Lock()
	defer c.blockedMu.Unlock()
	if c.IsClosed() {
		close(ch)
		return ch
	}
	c.blocked = append(c.blocked, ch)
	return ch
}

func (c *Connection) notifyBlocked(b amqp091.Blocking) {
	c.blockedMu.Lock()
	defer c.blockedMu.Unlock()
	for _, ch := range c.blocked {
		select {
		case ch <- b:
		default:
			c.log.Warn().Bool("active", b.Active).Msg("blocked listener full, notification dropped")
		}
	}
}

// roundTrip registers for the reply, calls send and waits. When ctx ends
// first the request is left behind as an orphan whose late reply is handed
// to followUp.
func (c *Connection) roundTrip(ctx context.Context, channel uint16, send func() error, followUp func(Frame), accepts ...MethodKind) (Frame, error) {
	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}
	req, err := c.dispatcher.register(channel, accepts...)
	if err != nil {
		if errors.Is(err, ErrRequestPending) {
			c.proto.fail(protocolErrorf(amqp091.InternalError, "%v", err))
		}
		return Frame{}, err
	}
	if err := send(); err != nil {
		c.dispatcher.cancel(req, err)
		return Frame{}, err
	}
	f, expired, err := req.wait(ctx)
	if expired {
		var orphaned bool
		f, orphaned, err = c.dispatcher.expire(req, followUp, err)
		if orphaned {
			c.log.Warn().Err(err).Uint16("chan", channel).Msg("request abandoned, late reply will be discarded")
		}
	}
	return f, err
}

// handleControl processes frames on channel 0 that no request claimed.
func (c *Connection) handleControl(f Frame) error {
	if f.Type != FrameMethod {
		return protocolErrorf(amqp091.UnexpectedFrame, "%s on channel 0", f)
	}
	kind, _ := f.Kind()
	switch kind {
	case ConnectionClose:
		reason := closeReason(f.Args())
		c.log.Warn().Int("code", reason.Code).Str("reason", reason.Reason).Msg("connection closed by server")
		if err := c.proto.sendMethod(0, ConnectionCloseOk, nil); err != nil {
			c.log.Debug().Err(err).Msg("write connection.close-ok failed")
		}
		c.proto.shutdown(reason)
		return nil
	case ConnectionBlocked:
		r := NewArgReader(f.Args())
		reason := r.ShortStr()
		c.log.Warn().Str("reason", reason).Msg("connection blocked by server")
		c.notifyBlocked(amqp091.Blocking{Active: true, Reason: reason})
		return nil
	case ConnectionUnblocked:
		c.log.Info().Msg("connection unblocked")
		c.notifyBlocked(amqp091.Blocking{Active: false})
		return nil
	}
	return protocolErrorf(amqp091.CommandInvalid, "unexpected %s on channel 0 in state %s", kind, c.State())
}

// teardown runs once when the transport goes away, whatever the cause.
func (c *Connection) teardown(cause error) {
	prev := c.setState(StateClosed)
	c.hb.stop()
	err := closedError(cause)

	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()

	c.dispatcher.closeAll(err)

	c.blockedMu.Lock()
	for _, ch := range c.blocked {
		close(ch)
	}
	c.blocked = nil
	c.blockedMu.Unlock()

	established := prev == StateOpen || prev == StateClosing
	if established {
		c.metrics.connectionClosed()
	}
	close(c.done)

	if cause == nil || errors.Is(cause, ErrClosed) {
		c.log.Info().Msg("connection closed")
	} else {
		c.log.Warn().Err(cause).Str("state", prev.String()).Msg("connection lost")
	}
	if established && c.opts.OnClose != nil {
		go c.opts.OnClose(err)
	}
}

// Close closes the connection gracefully, waiting up to the configured close
// timeout for the server's close-ok.
func (c *Connection) Close() error {
	ctx := context.Background()
	if c.opts.CloseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CloseTimeout)
		defer cancel()
	}
	return c.CloseContext(ctx)
}

// CloseContext sends connection.close and waits for close-ok or ctx. The
// transport is closed either way. Closing an already closed connection
// returns ErrClosed.
func (c *Connection) CloseContext(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return ErrClosed
	}
	ctx, span := c.startSpan(ctx, "amqp.connection.close")
	_, err := c.roundTrip(ctx, 0, func() error {
		return c.proto.sendMethod(0, ConnectionClose, buildCloseArgs(replySuccess, "Goodbye", 0, 0))
	}, nil, ConnectionCloseOk)
	c.proto.shutdown(ErrClosed)
	if err != nil && errors.Is(err, ErrClosed) {
		// the server closed first or the transport dropped; either way we are done
		err = nil
	}
	endSpan(span, err)
	return err
}

func (c *Connection) notOpenErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: connection is %s", ErrNotOpen, c.State())
}

// OpenChannel opens a new channel on the lowest free id.
func (c *Connection) OpenChannel(ctx context.Context) (*Channel, error) {
	if c.State() != StateOpen {
		return nil, c.notOpenErr()
	}
	id, ok := c.ids.allocate()
	if !ok {
		return nil, fmt.Errorf("%w: all %d ids in use", ErrChannelMax, c.channelMax)
	}
	ctx, span := c.startSpan(ctx, "amqp.channel.open", attribute.Int("amqp.channel", int(id)))

	ch := newChannel(c, id)
	if err := c.dispatcher.addChannel(ch); err != nil {
		c.ids.release(id)
		endSpan(span, err)
		return nil, err
	}
	_, err := c.roundTrip(ctx, id, func() error {
		return c.proto.sendMethod(id, ChannelOpen, buildChannelOpenArgs())
	}, ch.abandon, ChannelOpenOk)
	if err != nil {
		switch {
		case errors.Is(err, ErrTimeout), errors.Is(err, ErrCanceled):
			// registered until the late open-ok or a server close shows up
		default:
			c.dropChannel(ch, err)
		}
		endSpan(span, err)
		return nil, err
	}
	c.log.Debug().Uint16("chan", id).Msg("channel open")
	endSpan(span, nil)
	return ch, nil
}

// dropChannel unregisters ch, frees its id and shuts it down with err. The id
// is released only if this call did the unregistering.
func (c *Connection) dropChannel(ch *Channel, err error) {
	if c.dispatcher.removeChannel(ch, err) {
		c.ids.release(ch.id)
	}
	ch.shutdown(err)
}
