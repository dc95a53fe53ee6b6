package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ChannelState is the lifecycle position of a Channel.
type ChannelState int32

const (
	ChannelStateOpening ChannelState = iota
	ChannelStateOpen
	ChannelStateClosing
	ChannelStateClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStateOpening:
		return "opening"
	case ChannelStateOpen:
		return "open"
	case ChannelStateClosing:
		return "closing"
	case ChannelStateClosed:
		return "closed"
	}
	return "unknown"
}

var errCloseAcked = errors.New("channel already closed by server")

// Channel is a logical channel multiplexed over a Connection. Synchronous
// calls on one channel are serialized; different channels proceed
// independently.
type Channel struct {
	id   uint16
	conn *Connection
	log  zerolog.Logger

	state atomic.Int32

	// rpc holds one token per in-flight synchronous call
	rpc chan struct{}

	mu         sync.Mutex
	closeSent  bool // channel.close written by us
	closeAcked bool // channel.close-ok written by us
	err        error

	mailbox   *mailbox
	closeOnce sync.Once
	done      chan struct{}
}

func newChannel(conn *Connection, id uint16) *Channel {
	ch := &Channel{
		id:      id,
		conn:    conn,
		log:     conn.log.With().Uint16("chan", id).Logger(),
		rpc:     make(chan struct{}, 1),
		mailbox: newMailbox(),
		done:    make(chan struct{}),
	}
	ch.state.Store(int32(ChannelStateOpening))
	return ch
}

func (ch *Channel) ID() uint16 { return ch.id }

func (ch *Channel) State() ChannelState { return ChannelState(ch.state.Load()) }

// Done is closed when the channel is closed.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// Err returns why the channel closed: ErrChannelClosed after Close, the
// server's *amqp091.Error after a server close, or the connection's error.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.err
}

func (ch *Channel) markOpen() {
	ch.state.CompareAndSwap(int32(ChannelStateOpening), int32(ChannelStateOpen))
}

func (ch *Channel) notOpenErr() error {
	if err := ch.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: channel %d is %s", ErrNotOpen, ch.id, ch.State())
}

func (ch *Channel) acquire(ctx context.Context) error {
	select {
	case ch.rpc <- struct{}{}:
		return nil
	case <-ch.done:
		return ch.notOpenErr()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: channel %d busy: %w", ErrTimeout, ch.id, ctx.Err())
		}
		return fmt.Errorf("%w: channel %d busy: %w", ErrCanceled, ch.id, ctx.Err())
	}
}

func (ch *Channel) release() { <-ch.rpc }

// Call sends method and waits for one of replies. A server close of the
// channel while waiting fails the call with the server's *amqp091.Error.
func (ch *Channel) Call(ctx context.Context, method MethodKind, args []byte, replies ...MethodKind) (Frame, error) {
	if len(replies) == 0 {
		return Frame{}, fmt.Errorf("amqp: call %s: no reply methods given", method)
	}
	if err := ch.acquire(ctx); err != nil {
		return Frame{}, err
	}
	defer ch.release()
	if ch.State() != ChannelStateOpen {
		return Frame{}, ch.notOpenErr()
	}
	ctx, span := ch.conn.startSpan(ctx, "amqp.channel.call",
		attribute.Int("amqp.channel", int(ch.id)),
		attribute.String("amqp.method", method.String()),
	)
	f, err := ch.conn.roundTrip(ctx, ch.id, func() error {
		return ch.conn.proto.sendMethod(ch.id, method, args)
	}, nil, replies...)
	endSpan(span, err)
	return f, err
}

// Send writes an asynchronous method that has no reply.
func (ch *Channel) Send(method MethodKind, args []byte) error {
	if ch.State() != ChannelStateOpen {
		return ch.notOpenErr()
	}
	return ch.conn.proto.sendMethod(ch.id, method, args)
}

// SendFrames writes content header and body frames, or any other frames,
// on this channel. The frames' Channel field is overwritten.
func (ch *Channel) SendFrames(frames ...Frame) error {
	if ch.State() != ChannelStateOpen {
		return ch.notOpenErr()
	}
	for _, f := range frames {
		f.Channel = ch.id
		if err := ch.conn.proto.sendFrame(f); err != nil {
			return err
		}
	}
	return nil
}

// Receive returns the next frame that arrived on the channel without being
// a reply: deliveries, returns, server-sent flow and cancel notifications.
// Frames still queued are returned before the close error.
func (ch *Channel) Receive(ctx context.Context) (Frame, error) {
	return ch.mailbox.receive(ctx)
}

// Close closes the channel, waiting up to the connection's close timeout.
func (ch *Channel) Close() error {
	ctx := context.Background()
	if d := ch.conn.opts.CloseTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return ch.CloseContext(ctx)
}

// CloseContext sends channel.close and waits for close-ok. Closing a channel
// that is already closed or closing returns nil.
func (ch *Channel) CloseContext(ctx context.Context) error {
	if err := ch.acquire(ctx); err != nil {
		if ch.State() == ChannelStateClosed {
			return nil
		}
		return err
	}
	defer ch.release()
	if !ch.state.CompareAndSwap(int32(ChannelStateOpen), int32(ChannelStateClosing)) {
		return nil
	}
	ctx, span := ch.conn.startSpan(ctx, "amqp.channel.close", attribute.Int("amqp.channel", int(ch.id)))

	_, err := ch.conn.roundTrip(ctx, ch.id, func() error {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		if ch.closeAcked {
			return errCloseAcked
		}
		ch.closeSent = true
		return ch.conn.proto.sendMethod(ch.id, ChannelClose, buildCloseArgs(replySuccess, "Goodbye", 0, 0))
	}, func(Frame) {
		ch.conn.dropChannel(ch, ErrChannelClosed)
	}, ChannelCloseOk)

	switch {
	case err == nil:
		ch.conn.dropChannel(ch, ErrChannelClosed)
	case errors.Is(err, errCloseAcked):
		err = nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrCanceled):
		// unusable for the caller now; the id stays reserved until close-ok
		ch.shutdown(ErrChannelClosed)
	default:
		var amqpErr *amqp091.Error
		if errors.As(err, &amqpErr) || errors.Is(err, ErrClosed) {
			err = nil
		}
	}
	endSpan(span, err)
	return err
}

// deliver handles a frame routed to this channel that no request claimed.
func (ch *Channel) deliver(f Frame, kind MethodKind) error {
	if f.Type == FrameMethod && kind == ChannelClose {
		return ch.handleServerClose(f)
	}
	switch ch.State() {
	case ChannelStateOpening:
		return protocolErrorf(amqp091.CommandInvalid, "%s before channel.open-ok", f)
	case ChannelStateClosing, ChannelStateClosed:
		ch.log.Debug().Str("frame", f.String()).Msg("discarding frame on closing channel")
		return nil
	}
	if f.Type == FrameMethod && IsSyncReply(kind) {
		return protocolErrorf(amqp091.CommandInvalid, "%s with no request pending", f)
	}
	ch.mailbox.push(f)
	return nil
}

// handleServerClose answers a server channel.close with exactly one
// close-ok. When our own channel.close crossed it on the wire the channel
// stays registered until the server's close-ok arrives.
func (ch *Channel) handleServerClose(f Frame) error {
	reason := closeReason(f.Args())
	ch.mu.Lock()
	if ch.closeAcked {
		ch.mu.Unlock()
		ch.log.Debug().Msg("ignoring repeated channel.close")
		return nil
	}
	ch.closeAcked = true
	collision := ch.closeSent
	ch.mu.Unlock()

	ch.log.Warn().Int("code", reason.Code).Str("reason", reason.Reason).Bool("collision", collision).Msg("channel closed by server")
	if err := ch.conn.proto.sendMethod(ch.id, ChannelCloseOk, nil); err != nil {
		ch.log.Debug().Err(err).Msg("write channel.close-ok failed")
	}
	if collision {
		return nil
	}
	ch.conn.dropChannel(ch, reason)
	return nil
}

// abandon releases a channel whose open-ok arrived after OpenChannel gave
// up: the server considers it open, so it is closed again.
func (ch *Channel) abandon(Frame) {
	ch.mu.Lock()
	if ch.closeAcked {
		ch.mu.Unlock()
		return
	}
	ch.closeSent = true
	ch.mu.Unlock()
	ch.state.Store(int32(ChannelStateClosing))
	ch.conn.dispatcher.addOrphan(ch.id, func(Frame) {
		ch.conn.dropChannel(ch, ErrChannelClosed)
	}, ChannelCloseOk)
	if err := ch.conn.proto.sendMethod(ch.id, ChannelClose, buildCloseArgs(replySuccess, "open abandoned", 0, 0)); err != nil {
		ch.log.Debug().Err(err).Msg("write channel.close failed")
	}
}

// shutdown moves the channel to closed and wakes everything waiting on it.
func (ch *Channel) shutdown(err error) {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		ch.err = err
		ch.mu.Unlock()
		ch.state.Store(int32(ChannelStateClosed))
		ch.mailbox.close(err)
		close(ch.done)
	})
}

// mailbox is an unbounded FIFO of frames with a blocking receive.
type mailbox struct {
	mu     sync.Mutex
	items  []Frame
	err    error
	ready  chan struct{}
	closed chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1), closed: make(chan struct{})}
}

func (m *mailbox) push(f Frame) {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, f)
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) close(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return
	}
	m.err = err
	close(m.closed)
}

func (m *mailbox) receive(ctx context.Context) (Frame, error) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			f := m.items[0]
			m.items[0] = Frame{}
			m.items = m.items[1:]
			more := len(m.items) > 0
			m.mu.Unlock()
			if more {
				m.signal()
			}
			return f, nil
		}
		err := m.err
		m.mu.Unlock()
		if err != nil {
			return Frame{}, err
		}
		select {
		case <-m.ready:
		case <-m.closed:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}
