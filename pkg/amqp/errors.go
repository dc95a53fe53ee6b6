package amqp

import (
	"errors"
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrClosed is returned, wrapped around the cause, to every request and
	// channel caught by the end of the connection.
	ErrClosed = errors.New("amqp: connection closed")

	// ErrChannelClosed is returned by operations on a channel that has been
	// closed by the client.
	ErrChannelClosed = errors.New("amqp: channel closed")

	// ErrHandshake wraps every failure of the connection handshake.
	ErrHandshake = errors.New("amqp: handshake failed")

	// ErrTimeout is returned when a request's deadline expires before its
	// reply arrives. The connection stays usable.
	ErrTimeout = errors.New("amqp: request timed out")

	// ErrCanceled is returned when the caller's context is canceled while a
	// request waits for its reply.
	ErrCanceled = errors.New("amqp: request canceled")

	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("amqp: protocol violation")

	// ErrRequestPending is returned when a second synchronous request is
	// registered on a channel whose first one is unsettled.
	ErrRequestPending = errors.New("amqp: request already pending on channel")

	// ErrChannelMax is returned when every channel id is in use.
	ErrChannelMax = errors.New("amqp: channel id space exhausted")

	// ErrNotOpen is returned for application traffic attempted before the
	// connection or channel reached the open state.
	ErrNotOpen = errors.New("amqp: not open")

	// ErrHeartbeatTimeout is the teardown cause when the peer went silent for
	// two heartbeat intervals.
	ErrHeartbeatTimeout = errors.New("amqp: missed heartbeats from server")

	// ErrAuthMechanism is returned when the server offers none of the
	// configured SASL mechanisms.
	ErrAuthMechanism = errors.New("amqp: no supported SASL mechanism")
)

// ProtocolError reports a frame that cannot be reconciled with the current
// conversation. It is fatal to the connection; Code is the reply code sent to
// the server in connection.close.
type ProtocolError struct {
	Code   int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("amqp: protocol violation (%d): %s", e.Code, e.Reason)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func protocolErrorf(code int, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// VersionError is returned when the server rejects the protocol header and
// answers with the version it supports instead.
type VersionError struct {
	Major, Minor, Revision uint8
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("amqp: server does not support 0-9-1, offered %d-%d-%d", e.Major, e.Minor, e.Revision)
}

func (e *VersionError) Is(target error) bool { return target == ErrProtocol }

// closeReason decodes connection.close or channel.close arguments into the
// amqp091 error shape used for every server-originated close.
func closeReason(args []byte) *amqp091.Error {
	r := NewArgReader(args)
	code := r.Short()
	text := r.ShortStr()
	classID := r.Short()
	methodID := r.Short()
	if r.Err() != nil {
		return &amqp091.Error{Code: amqp091.SyntaxError, Reason: "malformed close arguments", Server: true}
	}
	reason := text
	if classID != 0 || methodID != 0 {
		reason = fmt.Sprintf("%s (caused by %s)", text, MethodKind{Class: classID, Method: methodID})
	}
	return &amqp091.Error{
		Code:    int(code),
		Reason:  reason,
		Server:  true,
		Recover: isSoftError(int(code)),
	}
}

// soft errors close only the channel; everything else is a connection error
func isSoftError(code int) bool {
	switch code {
	case amqp091.ContentTooLarge, amqp091.NoRoute, amqp091.NoConsumers,
		amqp091.AccessRefused, amqp091.NotFound, amqp091.ResourceLocked, amqp091.PreconditionFailed:
		return true
	}
	return false
}

// closedError wraps the teardown cause so that errors.Is(err, ErrClosed)
// holds for every request and channel caught by the teardown.
func closedError(cause error) error {
	if cause == nil || errors.Is(cause, ErrClosed) {
		if cause == nil {
			return ErrClosed
		}
		return cause
	}
	return fmt.Errorf("%w: %w", ErrClosed, cause)
}
