package amqp

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

type handshakeState int

const (
	handshakeInit handshakeState = iota
	handshakeAwaitingStart
	handshakeAwaitingTune
	handshakeAwaitingOpenOk
	handshakeOpen
)

func (s handshakeState) String() string {
	switch s {
	case handshakeInit:
		return "init"
	case handshakeAwaitingStart:
		return "awaiting-start"
	case handshakeAwaitingTune:
		return "awaiting-tune"
	case handshakeAwaitingOpenOk:
		return "awaiting-open-ok"
	case handshakeOpen:
		return "open"
	}
	return fmt.Sprintf("handshake(%d)", int(s))
}

// tuneParams are the three values exchanged by tune and tune-ok.
type tuneParams struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

// negotiateFrameMax picks the lower of two limits where 0 means unlimited.
func negotiateFrameMax(client, server uint32) uint32 {
	switch {
	case client == 0:
		return server
	case server == 0:
		return client
	case client < server:
		return client
	}
	return server
}

func negotiateChannelMax(client, server uint16) uint16 {
	return uint16(negotiateFrameMax(uint32(client), uint32(server)))
}

// negotiateHeartbeat disables heartbeats when either side asks for 0 and
// otherwise takes the shorter interval.
func negotiateHeartbeat(client, server uint16) uint16 {
	if client == 0 || server == 0 {
		return 0
	}
	if client < server {
		return client
	}
	return server
}

func reconcileTune(client, server tuneParams) tuneParams {
	return tuneParams{
		ChannelMax: negotiateChannelMax(client.ChannelMax, server.ChannelMax),
		FrameMax:   negotiateFrameMax(client.FrameMax, server.FrameMax),
		Heartbeat:  negotiateHeartbeat(client.Heartbeat, server.Heartbeat),
	}
}

// connectionStart holds the decoded arguments of connection.start.
type connectionStart struct {
	VersionMajor uint8
	VersionMinor uint8
	Properties   amqp091.Table
	Mechanisms   []string
	Locales      []string
}

func parseConnectionStart(args []byte) (connectionStart, error) {
	r := NewArgReader(args)
	s := connectionStart{
		VersionMajor: r.Octet(),
		VersionMinor: r.Octet(),
		Properties:   r.Table(),
	}
	mechanisms := r.LongStr()
	locales := r.LongStr()
	if err := r.Err(); err != nil {
		return connectionStart{}, protocolErrorf(amqp091.SyntaxError, "connection.start: %v", err)
	}
	s.Mechanisms = strings.Fields(mechanisms)
	s.Locales = strings.Fields(locales)
	return s, nil
}

func parseTune(args []byte) (tuneParams, error) {
	r := NewArgReader(args)
	t := tuneParams{ChannelMax: r.Short(), FrameMax: r.Long(), Heartbeat: r.Short()}
	if err := r.Err(); err != nil {
		return tuneParams{}, protocolErrorf(amqp091.SyntaxError, "connection.tune: %v", err)
	}
	return t, nil
}

// pickMechanism returns the first client mechanism the server offers.
func pickMechanism(client []amqp091.Authentication, server []string) (amqp091.Authentication, error) {
	for _, auth := range client {
		for _, name := range server {
			if auth.Mechanism() == name {
				return auth, nil
			}
		}
	}
	offered := make([]string, 0, len(client))
	for _, auth := range client {
		offered = append(offered, auth.Mechanism())
	}
	return nil, fmt.Errorf("%w: client %v, server %v", ErrAuthMechanism, offered, server)
}

// pickLocale keeps the configured locale when the server offers it and falls
// back to the server's first locale otherwise.
func pickLocale(want string, server []string) string {
	for _, l := range server {
		if l == want {
			return l
		}
	}
	if len(server) > 0 {
		return server[0]
	}
	return want
}

// bootstrap drives the handshake from protocol header to open-ok. Every
// failure is wrapped in ErrHandshake together with the state it happened in;
// a server that closes the connection surfaces as *amqp091.Error.
func (c *Connection) bootstrap(ctx context.Context, info ConnectionInfo) error {
	state := handshakeInit
	fail := func(err error) error {
		return fmt.Errorf("%w in state %s: %w", ErrHandshake, state, err)
	}

	state = handshakeAwaitingStart
	f, err := c.roundTrip(ctx, 0, c.proto.sendProtocolHeader, nil, ConnectionStart)
	if err != nil {
		return fail(err)
	}
	start, err := parseConnectionStart(f.Args())
	if err != nil {
		c.proto.fail(err)
		return fail(err)
	}
	if start.VersionMajor != 0 || start.VersionMinor != 9 {
		err := &VersionError{Major: start.VersionMajor, Minor: start.VersionMinor}
		return fail(err)
	}
	auth, err := pickMechanism(c.opts.mechanisms(info), start.Mechanisms)
	if err != nil {
		return fail(err)
	}
	locale := pickLocale(c.opts.Locale, start.Locales)
	c.serverProperties = start.Properties
	c.log.Debug().
		Str("mechanism", auth.Mechanism()).
		Str("locale", locale).
		Interface("server", start.Properties["product"]).
		Msg("connection.start")

	state = handshakeAwaitingTune
	startOk := buildStartOkArgs(c.opts.clientProperties(c.name), auth.Mechanism(), auth.Response(), locale)
	f, err = c.roundTrip(ctx, 0, func() error {
		return c.proto.sendMethod(0, ConnectionStartOk, startOk)
	}, nil, ConnectionTune)
	if err != nil {
		return fail(err)
	}
	serverTune, err := parseTune(f.Args())
	if err != nil {
		c.proto.fail(err)
		return fail(err)
	}
	tuned := reconcileTune(tuneParams{
		ChannelMax: c.opts.ChannelMax,
		FrameMax:   c.opts.FrameMax,
		Heartbeat:  c.opts.heartbeatSeconds(),
	}, serverTune)

	c.frameMax = tuned.FrameMax
	c.channelMax = tuned.ChannelMax
	if c.channelMax == 0 {
		c.channelMax = ^uint16(0)
	}
	c.heartbeat = time.Duration(tuned.Heartbeat) * time.Second
	c.ids = newIDAllocator(c.channelMax)
	if wc, ok := c.codec.(*WireCodec); ok {
		wc.SetMaxFrameSize(tuned.FrameMax)
	}
	c.log.Debug().
		Uint16("channel_max", tuned.ChannelMax).
		Uint32("frame_max", tuned.FrameMax).
		Uint16("heartbeat", tuned.Heartbeat).
		Msg("connection.tune")
	if err := c.proto.sendMethod(0, ConnectionTuneOk, buildTuneArgs(tuned.ChannelMax, tuned.FrameMax, tuned.Heartbeat)); err != nil {
		return fail(err)
	}

	state = handshakeAwaitingOpenOk
	c.setState(StateOpening)
	_, err = c.roundTrip(ctx, 0, func() error {
		return c.proto.sendMethod(0, ConnectionOpen, buildOpenArgs(info.VirtualHost))
	}, nil, ConnectionOpenOk)
	if err != nil {
		return fail(err)
	}
	if !c.state.CompareAndSwap(int32(StateOpening), int32(StateOpen)) {
		return fail(c.Err())
	}
	state = handshakeOpen
	c.hb.start(c.heartbeat)
	return nil
}
