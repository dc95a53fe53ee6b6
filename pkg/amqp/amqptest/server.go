// Package amqptest provides a scripted AMQP 0-9-1 broker for tests. It
// performs the server side of the handshake, answers channel.open,
// channel.close and connection.close on its own, and queues every other
// frame for the test to inspect and answer.
package amqptest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ericogr/amqp-client/pkg/amqp"
)

// Config scripts the broker's side of the handshake.
type Config struct {
	VersionMajor, VersionMinor uint8
	ServerProperties           amqp091.Table
	Mechanisms                 []string
	Locales                    []string

	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16

	// Auth validates the start-ok credentials once the virtual host is known.
	// An error closes the connection with 403 ACCESS_REFUSED.
	Auth func(mechanism string, response []byte, vhost string) error

	// Hold reports whether a frame is queued for the test instead of being
	// answered automatically.
	Hold func(f amqp.Frame) bool

	// Handler, when set, receives the frames that would otherwise be queued
	// for the test. It runs on the connection's read loop.
	Handler func(s *Server, f amqp.Frame)

	// RejectProtocol answers the protocol header with AMQP 0-8 and hangs up.
	RejectProtocol bool

	// SendHeartbeats makes the broker send a heartbeat every negotiated
	// interval after the handshake.
	SendHeartbeats bool

	Logger zerolog.Logger
}

// DefaultConfig returns a broker offering PLAIN, frame-max 131072, no
// channel limit and a 60 second heartbeat.
func DefaultConfig() Config {
	return Config{
		VersionMajor: 0,
		VersionMinor: 9,
		ServerProperties: amqp091.Table{
			"product":  "amqptest",
			"version":  "0.0.0",
			"platform": "Go",
			"capabilities": amqp091.Table{
				"connection.blocked":     true,
				"consumer_cancel_notify": true,
			},
		},
		Mechanisms: []string{"PLAIN", "AMQPLAIN"},
		Locales:    []string{"en_US"},
		FrameMax:   131072,
		Heartbeat:  60,
		Logger:     zerolog.Nop(),
	}
}

// StartOk is what the client sent in connection.start-ok.
type StartOk struct {
	ClientProperties amqp091.Table
	Mechanism        string
	Response         []byte
	Locale           string
}

// TuneOk is what the client sent in connection.tune-ok.
type TuneOk struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

// Server is one scripted broker connection.
type Server struct {
	cfg  Config
	conn net.Conn
	log  zerolog.Logger

	// writes go through a queue drained by one goroutine, so the read loop
	// never blocks on an unbuffered transport such as net.Pipe
	outMu      sync.Mutex
	outClosed  bool
	out        chan []byte
	writerDone chan struct{}

	held chan amqp.Frame

	mu         sync.Mutex
	received   []amqp.Frame
	startOk    StartOk
	tuneOk     TuneOk
	vhost      string
	heartbeats int

	ready chan struct{}
	done  chan struct{}
	err   error
}

// Serve runs the broker on conn in a new goroutine.
func Serve(conn net.Conn, cfg Config) *Server {
	s := &Server{
		cfg:        cfg,
		conn:       conn,
		log:        cfg.Logger,
		out:        make(chan []byte, 1024),
		writerDone: make(chan struct{}),
		held:       make(chan amqp.Frame, 1024),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.writer()
	go s.run()
	return s
}

// Pipe starts a broker on one end of an in-memory pipe and returns the other
// end for the client.
func Pipe(cfg Config) (net.Conn, *Server) {
	client, server := net.Pipe()
	return client, Serve(server, cfg)
}

// ListenAndServe accepts connections on addr until ctx ends.
func ListenAndServe(ctx context.Context, addr string, cfg Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, cfg)
}

// ServeListener accepts connections on ln until ctx ends.
func ServeListener(ctx context.Context, ln net.Listener, cfg Config) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		cfg.Logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("[server] accepted connection")
		Serve(conn, cfg)
	}
}

func (s *Server) run() {
	defer close(s.done)
	defer s.conn.Close()
	defer s.flush()
	err := s.handshake()
	if err == nil {
		close(s.ready)
		err = s.loop()
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		s.log.Debug().Err(err).Msg("[server] connection ended")
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Server) handshake() error {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(s.conn, hdr); err != nil {
		return err
	}
	if string(hdr[:4]) != "AMQP" {
		return errors.New("invalid protocol header")
	}
	if s.cfg.RejectProtocol {
		if err := s.enqueue([]byte{'A', 'M', 'Q', 'P', 0, 0, 8, 0}); err != nil {
			return err
		}
		return io.EOF
	}

	start := (&amqp.ArgWriter{}).
		Octet(s.cfg.VersionMajor).
		Octet(s.cfg.VersionMinor).
		Table(s.cfg.ServerProperties).
		LongStr(strings.Join(s.cfg.Mechanisms, " ")).
		LongStr(strings.Join(s.cfg.Locales, " ")).
		Bytes()
	if err := s.Send(0, amqp.ConnectionStart, start); err != nil {
		return fmt.Errorf("write start: %w", err)
	}

	f, err := s.waitForMethod(amqp.ConnectionStartOk)
	if err != nil {
		return err
	}
	r := amqp.NewArgReader(f.Args())
	startOk := StartOk{
		ClientProperties: r.Table(),
		Mechanism:        r.ShortStr(),
		Response:         []byte(r.LongStr()),
		Locale:           r.ShortStr(),
	}
	if err := r.Err(); err != nil {
		s.closeAndWait(amqp091.SyntaxError, "Malformed start-ok", 0, 0)
		return fmt.Errorf("parse start-ok: %w", err)
	}
	s.mu.Lock()
	s.startOk = startOk
	s.mu.Unlock()

	tune := (&amqp.ArgWriter{}).Short(s.cfg.ChannelMax).Long(s.cfg.FrameMax).Short(s.cfg.Heartbeat).Bytes()
	if err := s.Send(0, amqp.ConnectionTune, tune); err != nil {
		return fmt.Errorf("write tune: %w", err)
	}

	f, err = s.waitForMethod(amqp.ConnectionTuneOk)
	if err != nil {
		return err
	}
	r = amqp.NewArgReader(f.Args())
	tuneOk := TuneOk{ChannelMax: r.Short(), FrameMax: r.Long(), Heartbeat: r.Short()}
	if err := r.Err(); err != nil {
		return fmt.Errorf("parse tune-ok: %w", err)
	}
	s.mu.Lock()
	s.tuneOk = tuneOk
	s.mu.Unlock()

	f, err = s.waitForMethod(amqp.ConnectionOpen)
	if err != nil {
		return err
	}
	vhost := amqp.NewArgReader(f.Args()).ShortStr()
	s.mu.Lock()
	s.vhost = vhost
	s.mu.Unlock()
	s.log.Debug().Str("vhost", vhost).Msg("connection.open")

	if s.cfg.Auth != nil {
		if err := s.cfg.Auth(startOk.Mechanism, startOk.Response, vhost); err != nil {
			text := fmt.Sprintf("ACCESS_REFUSED - %s", err.Error())
			s.closeAndWait(amqp091.AccessRefused, text, 10, 11)
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := s.Send(0, amqp.ConnectionOpenOk, (&amqp.ArgWriter{}).ShortStr("").Bytes()); err != nil {
		return fmt.Errorf("write open-ok: %w", err)
	}

	if s.cfg.SendHeartbeats {
		if hb := negotiated(s.cfg.Heartbeat, tuneOk.Heartbeat); hb > 0 {
			go s.heartbeatLoop(time.Duration(hb) * time.Second)
		}
	}
	return nil
}

func negotiated(server, client uint16) uint16 {
	if server == 0 || client == 0 {
		return 0
	}
	if client < server {
		return client
	}
	return server
}

func (s *Server) heartbeatLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.SendFrame(amqp.Frame{Type: amqp.FrameHeartbeat}); err != nil {
				s.log.Error().Err(err).Msg("[server] heartbeat write error")
				return
			}
		}
	}
}

// waitForMethod reads frames until it sees kind, skipping heartbeats.
func (s *Server) waitForMethod(kind amqp.MethodKind) (amqp.Frame, error) {
	for {
		f, err := amqp.ReadFrame(s.conn)
		if err != nil {
			return amqp.Frame{}, err
		}
		if f.Type != amqp.FrameMethod {
			continue
		}
		k, err := f.Kind()
		if err != nil {
			return amqp.Frame{}, err
		}
		s.log.Debug().Uint16("chan", f.Channel).Str("method", k.String()).Int("args", len(f.Args())).Msg("recv method")
		if k == kind {
			return f, nil
		}
		if k == amqp.ConnectionClose {
			_ = s.Send(0, amqp.ConnectionCloseOk, nil)
			return amqp.Frame{}, fmt.Errorf("client closed during handshake")
		}
	}
}

// closeAndWait sends connection.close and waits a bounded time for close-ok.
func (s *Server) closeAndWait(code uint16, text string, classID, methodID uint16) {
	args := (&amqp.ArgWriter{}).Short(code).ShortStr(text).Short(classID).Short(methodID).Bytes()
	if err := s.Send(0, amqp.ConnectionClose, args); err != nil {
		s.log.Error().Err(err).Msg("[server] write connection close error")
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer s.conn.SetReadDeadline(time.Time{})
	if _, err := s.waitForMethod(amqp.ConnectionCloseOk); err != nil {
		s.log.Debug().Err(err).Msg("wait for connection.close-ok failed")
	}
}

func (s *Server) loop() error {
	for {
		f, err := amqp.ReadFrame(s.conn)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if f.Type == amqp.FrameHeartbeat {
			s.heartbeats++
			s.mu.Unlock()
			continue
		}
		s.received = append(s.received, f)
		s.mu.Unlock()

		if s.cfg.Hold != nil && s.cfg.Hold(f) {
			s.hold(f)
			continue
		}
		kind, _ := f.Kind()
		s.log.Debug().Uint16("chan", f.Channel).Str("frame", f.String()).Msg("recv frame")
		switch {
		case f.Type != amqp.FrameMethod:
			s.hold(f)
		case kind == amqp.ChannelOpen:
			if err := s.Send(f.Channel, amqp.ChannelOpenOk, (&amqp.ArgWriter{}).LongStr("").Bytes()); err != nil {
				return err
			}
		case kind == amqp.ChannelClose:
			if err := s.Send(f.Channel, amqp.ChannelCloseOk, nil); err != nil {
				return err
			}
		case kind == amqp.ConnectionClose:
			if err := s.Send(0, amqp.ConnectionCloseOk, nil); err != nil {
				return err
			}
			return nil
		default:
			s.hold(f)
		}
	}
}

func (s *Server) hold(f amqp.Frame) {
	if s.cfg.Handler != nil {
		s.cfg.Handler(s, f)
		return
	}
	s.held <- f
}

// Ready is closed once the handshake completed.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Done is closed when the broker stopped serving the connection.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) enqueue(b []byte) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return net.ErrClosed
	}
	s.out <- b
	return nil
}

func (s *Server) writer() {
	defer close(s.writerDone)
	for b := range s.out {
		if _, err := s.conn.Write(b); err != nil {
			s.log.Debug().Err(err).Msg("[server] write error")
			for range s.out {
			}
			return
		}
	}
}

// flush stops accepting writes and gives the queued ones a moment to reach
// the client before the transport is closed.
func (s *Server) flush() {
	s.outMu.Lock()
	if !s.outClosed {
		s.outClosed = true
		close(s.out)
	}
	s.outMu.Unlock()
	select {
	case <-s.writerDone:
	case <-time.After(time.Second):
	}
}

// Send writes a method frame to the client.
func (s *Server) Send(channel uint16, kind amqp.MethodKind, args []byte) error {
	var buf bytes.Buffer
	if err := amqp.WriteMethod(&buf, channel, kind.Class, kind.Method, args); err != nil {
		return err
	}
	return s.enqueue(buf.Bytes())
}

// SendFrame writes a raw frame to the client.
func (s *Server) SendFrame(f amqp.Frame) error {
	var buf bytes.Buffer
	if err := amqp.WriteFrame(&buf, f); err != nil {
		return err
	}
	return s.enqueue(buf.Bytes())
}

// SendClose sends channel.close (channel > 0) or connection.close.
func (s *Server) SendClose(channel uint16, code uint16, text string) error {
	kind := amqp.ChannelClose
	if channel == 0 {
		kind = amqp.ConnectionClose
	}
	return s.Send(channel, kind, (&amqp.ArgWriter{}).Short(code).ShortStr(text).Short(0).Short(0).Bytes())
}

// Next returns the next held frame, waiting at most timeout.
func (s *Server) Next(timeout time.Duration) (amqp.Frame, error) {
	select {
	case f := <-s.held:
		return f, nil
	case <-time.After(timeout):
		return amqp.Frame{}, fmt.Errorf("no frame within %s", timeout)
	}
}

// Expect returns the next held frame and fails if it is not kind.
func (s *Server) Expect(kind amqp.MethodKind, timeout time.Duration) (amqp.Frame, error) {
	f, err := s.Next(timeout)
	if err != nil {
		return amqp.Frame{}, fmt.Errorf("waiting for %s: %w", kind, err)
	}
	got, err := f.Kind()
	if err != nil || got != kind {
		return f, fmt.Errorf("expected %s, got %s", kind, f)
	}
	return f, nil
}

// WaitFor polls the received frames until one on channel matches kind.
func (s *Server) WaitFor(channel uint16, kind amqp.MethodKind, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Count(channel, kind) > 0 {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("no %s on channel %d within %s", kind, channel, timeout)
}

// Count returns how many kind frames arrived on channel after the handshake.
func (s *Server) Count(channel uint16, kind amqp.MethodKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.received {
		if f.Channel != channel || f.Type != amqp.FrameMethod {
			continue
		}
		if k, err := f.Kind(); err == nil && k == kind {
			n++
		}
	}
	return n
}

// Received returns every non-heartbeat frame that arrived after the handshake.
func (s *Server) Received() []amqp.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]amqp.Frame(nil), s.received...)
}

func (s *Server) Heartbeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

func (s *Server) StartOk() StartOk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startOk
}

func (s *Server) TuneOk() TuneOk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tuneOk
}

func (s *Server) VirtualHost() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vhost
}

// Err returns why the broker stopped serving, once Done is closed.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Drop closes the transport without a protocol close.
func (s *Server) Drop() error {
	return s.conn.Close()
}
