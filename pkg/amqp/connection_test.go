package amqp_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/ericogr/amqp-client/pkg/amqp"
	"github.com/ericogr/amqp-client/pkg/amqp/amqptest"
)

const wait = 2 * time.Second

var basicDeliver = amqp.MethodKind{Class: 60, Method: 60}

func openPipe(t *testing.T, cfg amqptest.Config, opts ...amqp.Option) (*amqp.Connection, *amqptest.Server) {
	t.Helper()
	client, srv := amqptest.Pipe(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := amqp.Open(ctx, client, amqp.ConnectionInfo{Username: "user", Password: "pass", VirtualHost: "/vhost"}, opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, srv
}

func openChannel(t *testing.T, conn *amqp.Connection) *amqp.Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	ch, err := conn.OpenChannel(ctx)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	return ch
}

func waitClosed(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(wait):
		t.Fatalf("%s not closed", what)
	}
}

func TestHandshake(t *testing.T) {
	conn, srv := openPipe(t, amqptest.DefaultConfig())

	startOk := srv.StartOk()
	if startOk.Mechanism != "PLAIN" {
		t.Fatalf("unexpected mechanism %q", startOk.Mechanism)
	}
	if string(startOk.Response) != "\x00user\x00pass" {
		t.Fatalf("unexpected PLAIN response %q", startOk.Response)
	}
	if startOk.Locale != "en_US" {
		t.Fatalf("unexpected locale %q", startOk.Locale)
	}
	if startOk.ClientProperties["connection_name"] != conn.Name() {
		t.Fatalf("connection_name %v, want %q", startOk.ClientProperties["connection_name"], conn.Name())
	}

	tuneOk := srv.TuneOk()
	if tuneOk.FrameMax != 131072 || tuneOk.Heartbeat != 60 || tuneOk.ChannelMax != 2047 {
		t.Fatalf("unexpected tune-ok %+v", tuneOk)
	}
	if srv.VirtualHost() != "/vhost" {
		t.Fatalf("unexpected vhost %q", srv.VirtualHost())
	}

	if conn.State() != amqp.StateOpen {
		t.Fatalf("unexpected state %s", conn.State())
	}
	if conn.Heartbeat() != 60*time.Second {
		t.Fatalf("unexpected heartbeat %s", conn.Heartbeat())
	}
	if conn.FrameMax() != 131072 || conn.ChannelMax() != 2047 {
		t.Fatalf("unexpected limits frame=%d channel=%d", conn.FrameMax(), conn.ChannelMax())
	}
	if conn.ServerProperties()["product"] != "amqptest" {
		t.Fatalf("unexpected server properties %v", conn.ServerProperties())
	}
}

func TestHandshakeNegotiatesLowerFrameMax(t *testing.T) {
	cfg := amqptest.DefaultConfig()
	cfg.FrameMax = 65536
	cfg.Heartbeat = 0
	conn, srv := openPipe(t, cfg, amqp.WithConnectionName("orders"))

	if conn.FrameMax() != 65536 || srv.TuneOk().FrameMax != 65536 {
		t.Fatalf("expected frame max 65536, got client=%d server=%d", conn.FrameMax(), srv.TuneOk().FrameMax)
	}
	if conn.Heartbeat() != 0 || srv.TuneOk().Heartbeat != 0 {
		t.Fatalf("expected heartbeats disabled, got %s", conn.Heartbeat())
	}
	if conn.Name() != "orders" {
		t.Fatalf("unexpected name %q", conn.Name())
	}
}

func TestHandshakeAuthFailure(t *testing.T) {
	cfg := amqptest.DefaultConfig()
	cfg.Auth = func(string, []byte, string) error { return errors.New("bad credentials") }
	client, _ := amqptest.Pipe(cfg)

	closed := make(chan error, 1)
	_, err := amqp.Open(context.Background(), client, amqp.ConnectionInfo{Username: "user", Password: "wrong", VirtualHost: "/"},
		amqp.WithOnClose(func(err error) { closed <- err }))
	if !errors.Is(err, amqp.ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	var amqpErr *amqp091.Error
	if !errors.As(err, &amqpErr) {
		t.Fatalf("expected *amqp091.Error in chain, got %v", err)
	}
	if amqpErr.Code != amqp091.AccessRefused {
		t.Fatalf("expected 403, got %d", amqpErr.Code)
	}
	select {
	case err := <-closed:
		t.Fatalf("OnClose must not run for a connection that never opened, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandshakeProtocolRejected(t *testing.T) {
	cfg := amqptest.DefaultConfig()
	cfg.RejectProtocol = true
	client, _ := amqptest.Pipe(cfg)

	_, err := amqp.Open(context.Background(), client, amqp.ConnectionInfo{})
	var verr *amqp.VersionError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *VersionError, got %v", err)
	}
	if verr.Major != 0 || verr.Minor != 8 {
		t.Fatalf("unexpected offered version %+v", verr)
	}
}

func TestHandshakeWrongStartVersion(t *testing.T) {
	cfg := amqptest.DefaultConfig()
	cfg.VersionMinor = 8
	client, _ := amqptest.Pipe(cfg)

	_, err := amqp.Open(context.Background(), client, amqp.ConnectionInfo{})
	var verr *amqp.VersionError
	if !errors.Is(err, amqp.ErrHandshake) || !errors.As(err, &verr) {
		t.Fatalf("expected handshake version error, got %v", err)
	}
}

func TestHandshakeNoCommonMechanism(t *testing.T) {
	cfg := amqptest.DefaultConfig()
	cfg.Mechanisms = []string{"EXTERNAL"}
	client, _ := amqptest.Pipe(cfg)

	_, err := amqp.Open(context.Background(), client, amqp.ConnectionInfo{})
	if !errors.Is(err, amqp.ErrAuthMechanism) {
		t.Fatalf("expected ErrAuthMechanism, got %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := amqptest.DefaultConfig()
	cfg.Auth = func(string, []byte, string) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	}
	client, _ := amqptest.Pipe(cfg)

	_, err := amqp.Open(context.Background(), client, amqp.ConnectionInfo{}, amqp.WithHandshakeTimeout(50*time.Millisecond))
	if !errors.Is(err, amqp.ErrHandshake) || !errors.Is(err, amqp.ErrTimeout) {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
}

func TestOpenChannelsConcurrently(t *testing.T) {
	conn, _ := openPipe(t, amqptest.DefaultConfig())

	const n = 32
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		ids []int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := conn.OpenChannel(context.Background())
			if err != nil {
				t.Errorf("open channel: %v", err)
				return
			}
			mu.Lock()
			ids = append(ids, int(ch.ID()))
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Ints(ids)
	if len(ids) != n {
		t.Fatalf("expected %d channels, got %d", n, len(ids))
	}
	for i, id := range ids {
		if id != i+1 {
			t.Fatalf("expected ids 1..%d, got %v", n, ids)
		}
	}
	if got := len(conn.Channels()); got != n {
		t.Fatalf("connection tracks %d channels", got)
	}
}

func TestChannelMaxExhausted(t *testing.T) {
	cfg := amqptest.DefaultConfig()
	cfg.ChannelMax = 2
	conn, _ := openPipe(t, cfg)

	first := openChannel(t, conn)
	openChannel(t, conn)
	if _, err := conn.OpenChannel(context.Background()); !errors.Is(err, amqp.ErrChannelMax) {
		t.Fatalf("expected ErrChannelMax, got %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	again := openChannel(t, conn)
	if again.ID() != first.ID() {
		t.Fatalf("expected id %d to be reused, got %d", first.ID(), again.ID())
	}
}

func TestChannelCall(t *testing.T) {
	cfg := amqptest.DefaultConfig()
	conn, srv := openPipe(t, cfg)
	ch := openChannel(t, conn)

	go func() {
		f, err := srv.Expect(amqp.ChannelFlow, wait)
		if err != nil {
			t.Errorf("server: %v", err)
			return
		}
		_ = srv.Send(f.Channel, amqp.ChannelFlowOk, f.Args())
	}()
	f, err := ch.Call(context.Background(), amqp.ChannelFlow, []byte{1}, amqp.ChannelFlowOk)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if k, _ := f.Kind(); k != amqp.ChannelFlowOk || f.Args()[0] != 1 {
		t.Fatalf("unexpected reply %s", f)
	}
}

func TestChannelReceive(t *testing.T) {
	conn, srv := openPipe(t, amqptest.DefaultConfig())
	ch := openChannel(t, conn)

	deliver := (&amqp.ArgWriter{}).ShortStr("ctag").LongLong(1).Bit(false).ShortStr("").ShortStr("q").Bytes()
	if err := srv.Send(ch.ID(), basicDeliver, deliver); err != nil {
		t.Fatalf("send deliver: %v", err)
	}
	if err := srv.SendFrame(amqp.Frame{Type: amqp.FrameBody, Channel: ch.ID(), Payload: []byte("hello")}); err != nil {
		t.Fatalf("send body: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	f, err := ch.Receive(ctx)
	if err != nil {
		t.Fatalf("receive deliver: %v", err)
	}
	if k, _ := f.Kind(); k != basicDeliver {
		t.Fatalf("unexpected frame %s", f)
	}
	f, err = ch.Receive(ctx)
	if err != nil || string(f.Payload) != "hello" {
		t.Fatalf("unexpected body %s err=%v", f, err)
	}

	if err := ch.SendFrames(amqp.Frame{Type: amqp.FrameBody, Payload: []byte("out")}); err != nil {
		t.Fatalf("send frames: %v", err)
	}
	got, err := srv.Next(wait)
	if err != nil || got.Channel != ch.ID() || string(got.Payload) != "out" {
		t.Fatalf("server got %s err=%v", got, err)
	}
}

func TestServerClosesChannel(t *testing.T) {
	conn, srv := openPipe(t, amqptest.DefaultConfig())
	ch := openChannel(t, conn)
	other := openChannel(t, conn)

	if err := srv.SendClose(ch.ID(), amqp091.PreconditionFailed, "PRECONDITION_FAILED - forced"); err != nil {
		t.Fatalf("send close: %v", err)
	}
	waitClosed(t, ch.Done(), "channel")

	var amqpErr *amqp091.Error
	if !errors.As(ch.Err(), &amqpErr) || amqpErr.Code != amqp091.PreconditionFailed {
		t.Fatalf("expected 406 close reason, got %v", ch.Err())
	}
	if err := srv.WaitFor(ch.ID(), amqp.ChannelCloseOk, wait); err != nil {
		t.Fatal(err)
	}
	// give a duplicate close-ok a chance to show up
	time.Sleep(20 * time.Millisecond)
	if n := srv.Count(ch.ID(), amqp.ChannelCloseOk); n != 1 {
		t.Fatalf("expected exactly one close-ok, got %d", n)
	}
	if ch.State() != amqp.ChannelStateClosed {
		t.Fatalf("unexpected state %s", ch.State())
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close after server close: %v", err)
	}
	if _, err := ch.Call(context.Background(), amqp.ChannelFlow, []byte{1}, amqp.ChannelFlowOk); !errors.As(err, &amqpErr) {
		t.Fatalf("calls on a closed channel should return the close reason, got %v", err)
	}

	if other.State() != amqp.ChannelStateOpen || conn.State() != amqp.StateOpen {
		t.Fatal("a channel close must not affect the rest of the connection")
	}
	if ids := conn.Channels(); len(ids) != 1 || ids[0] != other.ID() {
		t.Fatalf("unexpected channels %v", ids)
	}
}

func TestServerCloseFailsPendingCall(t *testing.T) {
	conn, srv := openPipe(t, amqptest.DefaultConfig())
	ch := openChannel(t, conn)

	errc := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), amqp.ChannelFlow, []byte{0}, amqp.ChannelFlowOk)
		errc <- err
	}()
	if _, err := srv.Expect(amqp.ChannelFlow, wait); err != nil {
		t.Fatal(err)
	}
	if err := srv.SendClose(ch.ID(), amqp091.NotFound, "NOT_FOUND - no queue"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		var amqpErr *amqp091.Error
		if !errors.As(err, &amqpErr) || amqpErr.Code != amqp091.NotFound {
			t.Fatalf("expected 404 close reason, got %v", err)
		}
	case <-time.After(wait):
		t.Fatal("call not released by the channel close")
	}
	if conn.State() != amqp.StateOpen {
		t.Fatalf("connection should stay open, got %s", conn.State())
	}
}

func TestCloseCollision(t *testing.T) {
	cfg := amqptest.DefaultConfig()
	cfg.Hold = func(f amqp.Frame) bool {
		k, err := f.Kind()
		return err == nil && k == amqp.ChannelClose
	}
	conn, srv := openPipe(t, cfg)
	ch := openChannel(t, conn)

	errc := make(chan error, 1)
	go func() { errc <- ch.Close() }()
	if _, err := srv.Expect(amqp.ChannelClose, wait); err != nil {
		t.Fatal(err)
	}
	// both sides closed at once
	if err := srv.SendClose(ch.ID(), amqp091.PreconditionFailed, "PRECONDITION_FAILED - crossed"); err != nil {
		t.Fatal(err)
	}
	if err := srv.WaitFor(ch.ID(), amqp.ChannelCloseOk, wait); err != nil {
		t.Fatal(err)
	}
	if err := srv.Send(ch.ID(), amqp.ChannelCloseOk, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(wait):
		t.Fatal("close did not return")
	}
	if n := srv.Count(ch.ID(), amqp.ChannelCloseOk); n != 1 {
		t.Fatalf("expected one close-ok from the client, got %d", n)
	}
	if conn.State() != amqp.StateOpen {
		t.Fatalf("connection should stay open, got %s", conn.State())
	}
	if len(conn.Channels()) != 0 {
		t.Fatalf("channel still registered: %v", conn.Channels())
	}
}

func TestLateReplyIsDiscarded(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := amqp.NewMetrics(amqp.WithMetricsRegistry(reg))
	conn, srv := openPipe(t, amqptest.DefaultConfig(), amqp.WithMetrics(metrics))
	openChannel(t, conn)
	ch := openChannel(t, conn)
	if ch.ID() != 2 {
		t.Fatalf("expected channel 2, got %d", ch.ID())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ch.Call(ctx, amqp.ChannelFlow, []byte{1}, amqp.ChannelFlowOk)
	if !errors.Is(err, amqp.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if _, err := srv.Expect(amqp.ChannelFlow, wait); err != nil {
		t.Fatal(err)
	}

	// the reply to the expired call arrives late
	if err := srv.Send(2, amqp.ChannelFlowOk, []byte{1}); err != nil {
		t.Fatal(err)
	}

	go func() {
		_, err := srv.Expect(amqp.ChannelFlow, wait)
		if err != nil {
			t.Errorf("server: %v", err)
			return
		}
		_ = srv.Send(2, amqp.ChannelFlowOk, []byte{0})
	}()
	f, err := ch.Call(context.Background(), amqp.ChannelFlow, []byte{0}, amqp.ChannelFlowOk)
	if err != nil {
		t.Fatalf("call after timeout: %v", err)
	}
	if f.Args()[0] != 0 {
		t.Fatal("second call received the late reply of the first")
	}
	if conn.State() != amqp.StateOpen {
		t.Fatalf("late reply must not fail the connection, state %s", conn.State())
	}
	if got := gatherValue(t, reg, "amqp_client_orphan_replies_total"); got != 1 {
		t.Fatalf("orphan_replies_total = %v", got)
	}
}

func TestOpenChannelTimeoutAbandonsChannel(t *testing.T) {
	cfg := amqptest.DefaultConfig()
	cfg.Hold = func(f amqp.Frame) bool {
		k, err := f.Kind()
		return err == nil && k == amqp.ChannelOpen
	}
	conn, srv := openPipe(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.OpenChannel(ctx); !errors.Is(err, amqp.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if _, err := srv.Expect(amqp.ChannelOpen, wait); err != nil {
		t.Fatal(err)
	}
	if err := srv.Send(1, amqp.ChannelOpenOk, (&amqp.ArgWriter{}).LongStr("").Bytes()); err != nil {
		t.Fatal(err)
	}
	// the client closes the channel nobody is waiting for
	if err := srv.WaitFor(1, amqp.ChannelClose, wait); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(wait)
	for len(conn.Channels()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("abandoned channel still registered: %v", conn.Channels())
		}
		time.Sleep(5 * time.Millisecond)
	}

	go func() {
		f, err := srv.Expect(amqp.ChannelOpen, wait)
		if err != nil {
			t.Errorf("server: %v", err)
			return
		}
		_ = srv.Send(f.Channel, amqp.ChannelOpenOk, (&amqp.ArgWriter{}).LongStr("").Bytes())
	}()
	ch := openChannel(t, conn)
	if ch.ID() != 1 {
		t.Fatalf("expected id 1 to be free again, got %d", ch.ID())
	}
}

func TestConnectionLossFailsEverything(t *testing.T) {
	closed := make(chan error, 1)
	conn, srv := openPipe(t, amqptest.DefaultConfig(), amqp.WithOnClose(func(err error) { closed <- err }))

	const channels = 3
	errc := make(chan error, channels)
	var chans []*amqp.Channel
	for i := 0; i < channels; i++ {
		ch := openChannel(t, conn)
		chans = append(chans, ch)
		go func() {
			_, err := ch.Call(context.Background(), amqp.ChannelFlow, []byte{1}, amqp.ChannelFlowOk)
			errc <- err
		}()
	}
	for i := 0; i < channels; i++ {
		if _, err := srv.Expect(amqp.ChannelFlow, wait); err != nil {
			t.Fatal(err)
		}
	}

	if err := srv.Drop(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < channels; i++ {
		select {
		case err := <-errc:
			if !errors.Is(err, amqp.ErrClosed) {
				t.Fatalf("expected ErrClosed, got %v", err)
			}
		case <-time.After(wait):
			t.Fatal("pending call not failed")
		}
	}
	waitClosed(t, conn.Done(), "connection")
	for _, ch := range chans {
		waitClosed(t, ch.Done(), "channel")
		if !errors.Is(ch.Err(), amqp.ErrClosed) {
			t.Fatalf("channel error %v", ch.Err())
		}
	}
	if !conn.IsClosed() || !errors.Is(conn.Err(), amqp.ErrClosed) {
		t.Fatalf("unexpected connection state %s err=%v", conn.State(), conn.Err())
	}
	select {
	case err := <-closed:
		if !errors.Is(err, amqp.ErrClosed) {
			t.Fatalf("OnClose got %v", err)
		}
	case <-time.After(wait):
		t.Fatal("OnClose not called")
	}
	if _, err := conn.OpenChannel(context.Background()); !errors.Is(err, amqp.ErrClosed) {
		t.Fatalf("open channel after loss: %v", err)
	}
}

func TestServerClosesConnection(t *testing.T) {
	conn, srv := openPipe(t, amqptest.DefaultConfig())
	ch := openChannel(t, conn)

	if err := srv.SendClose(0, amqp091.ConnectionForced, "CONNECTION_FORCED - shutdown"); err != nil {
		t.Fatal(err)
	}
	waitClosed(t, conn.Done(), "connection")
	var amqpErr *amqp091.Error
	if !errors.As(conn.Err(), &amqpErr) || amqpErr.Code != amqp091.ConnectionForced {
		t.Fatalf("expected 320 close reason, got %v", conn.Err())
	}
	if !errors.Is(ch.Err(), amqp.ErrClosed) {
		t.Fatalf("channel error %v", ch.Err())
	}
	if err := srv.WaitFor(0, amqp.ConnectionCloseOk, wait); err != nil {
		t.Fatal(err)
	}
}

func TestUnknownChannelIsProtocolViolation(t *testing.T) {
	conn, srv := openPipe(t, amqptest.DefaultConfig())

	if err := srv.Send(9, amqp.ChannelFlow, []byte{1}); err != nil {
		t.Fatal(err)
	}
	waitClosed(t, conn.Done(), "connection")
	var perr *amqp.ProtocolError
	if !errors.As(conn.Err(), &perr) || perr.Code != amqp091.ChannelError {
		t.Fatalf("expected channel error violation, got %v", conn.Err())
	}
	if !errors.Is(conn.Err(), amqp.ErrProtocol) {
		t.Fatal("violation should match ErrProtocol")
	}
	waitClosed(t, srv.Done(), "server")
	if n := srv.Count(0, amqp.ConnectionClose); n != 1 {
		t.Fatalf("expected connection.close with the violation, got %d", n)
	}
}

func TestGracefulClose(t *testing.T) {
	conn, srv := openPipe(t, amqptest.DefaultConfig())
	ch := openChannel(t, conn)
	if err := ch.Close(); err != nil {
		t.Fatalf("channel close: %v", err)
	}
	if !errors.Is(ch.Err(), amqp.ErrChannelClosed) {
		t.Fatalf("unexpected channel error %v", ch.Err())
	}
	if err := ch.Send(amqp.ChannelFlow, []byte{1}); !errors.Is(err, amqp.ErrChannelClosed) {
		t.Fatalf("send on closed channel: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitClosed(t, srv.Done(), "server")
	if srv.Err() != nil {
		t.Fatalf("server ended with %v", srv.Err())
	}
	if conn.State() != amqp.StateClosed {
		t.Fatalf("unexpected state %s", conn.State())
	}
	if err := conn.Close(); !errors.Is(err, amqp.ErrClosed) {
		t.Fatalf("second close should return ErrClosed, got %v", err)
	}
}

func TestNotifyBlocked(t *testing.T) {
	conn, srv := openPipe(t, amqptest.DefaultConfig())
	blocked := conn.NotifyBlocked(make(chan amqp091.Blocking, 2))

	if err := srv.Send(0, amqp.ConnectionBlocked, (&amqp.ArgWriter{}).ShortStr("low on memory").Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := srv.Send(0, amqp.ConnectionUnblocked, nil); err != nil {
		t.Fatal(err)
	}
	for _, want := range []amqp091.Blocking{{Active: true, Reason: "low on memory"}, {Active: false}} {
		select {
		case got := <-blocked:
			if got != want {
				t.Fatalf("got %+v, want %+v", got, want)
			}
		case <-time.After(wait):
			t.Fatal("no blocked notification")
		}
	}

	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-blocked; ok {
		t.Fatal("listener should be closed with the connection")
	}
}

func TestHeartbeats(t *testing.T) {
	cfg := amqptest.DefaultConfig()
	cfg.Heartbeat = 1
	conn, srv := openPipe(t, cfg)

	if conn.Heartbeat() != time.Second {
		t.Fatalf("unexpected heartbeat %s", conn.Heartbeat())
	}
	// the broker stays silent, so the client keeps sending heartbeats and
	// gives up after two intervals
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("missed heartbeats not detected")
	}
	if !errors.Is(conn.Err(), amqp.ErrHeartbeatTimeout) {
		t.Fatalf("expected heartbeat timeout, got %v", conn.Err())
	}
	if srv.Heartbeats() == 0 {
		t.Fatal("client sent no heartbeats")
	}
}

func TestHeartbeatsKeepConnectionAlive(t *testing.T) {
	cfg := amqptest.DefaultConfig()
	cfg.Heartbeat = 1
	cfg.SendHeartbeats = true
	conn, _ := openPipe(t, cfg)

	select {
	case <-conn.Done():
		t.Fatalf("connection closed: %v", conn.Err())
	case <-time.After(3 * time.Second):
	}
}

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
