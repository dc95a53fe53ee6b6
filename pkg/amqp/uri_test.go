package amqp_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ericogr/amqp-client/pkg/amqp"
	"github.com/ericogr/amqp-client/pkg/amqp/amqptest"
	"github.com/ericogr/amqp-client/pkg/amqp/wsconn"
)

func TestDialURL(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go amqptest.ServeListener(ctx, ln, amqptest.DefaultConfig())

	conn, err := amqp.DialURL(ctx, "amqp://guest:guest@"+ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ch, err := conn.OpenChannel(ctx)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close channel: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDialURLInvalid(t *testing.T) {
	if _, err := amqp.DialURL(context.Background(), "http://localhost"); err == nil || !strings.Contains(err.Error(), "parse url") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	_, err = amqp.Connect(context.Background(), "127.0.0.1", addr.Port, "guest", "guest", "/", amqp.WithDialTimeout(time.Second))
	if err == nil || !strings.Contains(err.Error(), "dial") {
		t.Fatalf("expected dial error, got %v", err)
	}
}

func TestDialWebSocket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsconn.Upgrade(w, r)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		<-amqptest.Serve(conn, amqptest.DefaultConfig()).Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := amqp.DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws",
		amqp.ConnectionInfo{Username: "guest", Password: "guest", VirtualHost: "/"})
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	if _, err := conn.OpenChannel(ctx); err != nil {
		t.Fatalf("open channel: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
