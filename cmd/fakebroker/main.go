package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ericogr/amqp-client/pkg/amqp"
	"github.com/ericogr/amqp-client/pkg/amqp/amqptest"
	"github.com/ericogr/amqp-client/pkg/amqp/wsconn"
)

func main() {
	addr := flag.String("addr", ":5672", "listen address")
	tlsAddr := flag.String("tls-addr", ":5671", "TLS listen address, used when the cert files exist")
	wsAddr := flag.String("ws-addr", "", "address serving AMQP over WebSocket on /ws, empty to disable")
	user := flag.String("user", "guest", "accepted PLAIN username")
	pass := flag.String("pass", "guest", "accepted PLAIN password")
	heartbeat := flag.Uint("heartbeat", 60, "heartbeat offered in connection.tune, in seconds")
	channelMax := flag.Uint("channel-max", 0, "channel-max offered in connection.tune, 0 for no limit")
	debug := flag.Bool("debug", false, "log every frame")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if !*debug {
		logger = logger.Level(zerolog.InfoLevel)
	}
	amqp.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// simple auth handler: accept PLAIN with the configured credentials
	auth := func(mechanism string, response []byte, vhost string) error {
		if mechanism != "PLAIN" {
			return fmt.Errorf("unsupported mechanism %q", mechanism)
		}
		parts := bytes.SplitN(response, []byte{0}, 3)
		var username, password string
		if len(parts) == 3 {
			username = string(parts[1])
			password = string(parts[2])
		} else if len(parts) == 2 {
			username = string(parts[0])
			password = string(parts[1])
		} else {
			return fmt.Errorf("invalid PLAIN response")
		}
		if username != *user || password != *pass {
			return fmt.Errorf("invalid credentials")
		}
		logger.Info().Str("user", username).Str("vhost", vhost).Msg("user authentication successful")
		return nil
	}

	cfg := amqptest.DefaultConfig()
	cfg.ServerProperties["product"] = "fakebroker"
	cfg.Heartbeat = uint16(*heartbeat)
	cfg.ChannelMax = uint16(*channelMax)
	cfg.Auth = auth
	cfg.SendHeartbeats = true
	cfg.Logger = logger
	cfg.Handler = notImplemented(logger)

	logger.Info().Str("addr", *addr).Msg("starting fake AMQP broker")
	go func() {
		if err := amqptest.ListenAndServe(ctx, *addr, cfg); err != nil {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	certFile := "tls/server.pem"
	keyFile := "tls/server.key"
	if _, err := os.Stat(certFile); err == nil {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load tls cert")
		} else {
			tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
			lnRaw, err := net.Listen("tcp", *tlsAddr)
			if err != nil {
				logger.Error().Err(err).Str("addr", *tlsAddr).Msg("failed to listen")
			} else {
				go func() {
					if err := amqptest.ServeListener(ctx, tls.NewListener(lnRaw, tlsCfg), cfg); err != nil {
						logger.Fatal().Err(err).Msg("tls server error")
					}
				}()
				logger.Info().Str("addr", *tlsAddr).Msg("started TLS server")
			}
		}
	} else {
		logger.Info().Msg("tls certs not found, skipping TLS listener")
	}

	if *wsAddr != "" {
		srv := &http.Server{Addr: *wsAddr, Handler: wsRouter(cfg, logger)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("websocket server error")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		logger.Info().Str("addr", *wsAddr).Msg("started WebSocket server")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
}

func wsRouter(cfg amqptest.Config, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := wsconn.Upgrade(w, req)
		if err != nil {
			logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("[server] accepted websocket connection")
		<-amqptest.Serve(conn, cfg).Done()
	})
	return r
}

// notImplemented answers every channel method the broker does not handle
// itself with a 540 channel close.
func notImplemented(logger zerolog.Logger) func(*amqptest.Server, amqp.Frame) {
	return func(s *amqptest.Server, f amqp.Frame) {
		if f.Type != amqp.FrameMethod || f.Channel == 0 {
			logger.Debug().Str("frame", f.String()).Msg("ignoring frame")
			return
		}
		if kind, _ := f.Kind(); kind == amqp.ChannelCloseOk {
			return
		}
		logger.Info().Uint16("chan", f.Channel).Str("frame", f.String()).Msg("closing channel on unsupported method")
		if err := s.SendClose(f.Channel, amqp091.NotImplemented, "NOT_IMPLEMENTED - method not supported"); err != nil {
			logger.Error().Err(err).Msg("write channel.close failed")
		}
	}
}
