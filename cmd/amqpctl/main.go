package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ericogr/amqp-client/pkg/amqp"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

// globals are the flags shared by every command.
type globals struct {
	configPath  string
	url         string
	wsURL       string
	metricsAddr string
	debug       bool
}

func main() {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "amqpctl",
		Short: "Inspect AMQP 0-9-1 brokers",
		Long: `amqpctl opens connections and channels against an AMQP 0-9-1 broker
and reports what was negotiated.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "TOML config file")
	flags.StringVar(&g.url, "url", "", "broker URL, overrides the config file")
	flags.StringVar(&g.wsURL, "ws-url", "", "connect over WebSocket to this URL instead")
	flags.StringVar(&g.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	flags.BoolVar(&g.debug, "debug", false, "log protocol traffic")

	rootCmd.AddCommand(
		connectCmd(g),
		channelsCmd(g),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// session is a connection together with whatever serves its metrics.
type session struct {
	conn    *amqp.Connection
	log     zerolog.Logger
	metrics *metricsServer
}

func (s *session) close() {
	if err := s.conn.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close connection")
	}
	s.metrics.shutdown()
}

// dial loads the configuration, applies flag overrides and connects.
func (g *globals) dial(ctx context.Context) (*session, error) {
	cfg := defaultClientConfig()
	if g.configPath != "" {
		loaded, err := loadClientConfig(g.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if g.url != "" {
		cfg.URL = g.url
	}
	if g.wsURL != "" {
		cfg.WebSocketURL = g.wsURL
	}
	if g.metricsAddr != "" {
		cfg.MetricsAddr = g.metricsAddr
	}

	log := newLogger(g.debug)
	amqp.SetLogger(log)

	ms, err := startMetricsServer(cfg.MetricsAddr, log)
	if err != nil {
		return nil, err
	}
	opts := append(cfg.options(), amqp.WithLogger(log))
	if ms != nil {
		opts = append(opts, amqp.WithMetrics(ms.metrics))
	}

	var conn *amqp.Connection
	if cfg.WebSocketURL != "" {
		conn, err = amqp.DialWebSocket(ctx, cfg.WebSocketURL, amqp.ConnectionInfo{
			Username:    cfg.Username,
			Password:    cfg.Password,
			VirtualHost: cfg.VirtualHost,
		}, opts...)
	} else {
		conn, err = amqp.DialURL(ctx, cfg.URL, opts...)
	}
	if err != nil {
		ms.shutdown()
		return nil, err
	}
	return &session{conn: conn, log: log, metrics: ms}, nil
}
