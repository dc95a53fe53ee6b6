package amqp

import (
	"crypto/tls"
	"fmt"
	"runtime"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultFrameMax         = 128 * 1024
	defaultChannelMax       = 2047
	defaultHeartbeat        = 60 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	defaultCloseTimeout     = 10 * time.Second
	defaultDialTimeout      = 30 * time.Second
	defaultLocale           = "en_US"

	clientProduct = "amqp-client"
	clientVersion = "0.3.0"
)

// ConnectionInfo carries the credentials and virtual host presented during
// the handshake. It is read once and not retained by the connection.
type ConnectionInfo struct {
	Username    string
	Password    string
	VirtualHost string
}

// Options tunes a connection. Fields no Option touches keep the values of
// DefaultOptions.
type Options struct {
	// FrameMax is the largest frame the client proposes, 0 for no limit.
	FrameMax uint32
	// ChannelMax is the highest channel id the client proposes, 0 for no limit.
	ChannelMax uint16
	// Heartbeat is the proposed heartbeat interval, 0 to disable heartbeats.
	Heartbeat time.Duration

	// HandshakeTimeout bounds Connect and Open from protocol header to open-ok.
	HandshakeTimeout time.Duration
	// RequestTimeout bounds every synchronous request on top of the caller's
	// context. 0 leaves the context alone.
	RequestTimeout time.Duration
	// CloseTimeout bounds the close-ok wait of Connection.Close and Channel.Close.
	CloseTimeout time.Duration
	// DialTimeout bounds the TCP and TLS dial of Connect.
	DialTimeout time.Duration

	// Auth lists SASL mechanisms in preference order. Empty means PLAIN with
	// the ConnectionInfo credentials.
	Auth []amqp091.Authentication
	// ClientProperties are merged over the default client properties.
	ClientProperties amqp091.Table
	ConnectionName   string
	Locale           string

	TLSConfig *tls.Config
	Codec     Codec

	Logger         *zerolog.Logger
	Metrics        *Metrics
	TracerProvider trace.TracerProvider

	// OnClose runs once, on its own goroutine, after the connection is torn
	// down for any reason after the handshake completed. err wraps ErrClosed.
	OnClose func(err error)
}

// Option configures a connection.
type Option func(*Options)

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		FrameMax:         defaultFrameMax,
		ChannelMax:       defaultChannelMax,
		Heartbeat:        defaultHeartbeat,
		HandshakeTimeout: defaultHandshakeTimeout,
		CloseTimeout:     defaultCloseTimeout,
		DialTimeout:      defaultDialTimeout,
		Locale:           defaultLocale,
	}
}

func WithFrameMax(n uint32) Option {
	return func(o *Options) { o.FrameMax = n }
}

func WithChannelMax(n uint16) Option {
	return func(o *Options) { o.ChannelMax = n }
}

// WithHeartbeat sets the proposed heartbeat interval. Sub-second values are
// rounded up to one second, the protocol's resolution.
func WithHeartbeat(d time.Duration) Option {
	return func(o *Options) { o.Heartbeat = d }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) { o.HandshakeTimeout = d }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) { o.RequestTimeout = d }
}

func WithCloseTimeout(d time.Duration) Option {
	return func(o *Options) { o.CloseTimeout = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

// WithAuth replaces the SASL mechanisms offered to the server.
func WithAuth(mechanisms ...amqp091.Authentication) Option {
	return func(o *Options) { o.Auth = mechanisms }
}

func WithClientProperties(props amqp091.Table) Option {
	return func(o *Options) { o.ClientProperties = props }
}

// WithConnectionName sets the connection_name client property shown by the
// broker's management tools. Defaults to a random "amqp-client-<uuid>".
func WithConnectionName(name string) Option {
	return func(o *Options) { o.ConnectionName = name }
}

func WithLocale(locale string) Option {
	return func(o *Options) { o.Locale = locale }
}

// WithTLS makes Connect dial with TLS.
func WithTLS(cfg *tls.Config) Option {
	return func(o *Options) { o.TLSConfig = cfg }
}

// WithCodec replaces the default frame codec.
func WithCodec(c Codec) Option {
	return func(o *Options) { o.Codec = c }
}

// WithLogger sets the connection logger. Without it the package logger
// configured through SetLogger is used.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = &l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithTracerProvider sets where spans go. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) { o.TracerProvider = tp }
}

// WithOnClose sets a callback for the loss or close of an open connection.
// A failed handshake returns its error from Connect instead.
func WithOnClose(fn func(err error)) Option {
	return func(o *Options) { o.OnClose = fn }
}

func buildOptions(opts []Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o Options) validate() error {
	if o.FrameMax != 0 && o.FrameMax < FrameMinSize {
		return fmt.Errorf("amqp: frame max %d is below the protocol minimum %d", o.FrameMax, FrameMinSize)
	}
	if o.Heartbeat < 0 {
		return fmt.Errorf("amqp: negative heartbeat %s", o.Heartbeat)
	}
	if o.Heartbeat > time.Duration(^uint16(0))*time.Second {
		return fmt.Errorf("amqp: heartbeat %s does not fit the protocol field", o.Heartbeat)
	}
	if err := o.ClientProperties.Validate(); err != nil {
		return fmt.Errorf("amqp: client properties: %w", err)
	}
	return nil
}

// heartbeatSeconds converts the proposed interval to protocol seconds.
func (o Options) heartbeatSeconds() uint16 {
	if o.Heartbeat <= 0 {
		return 0
	}
	secs := (o.Heartbeat + time.Second - 1) / time.Second
	return uint16(secs)
}

// clientProperties returns the start-ok client-properties table.
func (o Options) clientProperties(name string) amqp091.Table {
	props := amqp091.Table{
		"product":  clientProduct,
		"version":  clientVersion,
		"platform": runtime.Version(),
		"capabilities": amqp091.Table{
			"connection.blocked":           true,
			"consumer_cancel_notify":       true,
			"basic.nack":                   true,
			"publisher_confirms":           true,
			"authentication_failure_close": true,
		},
		"connection_name": name,
	}
	for k, v := range o.ClientProperties {
		props[k] = v
	}
	return props
}

// mechanisms returns the SASL mechanisms to offer, PLAIN by default.
func (o Options) mechanisms(info ConnectionInfo) []amqp091.Authentication {
	if len(o.Auth) > 0 {
		return o.Auth
	}
	return []amqp091.Authentication{&amqp091.PlainAuth{Username: info.Username, Password: info.Password}}
}
