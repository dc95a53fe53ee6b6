package amqp

import (
	"context"
	"crypto/tls"
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/ericogr/amqp-client/pkg/amqp/wsconn"
)

// DialURL connects using an amqp:// or amqps:// URL. Missing parts default
// to guest:guest@localhost:5672/. An amqps URL dials TLS unless WithTLS
// already supplied a configuration.
func DialURL(ctx context.Context, url string, opts ...Option) (*Connection, error) {
	uri, err := amqp091.ParseURI(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: parse url: %w", err)
	}
	if uri.Scheme == "amqps" {
		opts = append([]Option{WithTLS(&tls.Config{ServerName: uri.Host})}, opts...)
	}
	return Connect(ctx, uri.Host, uri.Port, uri.Username, uri.Password, uri.Vhost, opts...)
}

// DialWebSocket connects to a broker exposing AMQP over WebSocket, such as
// RabbitMQ's Web AMQP plugin at ws://host:15678/ws.
func DialWebSocket(ctx context.Context, url string, info ConnectionInfo, opts ...Option) (*Connection, error) {
	conn, err := wsconn.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial %s: %w", url, err)
	}
	return Open(ctx, conn, info, opts...)
}
