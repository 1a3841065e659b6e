package pubsub

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/go-zeromq/zmq4"
)

// ZMQSink is a ZeroMQ PUB socket. Each event goes out as two frames: [topic, payload].
type ZMQSink struct {
	sock     zmq4.Socket
	endpoint string
}

// NewZMQSink binds a PUB socket on endpoint, e.g. "tcp://*:5556".
func NewZMQSink(ctx context.Context, endpoint string) (*ZMQSink, error) {
	bind := bindEndpoint(endpoint)
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(bind); err != nil {
		sock.Close()
		return nil, fmt.Errorf("bind publisher on %s: %w", endpoint, err)
	}
	return &ZMQSink{sock: sock, endpoint: bind}, nil
}

func (s *ZMQSink) Name() string { return "zmq" }

// Addr returns the bound address, useful when the endpoint asked for port 0.
func (s *ZMQSink) Addr() net.Addr { return s.sock.Addr() }

func (s *ZMQSink) Send(_ context.Context, topic string, _, payload []byte) error {
	return s.sock.Send(zmq4.NewMsgFrom([]byte(topic), payload))
}

func (s *ZMQSink) Close() error {
	return s.sock.Close()
}

// bindEndpoint maps the "all interfaces" wildcard host to an address net.Listen accepts.
func bindEndpoint(endpoint string) string {
	return strings.Replace(endpoint, "://*:", "://0.0.0.0:", 1)
}
