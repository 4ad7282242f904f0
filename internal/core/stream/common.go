package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type NATSConnWrapper struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNATSWrapper connects with unlimited reconnects; connection state changes are
// logged and surface through Healthy.
func NewNATSWrapper(url string, log *slog.Logger) (*NATSConnWrapper, error) {
	nc, err := nats.Connect(url,
		nats.Name("yb-kafka-sink"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS connection lost", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS connection restored", slog.String("url", c.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to connect to JetStream: %w", err)
	}

	return &NATSConnWrapper{
		nc: nc,
		js: js,
	}, nil
}

func (n *NATSConnWrapper) JetStream() jetstream.JetStream {
	return n.js
}

// EnsureStream creates the stream with a "<name>.>" subject space when it does not
// exist yet.
func (n *NATSConnWrapper) EnsureStream(ctx context.Context, name string) error {
	//nolint:exhaustruct // optional config
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{name + ".>"},
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}

	return nil
}

func (n *NATSConnWrapper) Healthy() bool {
	return n.nc.IsConnected()
}

func (n *NATSConnWrapper) Close() error {
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}

	return nil
}
