package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Oxygenesis/yb-kafka-sink/internal/models"
)

type ConsumerConfig struct {
	NatsURL       string              `json:"url" default:"nats://127.0.0.1:4222" envconfig:"url"`
	NatsStream    string              `json:"stream" envconfig:"stream"`
	NatsConsumer  string              `json:"consumer" default:"yb-sink" envconfig:"consumer"`
	NatsSubject   string              `json:"subject" envconfig:"subject"`
	AckWait       models.JSONDuration `json:"ack_wait" default:"60s" split_words:"true"`
	FetchSize     int                 `json:"fetch_size" default:"500" split_words:"true"`
	FetchMaxWait  models.JSONDuration `json:"fetch_max_wait" default:"1s" split_words:"true"`
	MaxAckPending int                 `json:"max_ack_pending" default:"10000" split_words:"true"`
}

const (
	defaultAckWait       = 60 * time.Second
	defaultFetchSize     = 500
	defaultFetchMaxWait  = time.Second
	defaultMaxAckPending = 10000
)

// Fetcher is the part of a JetStream consumer used to pull messages.
type Fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

type Consumer struct {
	Consumer Fetcher

	stream  string
	size    int
	maxWait time.Duration
}

func NewConsumer(ctx context.Context, js jetstream.JetStream, cfg ConsumerConfig) (*Consumer, error) {
	stream, err := js.Stream(ctx, cfg.NatsStream)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}

	var filter string
	if len(cfg.NatsSubject) > 0 {
		filter = cfg.NatsStream + "." + cfg.NatsSubject
	}

	maxAckPending := cfg.MaxAckPending
	if maxAckPending == 0 {
		maxAckPending = defaultMaxAckPending
	}

	//nolint:exhaustruct // optional config
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.NatsConsumer,
		Durable:       cfg.NatsConsumer,
		AckWait:       cfg.AckWait.Or(defaultAckWait),
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: maxAckPending,

		FilterSubject: filter,
	})
	if err != nil {
		return nil, fmt.Errorf("get or create consumer: %w", err)
	}

	return NewFetchConsumer(consumer, cfg), nil
}

func NewFetchConsumer(f Fetcher, cfg ConsumerConfig) *Consumer {
	size := cfg.FetchSize
	if size <= 0 {
		size = defaultFetchSize
	}

	return &Consumer{
		Consumer: f,
		stream:   cfg.NatsStream,
		size:     size,
		maxWait:  cfg.FetchMaxWait.Or(defaultFetchMaxWait),
	}
}

// Fetch pulls up to FetchSize messages, waiting at most FetchMaxWait. It returns an
// empty slice when nothing arrived.
func (c *Consumer) Fetch() ([]jetstream.Msg, error) {
	batch, err := c.Consumer.Fetch(c.size, jetstream.FetchMaxWait(c.maxWait))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	messages := make([]jetstream.Msg, 0, c.size)
	for msg := range batch.Messages() {
		if msg == nil {
			break
		}
		messages = append(messages, msg)
	}

	if err := batch.Error(); err != nil && len(messages) == 0 {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return messages, nil
}

// Stream returns the stream name, used to strip subject prefixes.
func (c *Consumer) Stream() string {
	return c.stream
}
