package testutils

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/stream"
)

func CombineErrors(errs []error) error {
	if len(errs) > 0 {
		var errStr strings.Builder
		for i, err := range errs {
			if i > 0 {
				errStr.WriteString("; ")
			}
			errStr.WriteString(err.Error())
		}
		return fmt.Errorf("errors occurred: %s", errStr.String())
	}

	return nil
}

// StreamRecord is a Kafka record as forwarded by the bridge.
type StreamRecord struct {
	Topic     string
	Key       string
	Value     string
	Tombstone bool
}

// PublishRecords publishes records on subject with the headers read by the stream source.
func PublishRecords(ctx context.Context, js jetstream.JetStream, subject string, records []StreamRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, r := range records {
		msg := nats.NewMsg(subject)
		msg.Data = []byte(r.Value)
		if r.Key != "" {
			msg.Header.Set(stream.KeyHeader, r.Key)
		}
		if r.Topic != "" {
			msg.Header.Set(stream.TopicHeader, r.Topic)
		}
		if r.Tombstone {
			msg.Header.Set(stream.TombstoneHeader, "true")
		}

		if _, err := js.PublishMsg(ctx, msg); err != nil {
			return fmt.Errorf("publish record: %w", err)
		}
	}

	return nil
}
