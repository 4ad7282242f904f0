package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/avast/retry-go/v4"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/record"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/sink"
)

// Message headers set by the producer or the Kafka bridge.
const (
	KeyHeader       = "Kafka-Key"
	TopicHeader     = "Kafka-Topic"
	TombstoneHeader = "Kafka-Tombstone"
)

// Sink is the part of the sink facade driven by the source.
type Sink interface {
	Submit(ev *record.Event) error
	Flush(ctx context.Context) error
}

// DeadLetter keeps failed records before they are acknowledged.
type DeadLetter interface {
	Add(ctx context.Context, res record.Result) error
	Flush(ctx context.Context) error
}

// Source pulls messages, submits them as events and settles each message once its
// event has been reported: successes are acked, failures are written to the
// dead-letter store and acked, or nak'ed for redelivery when there is none.
type Source struct {
	consumer *Consumer
	sink     Sink
	dlq      DeadLetter
	log      *slog.Logger

	mu      sync.Mutex
	results map[*record.Event]error
}

func NewSource(consumer *Consumer, log *slog.Logger) *Source {
	return &Source{ //nolint:exhaustruct // sink and dead letters are attached later
		consumer: consumer,
		log:      log,
		results:  make(map[*record.Event]error),
	}
}

// Attach sets the sink fed by the source and the optional dead-letter store. The
// source must be the sink's reporter.
func (s *Source) Attach(sk Sink, dlq DeadLetter) {
	s.sink = sk
	s.dlq = dlq
}

// Report records the outcome of an event. It is called from executor goroutines.
func (s *Source) Report(res record.Result) {
	s.mu.Lock()
	s.results[res.Event] = res.Err
	s.mu.Unlock()
}

// Run processes fetched batches until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("Received stop event")
			return nil
		default:
		}

		msgs, err := s.consumer.Fetch()
		if err != nil {
			if errors.Is(err, jetstream.ErrNoMessages) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}
		if len(msgs) == 0 {
			continue
		}

		if err := s.process(ctx, msgs); err != nil {
			return fmt.Errorf("error on processing batch: %w", err)
		}
	}
}

func (s *Source) process(ctx context.Context, msgs []jetstream.Msg) error {
	events := make([]*record.Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := s.toEvent(msg)
		if err != nil {
			s.discard(ctx, events)
			return err
		}
		if err := s.submit(ctx, ev); err != nil {
			s.discard(ctx, append(events, ev))
			return err
		}
		events = append(events, ev)
	}

	// A batch that reached the sink is settled even when shutdown has begun.
	ctx = context.WithoutCancel(ctx)

	if err := s.sink.Flush(ctx); err != nil {
		s.forget(events)
		return fmt.Errorf("flush sink: %w", err)
	}

	return s.settle(ctx, events)
}

// submit retries with a flush while the sink queue is full.
func (s *Source) submit(ctx context.Context, ev *record.Event) error {
	for {
		err := s.sink.Submit(ev)
		if !errors.Is(err, sink.ErrQueueFull) {
			if err != nil {
				return fmt.Errorf("submit event %s: %w", ev.Coordinates(), err)
			}
			return nil
		}

		s.log.Debug("Sink queue is full, flushing", slog.String("event", ev.Coordinates()))
		if err := s.sink.Flush(ctx); err != nil {
			return fmt.Errorf("flush sink: %w", err)
		}
	}
}

// discard waits for submitted events to be reported and forgets their outcomes. The
// messages stay unacknowledged and are redelivered after the ack wait.
func (s *Source) discard(ctx context.Context, events []*record.Event) {
	if len(events) == 0 {
		return
	}

	if err := s.sink.Flush(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("Failed to flush sink before discarding batch", slog.Any("error", err))
	}
	s.forget(events)

	s.log.Warn("Batch discarded, messages will be redelivered", slog.Int("messages", len(events)))
}

func (s *Source) forget(events []*record.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		delete(s.results, ev)
	}
}

func (s *Source) settle(ctx context.Context, events []*record.Event) error {
	s.mu.Lock()
	outcomes := make([]error, len(events))
	for i, ev := range events {
		err, ok := s.results[ev]
		if !ok {
			err = errors.New("event was not reported")
		}
		outcomes[i] = err
		delete(s.results, ev)
	}
	s.mu.Unlock()

	var failed []record.Result
	for i, ev := range events {
		if outcomes[i] != nil {
			failed = append(failed, record.Result{Event: ev, Err: outcomes[i]})
		}
	}

	if len(failed) > 0 && s.dlq != nil {
		for _, res := range failed {
			if err := s.dlq.Add(ctx, res); err != nil {
				return fmt.Errorf("push record to dead letters: %w", err)
			}
		}
		if err := s.dlq.Flush(ctx); err != nil {
			return fmt.Errorf("flush dead letters: %w", err)
		}
	}

	for i, ev := range events {
		msg, _ := ev.Origin.(jetstream.Msg)

		if outcomes[i] != nil && s.dlq == nil {
			s.log.Warn("Record failed, requesting redelivery",
				slog.String("event", ev.Coordinates()),
				slog.Any("error", outcomes[i]))
			if err := msg.Nak(); err != nil {
				return fmt.Errorf("nak message: %w", err)
			}
			continue
		}

		err := retry.Do(
			msg.Ack,
			retry.Attempts(3),
			retry.DelayType(retry.FixedDelay),
			retry.Context(ctx),
		)
		if err != nil {
			return fmt.Errorf("acknowledge message: %w", err)
		}
	}

	s.log.Debug("Batch settled", slog.Int("messages", len(events)), slog.Int("failed", len(failed)))

	return nil
}

func (s *Source) toEvent(msg jetstream.Msg) (*record.Event, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to get message metadata: %w", err)
	}

	headers := msg.Headers()

	topic := headers.Get(TopicHeader)
	if topic == "" {
		topic = strings.TrimPrefix(msg.Subject(), s.consumer.Stream()+".")
	}

	var key any
	if k := headers.Get(KeyHeader); k != "" {
		key = []byte(k)
	}

	var value any
	if data := msg.Data(); len(data) > 0 || headers.Get(TombstoneHeader) == "" {
		value = data
	}

	return &record.Event{
		Topic:     topic,
		Partition: 0,
		Offset:    int64(md.Sequence.Stream), //nolint:gosec // stream sequences fit in int64
		Key:       key,
		Value:     value,
		Timestamp: md.Timestamp.UTC(),
		Origin:    msg,
	}, nil
}
