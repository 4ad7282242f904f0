package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/record"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/sink"
	"github.com/Oxygenesis/yb-kafka-sink/tests/testutils/testlog"
)

// MockMessage implements the jetstream.Msg methods used by the source.
type MockMessage struct {
	jetstream.Msg
	mock.Mock

	subject string
	data    []byte
	headers nats.Header
	seq     uint64
}

func (m *MockMessage) Data() []byte         { return m.data }
func (m *MockMessage) Subject() string      { return m.subject }
func (m *MockMessage) Headers() nats.Header { return m.headers }

func (m *MockMessage) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{ //nolint:exhaustruct // test fixture
		Sequence:  jetstream.SequencePair{Stream: m.seq, Consumer: m.seq},
		Timestamp: time.Unix(1700000000, 0),
	}, nil
}

func (m *MockMessage) Ack() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockMessage) Nak() error {
	args := m.Called()
	return args.Error(0)
}

type MockMessageBatch struct {
	mock.Mock
	msgs []jetstream.Msg
}

func (m *MockMessageBatch) Messages() <-chan jetstream.Msg {
	ch := make(chan jetstream.Msg, len(m.msgs))
	for _, msg := range m.msgs {
		ch <- msg
	}
	close(ch)

	return ch
}

func (m *MockMessageBatch) Error() error {
	return nil
}

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(batch int, _ ...jetstream.FetchOpt) (jetstream.MessageBatch, error) {
	args := m.Called(batch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.MessageBatch), args.Error(1) //nolint:forcetypeassert // test mock
}

// fakeSink reports every event synchronously; events with a "fail" value fail and
// events with a "reject" value are not accepted.
type fakeSink struct {
	reporter  record.Reporter
	submitted []*record.Event
	fullOnce  bool
	flushes   int
}

func (f *fakeSink) Submit(ev *record.Event) error {
	if b, ok := ev.Value.([]byte); ok && string(b) == "reject" {
		return errors.New("sink closed")
	}
	if f.fullOnce {
		f.fullOnce = false
		return sink.ErrQueueFull
	}
	f.submitted = append(f.submitted, ev)

	var err error
	if b, ok := ev.Value.([]byte); ok && string(b) == "fail" {
		err = errors.New("conversion failed")
	}
	f.reporter.Report(record.Result{Event: ev, Err: err})

	return nil
}

func (f *fakeSink) Flush(context.Context) error {
	f.flushes++
	return nil
}

type fakeDeadLetters struct {
	added   []record.Result
	flushed int
}

func (f *fakeDeadLetters) Add(_ context.Context, res record.Result) error {
	f.added = append(f.added, res)
	return nil
}

func (f *fakeDeadLetters) Flush(context.Context) error {
	f.flushed++
	return nil
}

func message(seq uint64, subject, data string, headers nats.Header) *MockMessage {
	return &MockMessage{subject: subject, data: []byte(data), headers: headers, seq: seq}
}

func newSource(t *testing.T, msgs ...jetstream.Msg) (*Source, *fakeSink) {
	t.Helper()

	fetcher := &MockFetcher{}
	fetcher.On("Fetch", 10).Return(&MockMessageBatch{msgs: msgs}, nil)

	src := NewSource(NewFetchConsumer(fetcher, ConsumerConfig{NatsStream: "cdc", FetchSize: 10}), testlog.New())
	sk := &fakeSink{reporter: src}

	return src, sk
}

func TestSourceToEvent(t *testing.T) {
	src, _ := newSource(t)

	t.Run("topic from subject", func(t *testing.T) {
		ev, err := src.toEvent(message(7, "cdc.users", `{"a":1}`, nats.Header{KeyHeader: []string{`{"id":1}`}}))
		require.NoError(t, err)

		assert.Equal(t, "users", ev.Topic)
		assert.Equal(t, int64(7), ev.Offset)
		assert.Equal(t, []byte(`{"id":1}`), ev.Key)
		assert.Equal(t, []byte(`{"a":1}`), ev.Value)
		assert.False(t, ev.IsTombstone())
	})

	t.Run("topic header and tombstone", func(t *testing.T) {
		ev, err := src.toEvent(message(8, "cdc.any", "", nats.Header{
			TopicHeader:     []string{"orders"},
			TombstoneHeader: []string{"true"},
		}))
		require.NoError(t, err)

		assert.Equal(t, "orders", ev.Topic)
		assert.Nil(t, ev.Key)
		assert.True(t, ev.IsTombstone())
	})
}

func TestSourceProcessAcksSuccesses(t *testing.T) {
	ok1 := message(1, "cdc.users", "a", nil)
	ok2 := message(2, "cdc.users", "b", nil)
	ok1.On("Ack").Return(nil)
	ok2.On("Ack").Return(errors.New("timeout")).Once()
	ok2.On("Ack").Return(nil)

	src, sk := newSource(t)
	sk.fullOnce = true
	src.Attach(sk, nil)

	require.NoError(t, src.process(context.Background(), []jetstream.Msg{ok1, ok2}))

	ok1.AssertNumberOfCalls(t, "Ack", 1)
	ok2.AssertNumberOfCalls(t, "Ack", 2)
	assert.Len(t, sk.submitted, 2)
	assert.Equal(t, 2, sk.flushes)
	assert.Empty(t, src.results)
}

func TestSourceProcessFailures(t *testing.T) {
	t.Run("dead letters then ack", func(t *testing.T) {
		good := message(1, "cdc.users", "a", nil)
		bad := message(2, "cdc.users", "fail", nil)
		good.On("Ack").Return(nil)
		bad.On("Ack").Return(nil)

		src, sk := newSource(t)
		dlq := &fakeDeadLetters{}
		src.Attach(sk, dlq)

		require.NoError(t, src.process(context.Background(), []jetstream.Msg{good, bad}))

		require.Len(t, dlq.added, 1)
		assert.Equal(t, int64(2), dlq.added[0].Event.Offset)
		assert.Equal(t, 1, dlq.flushed)
		bad.AssertCalled(t, "Ack")
		good.AssertCalled(t, "Ack")
	})

	t.Run("nak without dead letters", func(t *testing.T) {
		bad := message(2, "cdc.users", "fail", nil)
		bad.On("Nak").Return(nil)

		src, sk := newSource(t)
		src.Attach(sk, nil)

		require.NoError(t, src.process(context.Background(), []jetstream.Msg{bad}))
		bad.AssertCalled(t, "Nak")
		bad.AssertNotCalled(t, "Ack")
	})
}

func TestSourceProcessSubmitErrorForgetsBatch(t *testing.T) {
	first := message(1, "cdc.users", "a", nil)
	second := message(2, "cdc.users", "reject", nil)

	src, sk := newSource(t)
	src.Attach(sk, nil)

	err := src.process(context.Background(), []jetstream.Msg{first, second})
	require.ErrorContains(t, err, "sink closed")

	assert.Len(t, sk.submitted, 1)
	assert.Equal(t, 1, sk.flushes)
	assert.Empty(t, src.results)
	first.AssertNotCalled(t, "Ack")
	first.AssertNotCalled(t, "Nak")
}

func TestSourceRunStopsOnCancel(t *testing.T) {
	msg := message(1, "cdc.users", "a", nil)
	msg.On("Ack").Return(nil)

	src, sk := newSource(t, msg)
	src.Attach(sk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sk.reporter = record.ReporterFunc(func(res record.Result) {
		src.Report(res)
		cancel()
	})

	require.NoError(t, src.Run(ctx))
	msg.AssertCalled(t, "Ack")
}
