package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/cassandra"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/record"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/schema"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/sink"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/stream"
	"github.com/Oxygenesis/yb-kafka-sink/internal/metrics"
	"github.com/Oxygenesis/yb-kafka-sink/internal/models"
	"github.com/Oxygenesis/yb-kafka-sink/tests/testutils/testlog"
)

type keyspaces map[string]*gocql.KeyspaceMetadata

func (k keyspaces) KeyspaceMetadata(name string) (*gocql.KeyspaceMetadata, error) {
	ks, ok := k[name]
	if !ok {
		return nil, gocql.ErrKeyspaceDoesNotExist
	}

	return ks, nil
}

func column(name string, typ gocql.Type, kind gocql.ColumnKind) *gocql.ColumnMetadata {
	return &gocql.ColumnMetadata{ //nolint:exhaustruct // test fixture
		Name: name,
		Type: gocql.NewNativeType(4, typ, ""),
		Kind: kind,
	}
}

func shopKeyspace() keyspaces {
	id := column("id", gocql.TypeVarchar, gocql.ColumnPartitionKey)
	qty := column("qty", gocql.TypeInt, gocql.ColumnRegular)

	return keyspaces{
		"shop": {
			Name: "shop",
			Tables: map[string]*gocql.TableMetadata{
				"orders": {
					Name:           "orders",
					PartitionKey:   []*gocql.ColumnMetadata{id},
					Columns:        map[string]*gocql.ColumnMetadata{"id": id, "qty": qty},
					OrderedColumns: []string{"id", "qty"},
				},
			},
		},
	}
}

type executed struct {
	query  string
	values []any
}

// recordingRunner stands in for a cluster session.
type recordingRunner struct {
	mu   sync.Mutex
	runs []executed
	err  error
}

func (r *recordingRunner) NewBatch(typ gocql.BatchType) *gocql.Batch {
	return gocql.NewBatch(typ) //nolint:staticcheck // no session in unit tests
}

func (r *recordingRunner) ExecuteBatch(_ context.Context, b *gocql.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range b.Entries {
		r.runs = append(r.runs, executed{query: e.Stmt, values: e.Args})
	}

	return r.err
}

func (r *recordingRunner) ExecuteQuery(_ context.Context, query string, values []any, _ []byte, _ gocql.Consistency) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs = append(r.runs, executed{query: query, values: values})

	return r.err
}

func (r *recordingRunner) all() []executed {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]executed(nil), r.runs...)
}

type message struct {
	jetstream.Msg

	mu      sync.Mutex
	seq     uint64
	data    []byte
	headers nats.Header
	acked   bool
	naked   bool
}

func (m *message) Data() []byte         { return m.data }
func (m *message) Subject() string      { return "orders.created" }
func (m *message) Headers() nats.Header { return m.headers }

func (m *message) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{ //nolint:exhaustruct // test fixture
		Sequence:  jetstream.SequencePair{Stream: m.seq, Consumer: m.seq},
		Timestamp: time.Now(),
	}, nil
}

func (m *message) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

func (m *message) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked = true
	return nil
}

func (m *message) settled() (acked, naked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked, m.naked
}

func order(seq uint64, key, value string) *message {
	return &message{
		seq:  seq,
		data: []byte(value),
		headers: nats.Header{
			stream.KeyHeader:   []string{key},
			stream.TopicHeader: []string{"orders"},
		},
	}
}

type messageBatch struct {
	msgs []jetstream.Msg
}

func (b messageBatch) Messages() <-chan jetstream.Msg {
	ch := make(chan jetstream.Msg, len(b.msgs))
	for _, m := range b.msgs {
		ch <- m
	}
	close(ch)

	return ch
}

func (messageBatch) Error() error { return nil }

// scriptedFetcher returns its batches in order and cancels the run once they are used.
type scriptedFetcher struct {
	batches [][]jetstream.Msg
	cancel  context.CancelFunc
}

func (f *scriptedFetcher) Fetch(int, ...jetstream.FetchOpt) (jetstream.MessageBatch, error) {
	if len(f.batches) == 0 {
		f.cancel()
		return nil, jetstream.ErrNoMessages
	}

	b := f.batches[0]
	f.batches = f.batches[1:]

	return messageBatch{msgs: b}, nil
}

type memoryDeadLetters struct {
	mu    sync.Mutex
	added []record.Result
}

func (d *memoryDeadLetters) Add(_ context.Context, res record.Result) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.added = append(d.added, res)
	return nil
}

func (d *memoryDeadLetters) Flush(context.Context) error { return nil }

func testConfig() Config {
	return Config{ //nolint:exhaustruct // connections are replaced by components
		Stream: stream.ConsumerConfig{NatsStream: "orders", FetchSize: 10}, //nolint:exhaustruct // test config
		Batch: BatchConfig{ //nolint:exhaustruct // defaults
			MaxBatchSize: 10,
			IdleTimeout:  *models.NewJSONDuration(5 * time.Millisecond),
		},
		Tables: []sink.TableConfig{{
			Topic:    "orders",
			Keyspace: "shop",
			Table:    "orders",
			Mapping:  "id=key.id, qty=value.qty",
		}},
	}
}

func components(fetcher stream.Fetcher, runner *recordingRunner, dlq stream.DeadLetter) Components {
	return Components{
		Metadata:   cassandra.NewMetadata(shopKeyspace()),
		Codec:      cassandra.NewCodec(4),
		Executor:   cassandra.NewExecutor(runner, gocql.One),
		Consumer:   stream.NewFetchConsumer(fetcher, stream.ConsumerConfig{NatsStream: "orders", FetchSize: 10}), //nolint:exhaustruct // test config
		DeadLetter: dlq,
		Healthy:    nil,
		Close:      nil,
	}
}

func TestPipelineRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := order(1, `{"id":"a"}`, `{"qty":3}`)
	second := order(2, `{"id":"b"}`, `{"qty":5}`)
	bad := order(3, `{"id":"c"}`, `{"qty":"lots"}`)

	fetcher := &scriptedFetcher{
		batches: [][]jetstream.Msg{{first, second}, {bad}},
		cancel:  cancel,
	}
	runner := &recordingRunner{}
	dlq := &memoryDeadLetters{}

	before := testutil.ToFloat64(metrics.DeadLettersTotal.WithLabelValues("orders"))

	p, err := New(ctx, testConfig(), components(fetcher, runner, dlq), testlog.New())
	require.NoError(t, err)

	require.NoError(t, p.Run(ctx))
	require.NoError(t, p.Close(context.Background()))

	runs := runner.all()
	require.Len(t, runs, 2)
	assert.ElementsMatch(t, []executed{
		{query: `INSERT INTO shop.orders(id,qty) VALUES (:id,:qty)`, values: []any{"a", int32(3)}},
		{query: `INSERT INTO shop.orders(id,qty) VALUES (:id,:qty)`, values: []any{"b", int32(5)}},
	}, runs)

	for _, m := range []*message{first, second, bad} {
		acked, naked := m.settled()
		assert.True(t, acked)
		assert.False(t, naked)
	}

	require.Len(t, dlq.added, 1)
	assert.Equal(t, int64(3), dlq.added[0].Event.Offset)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DeadLettersTotal.WithLabelValues("orders")))
}

func TestPipelineRedeliversWithoutDeadLetters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := order(1, `{"id":"a"}`, `{"qty":1}`)
	fetcher := &scriptedFetcher{batches: [][]jetstream.Msg{{msg}}, cancel: cancel}
	runner := &recordingRunner{err: errors.New("write timeout")}

	p, err := New(ctx, testConfig(), components(fetcher, runner, nil), testlog.New())
	require.NoError(t, err)

	require.NoError(t, p.Run(ctx))
	require.NoError(t, p.Close(context.Background()))

	acked, naked := msg.settled()
	assert.False(t, acked)
	assert.True(t, naked)
}

func TestPipelineStopsWhenClusterIsUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := order(1, `{"id":"a"}`, `{"qty":1}`)
	fetcher := &scriptedFetcher{batches: [][]jetstream.Msg{{msg}}, cancel: cancel}
	runner := &recordingRunner{err: gocql.ErrNoConnections}

	p, err := New(ctx, testConfig(), components(fetcher, runner, nil), testlog.New())
	require.NoError(t, err)

	err = p.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, gocql.ErrNoConnections)
	require.NoError(t, p.Close(context.Background()))

	acked, naked := msg.settled()
	assert.False(t, acked)
	assert.False(t, naked)
}

func TestNewFailsOnUnknownTable(t *testing.T) {
	cfg := testConfig()
	cfg.Tables[0].Table = "missing"

	_, err := New(context.Background(), cfg, components(&scriptedFetcher{cancel: func() {}}, &recordingRunner{}, nil), testlog.New())
	require.ErrorIs(t, err, schema.ErrNotFound)
}

func TestPipelineHealthAndStats(t *testing.T) {
	comps := components(&scriptedFetcher{cancel: func() {}}, &recordingRunner{}, nil)
	healthy := false
	comps.Healthy = func() bool { return healthy }

	p, err := New(context.Background(), testConfig(), comps, testlog.New())
	require.NoError(t, err)
	defer p.Close(context.Background()) //nolint:errcheck // test cleanup

	assert.False(t, p.Healthy())
	healthy = true
	assert.True(t, p.Healthy())
	assert.Equal(t, 1, p.Stats().Tables)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	empty := testConfig()
	empty.Tables = nil
	require.ErrorIs(t, empty.Validate(), ErrNoTables)

	noStream := testConfig()
	noStream.Stream.NatsStream = ""
	require.Error(t, noStream.Validate())

	partial := testConfig()
	partial.Tables[0].Keyspace = ""
	require.Error(t, partial.Validate())
}

func TestBatchConfig(t *testing.T) {
	cfg := BatchConfig{
		QueueSize:      100,
		MaxBatchSize:   8,
		MaxInFlight:    4,
		IdleTimeout:    *models.NewJSONDuration(time.Millisecond),
		MaxLinger:      *models.NewJSONDuration(time.Second),
		ExecuteTimeout: *models.NewJSONDuration(2 * time.Second),
	}

	got := cfg.processor()
	assert.Equal(t, 100, got.QueueSize)
	assert.Equal(t, 8, got.MaxBatchSize)
	assert.Equal(t, 4, got.MaxInFlight)
	assert.Equal(t, time.Millisecond, got.IdleTimeout)
	assert.Equal(t, time.Second, got.MaxLinger)
	assert.Equal(t, 2*time.Second, got.ExecuteTimeout)
}
