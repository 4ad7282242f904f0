package deadletter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/record"
	"github.com/Oxygenesis/yb-kafka-sink/tests/testutils/testlog"
)

type MockConn struct {
	mock.Mock
}

func (m *MockConn) PrepareBatch(ctx context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(driver.Batch), args.Error(1) //nolint:forcetypeassert // test mock
}

func (m *MockConn) Exec(ctx context.Context, query string, _ ...any) error {
	args := m.Called(ctx, query)
	return args.Error(0)
}

func (m *MockConn) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockBatch implements the driver.Batch methods used by the store; the rest panic.
type MockBatch struct {
	driver.Batch
	mock.Mock
}

func (m *MockBatch) Append(v ...any) error {
	args := m.Called(v...)
	return args.Error(0)
}

func (m *MockBatch) Send() error {
	args := m.Called()
	return args.Error(0)
}

const insertQuery = "INSERT INTO default.dead_letters (topic, partition, offset, key, value, error, failed_at)"

func newStore(t *testing.T, threshold int) (*Store, *MockConn, *MockBatch) {
	t.Helper()

	conn := &MockConn{}
	b := &MockBatch{}
	conn.On("Exec", mock.Anything, mock.MatchedBy(func(q string) bool {
		return strings.HasPrefix(q, "CREATE TABLE IF NOT EXISTS default.dead_letters")
	})).Return(nil)
	conn.On("PrepareBatch", mock.Anything, insertQuery).Return(b, nil)

	store, err := New(context.Background(), conn, Config{Database: "default", TableName: "dead_letters", MaxBatchSize: threshold}, testlog.New())
	require.NoError(t, err)

	return store, conn, b
}

func failed(offset int64) record.Result {
	return record.Result{
		Event: &record.Event{Topic: "users", Partition: 1, Offset: offset, Key: []byte(`{"id":1}`), Value: map[string]any{"a": 1}},
		Err:   errors.New("boom"),
	}
}

func TestStoreAddSendsAtThreshold(t *testing.T) {
	store, conn, b := newStore(t, 2)
	b.On("Append", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	b.On("Send").Return(nil).Once()

	require.NoError(t, store.Add(context.Background(), failed(1)))
	b.AssertNotCalled(t, "Send")

	// Same position again is deduplicated.
	require.NoError(t, store.Add(context.Background(), failed(1)))
	assert.Equal(t, 1, store.batch.Size())

	require.NoError(t, store.Add(context.Background(), failed(2)))
	b.AssertNumberOfCalls(t, "Append", 2)
	b.AssertNumberOfCalls(t, "Send", 1)
	assert.Zero(t, store.batch.Size())
	conn.AssertNumberOfCalls(t, "PrepareBatch", 2)

	call := b.Calls[0]
	assert.Equal(t, "users", call.Arguments[0])
	assert.Equal(t, int32(1), call.Arguments[1])
	assert.Equal(t, int64(1), call.Arguments[2])
	assert.Equal(t, `{"id":1}`, call.Arguments[3])
	assert.Equal(t, `{"a":1}`, call.Arguments[4])
	assert.Equal(t, "boom", call.Arguments[5])
}

func TestStoreFlushAndClose(t *testing.T) {
	store, conn, b := newStore(t, 100)
	b.On("Append", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	b.On("Send").Return(nil)
	conn.On("Close").Return(nil)

	// Nothing to send yet.
	require.NoError(t, store.Flush(context.Background()))
	b.AssertNotCalled(t, "Send")

	require.NoError(t, store.Add(context.Background(), failed(1)))
	require.NoError(t, store.Close(context.Background()))

	b.AssertNumberOfCalls(t, "Send", 1)
	conn.AssertCalled(t, "Close")
}

func TestStoreSendFailure(t *testing.T) {
	store, _, b := newStore(t, 1)
	b.On("Append", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	b.On("Send").Return(errors.New("connection reset"))

	err := store.Add(context.Background(), failed(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestEntryID(t *testing.T) {
	a := entryID(&record.Event{Topic: "t", Partition: 1, Offset: 2})
	b := entryID(&record.Event{Topic: "t", Partition: 1, Offset: 2})
	c := entryID(&record.Event{Topic: "t", Partition: 1, Offset: 3})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
