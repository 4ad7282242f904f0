package cassandra

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/batch"
)

// Runner sends statements to the cluster.
type Runner interface {
	NewBatch(typ gocql.BatchType) *gocql.Batch
	ExecuteBatch(ctx context.Context, b *gocql.Batch) error
	ExecuteQuery(ctx context.Context, query string, values []any, partitionKey []byte, cl gocql.Consistency) error
}

// SessionRunner runs statements on a gocql session.
type SessionRunner struct {
	Session *gocql.Session
}

func (r SessionRunner) NewBatch(typ gocql.BatchType) *gocql.Batch {
	return r.Session.NewBatch(typ)
}

func (r SessionRunner) ExecuteBatch(ctx context.Context, b *gocql.Batch) error {
	return r.Session.ExecuteBatch(b.WithContext(ctx)) //nolint:wrapcheck // wrapped by Executor
}

func (r SessionRunner) ExecuteQuery(ctx context.Context, query string, values []any, partitionKey []byte, cl gocql.Consistency) error {
	q := r.Session.Query(query, values...).WithContext(ctx).Consistency(cl).RoutingKey(partitionKey)

	return q.Exec() //nolint:wrapcheck // wrapped by Executor
}

// Executor applies batches with the batch type of their table: counter batches for
// counter tables, unlogged batches otherwise. Single statements run as plain queries.
type Executor struct {
	runner      Runner
	consistency gocql.Consistency
}

func NewExecutor(runner Runner, consistency gocql.Consistency) *Executor {
	return &Executor{runner: runner, consistency: consistency}
}

func (e *Executor) Execute(ctx context.Context, b *batch.Batch) error {
	var err error
	if b.Len() == 1 {
		s := b.Statements[0]
		err = e.runner.ExecuteQuery(ctx, s.Statement.Query, s.Values, s.PartitionKey, e.consistency)
	} else {
		err = e.runner.ExecuteBatch(ctx, e.build(b))
	}

	if err == nil {
		return nil
	}
	if unavailable(err) {
		return fmt.Errorf("%w: %w", batch.ErrExecutorUnavailable, err)
	}

	return fmt.Errorf("cassandra: %w", err)
}

func (e *Executor) build(b *batch.Batch) *gocql.Batch {
	typ := gocql.UnloggedBatch
	if b.Counter {
		typ = gocql.CounterBatch
	}

	// The driver routes a batch by the partition key of its first statement.
	gb := e.runner.NewBatch(typ)
	gb.SetConsistency(e.consistency)
	for _, s := range b.Statements {
		gb.Query(s.Statement.Query, s.Values...)
	}

	return gb
}

func unavailable(err error) bool {
	return errors.Is(err, gocql.ErrNoConnections) ||
		errors.Is(err, gocql.ErrSessionClosed) ||
		errors.Is(err, gocql.ErrNoHosts) ||
		errors.Is(err, gocql.ErrNoConnectionsStarted)
}
