package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/record"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/schema"
)

// ErrExecutorUnavailable marks execution failures that no retry of the same batch can
// fix, such as a closed session or no reachable host.
var ErrExecutorUnavailable = errors.New("executor unavailable")

// Batch is a group handed to the executor. Counter batches hold statements of counter
// tables only.
type Batch struct {
	Table      schema.TableTarget
	RoutingKey []byte
	Counter    bool
	Statements []*record.BoundStatement
}

func newBatch(g *Group) *Batch {
	first := g.Statements[0]

	return &Batch{
		Table:      g.Key.Table,
		RoutingKey: first.RoutingKey,
		Counter:    first.Statement.Counter,
		Statements: g.Statements,
	}
}

func (b *Batch) Len() int {
	return len(b.Statements)
}

// Executor runs a batch against the datastore. The batch succeeds or fails as a whole.
type Executor interface {
	Execute(ctx context.Context, b *Batch) error
}

type ExecutorFunc func(ctx context.Context, b *Batch) error

func (f ExecutorFunc) Execute(ctx context.Context, b *Batch) error {
	return f(ctx, b)
}

// ExecutionError is reported for every statement of a failed batch.
type ExecutionError struct {
	Table      schema.TableTarget
	Statements int
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute batch of %d statements on %s: %v", e.Statements, e.Table.QualifiedName(), e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Observer receives batch lifecycle events, typically to export metrics.
type Observer interface {
	BatchDone(table schema.TableTarget, size int, took time.Duration, err error)
	InFlight(n int64)
}

type nopObserver struct{}

func (nopObserver) BatchDone(schema.TableTarget, int, time.Duration, error) {}
func (nopObserver) InFlight(int64)                                          {}
