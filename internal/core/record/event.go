package record

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/statement"
)

// Event is one inbound change event. A nil Value is a tombstone.
type Event struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       any
	Value     any
	Timestamp time.Time

	// Origin is an opaque handle of the source system (e.g. the broker message) used
	// for acknowledgement.
	Origin any
}

func (e *Event) IsTombstone() bool {
	return e.Value == nil
}

// Coordinates renders the event position for error messages.
func (e *Event) Coordinates() string {
	return fmt.Sprintf("%s/%d@%d", e.Topic, e.Partition, e.Offset)
}

// Result is the outcome of one event. Err is nil on success.
type Result struct {
	Event *Event
	Err   error
}

// Reporter receives exactly one Result per submitted event. Implementations must be
// safe for concurrent use.
type Reporter interface {
	Report(res Result)
}

type ReporterFunc func(res Result)

func (f ReporterFunc) Report(res Result) {
	f(res)
}

// BoundStatement is a compiled statement with concrete values, ready for execution.
// RoutingKey covers the whole primary key and groups statements of one row;
// PartitionKey covers the partition key columns only and routes the statement to its
// replicas.
type BoundStatement struct {
	Statement    *statement.Compiled
	Values       []any
	RoutingKey   []byte
	PartitionKey []byte
	Event        *Event

	completion *Completion
}

// Bind attaches the completion that is notified when the statement finishes.
func (s *BoundStatement) Bind(c *Completion) {
	s.completion = c
}

// Done notifies the statement's completion, if any.
func (s *BoundStatement) Done(err error) {
	if s.completion != nil {
		s.completion.Done(err)
	}
}

// Completion aggregates the outcome of every statement produced from one event and
// reports the event once all of them finished. The first error wins.
type Completion struct {
	event     *Event
	reporter  Reporter
	remaining atomic.Int32

	mu  sync.Mutex
	err error
}

func NewCompletion(ev *Event, statements int, reporter Reporter) *Completion {
	c := &Completion{event: ev, reporter: reporter} //nolint:exhaustruct // counters start at zero
	c.remaining.Store(int32(statements))            //nolint:gosec // statement count per event is small

	return c
}

func (c *Completion) Done(err error) {
	if err != nil {
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
	}

	if c.remaining.Add(-1) != 0 {
		return
	}

	c.mu.Lock()
	res := Result{Event: c.event, Err: c.err}
	c.mu.Unlock()

	c.reporter.Report(res)
}
