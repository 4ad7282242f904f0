package steps

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cucumber/godog"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/batch"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/cassandra"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/record"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/schema"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/sink"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/statement"
	"github.com/Oxygenesis/yb-kafka-sink/tests/testutils/testlog"
)

// tableSource serves table metadata defined by the scenario.
type tableSource map[string]*schema.Table

func (t tableSource) Table(_ context.Context, keyspace, table schema.Identifier) (*schema.Table, error) {
	tbl, ok := t[string(keyspace)+"."+string(table)]
	if !ok {
		return nil, &schema.NotFoundError{Kind: "Table", Name: keyspace + "." + table, Suggestion: ""}
	}

	return tbl, nil
}

type mapping struct {
	topic, table, columns string
	ttl                   *int
}

// SinkTestSuite drives the sink in process with a recording executor.
type SinkTestSuite struct {
	tables   tableSource
	mappings []mapping
	compiled map[string]*statement.Table
	err      error

	sink   *sink.Sink
	offset int64

	mu       sync.Mutex
	batches  []*batch.Batch
	reported map[*record.Event]int
	failed   int
	events   []*record.Event
}

func NewSinkTestSuite() *SinkTestSuite {
	return &SinkTestSuite{} //nolint:exhaustruct // reset per scenario
}

func (s *SinkTestSuite) SetupResources() error {
	return nil
}

func (s *SinkTestSuite) CleanupResources() error {
	return nil
}

func (s *SinkTestSuite) reset() {
	s.tables = tableSource{}
	s.mappings = nil
	s.compiled = make(map[string]*statement.Table)
	s.err = nil
	s.sink = nil
	s.offset = 0
	s.batches = nil
	s.reported = make(map[*record.Event]int)
	s.failed = 0
	s.events = nil
}

func (s *SinkTestSuite) aTableWithColumns(name string, columns *godog.Table) error {
	ks, tbl, ok := strings.Cut(name, ".")
	if !ok {
		return fmt.Errorf("table %q must be qualified", name)
	}

	var (
		cols []schema.Column
		pk   []schema.Identifier
	)
	for _, row := range columns.Rows[1:] {
		col := schema.Column{
			Name: schema.ParseIdentifier(row.Cells[0].Value),
			Type: row.Cells[1].Value,
			Kind: schema.KindRegular,
		}
		switch row.Cells[2].Value {
		case "partition_key":
			col.Kind = schema.KindPartitionKey
			pk = append(pk, col.Name)
		case "clustering":
			col.Kind = schema.KindClustering
			pk = append(pk, col.Name)
		case "regular":
		default:
			return fmt.Errorf("unknown column kind %q", row.Cells[2].Value)
		}
		cols = append(cols, col)
	}

	s.tables[name] = schema.NewTable(schema.ParseIdentifier(ks), schema.ParseIdentifier(tbl), cols, pk)

	return nil
}

func (s *SinkTestSuite) newSink(cfg batch.Config) {
	s.sink = sink.New(cfg, sink.Deps{
		Metadata: s.tables,
		Codec:    cassandra.NewCodec(4),
		Executor: batch.ExecutorFunc(func(_ context.Context, b *batch.Batch) error {
			s.mu.Lock()
			s.batches = append(s.batches, b)
			s.mu.Unlock()
			return nil
		}),
		Reporter: record.ReporterFunc(func(res record.Result) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.reported[res.Event]++
			if res.Err != nil {
				s.failed++
			}
		}),
		Observer: nil,
	}, testlog.New())
}

func (s *SinkTestSuite) compile(topic, table, columns string, ttl *int) error {
	if s.sink == nil {
		s.newSink(batch.Config{}) //nolint:exhaustruct // defaults
	}
	ks, tbl, _ := strings.Cut(table, ".")

	s.mappings = append(s.mappings, mapping{topic: topic, table: table, columns: columns, ttl: ttl})

	compiled, err := s.sink.CompileTable(context.Background(), sink.TableConfig{
		Topic:       topic,
		Keyspace:    ks,
		Table:       tbl,
		Mapping:     columns,
		TTL:         ttl,
		KeyFormat:   record.FormatJSON,
		ValueFormat: record.FormatJSON,
	})
	if err != nil {
		s.err = err
		return nil
	}
	s.compiled[topic] = compiled

	return nil
}

func (s *SinkTestSuite) topicIsMapped(topic, table, columns string) error {
	return s.compile(topic, table, columns, nil)
}

func (s *SinkTestSuite) topicIsMappedWithTTL(topic, table, columns string, ttl int) error {
	return s.compile(topic, table, columns, &ttl)
}

func (s *SinkTestSuite) lastCompiled() (*statement.Table, error) {
	if s.err != nil {
		return nil, fmt.Errorf("compile failed: %w", s.err)
	}
	if len(s.mappings) == 0 {
		return nil, fmt.Errorf("no table was compiled")
	}

	return s.compiled[s.mappings[len(s.mappings)-1].topic], nil
}

func (s *SinkTestSuite) theWriteStatementIs(query string) error {
	t, err := s.lastCompiled()
	if err != nil {
		return err
	}
	if t.Write.Query != query {
		return fmt.Errorf("write statement is %q, expected %q", t.Write.Query, query)
	}

	return nil
}

func (s *SinkTestSuite) theDeleteStatementIs(query string) error {
	t, err := s.lastCompiled()
	if err != nil {
		return err
	}
	if t.Delete.Query != query {
		return fmt.Errorf("delete statement is %q, expected %q", t.Delete.Query, query)
	}

	return nil
}

func (s *SinkTestSuite) bothTopicsUseTheSameWriteStatement() error {
	if s.err != nil {
		return fmt.Errorf("compile failed: %w", s.err)
	}
	if len(s.compiled) != 2 {
		return fmt.Errorf("expected 2 compiled topics, got %d", len(s.compiled))
	}

	var queries []string
	for _, t := range s.compiled {
		queries = append(queries, t.Write.Query)
	}
	if queries[0] != queries[1] {
		return fmt.Errorf("statements differ: %q and %q", queries[0], queries[1])
	}

	return nil
}

func (s *SinkTestSuite) compilingFailsForUnmappedPrimaryKeyColumns(columns string) error {
	var unmapped *statement.UnmappedPrimaryKeyError
	if !errors.As(s.err, &unmapped) {
		return fmt.Errorf("expected unmapped primary key error, got %v", s.err)
	}

	return sameColumns(unmapped.Columns, columns)
}

func (s *SinkTestSuite) compilingFailsForUnknownColumns(columns string) error {
	var unknown *statement.UnknownColumnError
	if !errors.As(s.err, &unknown) {
		return fmt.Errorf("expected unknown column error, got %v", s.err)
	}

	return sameColumns(unknown.Columns, columns)
}

func sameColumns(got []schema.Identifier, want string) error {
	names := make([]string, len(got))
	for i, c := range got {
		names[i] = string(c)
	}
	if strings.Join(names, ",") != want {
		return fmt.Errorf("columns are %v, expected %s", names, want)
	}

	return nil
}

func (s *SinkTestSuite) theSinkIsStarted(size int, idle string) error {
	timeout, err := time.ParseDuration(idle)
	if err != nil {
		return fmt.Errorf("parse idle timeout: %w", err)
	}

	if s.sink != nil {
		if err := s.sink.Close(context.Background()); err != nil {
			return fmt.Errorf("close previous sink: %w", err)
		}
	}
	s.newSink(batch.Config{MaxBatchSize: size, IdleTimeout: timeout}) //nolint:exhaustruct // defaults

	mappings := s.mappings
	s.mappings = nil
	for _, m := range mappings {
		if err := s.compile(m.topic, m.table, m.columns, m.ttl); err != nil {
			return err
		}
	}
	if s.err != nil {
		return fmt.Errorf("compile failed: %w", s.err)
	}

	return nil
}

func (s *SinkTestSuite) submit(ev *record.Event) error {
	s.offset++
	ev.Offset = s.offset
	s.events = append(s.events, ev)

	if err := s.sink.Submit(ev); err != nil {
		return fmt.Errorf("submit event: %w", err)
	}

	return nil
}

func (s *SinkTestSuite) eventsAreSubmitted(topic string, events *godog.Table) error {
	for _, row := range events.Rows[1:] {
		ev := &record.Event{ //nolint:exhaustruct // offset assigned on submit
			Topic:     topic,
			Key:       []byte(row.Cells[0].Value),
			Value:     []byte(row.Cells[1].Value),
			Timestamp: time.Now(),
		}
		if err := s.submit(ev); err != nil {
			return err
		}
	}

	return nil
}

func (s *SinkTestSuite) aTombstoneIsSubmitted(key, topic string) error {
	return s.submit(&record.Event{ //nolint:exhaustruct // tombstone
		Topic:     topic,
		Key:       []byte(key),
		Timestamp: time.Now(),
	})
}

func (s *SinkTestSuite) theSinkIsFlushed() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.sink.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	return nil
}

func (s *SinkTestSuite) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.batches)
}

func (s *SinkTestSuite) batchesWereExecuted(n int) error {
	if got := s.batchCount(); got != n {
		return fmt.Errorf("%d batches were executed, expected %d", got, n)
	}

	return nil
}

func (s *SinkTestSuite) batchesAreExecutedWithin(n int, within string) error {
	d, err := time.ParseDuration(within)
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if s.batchCount() == n {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}

	return s.batchesWereExecuted(n)
}

func (s *SinkTestSuite) batchForKey(key string) (*batch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.batches {
		if string(b.RoutingKey) == key {
			return b, nil
		}
	}

	return nil, fmt.Errorf("no batch for key %q", key)
}

func (s *SinkTestSuite) theBatchForKeyHoldsValues(key, values string) error {
	b, err := s.batchForKey(key)
	if err != nil {
		return err
	}

	got := make([]string, 0, b.Len())
	for _, stmt := range b.Statements {
		got = append(got, fmt.Sprint(stmt.Values[1]))
	}
	if want := strings.Split(values, ","); !slices.Equal(got, want) {
		return fmt.Errorf("batch for %q holds %v, expected %v", key, got, want)
	}

	return nil
}

func (s *SinkTestSuite) theBatchForKeyRuns(key, query string) error {
	b, err := s.batchForKey(key)
	if err != nil {
		return err
	}

	for _, stmt := range b.Statements {
		if stmt.Statement.Query != query {
			return fmt.Errorf("batch for %q runs %q, expected %q", key, stmt.Statement.Query, query)
		}
	}

	return nil
}

func (s *SinkTestSuite) everyEventWasReportedOnceWithoutError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed > 0 {
		return fmt.Errorf("%d events failed", s.failed)
	}
	for _, ev := range s.events {
		if n := s.reported[ev]; n != 1 {
			return fmt.Errorf("event %s was reported %d times", ev.Coordinates(), n)
		}
	}

	return nil
}

func (s *SinkTestSuite) eventsFailed(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != n {
		return fmt.Errorf("%d events failed, expected %d", s.failed, n)
	}

	return nil
}

func (s *SinkTestSuite) RegisterSteps(sc *godog.ScenarioContext) {
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		s.reset()
		return ctx, nil
	})
	sc.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		if s.sink != nil {
			if cerr := s.sink.Close(ctx); cerr != nil {
				return ctx, fmt.Errorf("close sink: %w", cerr)
			}
		}
		return ctx, err
	})

	sc.Step(`^a table "([^"]*)" with columns:$`, s.aTableWithColumns)
	sc.Step(`^topic "([^"]*)" is mapped to "([^"]*)" with "([^"]*)"$`, s.topicIsMapped)
	sc.Step(`^topic "([^"]*)" is mapped to "([^"]*)" with "([^"]*)" and TTL (\d+)$`, s.topicIsMappedWithTTL)
	sc.Step(`^the write statement is "([^"]*)"$`, s.theWriteStatementIs)
	sc.Step(`^the delete statement is "([^"]*)"$`, s.theDeleteStatementIs)
	sc.Step(`^both topics use the same write statement$`, s.bothTopicsUseTheSameWriteStatement)
	sc.Step(`^compiling fails for unmapped primary key columns "([^"]*)"$`, s.compilingFailsForUnmappedPrimaryKeyColumns)
	sc.Step(`^compiling fails for unknown columns "([^"]*)"$`, s.compilingFailsForUnknownColumns)

	sc.Step(`^the sink is started with batch size (\d+) and idle timeout "([^"]*)"$`, s.theSinkIsStarted)
	sc.Step(`^events are submitted to topic "([^"]*)":$`, s.eventsAreSubmitted)
	sc.Step(`^a tombstone for key '([^']*)' is submitted to topic "([^"]*)"$`, s.aTombstoneIsSubmitted)
	sc.Step(`^the sink is flushed$`, s.theSinkIsFlushed)
	sc.Step(`^(\d+) batches were executed$`, s.batchesWereExecuted)
	sc.Step(`^(\d+) batches are executed within "([^"]*)"$`, s.batchesAreExecutedWithin)
	sc.Step(`^the batch for key "([^"]*)" holds values "([^"]*)"$`, s.theBatchForKeyHoldsValues)
	sc.Step(`^the batch for key "([^"]*)" runs "([^"]*)"$`, s.theBatchForKeyRuns)
	sc.Step(`^every event was reported once without error$`, s.everyEventWasReportedOnceWithoutError)
	sc.Step(`^(\d+) events failed$`, s.eventsFailed)
}
