package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/batch"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/record"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/schema"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/statement"
)

var (
	ErrQueueFull      = batch.ErrQueueFull
	ErrClosed         = batch.ErrClosed
	ErrNoTable        = errors.New("no table configured for topic")
	ErrDuplicateTable = errors.New("table is already configured for topic")
)

// TableConfig routes one topic to one table. A topic may be routed to several tables.
type TableConfig struct {
	Topic       string `json:"topic"`
	Keyspace    string `json:"keyspace"`
	Table       string `json:"table"`
	Mapping     string `json:"mapping"`
	TTL         *int   `json:"ttl,omitempty"`
	KeyFormat   string `json:"key_format"`
	ValueFormat string `json:"value_format"`
}

func (c TableConfig) ttl() int {
	if c.TTL == nil {
		return statement.NoTTL
	}

	return *c.TTL
}

type Stats struct {
	batch.Stats

	Tables int
}

type Deps struct {
	Metadata schema.MetadataProvider
	Codec    record.Codec
	Executor batch.Executor
	Reporter record.Reporter
	Observer batch.Observer
}

// Sink converts events into statements for every table routed from their topic and
// feeds them to the batch processor. Each event is reported exactly once.
type Sink struct {
	metadata  schema.MetadataProvider
	converter *record.Converter
	processor *batch.Processor
	reporter  record.Reporter
	log       *slog.Logger

	mu     sync.RWMutex
	tables map[string][]*record.Table
}

func New(cfg batch.Config, deps Deps, log *slog.Logger) *Sink {
	return &Sink{ //nolint:exhaustruct // mutex
		metadata:  deps.Metadata,
		converter: record.NewConverter(deps.Codec),
		processor: batch.NewProcessor(cfg, deps.Executor, deps.Observer, log),
		reporter:  deps.Reporter,
		log:       log,
		tables:    make(map[string][]*record.Table),
	}
}

// CompileTable validates cfg against the table metadata and registers the compiled
// statements for cfg.Topic. It must be called before events of that topic are
// submitted.
func (s *Sink) CompileTable(ctx context.Context, cfg TableConfig) (*statement.Table, error) {
	ks, tbl := schema.ParseIdentifier(cfg.Keyspace), schema.ParseIdentifier(cfg.Table)
	target := schema.NewTableTarget(cfg.Topic, ks, tbl)

	meta, err := s.metadata.Table(ctx, ks, tbl)
	if err != nil {
		return nil, fmt.Errorf("load metadata of %s: %w", target.QualifiedName(), err)
	}

	mapping, err := schema.ParseMapping(cfg.Mapping)
	if err != nil {
		return nil, fmt.Errorf("parse mapping of %s: %w", target, err)
	}

	compiled, err := statement.Compile(target, meta, mapping, cfg.ttl())
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", target, err)
	}

	key, err := record.NewDecoder(cfg.KeyFormat)
	if err != nil {
		return nil, fmt.Errorf("key format of %s: %w", target, err)
	}
	value, err := record.NewDecoder(cfg.ValueFormat)
	if err != nil {
		return nil, fmt.Errorf("value format of %s: %w", target, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tables[cfg.Topic] {
		if t.Target == target {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTable, target)
		}
	}
	s.tables[cfg.Topic] = append(s.tables[cfg.Topic], &record.Table{Table: compiled, Key: key, Value: value})

	s.log.Info("table compiled",
		slog.String("target", target.String()),
		slog.String("write", compiled.Write.Query),
		slog.String("delete", compiled.Delete.Query))

	return compiled, nil
}

// Submit converts ev and queues its statements. Conversion failures and unrouted
// topics are reported through the reporter; only ErrQueueFull and ErrClosed are
// returned, and in that case ev is not reported.
func (s *Sink) Submit(ev *record.Event) error {
	s.mu.RLock()
	tables := s.tables[ev.Topic]
	s.mu.RUnlock()

	if len(tables) == 0 {
		s.reporter.Report(record.Result{Event: ev, Err: fmt.Errorf("%w %q", ErrNoTable, ev.Topic)})
		return nil
	}

	stmts := make([]*record.BoundStatement, 0, len(tables))
	for _, t := range tables {
		stmt, err := s.converter.Convert(ev, t)
		if err != nil {
			s.log.Warn("failed to convert event",
				slog.String("event", ev.Coordinates()),
				slog.String("target", t.Target.String()),
				slog.Any("error", err))
			s.reporter.Report(record.Result{Event: ev, Err: err})
			return nil
		}
		stmts = append(stmts, stmt)
	}

	completion := record.NewCompletion(ev, len(stmts), s.reporter)
	for _, stmt := range stmts {
		stmt.Bind(completion)
	}

	for i, stmt := range stmts {
		err := s.processor.Submit(stmt)
		if err == nil {
			continue
		}
		if i == 0 {
			return err //nolint:wrapcheck // sentinel for the caller
		}
		// Part of the event is queued already: the rest fails through the completion.
		for _, rest := range stmts[i:] {
			rest.Done(err)
		}

		return nil
	}

	return nil
}

// Flush blocks until every event submitted before the call has been reported.
func (s *Sink) Flush(ctx context.Context) error {
	return s.processor.Flush(ctx) //nolint:wrapcheck // processor errors are final
}

func (s *Sink) Close(ctx context.Context) error {
	return s.processor.Close(ctx) //nolint:wrapcheck // processor errors are final
}

func (s *Sink) Stats() Stats {
	s.mu.RLock()
	tables := 0
	for _, ts := range s.tables {
		tables += len(ts)
	}
	s.mu.RUnlock()

	return Stats{Stats: s.processor.Stats(), Tables: tables}
}
