package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/batch"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/cassandra"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/deadletter"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/record"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/schema"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/sink"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/stream"
	"github.com/Oxygenesis/yb-kafka-sink/internal/metrics"
)

// Components are the external collaborators of a pipeline.
type Components struct {
	Metadata   schema.MetadataProvider
	Codec      record.Codec
	Executor   batch.Executor
	Consumer   *stream.Consumer
	DeadLetter stream.DeadLetter

	// Healthy reports whether the connections are usable. Nil means always healthy.
	Healthy func() bool
	// Close releases the connections after the sink has been closed.
	Close func(ctx context.Context) error
}

// Pipeline moves records from the stream consumer into the configured tables.
type Pipeline struct {
	sink   *sink.Sink
	source *stream.Source
	comps  Components
	log    *slog.Logger
}

// Open connects to Cassandra, NATS and, when configured, the dead-letter store, then
// assembles the pipeline.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	consistency, err := cfg.Cassandra.ConsistencyLevel()
	if err != nil {
		return nil, fmt.Errorf("cassandra config: %w", err)
	}

	session, err := cassandra.Open(cfg.Cassandra)
	if err != nil {
		return nil, err //nolint:wrapcheck // already wrapped
	}
	closers := []func(context.Context) error{
		func(context.Context) error {
			session.Close()
			return nil
		},
	}
	closeAll := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](ctx))
		}
		return errors.Join(errs...)
	}

	nc, err := stream.NewNATSWrapper(cfg.Stream.NatsURL, log)
	if err != nil {
		_ = closeAll(ctx)
		return nil, err //nolint:wrapcheck // already wrapped
	}
	closers = append(closers, func(context.Context) error { return nc.Close() })

	if cfg.CreateStream {
		if err := nc.EnsureStream(ctx, cfg.Stream.NatsStream); err != nil {
			_ = closeAll(ctx)
			return nil, err //nolint:wrapcheck // already wrapped
		}
	}

	consumer, err := stream.NewConsumer(ctx, nc.JetStream(), cfg.Stream)
	if err != nil {
		_ = closeAll(ctx)
		return nil, fmt.Errorf("failed to create NATS consumer: %w", err)
	}

	var dlq stream.DeadLetter
	if cfg.DeadLetter.Enabled() {
		store, err := deadletter.Open(ctx, cfg.DeadLetter, log)
		if err != nil {
			_ = closeAll(ctx)
			return nil, err //nolint:wrapcheck // already wrapped
		}
		closers = append(closers, store.Close)
		dlq = store
	}

	p, err := New(ctx, cfg, Components{
		Metadata:   cassandra.NewMetadata(session),
		Codec:      cassandra.NewCodec(cfg.Cassandra.Protocol()),
		Executor:   cassandra.NewExecutor(cassandra.SessionRunner{Session: session}, consistency),
		Consumer:   consumer,
		DeadLetter: dlq,
		Healthy: func() bool {
			return nc.Healthy() && !session.Closed()
		},
		Close: closeAll,
	}, log)
	if err != nil {
		_ = closeAll(ctx)
		return nil, err
	}

	return p, nil
}

// New assembles a pipeline from ready components and compiles every configured table.
func New(ctx context.Context, cfg Config, comps Components, log *slog.Logger) (*Pipeline, error) {
	source := stream.NewSource(comps.Consumer, log)

	reporter := record.ReporterFunc(func(res record.Result) {
		metrics.RecordDone(res.Event.Topic, res.Err)
		source.Report(res)
	})

	sk := sink.New(cfg.Batch.processor(), sink.Deps{
		Metadata: comps.Metadata,
		Codec:    comps.Codec,
		Executor: comps.Executor,
		Reporter: reporter,
		Observer: metrics.BatchObserver{},
	}, log)

	var dlq stream.DeadLetter
	if comps.DeadLetter != nil {
		dlq = countingDeadLetter{DeadLetter: comps.DeadLetter}
	}
	source.Attach(sk, dlq)

	for _, t := range cfg.Tables {
		if _, err := sk.CompileTable(ctx, t); err != nil {
			_ = sk.Close(ctx)
			return nil, fmt.Errorf("failed to compile table: %w", err)
		}
	}

	metrics.RegisterQueueGauges(
		func() float64 { return float64(sk.Stats().Queued) },
		func() float64 { return float64(sk.Stats().Pending) },
	)

	return &Pipeline{
		sink:   sk,
		source: source,
		comps:  comps,
		log:    log,
	}, nil
}

// Run consumes the stream until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info("Pipeline started")

	if err := p.source.Run(ctx); err != nil {
		return fmt.Errorf("stream source: %w", err)
	}

	return nil
}

// Close drains the sink and releases the connections.
func (p *Pipeline) Close(ctx context.Context) error {
	err := p.sink.Close(ctx)
	if err != nil {
		err = fmt.Errorf("failed to close sink: %w", err)
	}

	if p.comps.Close != nil {
		if cerr := p.comps.Close(ctx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close connections: %w", cerr))
		}
	}

	p.log.Info("Pipeline closed")

	return err
}

func (p *Pipeline) Healthy() bool {
	if p.comps.Healthy == nil {
		return true
	}

	return p.comps.Healthy()
}

func (p *Pipeline) Stats() sink.Stats {
	return p.sink.Stats()
}

type countingDeadLetter struct {
	stream.DeadLetter
}

func (d countingDeadLetter) Add(ctx context.Context, res record.Result) error {
	if err := d.DeadLetter.Add(ctx, res); err != nil {
		return err //nolint:wrapcheck // wrapped by the source
	}
	metrics.DeadLetterAdded(res.Event.Topic)

	return nil
}
