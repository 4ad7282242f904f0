package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/record"
)

var (
	ErrQueueFull = errors.New("statement queue is full")
	ErrClosed    = errors.New("processor is closed")
)

type Config struct {
	QueueSize      int
	MaxBatchSize   int
	MaxInFlight    int
	IdleTimeout    time.Duration
	MaxLinger      time.Duration
	ExecuteTimeout time.Duration
}

const (
	DefaultQueueSize    = 10000
	DefaultMaxBatchSize = 32
	DefaultMaxInFlight  = 64
	DefaultIdleTimeout  = 10 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}

	return c
}

type itemKind int

const (
	itemStatement itemKind = iota
	itemFlush
	itemStop
)

type item struct {
	kind  itemKind
	stmt  *record.BoundStatement
	reply chan []*future
}

type future struct {
	done chan struct{}
}

func (f *future) resolve() {
	close(f.done)
}

type Stats struct {
	Queued   int
	Pending  int64
	InFlight int64
}

// Processor groups queued statements by table and routing key and executes the groups
// as batches. A single worker owns the groups; executions run concurrently up to
// MaxInFlight.
type Processor struct {
	cfg  Config
	exec Executor
	log  *slog.Logger
	obs  Observer

	queue chan item
	sem   *semaphore.Weighted

	execCtx    context.Context //nolint:containedctx // lifetime of background executions
	cancelExec context.CancelFunc

	mu     sync.RWMutex
	closed bool

	futMu   sync.Mutex
	futures map[*future]struct{}
	// last holds the most recent batch dispatched per group key while it runs.
	last map[GroupKey]*future

	fatalMu sync.Mutex
	fatal   error

	pending  atomic.Int64
	inFlight atomic.Int64

	done chan struct{}
}

func NewProcessor(cfg Config, exec Executor, obs Observer, log *slog.Logger) *Processor {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = nopObserver{}
	}

	execCtx, cancel := context.WithCancel(context.Background())

	p := &Processor{ //nolint:exhaustruct // sync primitives and counters start at zero
		cfg:        cfg,
		exec:       exec,
		log:        log,
		obs:        obs,
		queue:      make(chan item, cfg.QueueSize),
		sem:        semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		execCtx:    execCtx,
		cancelExec: cancel,
		futures:    make(map[*future]struct{}),
		last:       make(map[GroupKey]*future),
		done:       make(chan struct{}),
	}

	go p.run()

	return p
}

// Submit queues s without blocking. It fails with ErrQueueFull when the queue is at
// capacity.
func (p *Processor) Submit(s *record.BoundStatement) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- item{kind: itemStatement, stmt: s, reply: nil}:
		p.pending.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Flush submits every group queued before the call and waits until all batches
// submitted so far have completed. It fails if any batch found the executor
// unavailable since the previous Flush.
func (p *Processor) Flush(ctx context.Context) error {
	reply := make(chan []*future, 1)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	select {
	case p.queue <- item{kind: itemFlush, stmt: nil, reply: reply}:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return fmt.Errorf("enqueue flush: %w", ctx.Err())
	}

	var outstanding []*future
	select {
	case outstanding = <-reply:
	case <-ctx.Done():
		return fmt.Errorf("wait for flush: %w", ctx.Err())
	}

	if err := wait(ctx, outstanding); err != nil {
		return err
	}

	return p.takeFatal()
}

// Close stops intake, submits the remaining groups and waits for every batch. If ctx
// ends first, running executions are cancelled and statements not yet executed fail
// with ErrClosed.
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	defer p.cancelExec()

	// Submitters hold the read lock while sending, so nothing is queued after stop.
	select {
	case p.queue <- item{kind: itemStop, stmt: nil, reply: nil}:
	case <-ctx.Done():
		return fmt.Errorf("enqueue stop: %w", ctx.Err())
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return fmt.Errorf("wait for worker: %w", ctx.Err())
	}

	if err := wait(ctx, p.outstanding()); err != nil {
		return err
	}

	return p.takeFatal()
}

func (p *Processor) Stats() Stats {
	return Stats{
		Queued:   len(p.queue),
		Pending:  p.pending.Load(),
		InFlight: p.inFlight.Load(),
	}
}

func (p *Processor) run() {
	defer close(p.done)

	groups := NewGroups()

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	var linger <-chan time.Time
	if p.cfg.MaxLinger > 0 {
		ticker := time.NewTicker(p.cfg.MaxLinger)
		defer ticker.Stop()
		linger = ticker.C
	}

	for {
		if p.execCtx.Err() != nil {
			p.abandon(groups)
			return
		}

		select {
		case <-p.execCtx.Done():
		case it := <-p.queue:
			switch it.kind {
			case itemStatement:
				grp := groups.Add(it.stmt)
				if grp.Len() >= p.cfg.MaxBatchSize {
					groups.Remove(grp.Key)
					p.dispatch(grp)
				}
			case itemFlush:
				p.dispatchAll(groups.Drain())
				it.reply <- p.outstanding()
			case itemStop:
				p.drainQueue(groups)
				p.dispatchAll(groups.Drain())
				return
			}
			idle.Reset(p.cfg.IdleTimeout)
		case <-idle.C:
			p.dispatchAll(groups.Drain())
		case now := <-linger:
			p.dispatchAll(groups.DrainOlder(now.Add(-p.cfg.MaxLinger)))
		}
	}
}

// drainQueue groups statements that are still queued behind a stop item. Flush
// markers found there are answered so no caller is left waiting.
func (p *Processor) drainQueue(groups *Groups) {
	for {
		select {
		case it := <-p.queue:
			switch it.kind {
			case itemStatement:
				groups.Add(it.stmt)
			case itemFlush:
				p.dispatchAll(groups.Drain())
				it.reply <- p.outstanding()
			case itemStop:
			}
		default:
			return
		}
	}
}

// abandon fails every statement the worker still holds or that is still queued.
func (p *Processor) abandon(groups *Groups) {
	for _, grp := range groups.Drain() {
		p.complete(grp.Statements, &ExecutionError{Table: grp.Key.Table, Statements: grp.Len(), Err: ErrClosed})
	}
	for {
		select {
		case it := <-p.queue:
			switch it.kind {
			case itemStatement:
				p.complete([]*record.BoundStatement{it.stmt},
					&ExecutionError{Table: it.stmt.Statement.Target, Statements: 1, Err: ErrClosed})
			case itemFlush:
				it.reply <- p.outstanding()
			case itemStop:
			}
		default:
			return
		}
	}
}

func (p *Processor) dispatchAll(groups []*Group) {
	for _, grp := range groups {
		p.dispatch(grp)
	}
}

// dispatch blocks while MaxInFlight batches are executing. A batch starts only after
// the previous batch of the same group key has completed.
func (p *Processor) dispatch(grp *Group) {
	b := newBatch(grp)

	if err := p.sem.Acquire(p.execCtx, 1); err != nil {
		p.complete(b.Statements, &ExecutionError{Table: b.Table, Statements: b.Len(), Err: err})
		return
	}

	f := &future{done: make(chan struct{})}
	p.futMu.Lock()
	p.futures[f] = struct{}{}
	prev := p.last[grp.Key]
	p.last[grp.Key] = f
	p.futMu.Unlock()

	p.obs.InFlight(p.inFlight.Add(1))

	go func() {
		defer p.sem.Release(1)

		if prev != nil {
			select {
			case <-prev.done:
			case <-p.execCtx.Done():
			}
		}

		p.execute(b)

		p.obs.InFlight(p.inFlight.Add(-1))

		p.futMu.Lock()
		delete(p.futures, f)
		if p.last[grp.Key] == f {
			delete(p.last, grp.Key)
		}
		p.futMu.Unlock()

		f.resolve()
	}()
}

func (p *Processor) execute(b *Batch) {
	ctx := p.execCtx
	if p.cfg.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ExecuteTimeout)
		defer cancel()
	}

	start := time.Now()
	err := p.exec.Execute(ctx, b)
	took := time.Since(start)

	p.obs.BatchDone(b.Table, b.Len(), took, err)

	if err != nil {
		p.log.Error("batch execution failed",
			slog.String("table", b.Table.String()),
			slog.Int("statements", b.Len()),
			slog.Any("error", err))
		err = &ExecutionError{Table: b.Table, Statements: b.Len(), Err: err}
		if errors.Is(err, ErrExecutorUnavailable) {
			p.setFatal(err)
		}
	} else {
		p.log.Debug("batch executed",
			slog.String("table", b.Table.String()),
			slog.Int("statements", b.Len()),
			slog.Duration("took", took))
	}

	p.complete(b.Statements, err)
}

func (p *Processor) complete(stmts []*record.BoundStatement, err error) {
	for _, s := range stmts {
		s.Done(err)
	}
	p.pending.Add(-int64(len(stmts)))
}

func (p *Processor) outstanding() []*future {
	p.futMu.Lock()
	defer p.futMu.Unlock()

	out := make([]*future, 0, len(p.futures))
	for f := range p.futures {
		out = append(out, f)
	}

	return out
}

func (p *Processor) setFatal(err error) {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()

	if p.fatal == nil {
		p.fatal = err
	}
}

// takeFatal returns the first unavailable-executor failure since the last call and
// clears it.
func (p *Processor) takeFatal() error {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()

	err := p.fatal
	p.fatal = nil

	return err
}

func wait(ctx context.Context, futures []*future) error {
	for _, f := range futures {
		select {
		case <-f.done:
		case <-ctx.Done():
			return fmt.Errorf("wait for batches: %w", ctx.Err())
		}
	}

	return nil
}
