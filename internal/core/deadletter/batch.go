package deadletter

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Conn is the part of a ClickHouse connection used by the store.
type Conn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Exec(ctx context.Context, query string, args ...any) error
	Close() error
}

// Batch collects rows for one insert query and drops rows whose id was appended before
// since the last send.
type Batch struct {
	conn    Conn
	query   string
	current driver.Batch
	seen    map[uint64]struct{}
}

func NewBatch(ctx context.Context, conn Conn, query string) (*Batch, error) {
	b := &Batch{
		conn:    conn,
		query:   query,
		current: nil,
		seen:    make(map[uint64]struct{}),
	}

	if err := b.reload(ctx); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *Batch) reload(ctx context.Context) error {
	batch, err := b.conn.PrepareBatch(ctx, b.query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	b.current = batch

	return nil
}

func (b *Batch) Size() int {
	return len(b.seen)
}

// Append adds a row. It is a no-op for an id already in the batch.
func (b *Batch) Append(id uint64, row ...any) error {
	if _, ok := b.seen[id]; ok {
		return nil
	}

	if err := b.current.Append(row...); err != nil {
		return fmt.Errorf("append failed: %w", err)
	}
	b.seen[id] = struct{}{}

	return nil
}

// Send writes the collected rows and starts a new batch.
func (b *Batch) Send(ctx context.Context) error {
	if b.Size() == 0 {
		return nil
	}

	if err := b.current.Send(); err != nil {
		return fmt.Errorf("failed to send the batch: %w", err)
	}
	clear(b.seen)

	if err := b.reload(ctx); err != nil {
		return fmt.Errorf("failed to reload the batch: %w", err)
	}

	return nil
}
