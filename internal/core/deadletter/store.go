package deadletter

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/cespare/xxhash/v2"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/record"
)

type Config struct {
	Host         string `json:"host" default:"127.0.0.1"`
	Port         string `json:"port" default:"9000"`
	Username     string `json:"username" default:"default"`
	Secure       bool   `json:"tls_enabled" default:"false"`
	Password     string `json:"password"`
	Database     string `json:"database" default:"default"`
	TableName    string `json:"table"`
	MaxBatchSize int    `json:"max_batch_size" default:"1000"`
}

func (c Config) Enabled() bool {
	return c.TableName != ""
}

const createTable = `CREATE TABLE IF NOT EXISTS %s.%s (
	topic String,
	partition Int32,
	offset Int64,
	key String,
	value String,
	error String,
	failed_at DateTime64(3)
) ENGINE = MergeTree ORDER BY (topic, partition, offset)`

// Store writes records that could not be applied to a ClickHouse table so they can be
// acknowledged without being lost.
type Store struct {
	conn      Conn
	batch     *Batch
	threshold int
	log       *slog.Logger

	mu sync.Mutex
}

// Open connects to ClickHouse and creates the dead-letter table when missing. The
// password is base64 encoded.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	pswd, err := base64.StdEncoding.DecodeString(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode password: %w", err)
	}

	var tlsConfig *tls.Config
	if cfg.Secure {
		tlsConfig = &tls.Config{} //nolint:gosec,exhaustruct // server defaults
	}

	conn, err := clickhouse.Open(&clickhouse.Options{ //nolint:exhaustruct // optional config
		Addr:     []string{cfg.Host + ":" + cfg.Port},
		Protocol: clickhouse.Native,
		TLS:      tlsConfig,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: string(pswd),
		},
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	if err = conn.Ping(ctx); err != nil {
		conn.Close()

		var ex *clickhouse.Exception
		if errors.As(err, &ex) {
			return nil, fmt.Errorf("ping failed: exception [%d] %s", ex.Code, ex.Message)
		}
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	store, err := New(ctx, conn, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return store, nil
}

func New(ctx context.Context, conn Conn, cfg Config, log *slog.Logger) (*Store, error) {
	if err := conn.Exec(ctx, fmt.Sprintf(createTable, cfg.Database, cfg.TableName)); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter table: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s.%s (topic, partition, offset, key, value, error, failed_at)", cfg.Database, cfg.TableName)
	batch, err := NewBatch(ctx, conn, query)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	threshold := cfg.MaxBatchSize
	if threshold <= 0 {
		threshold = 1000
	}

	return &Store{ //nolint:exhaustruct // mutex
		conn:      conn,
		batch:     batch,
		threshold: threshold,
		log:       log,
	}, nil
}

// Add queues a failed record. The batch is sent once it reaches the configured size.
func (s *Store) Add(ctx context.Context, res record.Result) error {
	ev := res.Event
	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.batch.Append(entryID(ev),
		ev.Topic, ev.Partition, ev.Offset,
		payloadString(ev.Key), payloadString(ev.Value),
		errText, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append dead letter: %w", err)
	}

	if s.batch.Size() < s.threshold {
		return nil
	}

	return s.send(ctx)
}

// Flush sends every queued record.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.send(ctx)
}

func (s *Store) send(ctx context.Context) error {
	size := s.batch.Size()
	if err := s.batch.Send(ctx); err != nil {
		return fmt.Errorf("failed to send dead letters: %w", err)
	}
	if size > 0 {
		s.log.Debug("Dead letters sent", slog.Int("count", size))
	}

	return nil
}

func (s *Store) Close(ctx context.Context) error {
	flushErr := s.Flush(ctx)
	if err := s.conn.Close(); err != nil {
		return errors.Join(flushErr, fmt.Errorf("failed to close clickhouse connection: %w", err))
	}

	return flushErr
}

// entryID identifies a record by its position so redelivered failures are stored once
// per batch.
func entryID(ev *record.Event) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(ev.Topic)
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(strconv.FormatInt(int64(ev.Partition), 10))
	_, _ = h.WriteString("@")
	_, _ = h.WriteString(strconv.FormatInt(ev.Offset, 10))

	return h.Sum64()
}

func payloadString(v any) string {
	switch p := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(p)
	case string:
		return p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Sprint(p)
		}
		return string(b)
	}
}
