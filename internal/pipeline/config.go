package pipeline

import (
	"errors"
	"fmt"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/batch"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/cassandra"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/deadletter"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/sink"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/stream"
	"github.com/Oxygenesis/yb-kafka-sink/internal/models"
)

var ErrNoTables = errors.New("no tables configured")

type Config struct {
	Cassandra  cassandra.Config      `json:"cassandra"`
	Stream     stream.ConsumerConfig `json:"stream_consumer"`
	DeadLetter deadletter.Config     `json:"dead_letter"`
	Batch      BatchConfig           `json:"batch"`
	Tables     []sink.TableConfig    `json:"tables"`

	// CreateStream creates the JetStream stream when it is missing.
	CreateStream bool `json:"create_stream"`
}

type BatchConfig struct {
	QueueSize      int                 `json:"queue_size"`
	MaxBatchSize   int                 `json:"max_batch_size"`
	MaxInFlight    int                 `json:"max_in_flight"`
	IdleTimeout    models.JSONDuration `json:"idle_timeout"`
	MaxLinger      models.JSONDuration `json:"max_linger"`
	ExecuteTimeout models.JSONDuration `json:"execute_timeout"`
}

func (c BatchConfig) processor() batch.Config {
	return batch.Config{
		QueueSize:      c.QueueSize,
		MaxBatchSize:   c.MaxBatchSize,
		MaxInFlight:    c.MaxInFlight,
		IdleTimeout:    c.IdleTimeout.Duration(),
		MaxLinger:      c.MaxLinger.Duration(),
		ExecuteTimeout: c.ExecuteTimeout.Duration(),
	}
}

func (c Config) Validate() error {
	if len(c.Tables) == 0 {
		return ErrNoTables
	}
	if c.Stream.NatsStream == "" {
		return fmt.Errorf("stream name is required")
	}

	for i, t := range c.Tables {
		if t.Topic == "" || t.Keyspace == "" || t.Table == "" {
			return fmt.Errorf("table %d: topic, keyspace and table are required", i)
		}
	}

	return nil
}
