//go:build integration

package steps

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/cassandra"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/deadletter"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/sink"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/stream"
	"github.com/Oxygenesis/yb-kafka-sink/internal/models"
	"github.com/Oxygenesis/yb-kafka-sink/internal/pipeline"
	"github.com/Oxygenesis/yb-kafka-sink/tests/testutils"
	"github.com/Oxygenesis/yb-kafka-sink/tests/testutils/testlog"
)

// PipelineTestSuite runs the whole pipeline against containers.
type PipelineTestSuite struct {
	natsContainer *testutils.NATSContainer
	chContainer   *testutils.ClickHouseContainer
	cassContainer *testutils.CassandraContainer

	natsClient *stream.NATSConnWrapper

	cfg      pipeline.Config
	pipeline *pipeline.Pipeline
	cancel   context.CancelFunc
	errCh    chan error
}

func NewPipelineTestSuite() *PipelineTestSuite {
	return &PipelineTestSuite{} //nolint:exhaustruct // containers start in SetupResources
}

func (s *PipelineTestSuite) SetupResources() error {
	ctx := context.Background()

	var err error
	if s.natsContainer, err = testutils.StartNATSContainer(ctx); err != nil {
		return fmt.Errorf("start nats container: %w", err)
	}
	if s.chContainer, err = testutils.StartClickHouseContainer(ctx); err != nil {
		return fmt.Errorf("start clickhouse container: %w", err)
	}
	if s.cassContainer, err = testutils.StartCassandraContainer(ctx); err != nil {
		return fmt.Errorf("start cassandra container: %w", err)
	}
	if s.natsClient, err = stream.NewNATSWrapper(s.natsContainer.GetURI(), testlog.New()); err != nil {
		return fmt.Errorf("create nats wrapper: %w", err)
	}

	return nil
}

func (s *PipelineTestSuite) CleanupResources() error {
	ctx := context.Background()

	var errs []error
	if s.natsClient != nil {
		if err := s.natsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close nats client: %w", err))
		}
	}
	if s.natsContainer != nil {
		if err := s.natsContainer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop nats container: %w", err))
		}
	}
	if s.chContainer != nil {
		if err := s.chContainer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop clickhouse container: %w", err))
		}
	}
	if s.cassContainer != nil {
		if err := s.cassContainer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop cassandra container: %w", err))
		}
	}

	return testutils.CombineErrors(errs)
}

func (s *PipelineTestSuite) theCQLStatementsAreApplied(doc *godog.DocString) error {
	session, err := s.cassContainer.GetSession()
	if err != nil {
		return err //nolint:wrapcheck // test helper error
	}
	defer session.Close()

	for _, stmt := range strings.Split(doc.Content, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("apply %q: %w", stmt, err)
		}
	}

	return nil
}

func (s *PipelineTestSuite) aPipelineReadingStreamWithTables(name string, tables *godog.Table) error {
	host, port, err := s.cassContainer.GetHostPort()
	if err != nil {
		return err //nolint:wrapcheck // test helper error
	}

	if err := s.natsClient.JetStream().DeleteStream(context.Background(), name); err != nil &&
		!errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("delete stream: %w", err)
	}

	s.cfg = pipeline.Config{ //nolint:exhaustruct // dead letters configured by a separate step
		Cassandra: cassandra.Config{ //nolint:exhaustruct // defaults
			Hosts:          []string{host},
			Port:           port,
			Consistency:    "ONE",
			Timeout:        *models.NewJSONDuration(30 * time.Second),
			ConnectTimeout: *models.NewJSONDuration(30 * time.Second),

			DisableHostLookup: true,
		},
		Stream: stream.ConsumerConfig{ //nolint:exhaustruct // defaults
			NatsURL:      s.natsContainer.GetURI(),
			NatsStream:   name,
			NatsConsumer: "sink-test",
			FetchSize:    100,
			FetchMaxWait: *models.NewJSONDuration(200 * time.Millisecond),
		},
		Batch: pipeline.BatchConfig{ //nolint:exhaustruct // defaults
			MaxBatchSize: 16,
		},
		CreateStream: true,
	}

	for _, row := range tables.Rows[1:] {
		ks, tbl, _ := strings.Cut(row.Cells[1].Value, ".")
		s.cfg.Tables = append(s.cfg.Tables, sink.TableConfig{ //nolint:exhaustruct // json payloads
			Topic:    row.Cells[0].Value,
			Keyspace: ks,
			Table:    tbl,
			Mapping:  row.Cells[2].Value,
		})
	}

	return nil
}

func (s *PipelineTestSuite) deadLettersAreWrittenTo(table string) error {
	port, err := s.chContainer.GetPort()
	if err != nil {
		return err //nolint:wrapcheck // test helper error
	}
	user, password := s.chContainer.GetCredentials()

	conn, err := s.chContainer.GetConnection()
	if err != nil {
		return err //nolint:wrapcheck // test helper error
	}
	defer conn.Close()

	db := s.chContainer.GetDefaultDBName()
	if err := conn.Exec(context.Background(), fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", db, table)); err != nil {
		return fmt.Errorf("drop dead-letter table: %w", err)
	}

	s.cfg.DeadLetter = deadletter.Config{
		Host:         "localhost",
		Port:         port,
		Username:     user,
		Password:     base64.StdEncoding.EncodeToString([]byte(password)),
		Database:     db,
		TableName:    table,
		MaxBatchSize: 100,
		Secure:       false,
	}

	return nil
}

func (s *PipelineTestSuite) thePipelineIsRunning() error {
	ctx, cancel := context.WithCancel(context.Background())

	p, err := pipeline.Open(ctx, s.cfg, testlog.New())
	if err != nil {
		cancel()
		return fmt.Errorf("open pipeline: %w", err)
	}

	s.pipeline = p
	s.cancel = cancel
	s.errCh = make(chan error, 1)

	go func() {
		s.errCh <- p.Run(ctx)
	}()

	return nil
}

func (s *PipelineTestSuite) recordsArePublished(subject string, records *godog.Table) error {
	recs := make([]testutils.StreamRecord, 0, len(records.Rows)-1)
	for _, row := range records.Rows[1:] {
		recs = append(recs, testutils.StreamRecord{
			Topic:     row.Cells[0].Value,
			Key:       row.Cells[1].Value,
			Value:     row.Cells[2].Value,
			Tombstone: row.Cells[3].Value == "true",
		})
	}

	return testutils.PublishRecords(context.Background(), s.natsClient.JetStream(), subject, recs) //nolint:wrapcheck // test helper error
}

func eventually(within string, check func() error) error {
	d, err := time.ParseDuration(within)
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}

	deadline := time.Now().Add(d)
	for {
		err := check()
		if err == nil || time.Now().After(deadline) {
			return err
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func (s *PipelineTestSuite) tableContains(within, table string, rows *godog.Table) error {
	session, err := s.cassContainer.GetSession()
	if err != nil {
		return err //nolint:wrapcheck // test helper error
	}
	defer session.Close()

	header := make([]string, len(rows.Rows[0].Cells))
	for i, c := range rows.Rows[0].Cells {
		header[i] = c.Value
	}

	want := make([]string, 0, len(rows.Rows)-1)
	for _, row := range rows.Rows[1:] {
		cells := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			cells[i] = c.Value
		}
		want = append(want, strings.Join(cells, "|"))
	}
	sort.Strings(want)

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(header, ", "), table)

	return eventually(within, func() error {
		iter := session.Query(query).Iter()

		var got []string
		row := make(map[string]any)
		for iter.MapScan(row) {
			cells := make([]string, len(header))
			for i, h := range header {
				cells[i] = fmt.Sprint(row[h])
			}
			got = append(got, strings.Join(cells, "|"))
			row = make(map[string]any)
		}
		if err := iter.Close(); err != nil {
			return fmt.Errorf("select rows: %w", err)
		}
		sort.Strings(got)

		if strings.Join(got, ";") != strings.Join(want, ";") {
			return fmt.Errorf("table %s holds %v, expected %v", table, got, want)
		}

		return nil
	})
}

func (s *PipelineTestSuite) counterIs(within, column, table, id string, want int64) error {
	session, err := s.cassContainer.GetSession()
	if err != nil {
		return err //nolint:wrapcheck // test helper error
	}
	defer session.Close()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", column, table)

	return eventually(within, func() error {
		var got int64
		if err := session.Query(query, id).Scan(&got); err != nil {
			return fmt.Errorf("read counter: %w", err)
		}
		if got != want {
			return fmt.Errorf("counter %s is %d, expected %d", column, got, want)
		}
		return nil
	})
}

func (s *PipelineTestSuite) theDeadLetterTableHolds(within string, want int, topic string) error {
	conn, err := s.chContainer.GetConnection()
	if err != nil {
		return err //nolint:wrapcheck // test helper error
	}
	defer conn.Close()

	query := fmt.Sprintf("SELECT count() FROM %s.%s WHERE topic = ?", s.cfg.DeadLetter.Database, s.cfg.DeadLetter.TableName)

	return eventually(within, func() error {
		var got uint64
		if err := conn.QueryRow(context.Background(), query, topic).Scan(&got); err != nil {
			return fmt.Errorf("count dead letters: %w", err)
		}
		if got != uint64(want) { //nolint:gosec // small test counts
			return fmt.Errorf("dead-letter table holds %d records, expected %d", got, want)
		}
		return nil
	})
}

func (s *PipelineTestSuite) stopPipeline() error {
	if s.pipeline == nil {
		return nil
	}

	s.cancel()
	runErr := <-s.errCh

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	closeErr := s.pipeline.Close(ctx)
	s.pipeline = nil

	return errors.Join(runErr, closeErr)
}

func (s *PipelineTestSuite) RegisterSteps(sc *godog.ScenarioContext) {
	sc.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		if stopErr := s.stopPipeline(); stopErr != nil {
			return ctx, errors.Join(err, stopErr)
		}
		return ctx, err
	})

	sc.Step(`^the CQL statements are applied:$`, s.theCQLStatementsAreApplied)
	sc.Step(`^a pipeline reading stream "([^"]*)" with tables:$`, s.aPipelineReadingStreamWithTables)
	sc.Step(`^dead letters are written to ClickHouse table "([^"]*)"$`, s.deadLettersAreWrittenTo)
	sc.Step(`^the pipeline is running$`, s.thePipelineIsRunning)
	sc.Step(`^records are published on subject "([^"]*)":$`, s.recordsArePublished)
	sc.Step(`^within "([^"]*)" table "([^"]*)" contains:$`, s.tableContains)
	sc.Step(`^within "([^"]*)" counter "([^"]*)" of "([^"]*)" for id "([^"]*)" is (\d+)$`, s.counterIs)
	sc.Step(`^within "([^"]*)" the dead-letter table holds (\d+) records for topic "([^"]*)"$`, s.theDeadLetterTableHolds)
	sc.Step(`^the pipeline stops gracefully$`, s.stopPipeline)
}
