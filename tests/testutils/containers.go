package testutils

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/docker/go-connections/nat"
	"github.com/gocql/gocql"
	"github.com/nats-io/nats.go"
	"github.com/testcontainers/testcontainers-go"
	cassContainer "github.com/testcontainers/testcontainers-go/modules/cassandra"
	chContainer "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	NATSContainerImage = "nats:latest"
	NATSPort           = "4222/tcp"

	ClickHouseContainerImage = "clickhouse/clickhouse-server:23.3.8.21-alpine"
	ClickHousePort           = "9000/tcp"

	CassandraContainerImage = "cassandra:4.1.3"
	CassandraPort           = "9042/tcp"

	reuseEnv = "SINK_REUSE_TESTCONTAINERS"
)

func reuse() bool {
	return os.Getenv(reuseEnv) == "true"
}

// NATSContainer wraps a NATS testcontainer
type NATSContainer struct {
	container testcontainers.Container
	uri       string
}

func StartNATSContainer(ctx context.Context) (*NATSContainer, error) {
	req := testcontainers.ContainerRequest{ //nolint:exhaustruct // optional config
		Name:         "testcontainers-sink-nats",
		Image:        NATSContainerImage,
		ExposedPorts: []string{NATSPort},
		Cmd:          []string{"-js"},
		WaitingFor: wait.ForListeningPort(NATSPort).
			WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx,
		testcontainers.GenericContainerRequest{ //nolint:exhaustruct // optional config
			ContainerRequest: req,
			Started:          true,
			Reuse:            true,
		})
	if err != nil {
		return nil, fmt.Errorf("failed to start NATS container %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, nat.Port(NATSPort))
	if err != nil {
		return nil, fmt.Errorf("failed to get mapped port of NATS container %w", err)
	}

	return &NATSContainer{
		container: container,
		uri:       "nats://" + net.JoinHostPort("127.0.0.1", mappedPort.Port()),
	}, nil
}

// GetURI returns the NATS URI
func (n *NATSContainer) GetURI() string {
	return n.uri
}

// GetConnection returns a NATS connection
func (n *NATSContainer) GetConnection() (zero *nats.Conn, _ error) {
	conn, err := nats.Connect(n.uri)
	if err != nil {
		return zero, fmt.Errorf("failed to connect to NATS %w", err)
	}
	return conn, nil
}

func (n *NATSContainer) Stop(ctx context.Context) error {
	if reuse() {
		return nil
	}

	if err := n.container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to stop NATS container %w", err)
	}

	return nil
}

// ClickHouseContainer wraps a ClickHouse testcontainer
type ClickHouseContainer struct {
	container *chContainer.ClickHouseContainer
}

func StartClickHouseContainer(ctx context.Context) (*ClickHouseContainer, error) {
	container, err := chContainer.Run(
		ctx,
		ClickHouseContainerImage,
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/").
				WithPort("8123/tcp").
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start ClickHouse container %w", err)
	}

	return &ClickHouseContainer{
		container: container,
	}, nil
}

func (c *ClickHouseContainer) GetPort() (string, error) {
	port, err := c.container.MappedPort(context.Background(), nat.Port(ClickHousePort))
	if err != nil {
		return "", fmt.Errorf("failed to get mapped port of ClickHouse container %w", err)
	}
	return port.Port(), nil
}

func (c *ClickHouseContainer) GetConnection() (zero clickhouse.Conn, _ error) {
	port, err := c.GetPort()
	if err != nil {
		return zero, err
	}

	conn, err := clickhouse.Open(
		&clickhouse.Options{ //nolint:exhaustruct // optional config
			Addr: []string{"localhost:" + port},
			Auth: clickhouse.Auth{
				Database: c.container.DbName,
				Username: c.container.User,
				Password: c.container.Password,
			},
		},
	)
	if err != nil {
		return zero, fmt.Errorf("failed to connect to ClickHouse %w", err)
	}

	return conn, nil
}

func (c *ClickHouseContainer) GetDefaultDBName() string {
	return c.container.DbName
}

func (c *ClickHouseContainer) GetCredentials() (user, password string) {
	return c.container.User, c.container.Password
}

func (c *ClickHouseContainer) Stop(ctx context.Context) error {
	if reuse() {
		return nil
	}

	if err := c.container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to stop ClickHouse container %w", err)
	}

	return nil
}

// CassandraContainer wraps a Cassandra testcontainer
type CassandraContainer struct {
	container *cassContainer.CassandraContainer
}

func StartCassandraContainer(ctx context.Context) (*CassandraContainer, error) {
	container, err := cassContainer.Run(ctx, CassandraContainerImage)
	if err != nil {
		return nil, fmt.Errorf("failed to start Cassandra container %w", err)
	}

	return &CassandraContainer{
		container: container,
	}, nil
}

// GetHostPort returns the host and mapped native protocol port.
func (c *CassandraContainer) GetHostPort() (string, int, error) {
	host, err := c.container.Host(context.Background())
	if err != nil {
		return "", 0, fmt.Errorf("failed to get host of Cassandra container %w", err)
	}

	port, err := c.container.MappedPort(context.Background(), nat.Port(CassandraPort))
	if err != nil {
		return "", 0, fmt.Errorf("failed to get mapped port of Cassandra container %w", err)
	}

	p, err := strconv.Atoi(port.Port())
	if err != nil {
		return "", 0, fmt.Errorf("invalid Cassandra port %q: %w", port.Port(), err)
	}

	return host, p, nil
}

// GetSession opens a session on the container, for setup and assertions.
func (c *CassandraContainer) GetSession() (*gocql.Session, error) {
	host, port, err := c.GetHostPort()
	if err != nil {
		return nil, err
	}

	cluster := gocql.NewCluster(host)
	cluster.Port = port
	cluster.Consistency = gocql.One
	cluster.Timeout = 30 * time.Second
	cluster.ConnectTimeout = 30 * time.Second

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Cassandra %w", err)
	}

	return session, nil
}

func (c *CassandraContainer) Stop(ctx context.Context) error {
	if reuse() {
		return nil
	}

	if err := c.container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to stop Cassandra container %w", err)
	}

	return nil
}
