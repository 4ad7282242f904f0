package cassandra

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/Oxygenesis/yb-kafka-sink/internal/models"
)

type Config struct {
	Hosts          []string            `json:"hosts" default:"127.0.0.1"`
	Port           int                 `json:"port" default:"9042"`
	Username       string              `json:"username"`
	Password       string              `json:"password"`
	LocalDC        string              `json:"local_dc" split_words:"true"`
	Consistency    string              `json:"consistency" default:"LOCAL_QUORUM"`
	ProtoVersion   int                 `json:"proto_version" default:"4" split_words:"true"`
	NumConns       int                 `json:"num_conns" default:"2" split_words:"true"`
	Timeout        models.JSONDuration `json:"timeout" default:"10s"`
	ConnectTimeout models.JSONDuration `json:"connect_timeout" default:"10s" split_words:"true"`

	// DisableHostLookup connects to Hosts only, for clusters behind NAT or a proxy.
	DisableHostLookup bool `json:"disable_host_lookup" split_words:"true"`
}

const (
	defaultPort         = 9042
	defaultProtoVersion = 4
	defaultTimeout      = 10 * time.Second
)

// NewCluster builds the gocql cluster configuration. Zero values fall back to the
// defaults used for environment configuration.
func NewCluster(cfg Config) (*gocql.ClusterConfig, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("no cassandra hosts configured")
	}

	consistency, err := cfg.ConsistencyLevel()
	if err != nil {
		return nil, err
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = orDefault(cfg.Port, defaultPort)
	cluster.ProtoVersion = cfg.Protocol()
	cluster.Consistency = consistency
	cluster.Timeout = cfg.Timeout.Or(defaultTimeout)
	cluster.ConnectTimeout = cfg.ConnectTimeout.Or(defaultTimeout)
	cluster.DisableInitialHostLookup = cfg.DisableHostLookup
	if cfg.NumConns > 0 {
		cluster.NumConns = cfg.NumConns
	}

	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{ //nolint:exhaustruct // optional allowed authenticators
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	policy := gocql.RoundRobinHostPolicy()
	if cfg.LocalDC != "" {
		policy = gocql.DCAwareRoundRobinPolicy(cfg.LocalDC)
	}
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(policy)

	return cluster, nil
}

// ConsistencyLevel parses the configured consistency, LOCAL_QUORUM when unset.
func (c Config) ConsistencyLevel() (gocql.Consistency, error) {
	if c.Consistency == "" {
		return gocql.LocalQuorum, nil
	}

	consistency, err := gocql.ParseConsistencyWrapper(c.Consistency)
	if err != nil {
		return 0, fmt.Errorf("parse consistency: %w", err)
	}

	return consistency, nil
}

// Protocol returns the configured native protocol version.
func (c Config) Protocol() int {
	return orDefault(c.ProtoVersion, defaultProtoVersion)
}

func Open(cfg Config) (*gocql.Session, error) {
	cluster, err := NewCluster(cfg)
	if err != nil {
		return nil, err
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create cassandra session: %w", err)
	}

	return session, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}

	return v
}
