package cassandra

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gocql/gocql"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/schema"
)

// KeyspaceSource is satisfied by *gocql.Session.
type KeyspaceSource interface {
	KeyspaceMetadata(keyspace string) (*gocql.KeyspaceMetadata, error)
}

// Metadata reads table definitions from the cluster schema.
type Metadata struct {
	source KeyspaceSource
}

func NewMetadata(source KeyspaceSource) *Metadata {
	return &Metadata{source: source}
}

// Table returns the metadata of keyspace.table. When the name is missing but its lower
// case form exists, the error suggests it.
func (m *Metadata) Table(_ context.Context, keyspace, table schema.Identifier) (*schema.Table, error) {
	ks, err := m.keyspace(keyspace)
	if err != nil {
		return nil, err
	}

	tm, ok := ks.Tables[table.String()]
	if !ok {
		nf := &schema.NotFoundError{Kind: "Table", Name: table, Suggestion: ""}
		if lower := table.Lower(); lower != table {
			if _, ok := ks.Tables[lower.String()]; ok {
				nf.Suggestion = lower
			}
		}
		return nil, nf
	}

	return convertTable(keyspace, tm), nil
}

func (m *Metadata) keyspace(name schema.Identifier) (*gocql.KeyspaceMetadata, error) {
	ks, err := m.source.KeyspaceMetadata(name.String())
	if err == nil {
		return ks, nil
	}
	if !errors.Is(err, gocql.ErrKeyspaceDoesNotExist) {
		return nil, fmt.Errorf("failed to load keyspace metadata: %w", err)
	}

	nf := &schema.NotFoundError{Kind: "Keyspace", Name: name, Suggestion: ""}
	if lower := name.Lower(); lower != name {
		if _, err := m.source.KeyspaceMetadata(lower.String()); err == nil {
			nf.Suggestion = lower
		}
	}

	return nil, nf
}

func convertTable(keyspace schema.Identifier, tm *gocql.TableMetadata) *schema.Table {
	var pk []schema.Identifier
	for _, c := range tm.PartitionKey {
		pk = append(pk, schema.Identifier(c.Name))
	}
	for _, c := range tm.ClusteringColumns {
		pk = append(pk, schema.Identifier(c.Name))
	}

	names := tm.OrderedColumns
	if len(names) == 0 {
		names = make([]string, 0, len(tm.Columns))
		for name := range tm.Columns {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	cols := make([]schema.Column, 0, len(names))
	for _, name := range names {
		c, ok := tm.Columns[name]
		if !ok {
			continue
		}
		cols = append(cols, schema.Column{
			Name: schema.Identifier(c.Name),
			Type: typeName(c),
			Kind: columnKind(c.Kind),
		})
	}

	return schema.NewTable(keyspace, schema.Identifier(tm.Name), cols, pk)
}

func typeName(c *gocql.ColumnMetadata) string {
	if c.Type == nil {
		return c.Validator
	}

	return c.Type.Type().String()
}

func columnKind(k gocql.ColumnKind) schema.ColumnKind {
	switch k {
	case gocql.ColumnPartitionKey:
		return schema.KindPartitionKey
	case gocql.ColumnClusteringKey:
		return schema.KindClustering
	case gocql.ColumnStatic:
		return schema.KindStatic
	default:
		return schema.KindRegular
	}
}
