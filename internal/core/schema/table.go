package schema

import (
	"context"
	"errors"
	"fmt"
)

// TypeCounter is the CQL type name of counter columns.
const TypeCounter = "counter"

var ErrNotFound = errors.New("not found")

// TableTarget identifies a destination table as reached from one topic.
type TableTarget struct {
	Topic    string
	Keyspace Identifier
	Table    Identifier
}

func NewTableTarget(topic string, keyspace, table Identifier) TableTarget {
	return TableTarget{
		Topic:    topic,
		Keyspace: keyspace,
		Table:    table,
	}
}

// QualifiedName renders keyspace.table for use in statements.
func (t TableTarget) QualifiedName() string {
	return t.Keyspace.CQL() + "." + t.Table.CQL()
}

func (t TableTarget) String() string {
	return t.Topic + "." + t.Keyspace.String() + "." + t.Table.String()
}

type ColumnKind int

const (
	KindRegular ColumnKind = iota
	KindPartitionKey
	KindClustering
	KindStatic
)

// Column describes one table column. Type holds the CQL type name, e.g. "text",
// "bigint", "counter" or "list<int>".
type Column struct {
	Name Identifier
	Type string
	Kind ColumnKind
}

func (c Column) IsCounter() bool {
	return c.Type == TypeCounter
}

// Table is the metadata of a destination table.
type Table struct {
	Keyspace   Identifier
	Name       Identifier
	Columns    []Column
	PrimaryKey []Identifier // partition key columns, then clustering columns

	byName map[Identifier]int
}

func NewTable(keyspace, name Identifier, columns []Column, primaryKey []Identifier) *Table {
	t := &Table{
		Keyspace:   keyspace,
		Name:       name,
		Columns:    columns,
		PrimaryKey: primaryKey,
		byName:     make(map[Identifier]int, len(columns)),
	}
	for i, c := range columns {
		t.byName[c.Name] = i
	}

	return t
}

func (t *Table) Column(name Identifier) (Column, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Column{}, false //nolint:exhaustruct // zero value
	}

	return t.Columns[i], true
}

func (t *Table) IsPrimaryKey(name Identifier) bool {
	for _, pk := range t.PrimaryKey {
		if pk == name {
			return true
		}
	}

	return false
}

// MetadataProvider looks up table metadata. A missing keyspace or table is reported
// as a *NotFoundError.
type MetadataProvider interface {
	Table(ctx context.Context, keyspace, table Identifier) (*Table, error)
}

// NotFoundError reports a missing keyspace or table, with the case-folded name that
// does exist when there is one.
type NotFoundError struct {
	Kind       string // "Keyspace" or "Table"
	Name       Identifier
	Suggestion Identifier
}

func (e *NotFoundError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf(
			"%s %s does not exist, however a %s %s was found. Update the config to use %s if desired.",
			e.Kind, e.Name, lowerFirst(e.Kind), e.Suggestion, e.Suggestion,
		)
	}

	return fmt.Sprintf("%s %s does not exist.", e.Kind, e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}

	return string(b)
}
