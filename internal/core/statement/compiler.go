package statement

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/schema"
)

// NoTTL disables the TTL clause of upsert statements.
const NoTTL = -1

type Kind int

const (
	KindUpsert Kind = iota
	KindCounterUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindUpsert:
		return "UPSERT"
	case KindCounterUpdate:
		return "COUNTER_UPDATE"
	case KindDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Compiled is a parameterized statement. Columns lists the bound columns in
// placeholder order. Counter is set on every statement of a counter table, deletes
// included, since those can only be batched together with counter updates.
type Compiled struct {
	Target  schema.TableTarget
	Kind    Kind
	Query   string
	Columns []schema.Column
	TTL     int
	Counter bool
}

// Table holds everything compiled for one destination table. Write is the UPSERT or
// COUNTER_UPDATE statement, Delete is used for tombstones.
type Table struct {
	Target     schema.TableTarget
	Metadata   *schema.Table
	Mapping    schema.ColumnMapping
	Write      *Compiled
	Delete     *Compiled
	PrimaryKey []schema.Column
}

// For returns the statement to use for an event: Delete for tombstones, Write otherwise.
func (t *Table) For(tombstone bool) *Compiled {
	if tombstone {
		return t.Delete
	}

	return t.Write
}

// IsCounter tells whether writes to the table are counter updates.
func (t *Table) IsCounter() bool {
	return t.Write.Kind == KindCounterUpdate
}

type layout struct {
	target   schema.TableTarget
	mapped   []schema.Column // mapping order
	keys     []schema.Column // declared primary key order
	nonKeys  []schema.Column // mapping order
	ttl      int
	hasCount bool
}

type builder func(l layout) *Compiled

//nolint:gochecknoglobals // dispatch table
var builders = map[Kind]builder{
	KindUpsert:        buildUpsert,
	KindCounterUpdate: buildCounterUpdate,
	KindDelete:        buildDelete,
}

// Compile validates mapping against the table metadata and builds the statements used
// for target. ttl < 0 means no TTL clause.
func Compile(target schema.TableTarget, table *schema.Table, mapping schema.ColumnMapping, ttl int) (*Table, error) {
	l, err := newLayout(target, table, mapping, ttl)
	if err != nil {
		return nil, err
	}

	kind := KindUpsert
	if l.hasCount {
		kind = KindCounterUpdate
	}

	write, del := builders[kind](l), builders[KindDelete](l)
	write.Counter, del.Counter = l.hasCount, l.hasCount

	return &Table{
		Target:     target,
		Metadata:   table,
		Mapping:    mapping,
		Write:      write,
		Delete:     del,
		PrimaryKey: l.keys,
	}, nil
}

func newLayout(target schema.TableTarget, table *schema.Table, mapping schema.ColumnMapping, ttl int) (layout, error) {
	l := layout{target: target, ttl: ttl} //nolint:exhaustruct // filled below

	var unknown []schema.Identifier
	for _, e := range mapping.Entries {
		col, ok := table.Column(e.Column)
		if !ok {
			unknown = append(unknown, e.Column)
			continue
		}
		l.mapped = append(l.mapped, col)
	}
	if len(unknown) > 0 {
		return layout{}, &UnknownColumnError{Table: table.Name, Columns: unknown} //nolint:exhaustruct // zero value
	}

	var unmapped []schema.Identifier
	for _, pk := range table.PrimaryKey {
		if _, ok := mapping.Field(pk); !ok {
			unmapped = append(unmapped, pk)
			continue
		}
		col, ok := table.Column(pk)
		if !ok {
			return layout{}, fmt.Errorf("primary key column %s is missing from table %s metadata", pk.CQL(), table.Name) //nolint:exhaustruct // zero value
		}
		l.keys = append(l.keys, col)
	}
	if len(unmapped) > 0 {
		return layout{}, &UnmappedPrimaryKeyError{Columns: unmapped} //nolint:exhaustruct // zero value
	}

	for _, col := range l.mapped {
		if table.IsPrimaryKey(col.Name) {
			continue
		}
		l.nonKeys = append(l.nonKeys, col)
		if col.IsCounter() {
			l.hasCount = true
		}
	}

	return l, nil
}

func buildUpsert(l layout) *Compiled {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(l.target.QualifiedName())
	sb.WriteByte('(')

	// Placeholders are collected alongside the column list to keep both in step.
	var values strings.Builder
	for i, col := range l.mapped {
		if i > 0 {
			sb.WriteByte(',')
			values.WriteByte(',')
		}
		name := col.Name.CQL()
		sb.WriteString(name)
		values.WriteString(":" + name)
	}

	sb.WriteString(") VALUES (")
	sb.WriteString(values.String())
	sb.WriteByte(')')

	if l.ttl >= 0 {
		sb.WriteString(" USING TTL ")
		sb.WriteString(strconv.Itoa(l.ttl))
	}

	return &Compiled{
		Target:  l.target,
		Kind:    KindUpsert,
		Query:   sb.String(),
		Columns: l.mapped,
		TTL:     l.ttl,
	}
}

func buildCounterUpdate(l layout) *Compiled {
	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(l.target.QualifiedName())
	sb.WriteString(" SET ")

	for i, col := range l.nonKeys {
		if i > 0 {
			sb.WriteByte(',')
		}
		name := col.Name.CQL()
		sb.WriteString(name + " = " + name + " + :" + name)
	}
	writeKeyClause(&sb, l.keys)

	columns := make([]schema.Column, 0, len(l.nonKeys)+len(l.keys))
	columns = append(columns, l.nonKeys...)
	columns = append(columns, l.keys...)

	return &Compiled{
		Target:  l.target,
		Kind:    KindCounterUpdate,
		Query:   sb.String(),
		Columns: columns,
		TTL:     NoTTL,
	}
}

func buildDelete(l layout) *Compiled {
	var sb strings.Builder
	sb.WriteString("DELETE FROM ")
	sb.WriteString(l.target.QualifiedName())
	writeKeyClause(&sb, l.keys)

	return &Compiled{
		Target:  l.target,
		Kind:    KindDelete,
		Query:   sb.String(),
		Columns: l.keys,
		TTL:     NoTTL,
	}
}

func writeKeyClause(sb *strings.Builder, keys []schema.Column) {
	sb.WriteString(" WHERE ")
	for i, col := range keys {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		name := col.Name.CQL()
		sb.WriteString(name + " = :" + name)
	}
}
