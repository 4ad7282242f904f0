package record

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/schema"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/statement"
)

var ErrMissingField = errors.New("missing field")

// Codec converts event field values into the native representation of a column.
type Codec interface {
	// Convert returns the value to bind for col. v is nil for absent fields.
	Convert(col schema.Column, v any) (any, error)
	// Serialize returns the wire bytes of a converted value, used for routing keys.
	Serialize(col schema.Column, v any) ([]byte, error)
}

// ConversionError is a per-record failure to build a statement.
type ConversionError struct {
	Column    schema.Identifier
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *ConversionError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("convert record %s/%d@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
	}

	return fmt.Sprintf("convert column %s of record %s/%d@%d: %v",
		e.Column.CQL(), e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Table is a compiled table together with the decoders of its key and value shapes.
type Table struct {
	*statement.Table

	Key   Decoder
	Value Decoder
}

type Converter struct {
	codec Codec
}

func NewConverter(codec Codec) *Converter {
	return &Converter{codec: codec}
}

// Convert binds ev to the statement of t that fits it: the delete statement for
// tombstones, the write statement otherwise.
func (c *Converter) Convert(ev *Event, t *Table) (*BoundStatement, error) {
	stmt := t.For(ev.IsTombstone())

	key, err := decode(t.Key, ev.Key)
	if err != nil {
		return nil, conversionError(ev, "", fmt.Errorf("decode key: %w", err))
	}

	var value Payload
	if !ev.IsTombstone() {
		value, err = decode(t.Value, ev.Value)
		if err != nil {
			return nil, conversionError(ev, "", fmt.Errorf("decode value: %w", err))
		}
	}

	values := make([]any, len(stmt.Columns))
	natives := make(map[schema.Identifier]any, len(t.PrimaryKey))
	for i, col := range stmt.Columns {
		path, _ := t.Mapping.Field(col.Name)

		raw, ok := field(path, key, value)
		isKey := t.Metadata.IsPrimaryKey(col.Name)
		if !ok && isKey {
			return nil, conversionError(ev, col.Name, fmt.Errorf("%w %s", ErrMissingField, path))
		}

		native, err := c.codec.Convert(col, raw)
		if err != nil {
			return nil, conversionError(ev, col.Name, err)
		}
		if native == nil && isKey {
			return nil, conversionError(ev, col.Name, fmt.Errorf("primary key field %s is null", path))
		}

		values[i] = native
		if isKey {
			natives[col.Name] = native
		}
	}

	routingKey, err := c.encodeKey(ev, t.PrimaryKey, natives)
	if err != nil {
		return nil, err
	}

	partitionKey := routingKey
	if cols := partitionColumns(t.PrimaryKey); len(cols) < len(t.PrimaryKey) {
		if partitionKey, err = c.encodeKey(ev, cols, natives); err != nil {
			return nil, err
		}
	}

	return &BoundStatement{
		Statement:    stmt,
		Values:       values,
		RoutingKey:   routingKey,
		PartitionKey: partitionKey,
		Event:        ev,
	}, nil
}

// partitionColumns returns the partition key part of keys. Without kind information
// the whole primary key is used.
func partitionColumns(keys []schema.Column) []schema.Column {
	var out []schema.Column
	for _, col := range keys {
		if col.Kind == schema.KindPartitionKey {
			out = append(out, col)
		}
	}
	if len(out) == 0 {
		return keys
	}

	return out
}

// encodeKey serializes key column values. A single column is used as is; composite
// keys use the length-prefixed component encoding of Cassandra.
func (c *Converter) encodeKey(ev *Event, keys []schema.Column, natives map[schema.Identifier]any) ([]byte, error) {
	parts := make([][]byte, len(keys))
	for i, col := range keys {
		b, err := c.codec.Serialize(col, natives[col.Name])
		if err != nil {
			return nil, conversionError(ev, col.Name, fmt.Errorf("serialize routing key: %w", err))
		}
		parts[i] = b
	}

	if len(parts) == 1 {
		return parts[0], nil
	}

	size := 0
	for _, p := range parts {
		size += 2 + len(p) + 1
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = binary.BigEndian.AppendUint16(out, uint16(len(p))) //nolint:gosec // key components are bounded by the protocol
		out = append(out, p...)
		out = append(out, 0)
	}

	return out, nil
}

func decode(d Decoder, raw any) (Payload, error) {
	if raw == nil {
		return nil, nil //nolint:nilnil // absent payload
	}

	return d.Decode(raw) //nolint:wrapcheck // wrapped by caller
}

func field(path schema.FieldPath, key, value Payload) (any, bool) {
	p := key
	if path.Source == schema.SourceValue {
		p = value
	}
	if p == nil {
		return nil, false
	}

	return p.Field(path.Name)
}

func conversionError(ev *Event, col schema.Identifier, err error) *ConversionError {
	return &ConversionError{
		Column:    col,
		Topic:     ev.Topic,
		Partition: ev.Partition,
		Offset:    ev.Offset,
		Err:       err,
	}
}
