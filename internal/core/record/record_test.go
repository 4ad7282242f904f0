package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/schema"
	"github.com/Oxygenesis/yb-kafka-sink/internal/core/statement"
)

var errBadValue = errors.New("bad value")

// stringCodec binds values unchanged and serializes them with fmt.
type stringCodec struct{}

func (stringCodec) Convert(_ schema.Column, v any) (any, error) {
	if v == "bad" {
		return nil, errBadValue
	}

	return v, nil
}

func (stringCodec) Serialize(_ schema.Column, v any) ([]byte, error) {
	return []byte(fmt.Sprint(v)), nil
}

func compileTable(t *testing.T, pk []schema.Identifier, mapping string, keyFormat, valueFormat string) *Table {
	t.Helper()

	meta := schema.NewTable("ks", "t", []schema.Column{
		{Name: "id", Type: "text"},
		{Name: "sub", Type: "text"},
		{Name: "name", Type: "text"},
		{Name: "city", Type: "text"},
	}, pk)
	m, err := schema.ParseMapping(mapping)
	require.NoError(t, err)

	compiled, err := statement.Compile(schema.NewTableTarget("topic", "ks", "t"), meta, m, statement.NoTTL)
	require.NoError(t, err)

	key, err := NewDecoder(keyFormat)
	require.NoError(t, err)
	value, err := NewDecoder(valueFormat)
	require.NoError(t, err)

	return &Table{Table: compiled, Key: key, Value: value}
}

func TestJSONPayload(t *testing.T) {
	d, err := NewDecoder(FormatJSON)
	require.NoError(t, err)

	p, err := d.Decode([]byte(`{"id":12345678901234567890,"name":"a","ok":true,"none":null,"addr":{"city":"x"},"tags":[1,2]}`))
	require.NoError(t, err)

	tests := []struct {
		field string
		want  any
		found bool
	}{
		{"id", json.Number("12345678901234567890"), true},
		{"name", "a", true},
		{"ok", true, true},
		{"none", nil, true},
		{"addr.city", "x", true},
		{"tags", []any{float64(1), float64(2)}, true},
		{"missing", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			got, ok := p.Field(tt.field)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("whole scalar", func(t *testing.T) {
		p, err := d.Decode(`"abc"`)
		require.NoError(t, err)
		got, ok := p.Field("")
		assert.True(t, ok)
		assert.Equal(t, "abc", got)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := d.Decode([]byte(`{"id":`))
		require.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := d.Decode(42)
		require.ErrorIs(t, err, ErrInvalidPayload)
	})
}

func TestMapAndStructPayload(t *testing.T) {
	md, err := NewDecoder(FormatMap)
	require.NoError(t, err)

	p, err := md.Decode(map[string]any{"id": 1, "addr": map[string]any{"city": "x"}})
	require.NoError(t, err)

	v, ok := p.Field("addr.city")
	assert.True(t, ok)
	assert.Equal(t, "x", v)
	_, ok = p.Field("addr.zip")
	assert.False(t, ok)

	addr := NewStruct(FieldSchema{Name: "city", Type: "string", Optional: true}).MustPut("city", "y")
	s := NewStruct(
		FieldSchema{Name: "id", Type: "int32"},
		FieldSchema{Name: "addr", Type: "struct", Optional: true},
	).MustPut("id", int32(7)).MustPut("addr", addr)

	sd, err := NewDecoder(FormatStruct)
	require.NoError(t, err)
	sp, err := sd.Decode(s)
	require.NoError(t, err)

	v, ok = sp.Field("addr.city")
	assert.True(t, ok)
	assert.Equal(t, "y", v)
	_, ok = sp.Field("undeclared")
	assert.False(t, ok)

	require.ErrorIs(t, s.Put("undeclared", 1), ErrInvalidPayload)
	require.ErrorIs(t, s.Put("id", nil), ErrInvalidPayload)

	_, err = NewDecoder("avro")
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestConvert(t *testing.T) {
	conv := NewConverter(stringCodec{})

	t.Run("upsert binds in column order", func(t *testing.T) {
		tbl := compileTable(t, []schema.Identifier{"id"}, "id=key.id, name=value.name, city=value.addr.city", FormatJSON, FormatJSON)
		ev := &Event{Topic: "topic", Key: []byte(`{"id":"k1"}`), Value: []byte(`{"name":"n","addr":{"city":"c"}}`)}

		bound, err := conv.Convert(ev, tbl)
		require.NoError(t, err)

		assert.Equal(t, statement.KindUpsert, bound.Statement.Kind)
		assert.Equal(t, []any{"k1", "n", "c"}, bound.Values)
		assert.Equal(t, []byte("k1"), bound.RoutingKey)
		assert.Same(t, ev, bound.Event)
	})

	t.Run("missing non key binds nil", func(t *testing.T) {
		tbl := compileTable(t, []schema.Identifier{"id"}, "id=key.id, name=value.name", FormatJSON, FormatJSON)
		ev := &Event{Topic: "topic", Key: []byte(`{"id":"k1"}`), Value: []byte(`{}`)}

		bound, err := conv.Convert(ev, tbl)
		require.NoError(t, err)
		assert.Equal(t, []any{"k1", nil}, bound.Values)
	})

	t.Run("tombstone binds only the key", func(t *testing.T) {
		tbl := compileTable(t, []schema.Identifier{"id", "sub"}, "id=key.id, sub=key.sub, name=value.name", FormatMap, FormatMap)
		ev := &Event{Topic: "topic", Key: map[string]any{"id": "a", "sub": "bc"}}

		bound, err := conv.Convert(ev, tbl)
		require.NoError(t, err)

		assert.Equal(t, statement.KindDelete, bound.Statement.Kind)
		assert.Equal(t, []any{"a", "bc"}, bound.Values)
		assert.Equal(t, []byte{0, 1, 'a', 0, 0, 2, 'b', 'c', 0}, bound.RoutingKey)
	})

	t.Run("primitive key", func(t *testing.T) {
		tbl := compileTable(t, []schema.Identifier{"id"}, "id=key, name=value", FormatRaw, FormatRaw)
		ev := &Event{Topic: "topic", Key: "k", Value: "v"}

		bound, err := conv.Convert(ev, tbl)
		require.NoError(t, err)
		assert.Equal(t, []any{"k", "v"}, bound.Values)
	})

	t.Run("missing primary key field", func(t *testing.T) {
		tbl := compileTable(t, []schema.Identifier{"id"}, "id=key.id, name=value.name", FormatJSON, FormatJSON)
		ev := &Event{Topic: "topic", Partition: 3, Offset: 42, Key: []byte(`{}`), Value: []byte(`{"name":"n"}`)}

		_, err := conv.Convert(ev, tbl)

		var convErr *ConversionError
		require.ErrorAs(t, err, &convErr)
		assert.Equal(t, schema.Identifier("id"), convErr.Column)
		assert.Equal(t, int32(3), convErr.Partition)
		assert.Equal(t, int64(42), convErr.Offset)
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("codec failure", func(t *testing.T) {
		tbl := compileTable(t, []schema.Identifier{"id"}, "id=key.id, name=value.name", FormatJSON, FormatJSON)
		ev := &Event{Topic: "topic", Key: []byte(`{"id":"k"}`), Value: []byte(`{"name":"bad"}`)}

		_, err := conv.Convert(ev, tbl)

		var convErr *ConversionError
		require.ErrorAs(t, err, &convErr)
		assert.Equal(t, schema.Identifier("name"), convErr.Column)
		assert.ErrorIs(t, err, errBadValue)
	})

	t.Run("undecodable value", func(t *testing.T) {
		tbl := compileTable(t, []schema.Identifier{"id"}, "id=key.id, name=value.name", FormatJSON, FormatJSON)
		ev := &Event{Topic: "topic", Key: []byte(`{"id":"k"}`), Value: []byte(`not json`)}

		_, err := conv.Convert(ev, tbl)
		require.ErrorIs(t, err, ErrInvalidPayload)
	})
}

func TestCompletionReportsOnce(t *testing.T) {
	var (
		mu      sync.Mutex
		results []Result
	)
	reporter := ReporterFunc(func(res Result) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	})

	ev := &Event{Topic: "topic"}
	c := NewCompletion(ev, 3, reporter)

	first := errors.New("first")
	c.Done(nil)
	c.Done(first)
	assert.Empty(t, results)
	c.Done(errors.New("second"))

	require.Len(t, results, 1)
	assert.Same(t, ev, results[0].Event)
	assert.Equal(t, first, results[0].Err)
}

func TestBoundStatementDone(t *testing.T) {
	var got []Result
	ev := &Event{Topic: "topic"}

	s := &BoundStatement{Event: ev}
	s.Done(nil) // no completion bound

	s.Bind(NewCompletion(ev, 1, ReporterFunc(func(res Result) { got = append(got, res) })))
	s.Done(nil)

	require.Len(t, got, 1)
	assert.NoError(t, got[0].Err)
}
