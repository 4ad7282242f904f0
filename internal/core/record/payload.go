package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	FormatJSON   = "json"
	FormatMap    = "map"
	FormatStruct = "struct"
	FormatRaw    = "raw"
)

var (
	ErrUnknownFormat  = errors.New("unknown payload format")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Payload gives access to the fields of a decoded key or value. An empty name
// addresses the payload as a whole.
type Payload interface {
	Field(name string) (any, bool)
}

// Decoder turns a raw key or value into a Payload. One decoder is chosen per payload
// shape when a table is compiled.
type Decoder interface {
	Decode(raw any) (Payload, error)
}

func NewDecoder(format string) (Decoder, error) {
	switch format {
	case FormatJSON, "":
		return jsonDecoder{}, nil
	case FormatMap:
		return mapDecoder{}, nil
	case FormatStruct:
		return structDecoder{}, nil
	case FormatRaw:
		return rawDecoder{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

type jsonDecoder struct{}

func (jsonDecoder) Decode(raw any) (Payload, error) {
	var data []byte
	switch v := raw.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	case string:
		data = []byte(v)
	default:
		return nil, fmt.Errorf("%w: expected JSON bytes, got %T", ErrInvalidPayload, raw)
	}

	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidPayload)
	}

	return jsonPayload{root: gjson.ParseBytes(data)}, nil
}

type jsonPayload struct {
	root gjson.Result
}

func (p jsonPayload) Field(name string) (any, bool) {
	if name == "" {
		return jsonValue(p.root), true
	}

	r := p.root.Get(name)
	if !r.Exists() {
		return nil, false
	}

	return jsonValue(r), true
}

// jsonValue keeps numbers as json.Number so large integers and decimals are not
// rounded through float64.
func jsonValue(r gjson.Result) any {
	switch r.Type {
	case gjson.Null:
		return nil
	case gjson.False, gjson.True:
		return r.Bool()
	case gjson.Number:
		return json.Number(r.Raw)
	case gjson.String:
		return r.Str
	case gjson.JSON:
		return r.Value()
	default:
		return nil
	}
}

type mapDecoder struct{}

func (mapDecoder) Decode(raw any) (Payload, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected map[string]any, got %T", ErrInvalidPayload, raw)
	}

	return mapPayload(m), nil
}

type mapPayload map[string]any

func (p mapPayload) Field(name string) (any, bool) {
	if name == "" {
		return map[string]any(p), true
	}

	return lookup(map[string]any(p), name)
}

func lookup(cur any, path string) (any, bool) {
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case *Struct:
			v, ok := node.Get(part)
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}

	return cur, true
}

// FieldSchema declares one field of a Struct.
type FieldSchema struct {
	Name     string
	Type     string
	Optional bool
}

// Struct is a schema-defined record: only declared fields can be set or read.
type Struct struct {
	fields []FieldSchema
	values map[string]any
}

func NewStruct(fields ...FieldSchema) *Struct {
	return &Struct{fields: fields, values: make(map[string]any, len(fields))}
}

// Put sets a declared field. Setting an undeclared field or nil on a required field
// fails.
func (s *Struct) Put(name string, v any) error {
	f, ok := s.schemaOf(name)
	if !ok {
		return fmt.Errorf("%w: field %q is not declared", ErrInvalidPayload, name)
	}
	if v == nil && !f.Optional {
		return fmt.Errorf("%w: field %q is required", ErrInvalidPayload, name)
	}
	s.values[name] = v

	return nil
}

// MustPut is Put for literals in tests and fixtures.
func (s *Struct) MustPut(name string, v any) *Struct {
	if err := s.Put(name, v); err != nil {
		panic(err)
	}

	return s
}

func (s *Struct) Get(name string) (any, bool) {
	if _, ok := s.schemaOf(name); !ok {
		return nil, false
	}
	v, ok := s.values[name]

	return v, ok
}

func (s *Struct) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.values) //nolint:wrapcheck // plain map
}

func (s *Struct) Schema() []FieldSchema {
	return s.fields
}

func (s *Struct) schemaOf(name string) (FieldSchema, bool) {
	for _, f := range s.fields {
		if f.Name == name {
			return f, true
		}
	}

	return FieldSchema{}, false //nolint:exhaustruct // zero value
}

type structDecoder struct{}

func (structDecoder) Decode(raw any) (Payload, error) {
	s, ok := raw.(*Struct)
	if !ok {
		return nil, fmt.Errorf("%w: expected *record.Struct, got %T", ErrInvalidPayload, raw)
	}

	return structPayload{s: s}, nil
}

type structPayload struct {
	s *Struct
}

func (p structPayload) Field(name string) (any, bool) {
	if name == "" {
		return p.s, true
	}

	return lookup(p.s, name)
}

// rawDecoder exposes a primitive key or value as a whole; it has no fields.
type rawDecoder struct{}

func (rawDecoder) Decode(raw any) (Payload, error) {
	return rawPayload{v: raw}, nil
}

type rawPayload struct {
	v any
}

func (p rawPayload) Field(name string) (any, bool) {
	if name != "" {
		return nil, false
	}

	return p.v, true
}
