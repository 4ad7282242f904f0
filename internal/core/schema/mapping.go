package schema

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMappingSyntax = errors.New("malformed mapping")

// Source tells which part of an event a field is read from.
type Source int

const (
	SourceKey Source = iota
	SourceValue
)

func (s Source) String() string {
	if s == SourceKey {
		return "key"
	}

	return "value"
}

// FieldPath addresses a field of an event. An empty Name addresses the whole key or
// value; nested fields are separated by dots.
type FieldPath struct {
	Source Source
	Name   string
}

func ParseFieldPath(s string) (FieldPath, error) {
	s = strings.TrimSpace(s)
	head, rest, nested := strings.Cut(s, ".")

	var src Source
	switch head {
	case "key":
		src = SourceKey
	case "value":
		src = SourceValue
	default:
		return FieldPath{}, fmt.Errorf("%w: field %q must start with 'key' or 'value'", ErrMappingSyntax, s) //nolint:exhaustruct // zero value
	}

	if nested && rest == "" {
		return FieldPath{}, fmt.Errorf("%w: field %q has an empty name", ErrMappingSyntax, s) //nolint:exhaustruct // zero value
	}

	return FieldPath{Source: src, Name: rest}, nil
}

func (p FieldPath) String() string {
	if p.Name == "" {
		return p.Source.String()
	}

	return p.Source.String() + "." + p.Name
}

type MappingEntry struct {
	Column Identifier
	Field  FieldPath
}

// ColumnMapping maps destination columns to event fields. Entry order is the order the
// mapping was written in and drives statement generation.
type ColumnMapping struct {
	Entries []MappingEntry

	raw string
}

// ParseMapping parses "col1=key.f1, \"Col 2\"=value.f2". Column names follow CQL
// identifier rules.
func ParseMapping(s string) (ColumnMapping, error) {
	m := ColumnMapping{raw: s} //nolint:exhaustruct // entries appended below

	parts, err := splitOutsideQuotes(s, ',')
	if err != nil {
		return ColumnMapping{}, err //nolint:exhaustruct // zero value
	}

	seen := make(map[Identifier]struct{}, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}

		kv, err := splitOutsideQuotes(part, '=')
		if err != nil {
			return ColumnMapping{}, err //nolint:exhaustruct // zero value
		}
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
			return ColumnMapping{}, fmt.Errorf("%w: expected column=field, got %q", ErrMappingSyntax, strings.TrimSpace(part)) //nolint:exhaustruct // zero value
		}

		col := ParseIdentifier(kv[0])
		if _, dup := seen[col]; dup {
			return ColumnMapping{}, fmt.Errorf("%w: column %s is mapped more than once", ErrMappingSyntax, col.CQL()) //nolint:exhaustruct // zero value
		}
		seen[col] = struct{}{}

		field, err := ParseFieldPath(kv[1])
		if err != nil {
			return ColumnMapping{}, err //nolint:exhaustruct // zero value
		}

		m.Entries = append(m.Entries, MappingEntry{Column: col, Field: field})
	}

	if len(m.Entries) == 0 {
		return ColumnMapping{}, fmt.Errorf("%w: mapping is empty", ErrMappingSyntax) //nolint:exhaustruct // zero value
	}

	return m, nil
}

// NewColumnMapping builds a mapping from already parsed entries.
func NewColumnMapping(entries ...MappingEntry) ColumnMapping {
	return ColumnMapping{Entries: entries} //nolint:exhaustruct // raw is derived
}

func (m ColumnMapping) Field(col Identifier) (FieldPath, bool) {
	for _, e := range m.Entries {
		if e.Column == col {
			return e.Field, true
		}
	}

	return FieldPath{}, false //nolint:exhaustruct // zero value
}

func (m ColumnMapping) Columns() []Identifier {
	cols := make([]Identifier, len(m.Entries))
	for i, e := range m.Entries {
		cols[i] = e.Column
	}

	return cols
}

// String returns the mapping as configured, or a canonical rendering when it was
// built from entries.
func (m ColumnMapping) String() string {
	if m.raw != "" {
		return m.raw
	}

	parts := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		parts[i] = e.Column.CQL() + "=" + e.Field.String()
	}

	return strings.Join(parts, ", ")
}

func splitOutsideQuotes(s string, sep byte) ([]string, error) {
	var (
		parts    []string
		start    int
		inQuotes bool
	)

	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			inQuotes = !inQuotes
		case s[i] == sep && !inQuotes:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("%w: unterminated quote in %q", ErrMappingSyntax, s)
	}

	return append(parts, s[start:]), nil
}
