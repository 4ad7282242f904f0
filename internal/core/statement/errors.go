package statement

import (
	"errors"
	"fmt"

	"github.com/Oxygenesis/yb-kafka-sink/internal/core/schema"
)

var ErrInvalidMapping = errors.New("invalid mapping")

// UnknownColumnError reports mapped columns that are not part of the table.
type UnknownColumnError struct {
	Table   schema.Identifier
	Columns []schema.Identifier
}

func (e *UnknownColumnError) Error() string {
	return fmt.Sprintf("the following columns do not exist in table %s: %s",
		e.Table, schema.JoinCQL(e.Columns, ", "))
}

func (e *UnknownColumnError) Unwrap() error {
	return ErrInvalidMapping
}

// UnmappedPrimaryKeyError reports primary key columns missing from the mapping.
type UnmappedPrimaryKeyError struct {
	Columns []schema.Identifier
}

func (e *UnmappedPrimaryKeyError) Error() string {
	return "the following columns are part of the primary key but are not mapped: " +
		schema.JoinCQL(e.Columns, ", ")
}

func (e *UnmappedPrimaryKeyError) Unwrap() error {
	return ErrInvalidMapping
}
