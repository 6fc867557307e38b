package schema

import (
	"errors"

	"github.com/pthm/tablegate/internal/gateerr"
)

// ErrInvalidSchema is returned when a schema file cannot be parsed.
var ErrInvalidSchema = errors.New("tablegate/schema: invalid schema")

// IsInvalidSchemaErr returns true if err is or wraps ErrInvalidSchema.
func IsInvalidSchemaErr(err error) bool {
	return errors.Is(err, ErrInvalidSchema)
}

// unknownTable builds the rejection for a table the catalog does not hold.
func unknownTable(name string, known []string) error {
	return gateerr.SchemaMetadata("table %q not found", name).
		WithTable(name).
		WithSuggestion(name, known)
}

// UnknownColumn builds the rejection for a column the table does not have.
func UnknownColumn(t *Table, column string) *gateerr.Error {
	return gateerr.SchemaMetadata("column %q not found in table %q", column, t.Name).
		WithTable(t.Name).
		WithField(column).
		WithSuggestion(column, t.ColumnNames())
}
