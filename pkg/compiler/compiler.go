// Package compiler provides public access to the request grammar pieces
// that tools outside a Compiler need: field filter resolution, policy
// validation, standalone filter compilation and the operator and function
// registries.
//
// This is a thin wrapper around the internal packages. For compiling whole
// requests, use the root tablegate package instead.
package compiler

import (
	"github.com/pthm/tablegate/internal/filter"
	"github.com/pthm/tablegate/internal/joingraph"
	"github.com/pthm/tablegate/internal/query"
	"github.com/pthm/tablegate/internal/rules"
	"github.com/pthm/tablegate/schema"
)

// Policy is the validated policy of one table.
type Policy = rules.Policy

// TableRule is the validated rule of one command on one table.
type TableRule = rules.TableRule

// FieldFilter is a parsed field filter.
type FieldFilter = rules.FieldFilter

// ParseFieldFilter parses one of the field filter shapes: "*", true, false,
// a comma-separated string, a list of names, or a map of name to boolean.
var ParseFieldFilter = rules.ParseFieldFilter

// AllowedFieldSet resolves a raw field filter against the ordered columns.
var AllowedFieldSet = rules.AllowedFieldSet

// FilterOperators lists every operator key the filter grammar accepts.
var FilterOperators = filter.Operators

// SelectFunctions lists the select functions and aggregations.
var SelectFunctions = query.FunctionNames

// ValidatePolicy validates the raw policy of table against the catalog.
func ValidatePolicy(c *schema.Catalog, table string, raw any) (*Policy, error) {
	t, err := c.Lookup(table)
	if err != nil {
		return nil, err
	}
	return rules.Validate(t, raw)
}

// CompileFilter compiles a trusted filter on table to a SQL condition, as
// a forced filter would compile. An empty filter compiles to "".
func CompileFilter(c *schema.Catalog, table string, raw map[string]any) (string, error) {
	res, err := filter.Compile(joingraph.Build(c), raw, filter.Options{Table: table, Trusted: true})
	if err != nil {
		return "", err
	}
	return res.SQL(), nil
}
