package filter

import (
	"strings"

	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/sqldsl"
)

type functionFilter func(c *compiler, args any) (sqldsl.Expr, error)

var functions = map[string]functionFilter{
	"$term_highlight": termHighlight,
	"$ST_DWithin":     stDWithin,
	"$jsonb_has_key":  jsonbHasKey,
}

// Computed is a derived per-row value that can be selected and filtered
// like a column. Render receives the row alias and the columns the caller
// may read; the value never depends on other columns.
type Computed struct {
	Name   string
	Render func(alias string, columns []string) sqldsl.Expr
}

var computed = map[string]Computed{
	"$rowhash": {
		Name: "$rowhash",
		Render: func(alias string, columns []string) sqldsl.Expr {
			vals := make([]sqldsl.Expr, len(columns))
			for i, col := range columns {
				vals[i] = sqldsl.Col{Table: alias, Column: col}
			}
			return sqldsl.Func{Name: "md5", Args: []sqldsl.Expr{
				sqldsl.Cast{Expr: sqldsl.JSONObject(columns, vals), Type: "text"},
			}}
		},
	},
}

// ComputedField looks up a computed field by name.
func ComputedField(name string) (Computed, bool) {
	f, ok := computed[name]
	return f, ok
}

// IsFunction reports whether key names a function filter.
func IsFunction(key string) bool {
	_, ok := functions[key]
	return ok
}

func argList(c *compiler, name string, args any, min, max int) ([]any, error) {
	list, ok := args.([]any)
	if !ok || len(list) < min || len(list) > max {
		return nil, gateerr.Malformed("%s expects between %d and %d arguments", name, min, max).
			WithTable(c.table.Name)
	}
	return list, nil
}

func (c *compiler) columnArg(name string, v any) (sqldsl.Expr, error) {
	col, ok := v.(string)
	if !ok {
		return nil, gateerr.Malformed("%s expects a column name, got %T", name, v).WithTable(c.table.Name)
	}
	lhs, _, err := c.field(col)
	return lhs, err
}

// termHighlight matches rows where any of the listed text columns contains
// the term, case-insensitively:
//
//	{"$term_highlight": [["title", "body"], "term"]}
//	{"$term_highlight": ["*", "term"]}
func termHighlight(c *compiler, args any) (sqldsl.Expr, error) {
	const name = "$term_highlight"
	list, err := argList(c, name, args, 2, 3)
	if err != nil {
		return nil, err
	}
	term, ok := list[1].(string)
	if !ok || term == "" {
		return nil, gateerr.Malformed("%s expects a non-empty search term", name).WithTable(c.table.Name)
	}

	var cols []string
	switch f := list[0].(type) {
	case string:
		if f != "*" {
			cols = []string{f}
		} else if c.opts.Trusted {
			cols = c.table.ColumnNames()
		} else {
			cols = c.opts.Fields
		}
	case []any:
		for _, v := range f {
			s, ok := v.(string)
			if !ok {
				return nil, gateerr.Malformed("%s expects column names", name).WithTable(c.table.Name)
			}
			cols = append(cols, s)
		}
	default:
		return nil, gateerr.Malformed("%s expects a column list or \"*\"", name).WithTable(c.table.Name)
	}
	if len(cols) == 0 {
		return nil, gateerr.RuleViolation("%s has no searchable columns", name).WithTable(c.table.Name)
	}

	like := sqldsl.Lit("%" + escapeLike(term) + "%")
	var ors []sqldsl.Expr
	for _, col := range cols {
		lhs, err := c.columnArg(name, col)
		if err != nil {
			return nil, err
		}
		ors = append(ors, sqldsl.BinOp{Left: sqldsl.Cast{Expr: lhs, Type: "text"}, Op: "ILIKE", Right: like})
	}
	if len(ors) == 1 {
		return ors[0], nil
	}
	return sqldsl.Or(ors...), nil
}

// stDWithin matches rows whose geometry column lies within a distance in
// meters of a point:
//
//	{"$ST_DWithin": ["location", {"lat": 51.5, "lng": -0.1, "distance": 500}]}
func stDWithin(c *compiler, args any) (sqldsl.Expr, error) {
	const name = "$ST_DWithin"
	list, err := argList(c, name, args, 2, 2)
	if err != nil {
		return nil, err
	}
	lhs, err := c.columnArg(name, list[0])
	if err != nil {
		return nil, err
	}
	point, ok := list[1].(map[string]any)
	if !ok {
		return nil, gateerr.Malformed("%s expects {lat, lng, distance}", name).WithTable(c.table.Name)
	}
	nums := make(map[string]sqldsl.Expr, 3)
	for _, k := range []string{"lat", "lng", "distance"} {
		v, ok := point[k]
		if !ok {
			return nil, gateerr.Malformed("%s is missing %q", name, k).WithTable(c.table.Name)
		}
		e, err := c.value(v, name)
		if err != nil {
			return nil, err
		}
		switch e.(type) {
		case sqldsl.Int, sqldsl.Num, sqldsl.Raw:
		default:
			return nil, gateerr.Malformed("%s expects %q to be a number", name, k).WithTable(c.table.Name)
		}
		nums[k] = e
	}
	geo := func(e sqldsl.Expr) sqldsl.Expr { return sqldsl.Cast{Expr: e, Type: "geography"} }
	pt := sqldsl.Func{Name: "ST_SetSRID", Args: []sqldsl.Expr{
		sqldsl.Func{Name: "ST_MakePoint", Args: []sqldsl.Expr{nums["lng"], nums["lat"]}},
		sqldsl.Int(4326),
	}}
	return sqldsl.Func{Name: "ST_DWithin", Args: []sqldsl.Expr{geo(lhs), geo(pt), nums["distance"]}}, nil
}

// jsonbHasKey matches rows whose jsonb column has a top-level key:
//
//	{"$jsonb_has_key": ["meta", "color"]}
func jsonbHasKey(c *compiler, args any) (sqldsl.Expr, error) {
	const name = "$jsonb_has_key"
	list, err := argList(c, name, args, 2, 2)
	if err != nil {
		return nil, err
	}
	lhs, err := c.columnArg(name, list[0])
	if err != nil {
		return nil, err
	}
	key, ok := list[1].(string)
	if !ok {
		return nil, gateerr.Malformed("%s expects a string key", name).WithTable(c.table.Name)
	}
	return sqldsl.Func{Name: "jsonb_exists", Args: []sqldsl.Expr{lhs, sqldsl.Lit(key)}}, nil
}

// escapeLike escapes LIKE wildcards using the default backslash escape.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
