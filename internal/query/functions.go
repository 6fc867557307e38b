package query

import (
	"strings"

	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/sqldsl"
)

type argKind int

const (
	argColumn argKind = iota
	argText
	argInt
	argColumnOrText
)

// function is a select function or aggregation. Args lists the argument
// kinds; when Variadic is set the last kind repeats.
type function struct {
	Args      []argKind
	Variadic  bool
	Aggregate bool
	Render    func(args []sqldsl.Expr) sqldsl.Expr
}

func call(name string) func([]sqldsl.Expr) sqldsl.Expr {
	return func(args []sqldsl.Expr) sqldsl.Expr { return sqldsl.Func{Name: name, Args: args} }
}

func agg(name string, distinct bool) func([]sqldsl.Expr) sqldsl.Expr {
	return func(args []sqldsl.Expr) sqldsl.Expr { return sqldsl.Agg{Name: name, Args: args, Distinct: distinct} }
}

func text(e sqldsl.Expr) sqldsl.Expr { return sqldsl.Cast{Expr: e, Type: "text"} }

var functions = map[string]function{
	"$upper":  {Args: []argKind{argColumn}, Render: call("upper")},
	"$lower":  {Args: []argKind{argColumn}, Render: call("lower")},
	"$length": {Args: []argKind{argColumn}, Render: func(a []sqldsl.Expr) sqldsl.Expr {
		return sqldsl.Func{Name: "length", Args: []sqldsl.Expr{text(a[0])}}
	}},
	"$md5": {Args: []argKind{argColumn}, Render: func(a []sqldsl.Expr) sqldsl.Expr {
		return sqldsl.Func{Name: "md5", Args: []sqldsl.Expr{text(a[0])}}
	}},
	"$date_trunc": {Args: []argKind{argText, argColumn}, Render: call("date_trunc")},
	"$to_char":    {Args: []argKind{argColumn, argText}, Render: call("to_char")},
	"$ST_AsGeoJSON": {Args: []argKind{argColumn}, Render: func(a []sqldsl.Expr) sqldsl.Expr {
		return sqldsl.Cast{Expr: sqldsl.Func{Name: "ST_AsGeoJSON", Args: a}, Type: "json"}
	}},
	"$concat": {Args: []argKind{argColumnOrText}, Variadic: true, Render: call("concat")},
	"$age":    {Args: []argKind{argColumn}, Render: call("age")},
	"$left":   {Args: []argKind{argColumn, argInt}, Render: call("left")},

	"$count":         {Args: []argKind{argColumn}, Aggregate: true, Render: agg("count", false)},
	"$countAll":      {Aggregate: true, Render: agg("count", false)},
	"$countDistinct": {Args: []argKind{argColumn}, Aggregate: true, Render: agg("count", true)},
	"$sum":           {Args: []argKind{argColumn}, Aggregate: true, Render: agg("sum", false)},
	"$avg":           {Args: []argKind{argColumn}, Aggregate: true, Render: agg("avg", false)},
	"$min":           {Args: []argKind{argColumn}, Aggregate: true, Render: agg("min", false)},
	"$max":           {Args: []argKind{argColumn}, Aggregate: true, Render: agg("max", false)},
	"$array_agg":     {Args: []argKind{argColumn}, Aggregate: true, Render: agg("array_agg", false)},
	"$string_agg": {Args: []argKind{argColumn, argText}, Aggregate: true, Render: func(a []sqldsl.Expr) sqldsl.Expr {
		return sqldsl.Agg{Name: "string_agg", Args: []sqldsl.Expr{text(a[0]), a[1]}}
	}},
}

// FunctionNames lists the select functions and aggregations.
func FunctionNames() []string {
	names := make([]string, 0, len(functions))
	for k := range functions {
		names = append(names, k)
	}
	return sortStrings(names)
}

// callFunction parses {"$fn": args} into an expression. resolve turns a
// column name into an expression, or fails if it may not be selected.
func callFunction(name string, raw any, resolve func(string) (sqldsl.Expr, error), columnExists func(string) bool) (sqldsl.Expr, bool, error) {
	fn, ok := functions[name]
	if !ok {
		return nil, false, gateerr.Malformed("unknown select function %q", name).
			WithSuggestion(name, FunctionNames())
	}

	var args []any
	switch v := raw.(type) {
	case []any:
		args = v
	case string:
		args = []any{v}
	case bool, nil:
		// {"$countAll": true}
	default:
		return nil, false, gateerr.Malformed("%s expects a list of arguments", name)
	}

	want := len(fn.Args)
	if (!fn.Variadic && len(args) != want) || (fn.Variadic && len(args) < want) {
		return nil, false, gateerr.Malformed("%s expects %d argument(s), got %d", name, want, len(args))
	}

	exprs := make([]sqldsl.Expr, len(args))
	for i, a := range args {
		kind := fn.Args[min(i, want-1)]
		e, err := functionArg(name, kind, a, resolve, columnExists)
		if err != nil {
			return nil, false, err
		}
		exprs[i] = e
	}
	return fn.Render(exprs), fn.Aggregate, nil
}

func functionArg(name string, kind argKind, a any, resolve func(string) (sqldsl.Expr, error), columnExists func(string) bool) (sqldsl.Expr, error) {
	switch kind {
	case argColumn:
		col, ok := a.(string)
		if !ok {
			return nil, gateerr.Malformed("%s expects a column name, got %v", name, a)
		}
		return resolve(col)
	case argText:
		s, ok := a.(string)
		if !ok {
			return nil, gateerr.Malformed("%s expects a string, got %v", name, a)
		}
		return sqldsl.Lit(s), nil
	case argInt:
		n, ok := asInt(a)
		if !ok {
			return nil, gateerr.Malformed("%s expects an integer, got %v", name, a)
		}
		return sqldsl.Int(n), nil
	default:
		s, ok := a.(string)
		if !ok {
			return nil, gateerr.Malformed("%s expects column names or strings, got %v", name, a)
		}
		if columnExists(s) {
			return resolve(s)
		}
		return sqldsl.Lit(s), nil
	}
}

func isFunctionKey(k string) bool {
	return strings.HasPrefix(k, "$")
}
