package sqldsl

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// Expr is the interface that all SQL expression types implement.
type Expr interface {
	SQL() string
}

// SQLer is an interface for types that can render SQL, statements included.
type SQLer interface {
	SQL() string
}

// Ident quotes an identifier.
func Ident(name string) string {
	return pq.QuoteIdentifier(name)
}

// Idents quotes and comma-joins identifiers.
func Idents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = Ident(n)
	}
	return strings.Join(quoted, ", ")
}

// Col represents a column reference (e.g., "t"."id").
type Col struct {
	Table  string
	Column string
}

// SQL renders the column reference.
func (c Col) SQL() string {
	if c.Table == "" {
		return Ident(c.Column)
	}
	return Ident(c.Table) + "." + Ident(c.Column)
}

// Lit represents a literal string value (auto-quoted with single quotes).
type Lit string

// SQL renders the literal with single quotes.
func (l Lit) SQL() string {
	// Escape single quotes by doubling them
	escaped := strings.ReplaceAll(string(l), "'", "''")
	return "'" + escaped + "'"
}

// Raw is an escape hatch for SQL fragments that are built from trusted input only.
type Raw string

// SQL renders the raw SQL as-is.
func (r Raw) SQL() string {
	return string(r)
}

// Int represents an integer literal.
type Int int64

// SQL renders the integer.
func (i Int) SQL() string {
	return strconv.FormatInt(int64(i), 10)
}

// Num represents a numeric literal.
type Num float64

// SQL renders the number in its shortest exact form.
func (n Num) SQL() string {
	f := float64(n)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "'" + strconv.FormatFloat(f, 'g', -1, 64) + "'::float8"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Bool represents a boolean literal.
type Bool bool

// SQL renders the boolean.
func (b Bool) SQL() string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// Null represents SQL NULL.
type Null struct{}

// SQL renders NULL.
func (Null) SQL() string {
	return "NULL"
}

// Default represents the DEFAULT keyword in an INSERT row.
type Default struct{}

// SQL renders DEFAULT.
func (Default) SQL() string {
	return "DEFAULT"
}

// Param is a positional statement parameter ($1, $2, ...).
type Param int

// SQL renders the placeholder.
func (p Param) SQL() string {
	return "$" + strconv.Itoa(int(p))
}

// Array represents an ARRAY[...] constructor.
type Array []Expr

// SQL renders the array.
func (a Array) SQL() string {
	return "ARRAY[" + joinSQL(a, ", ") + "]"
}

// Cast represents expr::type.
type Cast struct {
	Expr Expr
	Type string
}

// SQL renders the cast.
func (c Cast) SQL() string {
	return c.Expr.SQL() + "::" + c.Type
}

// Func represents a SQL function call.
type Func struct {
	Name string
	Args []Expr
}

// SQL renders the function call.
func (f Func) SQL() string {
	return f.Name + "(" + joinSQL(f.Args, ", ") + ")"
}

// Alias wraps an expression with an alias (expr AS "alias").
type Alias struct {
	Expr Expr
	Name string
}

// SQL renders the aliased expression.
func (a Alias) SQL() string {
	return a.Expr.SQL() + " AS " + Ident(a.Name)
}

// SelectAs creates an aliased column expression.
func SelectAs(expr Expr, alias string) Alias {
	return Alias{Expr: expr, Name: alias}
}

// Paren wraps an expression in parentheses.
type Paren struct {
	Expr Expr
}

// SQL renders the parenthesized expression.
func (p Paren) SQL() string {
	return "(" + p.Expr.SQL() + ")"
}

// Concat represents SQL string concatenation (||).
type Concat struct {
	Parts []Expr
}

// SQL renders the concatenation.
func (c Concat) SQL() string {
	if len(c.Parts) == 0 {
		return "''"
	}
	return joinSQL(c.Parts, " || ")
}

// jsonObjectMaxKeys is the largest key count one json_build_object call
// takes (100 arguments).
const jsonObjectMaxKeys = 50

// JSONObject renders json_build_object(k1, v1, ...). Objects with more keys
// than one call accepts are built as concatenated jsonb chunks.
func JSONObject(keys []string, vals []Expr) Expr {
	build := func(name string, ks []string, vs []Expr) Expr {
		args := make([]Expr, 0, 2*len(ks))
		for i, k := range ks {
			args = append(args, Lit(k), vs[i])
		}
		return Func{Name: name, Args: args}
	}
	if len(keys) <= jsonObjectMaxKeys {
		return build("json_build_object", keys, vals)
	}
	var parts []Expr
	for start := 0; start < len(keys); start += jsonObjectMaxKeys {
		end := min(start+jsonObjectMaxKeys, len(keys))
		parts = append(parts, build("jsonb_build_object", keys[start:end], vals[start:end]))
	}
	return Concat{Parts: parts}
}

// Value renders a decoded JSON value as an escaped literal.
//
//	nil            -> NULL
//	bool           -> TRUE / FALSE
//	number         -> 42, 1.5
//	string         -> 'text'
//	[]any          -> ARRAY[...]
//	map[string]any -> '{"k":1}'::jsonb
func Value(v any) (Expr, error) {
	switch x := v.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(x), nil
	case string:
		return Lit(x), nil
	case int:
		return Int(x), nil
	case int32:
		return Int(x), nil
	case int64:
		return Int(x), nil
	case float32:
		return Num(x), nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return Int(int64(x)), nil
		}
		return Num(x), nil
	case json.Number:
		if !jsonNumber.MatchString(string(x)) {
			return nil, fmt.Errorf("invalid number %q", x)
		}
		return Raw(x.String()), nil
	case []any:
		elems := make(Array, len(x))
		for i, e := range x {
			ev, err := Value(e)
			if err != nil {
				return nil, err
			}
			elems[i] = ev
		}
		return elems, nil
	case []string:
		elems := make(Array, len(x))
		for i, e := range x {
			elems[i] = Lit(e)
		}
		return elems, nil
	case map[string]any:
		b, err := json.Marshal(x) // keys come out sorted
		if err != nil {
			return nil, err
		}
		return Cast{Expr: Lit(string(b)), Type: "jsonb"}, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T", v)
	}
}

var jsonNumber = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// joinSQL renders expressions joined by sep.
func joinSQL(exprs []Expr, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.SQL()
	}
	return strings.Join(parts, sep)
}
