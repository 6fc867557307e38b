package filter

import (
	"strings"

	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/sqldsl"
	"github.com/pthm/tablegate/schema"
)

type operatorFunc func(c *compiler, lhs sqldsl.Expr, col *schema.Column, op string, v any) (sqldsl.Expr, error)

var operators = map[string]operatorFunc{
	"$eq":          compare,
	"$ne":          compare,
	"$gt":          compare,
	"$gte":         compare,
	"$lt":          compare,
	"$lte":         compare,
	"$in":          inList,
	"$nin":         inList,
	"$like":        pattern,
	"$ilike":       pattern,
	"$nlike":       pattern,
	"$nilike":      pattern,
	"$isNull":      isNull,
	"$isNotNull":   isNull,
	"$between":     between,
	"$notBetween":  between,
	"$contains":    arrayOp,
	"$containedBy": arrayOp,
	"$overlaps":    arrayOp,
	"$any":         anyElement,
}

// Symbolic spellings accepted in operator objects.
var operatorAliases = map[string]string{
	"=":  "$eq",
	"<>": "$ne",
	"!=": "$ne",
	">":  "$gt",
	">=": "$gte",
	"<":  "$lt",
	"<=": "$lte",
	"@>": "$contains",
	"<@": "$containedBy",
	"&&": "$overlaps",
}

// Operators returns every accepted operator key.
func Operators() []string {
	ops := sortedKeys(operators)
	return append(ops, sortedKeys(operatorAliases)...)
}

// operatorObject reports whether v is an operator object such as {"$gt": 1}.
// Objects without operator keys are jsonb values; mixing both is malformed.
func operatorObject(v any) (map[string]any, bool, error) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false, nil
	}
	ops := 0
	for k := range m {
		if isOperatorKey(k) {
			ops++
		}
	}
	switch ops {
	case 0:
		return nil, false, nil
	case len(m):
		return m, true, nil
	default:
		return nil, false, gateerr.Malformed("operator object mixes operators with plain keys")
	}
}

func isOperatorKey(k string) bool {
	if _, ok := operatorAliases[k]; ok {
		return true
	}
	return strings.HasPrefix(k, "$")
}

func (c *compiler) operator(lhs sqldsl.Expr, col *schema.Column, op string, v any) (sqldsl.Expr, error) {
	if alias, ok := operatorAliases[op]; ok {
		op = alias
	}
	fn, ok := operators[op]
	if !ok {
		return nil, gateerr.Malformed("unknown filter operator %q", op).
			WithTable(c.table.Name).
			WithSuggestion(op, Operators())
	}
	return fn(c, lhs, col, op, v)
}

func (c *compiler) value(v any, op string) (sqldsl.Expr, error) {
	e, err := sqldsl.Value(v)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.KindMalformedFilter, err, "invalid value for %s", op).
			WithTable(c.table.Name)
	}
	return e, nil
}

func compare(c *compiler, lhs sqldsl.Expr, col *schema.Column, op string, v any) (sqldsl.Expr, error) {
	if v == nil {
		switch op {
		case "$eq":
			return sqldsl.IsNull{Expr: lhs}, nil
		case "$ne":
			return sqldsl.IsNotNull{Expr: lhs}, nil
		}
		return nil, gateerr.Malformed("%s does not accept null", op).WithTable(c.table.Name)
	}
	rhs, err := c.value(v, op)
	if err != nil {
		return nil, err
	}
	if _, isArray := rhs.(sqldsl.Array); isArray {
		rhs = castTo(rhs, col)
	}
	switch op {
	case "$eq":
		return sqldsl.Eq{Left: lhs, Right: rhs}, nil
	case "$ne":
		return sqldsl.Ne{Left: lhs, Right: rhs}, nil
	case "$gt":
		return sqldsl.Gt{Left: lhs, Right: rhs}, nil
	case "$gte":
		return sqldsl.Gte{Left: lhs, Right: rhs}, nil
	case "$lt":
		return sqldsl.Lt{Left: lhs, Right: rhs}, nil
	default:
		return sqldsl.Lte{Left: lhs, Right: rhs}, nil
	}
}

// inList compiles $in / $nin. A null in the list matches NULL values.
func inList(c *compiler, lhs sqldsl.Expr, _ *schema.Column, op string, v any) (sqldsl.Expr, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, gateerr.Malformed("%s expects a list", op).WithTable(c.table.Name)
	}
	var (
		values  []sqldsl.Expr
		hasNull bool
	)
	for _, item := range list {
		if item == nil {
			hasNull = true
			continue
		}
		e, err := c.value(item, op)
		if err != nil {
			return nil, err
		}
		values = append(values, e)
	}
	if op == "$in" {
		in := sqldsl.Expr(sqldsl.In{Expr: lhs, Values: values})
		if !hasNull {
			return in, nil
		}
		if len(values) == 0 {
			return sqldsl.IsNull{Expr: lhs}, nil
		}
		return sqldsl.Or(in, sqldsl.IsNull{Expr: lhs}), nil
	}
	nin := sqldsl.Expr(sqldsl.NotIn{Expr: lhs, Values: values})
	if !hasNull {
		return nin, nil
	}
	if len(values) == 0 {
		return sqldsl.IsNotNull{Expr: lhs}, nil
	}
	return sqldsl.And(nin, sqldsl.IsNotNull{Expr: lhs}), nil
}

var patternOps = map[string]string{
	"$like":   "LIKE",
	"$ilike":  "ILIKE",
	"$nlike":  "NOT LIKE",
	"$nilike": "NOT ILIKE",
}

func pattern(c *compiler, lhs sqldsl.Expr, col *schema.Column, op string, v any) (sqldsl.Expr, error) {
	s, ok := v.(string)
	if !ok {
		return nil, gateerr.Malformed("%s expects a string", op).WithTable(c.table.Name)
	}
	if col != nil && !isText(col.Type) {
		lhs = sqldsl.Cast{Expr: lhs, Type: "text"}
	}
	return sqldsl.BinOp{Left: lhs, Op: patternOps[op], Right: sqldsl.Lit(s)}, nil
}

func isNull(c *compiler, lhs sqldsl.Expr, _ *schema.Column, op string, v any) (sqldsl.Expr, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, gateerr.Malformed("%s expects a boolean", op).WithTable(c.table.Name)
	}
	if b == (op == "$isNull") {
		return sqldsl.IsNull{Expr: lhs}, nil
	}
	return sqldsl.IsNotNull{Expr: lhs}, nil
}

func between(c *compiler, lhs sqldsl.Expr, _ *schema.Column, op string, v any) (sqldsl.Expr, error) {
	bounds, ok := v.([]any)
	if !ok || len(bounds) != 2 {
		return nil, gateerr.Malformed("%s expects [low, high]", op).WithTable(c.table.Name)
	}
	low, err := c.value(bounds[0], op)
	if err != nil {
		return nil, err
	}
	high, err := c.value(bounds[1], op)
	if err != nil {
		return nil, err
	}
	return sqldsl.Between{Expr: lhs, Low: low, High: high, Negated: op == "$notBetween"}, nil
}

var arrayOps = map[string]string{
	"$contains":    "@>",
	"$containedBy": "<@",
	"$overlaps":    "&&",
}

func arrayOp(c *compiler, lhs sqldsl.Expr, col *schema.Column, op string, v any) (sqldsl.Expr, error) {
	switch v.(type) {
	case []any, []string, map[string]any:
	default:
		return nil, gateerr.Malformed("%s expects an array or object", op).WithTable(c.table.Name)
	}
	rhs, err := c.value(v, op)
	if err != nil {
		return nil, err
	}
	if _, isArray := rhs.(sqldsl.Array); isArray {
		rhs = castTo(rhs, col)
	}
	return sqldsl.BinOp{Left: lhs, Op: arrayOps[op], Right: rhs}, nil
}

// anyElement matches rows whose array column contains the value.
func anyElement(c *compiler, lhs sqldsl.Expr, _ *schema.Column, op string, v any) (sqldsl.Expr, error) {
	if v == nil {
		return nil, gateerr.Malformed("%s does not accept null", op).WithTable(c.table.Name)
	}
	rhs, err := c.value(v, op)
	if err != nil {
		return nil, err
	}
	return sqldsl.Eq{Left: rhs, Right: sqldsl.Func{Name: "ANY", Args: []sqldsl.Expr{lhs}}}, nil
}

// castTo casts an array literal to the column type so element types line up.
func castTo(e sqldsl.Expr, col *schema.Column) sqldsl.Expr {
	if col == nil || !strings.HasSuffix(col.Type, "[]") {
		return e
	}
	return sqldsl.Cast{Expr: e, Type: col.Type}
}

func isText(typ string) bool {
	switch strings.ToLower(typ) {
	case "", "text", "varchar", "character varying", "char", "character", "citext", "name":
		return true
	}
	return false
}
