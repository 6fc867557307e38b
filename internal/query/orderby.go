package query

import (
	"slices"
	"strings"

	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/sqldsl"
	"github.com/pthm/tablegate/schema"
)

type orderKey struct {
	key       string
	desc      bool
	nulls     string
	nullEmpty bool
}

// parseOrderBy parses:
//
//	"col" | "-col" | "a, -b"
//	["a", "-b"]
//	{"a": 1, "b": -1}                 (keys applied in sorted order)
//	[{"key": "a", "asc": false, "nulls": "last", "nullEmpty": true}]
func parseOrderBy(raw any) ([]orderKey, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		var out []orderKey
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, orderString(part))
			}
		}
		return out, nil
	case []any:
		var out []orderKey
		for _, e := range v {
			switch x := e.(type) {
			case string:
				out = append(out, orderString(x))
			case map[string]any:
				k, err := orderObject(x)
				if err != nil {
					return nil, err
				}
				out = append(out, k)
			default:
				return nil, gateerr.Malformed("invalid orderBy entry %v", e)
			}
		}
		return out, nil
	case map[string]any:
		var out []orderKey
		for _, k := range sortStrings(keys(v)) {
			asc, err := direction(v[k])
			if err != nil {
				return nil, err
			}
			out = append(out, orderKey{key: k, desc: !asc})
		}
		return out, nil
	default:
		return nil, gateerr.Malformed("invalid orderBy %v", raw)
	}
}

func orderString(s string) orderKey {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		return orderKey{key: rest, desc: true}
	}
	return orderKey{key: s}
}

var orderKeys = []string{"key", "asc", "nulls", "nullEmpty"}

func orderObject(m map[string]any) (orderKey, error) {
	for k := range m {
		if !slices.Contains(orderKeys, k) {
			return orderKey{}, gateerr.Malformed("unknown orderBy option %q", k).WithSuggestion(k, orderKeys)
		}
	}
	key, ok := m["key"].(string)
	if !ok || key == "" {
		return orderKey{}, gateerr.Malformed("orderBy entries require a key")
	}
	out := orderKey{key: key}
	if raw, ok := m["asc"]; ok && raw != nil {
		asc, err := direction(raw)
		if err != nil {
			return orderKey{}, err
		}
		out.desc = !asc
	}
	if raw, ok := m["nulls"]; ok && raw != nil {
		s, _ := raw.(string)
		switch strings.ToLower(s) {
		case "first":
			out.nulls = "FIRST"
		case "last":
			out.nulls = "LAST"
		default:
			return orderKey{}, gateerr.Malformed(`nulls must be "first" or "last", got %v`, raw)
		}
	}
	if raw, ok := m["nullEmpty"]; ok && raw != nil {
		b, ok := raw.(bool)
		if !ok {
			return orderKey{}, gateerr.Malformed("nullEmpty must be a boolean")
		}
		out.nullEmpty = b
	}
	return out, nil
}

// direction reads 1/-1/true/false; true and 1 are ascending.
func direction(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		if x == 1 || x == -1 {
			return x == 1, nil
		}
	case int:
		if x == 1 || x == -1 {
			return x == 1, nil
		}
	}
	return false, gateerr.Malformed("order direction must be 1, -1, true or false, got %v", v)
}

// orderItems resolves order keys against the orderable columns of s and its
// select aliases.
func orderItems(s *selection, raw any) ([]sqldsl.OrderItem, error) {
	parsed, err := parseOrderBy(raw)
	if err != nil {
		if ge, ok := err.(*gateerr.Error); ok {
			ge.WithTable(s.table.Name)
		}
		return nil, err
	}
	out := make([]sqldsl.OrderItem, 0, len(parsed))
	for _, k := range parsed {
		var (
			e   sqldsl.Expr
			col *schema.Column
		)
		switch {
		case slices.Contains(s.rule.OrderByFields, k.key):
			col, _ = s.table.Column(k.key)
			e = sqldsl.Col{Table: s.alias, Column: k.key}
		default:
			if it, ok := s.find(k.key); ok && it.column == "" {
				e = it.expr
				break
			}
			if s.table.HasColumn(k.key) {
				return nil, gateerr.RuleViolation("field %q is not allowed in orderBy", k.key).
					WithTable(s.table.Name).
					WithField(k.key).
					WithAllowed(s.rule.OrderByFields)
			}
			return nil, schema.UnknownColumn(s.table, k.key)
		}
		if k.nullEmpty && (col == nil || isText(col.Type)) {
			e = sqldsl.Func{Name: "nullif", Args: []sqldsl.Expr{e, sqldsl.Lit("")}}
		}
		out = append(out, sqldsl.OrderItem{Expr: e, Desc: k.desc, Nulls: k.nulls})
	}
	return out, nil
}

func isText(typ string) bool {
	switch strings.ToLower(typ) {
	case "", "text", "varchar", "character varying", "char", "character", "citext", "name":
		return true
	}
	return false
}
