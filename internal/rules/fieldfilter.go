package rules

import (
	"slices"
	"strings"

	"github.com/pthm/tablegate/internal/gateerr"
)

// FilterKind is the shape a field filter was written in.
type FilterKind int

const (
	// AllowNone permits no fields.
	AllowNone FilterKind = iota
	// AllowAll permits every field ("*" or true).
	AllowAll
	// AllowList permits exactly the listed fields.
	AllowList
	// DenyList permits every field except the listed ones.
	DenyList
)

// FieldFilter is a parsed field filter. It is resolved against a column list
// with Resolve.
type FieldFilter struct {
	Kind  FilterKind
	Names []string
}

// ParseFieldFilter parses the four accepted shapes:
//
//	"*" or true            every field
//	false                  no field
//	["a", "b"] or "a, b"   exactly a and b
//	{"a": true, "b": 1}    exactly a and b
//	{"a": false}           everything except a
//
// A map mixing true and false values is rejected.
func ParseFieldFilter(raw any) (FieldFilter, error) {
	switch v := raw.(type) {
	case bool:
		if v {
			return FieldFilter{Kind: AllowAll}, nil
		}
		return FieldFilter{Kind: AllowNone}, nil
	case string:
		v = strings.TrimSpace(v)
		if v == "*" {
			return FieldFilter{Kind: AllowAll}, nil
		}
		if v == "" {
			return FieldFilter{Kind: AllowList}, nil
		}
		var names []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				names = append(names, part)
			}
		}
		return FieldFilter{Kind: AllowList, Names: names}, nil
	case []string:
		return FieldFilter{Kind: AllowList, Names: slices.Clone(v)}, nil
	case []any:
		names := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return FieldFilter{}, gateerr.Malformed("field list entries must be strings, got %v", item)
			}
			names = append(names, s)
		}
		return FieldFilter{Kind: AllowList, Names: names}, nil
	case map[string]any:
		var include, exclude []string
		for name, flag := range v {
			on, err := truthy(flag)
			if err != nil {
				return FieldFilter{}, gateerr.Malformed("field %q: %v", name, err)
			}
			if on {
				include = append(include, name)
			} else {
				exclude = append(exclude, name)
			}
		}
		if len(include) > 0 && len(exclude) > 0 {
			return FieldFilter{}, gateerr.Malformed("field filter cannot mix included and excluded fields")
		}
		if len(exclude) > 0 {
			slices.Sort(exclude)
			return FieldFilter{Kind: DenyList, Names: exclude}, nil
		}
		slices.Sort(include)
		return FieldFilter{Kind: AllowList, Names: include}, nil
	default:
		return FieldFilter{}, gateerr.Malformed("invalid field filter %v", raw)
	}
}

// truthy accepts true/false and 1/0.
func truthy(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		if x == 1 || x == 0 {
			return x == 1, nil
		}
	case int:
		if x == 1 || x == 0 {
			return x == 1, nil
		}
	}
	return false, gateerr.Malformed("expected true, false, 1 or 0, got %v", v)
}

// Resolve returns the permitted subset of columns, in column order. Names the
// filter mentions must all be columns.
func (f FieldFilter) Resolve(columns []string) ([]string, error) {
	for _, n := range f.Names {
		if !slices.Contains(columns, n) {
			return nil, gateerr.SchemaMetadata("unknown field %q", n).
				WithField(n).
				WithSuggestion(n, columns)
		}
	}
	switch f.Kind {
	case AllowAll:
		return slices.Clone(columns), nil
	case AllowList:
		out := make([]string, 0, len(f.Names))
		for _, c := range columns {
			if slices.Contains(f.Names, c) {
				out = append(out, c)
			}
		}
		return out, nil
	case DenyList:
		out := make([]string, 0, len(columns))
		for _, c := range columns {
			if !slices.Contains(f.Names, c) {
				out = append(out, c)
			}
		}
		return out, nil
	default:
		return []string{}, nil
	}
}

// AllowedFieldSet parses raw and resolves it against columns in one step.
func AllowedFieldSet(raw any, columns []string) ([]string, error) {
	f, err := ParseFieldFilter(raw)
	if err != nil {
		return nil, err
	}
	return f.Resolve(columns)
}
