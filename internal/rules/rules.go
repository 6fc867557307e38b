// Package rules validates table access policies.
//
// A policy is the raw, JSON-shaped rule object attached to a table. Validate
// turns it into a Policy holding one TableRule per allowed command, with
// defaults applied, every field name checked against the catalog and the
// connecting role's column privileges, and table-kind restrictions enforced.
// A Policy is built once per request and never mutated afterwards.
//
// Policy grammar:
//
//	true | "*"                         every command, default rules
//	false | null                       nothing
//	{"select": <rule>, "insert": ...}  per command
//
// where <rule> is true, "*", false, or an object with the keys listed in
// commandKeys.
package rules

import (
	"fmt"
	"maps"
	"slices"

	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/schema"
)

// NestedInsertRule names a table (and optionally the referencing column) that
// may be inserted as part of a nested insert.
type NestedInsertRule struct {
	Table  string
	Column string
}

// DynamicFieldsRule grants Fields when every row targeted by an update also
// matches Filter.
type DynamicFieldsRule struct {
	Filter map[string]any
	Fields []string
}

// TableRule is the validated rule for one command on one table.
type TableRule struct {
	Table   string
	Command schema.Command

	// AllowAll is set when the rule was given as true or "*".
	AllowAll bool

	// Fields are the selectable, insertable or updatable columns.
	Fields          []string
	FilterFields    []string
	OrderByFields   []string
	ReturningFields []string

	ForcedFilter map[string]any
	ForcedData   map[string]any
	MaxLimit     *int

	// AllowedNestedInserts is nil when any nested insert is allowed.
	AllowedNestedInserts []NestedInsertRule
	DynamicFields        []DynamicFieldsRule
}

// AllowsNested reports whether table may be nested-inserted through column.
func (r *TableRule) AllowsNested(table, column string) bool {
	if r.AllowedNestedInserts == nil {
		return true
	}
	for _, n := range r.AllowedNestedInserts {
		if n.Table == table && (n.Column == "" || n.Column == column) {
			return true
		}
	}
	return false
}

// Policy is the validated policy of one table.
type Policy struct {
	Table string
	rules map[schema.Command]*TableRule
}

// Rule returns the rule for cmd, or a RuleViolation if cmd is not allowed.
func (p *Policy) Rule(cmd schema.Command) (*TableRule, error) {
	if r, ok := p.rules[cmd]; ok {
		return r, nil
	}
	return nil, gateerr.RuleViolation("command %q is not allowed on table %q", cmd, p.Table).
		WithTable(p.Table).
		WithCommand(string(cmd))
}

// Allows reports whether cmd is allowed.
func (p *Policy) Allows(cmd schema.Command) bool {
	_, ok := p.rules[cmd]
	return ok
}

// Commands returns the allowed commands in canonical order.
func (p *Policy) Commands() []schema.Command {
	var out []schema.Command
	for _, c := range schema.Commands {
		if p.Allows(c) {
			out = append(out, c)
		}
	}
	return out
}

// commandKeys lists the rule object keys accepted per command.
var commandKeys = map[schema.Command][]string{
	schema.Select: {"fields", "filterFields", "orderByFields", "forcedFilter", "maxLimit"},
	schema.Insert: {"fields", "returningFields", "forcedData", "allowedNestedInserts"},
	schema.Update: {"fields", "filterFields", "returningFields", "forcedFilter", "forcedData", "dynamicFields"},
	schema.Delete: {"filterFields", "returningFields", "forcedFilter"},
}

// Validate builds the policy for table t from its raw rule object.
func Validate(t *schema.Table, raw any) (*Policy, error) {
	p := &Policy{Table: t.Name, rules: make(map[schema.Command]*TableRule)}

	perCommand := make(map[schema.Command]any)
	switch v := raw.(type) {
	case nil:
		return p, nil
	case bool:
		if !v {
			return p, nil
		}
		for _, c := range schema.Commands {
			if c == schema.Select || t.Kind.Writable() {
				perCommand[c] = true
			}
		}
	case string:
		if v != "*" {
			return nil, gateerr.RuleViolation("invalid policy %q for table %q", v, t.Name).WithTable(t.Name)
		}
		return Validate(t, true)
	case map[string]any:
		for k, rule := range v {
			cmd := schema.Command(k)
			if _, ok := commandKeys[cmd]; !ok {
				return nil, gateerr.RuleViolation("unknown command %q in policy", k).
					WithTable(t.Name).
					WithSuggestion(k, []string{"select", "insert", "update", "delete"})
			}
			perCommand[cmd] = rule
		}
	default:
		return nil, gateerr.RuleViolation("invalid policy for table %q", t.Name).WithTable(t.Name)
	}

	for _, cmd := range schema.Commands {
		rawRule, ok := perCommand[cmd]
		if !ok {
			continue
		}
		r, err := validateCommand(t, cmd, rawRule, p.rules[schema.Select])
		if err != nil {
			return nil, err
		}
		if r != nil {
			p.rules[cmd] = r
		}
	}
	return p, nil
}

func validateCommand(t *schema.Table, cmd schema.Command, raw any, sel *TableRule) (*TableRule, error) {
	allowAll := false
	var obj map[string]any
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case bool:
		if !v {
			return nil, nil
		}
		allowAll = true
	case string:
		if v != "*" {
			return nil, gateerr.RuleViolation("invalid %s rule %q", cmd, v).WithTable(t.Name).WithCommand(string(cmd))
		}
		allowAll = true
	case map[string]any:
		obj = v
	default:
		return nil, gateerr.RuleViolation("invalid %s rule", cmd).WithTable(t.Name).WithCommand(string(cmd))
	}
	if allowAll {
		obj = map[string]any{"fields": "*"}
		if cmd == schema.Delete {
			obj = map[string]any{"filterFields": "*"}
		}
	}

	if cmd != schema.Select && !t.Kind.Writable() {
		return nil, violation(t, cmd, "%s is a view and cannot be written", t.Name)
	}
	for k := range obj {
		if !slices.Contains(commandKeys[cmd], k) {
			return nil, gateerr.RuleViolation("unknown %s rule key %q", cmd, k).
				WithTable(t.Name).
				WithCommand(string(cmd)).
				WithSuggestion(k, commandKeys[cmd])
		}
	}

	v := &validator{t: t, cmd: cmd, obj: obj}
	r := &TableRule{Table: t.Name, Command: cmd, AllowAll: allowAll}

	switch cmd {
	case schema.Select:
		r.Fields = v.required("fields", schema.Select)
		r.FilterFields = v.optional("filterFields", schema.Select, r.Fields)
		r.OrderByFields = v.optional("orderByFields", schema.Select, r.Fields)
		r.ForcedFilter = v.object("forcedFilter")
		r.MaxLimit = v.limit("maxLimit")
	case schema.Insert:
		r.Fields = v.required("fields", schema.Insert)
		r.ReturningFields = v.optional("returningFields", schema.Select, v.returningDefault(sel, r.Fields))
		r.ForcedData = v.data("forcedData")
		r.AllowedNestedInserts = v.nested("allowedNestedInserts")
	case schema.Update:
		r.Fields = v.dropFileIdentity(obj["fields"], v.required("fields", schema.Update))
		filterDefault := r.Fields
		if sel != nil {
			filterDefault = sel.FilterFields
		}
		r.FilterFields = v.optional("filterFields", schema.Select, v.selectable(filterDefault))
		r.ReturningFields = v.optional("returningFields", schema.Select, v.returningDefault(sel, nil))
		r.ForcedFilter = v.object("forcedFilter")
		r.ForcedData = v.data("forcedData")
		r.DynamicFields = v.dynamic("dynamicFields")
	case schema.Delete:
		r.FilterFields = v.required("filterFields", schema.Select)
		r.ReturningFields = v.optional("returningFields", schema.Select, v.returningDefault(sel, nil))
		r.ForcedFilter = v.object("forcedFilter")
	}
	if v.err != nil {
		return nil, v.err
	}
	return r, nil
}

// validator accumulates the first error while reading one rule object.
type validator struct {
	t   *schema.Table
	cmd schema.Command
	obj map[string]any
	err error
}

func violation(t *schema.Table, cmd schema.Command, format string, args ...any) *gateerr.Error {
	return gateerr.RuleViolation(format, args...).WithTable(t.Name).WithCommand(string(cmd))
}

// message returns the message of a gateerr error without its context lines.
func message(err error) string {
	if ge, ok := err.(*gateerr.Error); ok {
		return ge.Message()
	}
	return err.Error()
}

func (v *validator) fail(err error) {
	if v.err != nil {
		return
	}
	if ge, ok := err.(*gateerr.Error); ok {
		ge.WithTable(v.t.Name).WithCommand(string(v.cmd))
	}
	v.err = err
}

func (v *validator) required(key string, priv schema.Command) []string {
	raw, ok := v.obj[key]
	if !ok || raw == nil {
		v.fail(gateerr.RuleViolation("%s rule on %q is missing %q", v.cmd, v.t.Name, key))
		return nil
	}
	fields := v.fields(key, raw, priv)
	if v.err == nil && len(fields) == 0 {
		v.fail(violation(v.t, v.cmd, "%s rule on %q allows no %s", v.cmd, v.t.Name, key))
	}
	return fields
}

func (v *validator) optional(key string, priv schema.Command, def []string) []string {
	raw, ok := v.obj[key]
	if !ok || raw == nil {
		return def
	}
	return v.fields(key, raw, priv)
}

// fields resolves a field filter and narrows it to columns holding priv.
// Naming a column without the privilege is a violation; broader shapes
// drop such columns silently.
func (v *validator) fields(key string, raw any, priv schema.Command) []string {
	if v.err != nil {
		return nil
	}
	f, err := ParseFieldFilter(raw)
	if err != nil {
		v.fail(gateerr.RuleViolation("%s: %s", key, message(err)).WithField(key))
		return nil
	}
	resolved, err := f.Resolve(v.t.ColumnNames())
	if err != nil {
		v.fail(err)
		return nil
	}
	out := make([]string, 0, len(resolved))
	for _, name := range resolved {
		col, _ := v.t.Column(name)
		if col.HasPrivilege(priv) {
			out = append(out, name)
			continue
		}
		if f.Kind == AllowList {
			v.fail(violation(v.t, v.cmd, "%s: column %q lacks the %s privilege", key, name, priv).WithField(name))
			return nil
		}
	}
	return out
}

// selectable narrows names to columns holding the select privilege.
func (v *validator) selectable(names []string) []string {
	var out []string
	for _, n := range names {
		if col, ok := v.t.Column(n); ok && col.HasPrivilege(schema.Select) {
			out = append(out, n)
		}
	}
	return out
}

// returningDefault is select.fields when a select rule exists, else fallback.
func (v *validator) returningDefault(sel *TableRule, fallback []string) []string {
	if sel != nil {
		return sel.Fields
	}
	return v.selectable(fallback)
}

// dropFileIdentity removes the identity columns of a file table from an
// update field list. Listing one explicitly is a violation.
func (v *validator) dropFileIdentity(raw any, fields []string) []string {
	if v.t.Kind != schema.FileTable || v.err != nil {
		return fields
	}
	f, _ := ParseFieldFilter(raw)
	out := make([]string, 0, len(fields))
	for _, name := range fields {
		if !slices.Contains(v.t.FileIdentityColumns, name) {
			out = append(out, name)
			continue
		}
		if f.Kind == AllowList {
			v.fail(violation(v.t, v.cmd, "file identity column %q cannot be updated", name).WithField(name))
			return nil
		}
	}
	return out
}

func (v *validator) object(key string) map[string]any {
	raw, ok := v.obj[key]
	if !ok || raw == nil || v.err != nil {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		v.fail(gateerr.RuleViolation("%s must be an object", key))
		return nil
	}
	return maps.Clone(m)
}

func (v *validator) data(key string) map[string]any {
	m := v.object(key)
	for col := range m {
		if !v.t.HasColumn(col) {
			v.fail(schema.UnknownColumn(v.t, col))
			return nil
		}
	}
	return m
}

func (v *validator) limit(key string) *int {
	raw, ok := v.obj[key]
	if !ok || raw == nil || v.err != nil {
		return nil
	}
	n, ok := asInt(raw)
	if !ok || n < 0 {
		v.fail(gateerr.RuleViolation("%s must be a non-negative integer, got %v", key, raw))
		return nil
	}
	return &n
}

func (v *validator) nested(key string) []NestedInsertRule {
	raw, ok := v.obj[key]
	if !ok || raw == nil || v.err != nil {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		v.fail(gateerr.RuleViolation("%s must be a list", key))
		return nil
	}
	out := make([]NestedInsertRule, 0, len(list))
	for _, item := range list {
		switch it := item.(type) {
		case string:
			out = append(out, NestedInsertRule{Table: it})
		case map[string]any:
			table, _ := it["table"].(string)
			column, _ := it["column"].(string)
			if table == "" {
				v.fail(gateerr.RuleViolation("%s entries require a table", key))
				return nil
			}
			out = append(out, NestedInsertRule{Table: table, Column: column})
		default:
			v.fail(gateerr.RuleViolation("invalid %s entry %v", key, item))
			return nil
		}
	}
	return out
}

func (v *validator) dynamic(key string) []DynamicFieldsRule {
	raw, ok := v.obj[key]
	if !ok || raw == nil || v.err != nil {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		v.fail(gateerr.RuleViolation("%s must be a list", key))
		return nil
	}
	out := make([]DynamicFieldsRule, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			v.fail(gateerr.RuleViolation("%s[%d] must be an object", key, i))
			return nil
		}
		filter, ok := obj["filter"].(map[string]any)
		if !ok {
			v.fail(gateerr.RuleViolation("%s[%d] requires a filter object", key, i))
			return nil
		}
		fields := v.fields(fmt.Sprintf("%s[%d].fields", key, i), obj["fields"], schema.Update)
		if v.err != nil {
			return nil
		}
		out = append(out, DynamicFieldsRule{Filter: filter, Fields: v.dropFileIdentity(obj["fields"], fields)})
	}
	return out
}

func asInt(raw any) (int, bool) {
	switch n := raw.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
