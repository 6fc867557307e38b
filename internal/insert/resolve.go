package insert

import (
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/joingraph"
	"github.com/pthm/tablegate/internal/query"
	"github.com/pthm/tablegate/internal/rules"
	"github.com/pthm/tablegate/schema"
)

// Resolver compiles insert payloads for one request.
type Resolver struct {
	Graph  *joingraph.Graph
	Access *rules.Set
}

type relationKind int

const (
	// toParent rows are inserted before the row and referenced by it.
	toParent relationKind = iota
	// toChild rows are inserted after the row and reference it.
	toChild
	// viaLink rows are inserted after the row and joined to it by a link-table row.
	viaLink
)

// relation is a payload key holding related rows.
type relation struct {
	key   string
	kind  relationKind
	table *schema.Table

	// column is the reference column for parents nested under a column key.
	column string

	// pairs map columns of the row's table (From) to columns of the related table (To).
	pairs joingraph.Group
	link  joingraph.Link
	rows  []map[string]any
}

type builder struct {
	r    *Resolver
	plan *Plan
}

// Compile plans the insert of payload (one row object or a list of them)
// into table. returning is a field filter over the insert rule's returning
// fields; nil returns nothing.
func (r *Resolver) Compile(table string, payload any, returning any) (*Plan, error) {
	c := r.Graph.Catalog()
	t, err := c.Lookup(table)
	if err != nil {
		return nil, err
	}
	rule, err := r.Access.Rule(table, schema.Insert)
	if err != nil {
		return nil, err
	}
	rows, err := payloadRows(payload)
	if err != nil {
		return nil, err
	}
	output, err := query.ReturningFields(c, rule, returning)
	if err != nil {
		return nil, err
	}

	b := &builder{r: r, plan: &Plan{Table: table}}
	nested := false
	for _, row := range rows {
		_, rels, err := b.split(t, row)
		if err != nil {
			return nil, err
		}
		if len(rels) > 0 {
			nested = true
		}
	}

	if nested {
		for _, row := range rows {
			if _, err := b.row(t, rule, row, nil, output, true); err != nil {
				return nil, err
			}
		}
	} else if err := b.flat(t, rule, rows, output); err != nil {
		return nil, err
	}

	b.plan.Nested = nested
	for i := range b.plan.Steps {
		b.plan.Steps[i].render()
	}
	return b.plan, nil
}

func payloadRows(payload any) ([]map[string]any, error) {
	switch p := payload.(type) {
	case map[string]any:
		return []map[string]any{p}, nil
	case []map[string]any:
		if len(p) == 0 {
			return nil, gateerr.Malformed("insert payload is empty")
		}
		return p, nil
	case []any:
		if len(p) == 0 {
			return nil, gateerr.Malformed("insert payload is empty")
		}
		out := make([]map[string]any, len(p))
		for i, item := range p {
			row, ok := item.(map[string]any)
			if !ok {
				return nil, gateerr.Malformed("insert row %d must be an object, got %T", i, item)
			}
			out[i] = row
		}
		return out, nil
	default:
		return nil, gateerr.Malformed("insert payload must be an object or a list of objects, got %T", payload)
	}
}

// flat plans rows without related data as one multi-row INSERT. Columns a
// row does not set take their default.
func (b *builder) flat(t *schema.Table, rule *rules.TableRule, rows []map[string]any, output []string) error {
	merged := make([]map[string]any, len(rows))
	set := make(map[string]bool)
	for i, row := range rows {
		m, err := b.values(t, rule, row, nil)
		if err != nil {
			return err
		}
		merged[i] = m
		for k := range m {
			set[k] = true
		}
	}
	var cols []string
	for _, c := range t.Columns {
		if set[c.Name] {
			cols = append(cols, c.Name)
		}
	}
	step := Step{
		Table:     t.Name,
		Columns:   cols,
		Returning: slices.Clone(output),
		Output:    output,
		Root:      true,
	}
	for _, m := range merged {
		vals := make([]any, len(cols))
		for i, c := range cols {
			v, ok := m[c]
			if !ok {
				v = defaultValue{}
			}
			vals[i] = v
		}
		step.rows = append(step.rows, vals)
	}
	b.add(step)
	return nil
}

// row plans one row of t with its related rows and returns the index of
// the row's own step. preset holds structural values set by the caller's
// parent row; they bypass the field allow-list.
func (b *builder) row(t *schema.Table, rule *rules.TableRule, row, preset map[string]any, output []string, root bool) (int, error) {
	data, rels, err := b.split(t, row)
	if err != nil {
		return -1, err
	}
	for _, rel := range rels {
		if !rule.AllowsNested(rel.table.Name, rel.column) {
			return -1, gateerr.RuleViolation("nested insert into %q is not allowed from %q", rel.table.Name, t.Name).
				WithTable(t.Name).
				WithCommand(string(schema.Insert)).
				WithField(rel.key)
		}
	}

	for _, rel := range rels {
		if rel.kind != toParent {
			continue
		}
		if len(rel.rows) != 1 {
			return -1, gateerr.Malformed("%q references a single %q row, got %d", rel.key, rel.table.Name, len(rel.rows)).
				WithTable(t.Name)
		}
		parentRule, err := b.r.Access.Rule(rel.table.Name, schema.Insert)
		if err != nil {
			return -1, err
		}
		idx, err := b.row(rel.table, parentRule, rel.rows[0], nil, nil, false)
		if err != nil {
			return -1, err
		}
		for _, p := range rel.pairs {
			if _, dup := data[p.From]; dup {
				return -1, gateerr.Malformed("%q is set both directly and through %q", p.From, rel.key).
					WithTable(t.Name).
					WithField(p.From)
			}
			data[p.From] = StepRef{Step: idx, Column: p.To}
			b.plan.Steps[idx].need(p.To)
		}
	}

	values, err := b.values(t, rule, data, preset)
	if err != nil {
		return -1, err
	}
	var cols []string
	var vals []any
	for _, c := range t.Columns {
		if v, ok := values[c.Name]; ok {
			cols = append(cols, c.Name)
			vals = append(vals, v)
		}
	}
	self := b.add(Step{
		Table:     t.Name,
		Columns:   cols,
		Returning: slices.Clone(output),
		Output:    output,
		Root:      root,
		rows:      [][]any{vals},
	})

	type pendingLink struct {
		rel   *relation
		child int
	}
	var links []pendingLink
	for _, rel := range rels {
		if rel.kind == toParent {
			continue
		}
		childRule, err := b.r.Access.Rule(rel.table.Name, schema.Insert)
		if err != nil {
			return -1, err
		}
		for _, child := range rel.rows {
			var childPreset map[string]any
			if rel.kind == toChild {
				childPreset = make(map[string]any, len(rel.pairs))
				for _, p := range rel.pairs {
					childPreset[p.To] = StepRef{Step: self, Column: p.From}
					b.plan.Steps[self].need(p.From)
				}
			}
			idx, err := b.row(rel.table, childRule, child, childPreset, nil, false)
			if err != nil {
				return -1, err
			}
			if rel.kind == viaLink {
				links = append(links, pendingLink{rel: rel, child: idx})
			}
		}
	}
	for _, l := range links {
		if err := b.linkRow(t, self, l.rel, l.child); err != nil {
			return -1, err
		}
	}
	return self, nil
}

// linkRow plans the link-table row joining the row of step self to the
// related row of step child.
func (b *builder) linkRow(t *schema.Table, self int, rel *relation, child int) error {
	lt, err := b.r.Graph.Catalog().Lookup(rel.link.Table)
	if err != nil {
		return err
	}
	linkRule, err := b.r.Access.Rule(lt.Name, schema.Insert)
	if err != nil {
		return err
	}
	preset := make(map[string]any)
	for _, fk := range lt.ForeignKeys {
		var from int
		switch fk.RefTable {
		case t.Name:
			from = self
		case rel.table.Name:
			from = child
		default:
			continue
		}
		for i, col := range fk.Columns {
			preset[col] = StepRef{Step: from, Column: fk.RefColumns[i]}
			b.plan.Steps[from].need(fk.RefColumns[i])
		}
	}
	_, err = b.row(lt, linkRule, nil, preset, nil, false)
	return err
}

func (b *builder) add(s Step) int {
	b.plan.Steps = append(b.plan.Steps, s)
	return len(b.plan.Steps) - 1
}

// split separates a row's own column values from its related rows.
func (b *builder) split(t *schema.Table, row map[string]any) (map[string]any, []*relation, error) {
	data := make(map[string]any, len(row))
	var rels []*relation
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		rel, err := b.classify(t, key, row[key])
		if err != nil {
			return nil, nil, err
		}
		if rel == nil {
			data[key] = row[key]
			continue
		}
		rels = append(rels, rel)
	}
	for _, rel := range rels {
		if rel.column == "" || rel.column == rel.key {
			continue
		}
		if _, dup := data[rel.column]; dup {
			return nil, nil, gateerr.Malformed("%q and %q cannot both be set", rel.key, rel.column).
				WithTable(t.Name)
		}
	}
	return data, rels, nil
}

// classify returns the relation held under key, or nil when the value is
// plain column data.
func (b *builder) classify(t *schema.Table, key string, v any) (*relation, error) {
	obj, isObj := v.(map[string]any)
	if t.HasColumn(key) {
		if !isObj {
			return nil, nil
		}
		if fk, ok := singleForeignKey(t, key); ok {
			return b.reference(t, key, key, fk, obj)
		}
		return nil, nil
	}
	if isObj {
		if fk, ok := singleForeignKey(t, key+"_id"); ok {
			return b.reference(t, key, key+"_id", fk, obj)
		}
	}

	related, ok := b.r.Graph.Catalog().Table(key)
	if !ok {
		return nil, schema.UnknownColumn(t, key)
	}
	rows, err := relatedRows(t, key, v)
	if err != nil {
		return nil, err
	}
	rel := &relation{key: key, table: related, rows: rows}

	if e, ok := b.r.Graph.Edge(t.Name, key); ok {
		if len(e.On) != 1 {
			return nil, gateerr.JoinResolution("ambiguous join from %q to %q for nested insert: %s", t.Name, key, groups(e.On)).
				WithTable(t.Name).
				WithField(key)
		}
		rel.pairs = e.On[0]
		rel.kind = toChild
		if referencesRelated(t, key, rel.pairs, e.Cardinality) {
			rel.kind = toParent
		}
		return rel, nil
	}

	links := b.r.Graph.LinksBetween(t.Name, key)
	switch len(links) {
	case 0:
		return nil, gateerr.JoinResolution("table %q cannot be nested-inserted from %q: no direct join or link table", key, t.Name).
			WithTable(t.Name).
			WithField(key)
	case 1:
		rel.kind = viaLink
		rel.link = links[0]
		return rel, nil
	default:
		names := make([]string, len(links))
		for i, l := range links {
			names[i] = l.Table
		}
		return nil, gateerr.JoinResolution("ambiguous link between %q and %q", t.Name, key).
			WithTable(t.Name).
			WithField(key).
			WithAllowed(names)
	}
}

func (b *builder) reference(t *schema.Table, key, column string, fk schema.ForeignKey, obj map[string]any) (*relation, error) {
	parent, err := b.r.Graph.Catalog().Lookup(fk.RefTable)
	if err != nil {
		return nil, err
	}
	return &relation{
		key:    key,
		kind:   toParent,
		table:  parent,
		column: column,
		pairs:  joingraph.Group{{From: column, To: fk.RefColumns[0]}},
		rows:   []map[string]any{obj},
	}, nil
}

// values validates a row's caller data against rule and merges in preset
// and forced data, in that order of precedence (forced wins).
func (b *builder) values(t *schema.Table, rule *rules.TableRule, data, preset map[string]any) (map[string]any, error) {
	for key := range data {
		if _, forced := rule.ForcedData[key]; forced {
			continue
		}
		if slices.Contains(rule.Fields, key) {
			continue
		}
		if !t.HasColumn(key) {
			return nil, schema.UnknownColumn(t, key)
		}
		return nil, gateerr.RuleViolation("field %q is not allowed for insert", key).
			WithTable(t.Name).
			WithCommand(string(schema.Insert)).
			WithField(key).
			WithAllowed(rule.Fields)
	}
	out := maps.Clone(data)
	if out == nil {
		out = make(map[string]any)
	}
	maps.Copy(out, preset)
	maps.Copy(out, rule.ForcedData)
	return out, nil
}

func relatedRows(t *schema.Table, key string, v any) ([]map[string]any, error) {
	switch x := v.(type) {
	case map[string]any:
		return []map[string]any{x}, nil
	case []any:
		out := make([]map[string]any, len(x))
		for i, item := range x {
			row, ok := item.(map[string]any)
			if !ok {
				return nil, gateerr.Malformed("%q[%d] must be an object", key, i).WithTable(t.Name)
			}
			out[i] = row
		}
		return out, nil
	default:
		return nil, gateerr.Malformed("%q must be an object or a list of objects", key).WithTable(t.Name)
	}
}

// singleForeignKey returns the foreign key on exactly column when there is
// one and it references a single column.
func singleForeignKey(t *schema.Table, column string) (schema.ForeignKey, bool) {
	var found []schema.ForeignKey
	for _, fk := range t.ForeignKeys {
		if len(fk.Columns) == 1 && fk.Columns[0] == column {
			found = append(found, fk)
		}
	}
	if len(found) != 1 {
		return schema.ForeignKey{}, false
	}
	return found[0], true
}

// referencesRelated reports whether t holds the foreign key of the join to
// related, making related the parent.
func referencesRelated(t *schema.Table, related string, pairs joingraph.Group, card schema.Cardinality) bool {
	from := make([]string, len(pairs))
	for i, p := range pairs {
		from[i] = p.From
	}
	for _, fk := range t.ForeignKeys {
		if fk.RefTable != related || len(fk.Columns) != len(from) {
			continue
		}
		match := true
		for _, c := range fk.Columns {
			if !slices.Contains(from, c) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return card == schema.ManyToOne
}

func groups(on []joingraph.Group) string {
	parts := make([]string, len(on))
	for i, g := range on {
		parts[i] = "{" + g.String() + "}"
	}
	return strings.Join(parts, " | ")
}
