package rules

import (
	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/schema"
)

// Set resolves the policies of every table one request touches: the root
// table, tables reached through joins and EXISTS filters, and nested insert
// targets. Policies are validated lazily and cached for the life of the Set.
// A Set belongs to one request and is not safe for concurrent use.
type Set struct {
	catalog      *schema.Catalog
	raw          map[string]any
	unrestricted bool
	policies     map[string]*Policy
}

// NewSet returns a Set over raw per-table policies. Tables without an entry
// allow nothing.
func NewSet(c *schema.Catalog, raw map[string]any) *Set {
	return &Set{catalog: c, raw: raw, policies: make(map[string]*Policy)}
}

// Unrestricted returns a Set that allows every command on every table, as
// if each policy were true.
func Unrestricted(c *schema.Catalog) *Set {
	return &Set{catalog: c, unrestricted: true, policies: make(map[string]*Policy)}
}

// WithPolicy pins the policy of one table, replacing whatever raw held.
func (s *Set) WithPolicy(p *Policy) *Set {
	s.policies[p.Table] = p
	return s
}

// Unrestricted reports whether the Set allows everything.
func (s *Set) Unrestricted() bool {
	return s.unrestricted
}

// Policy returns the validated policy of table.
func (s *Set) Policy(table string) (*Policy, error) {
	if p, ok := s.policies[table]; ok {
		return p, nil
	}
	t, err := s.catalog.Lookup(table)
	if err != nil {
		return nil, err
	}
	var raw any = true
	if !s.unrestricted {
		var ok bool
		if raw, ok = s.raw[table]; !ok {
			return nil, gateerr.RuleViolation("no policy for table %q", table).WithTable(table)
		}
	}
	p, err := Validate(t, raw)
	if err != nil {
		return nil, err
	}
	s.policies[table] = p
	return p, nil
}

// Rule returns the rule for cmd on table.
func (s *Set) Rule(table string, cmd schema.Command) (*TableRule, error) {
	p, err := s.Policy(table)
	if err != nil {
		return nil, err
	}
	return p.Rule(cmd)
}

// FilterFields returns the columns of table that may be filtered on by a
// request that only reads it, as through an EXISTS filter.
func (s *Set) FilterFields(table string) ([]string, error) {
	r, err := s.Rule(table, schema.Select)
	if err != nil {
		return nil, err
	}
	return r.FilterFields, nil
}

// ForcedFilter returns the select forcedFilter of table, which restricts
// every read of it, EXISTS filters included.
func (s *Set) ForcedFilter(table string) (map[string]any, error) {
	r, err := s.Rule(table, schema.Select)
	if err != nil {
		return nil, err
	}
	return r.ForcedFilter, nil
}
