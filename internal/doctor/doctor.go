// Package doctor provides health checks for a tablegate deployment.
//
// The doctor command validates that the schema and the policies agree with
// each other and, when a database is reachable, with the live database:
// policies must name known tables and validate, nested insert targets must
// be insertable, forced filters must apply to the real tables, and the
// schema file must not have drifted from the database.
//
// Example usage:
//
//	d := doctor.New(catalog, policies, doctor.WithDatabase(db))
//	report, err := d.Run(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	report.Print(os.Stdout, true) // verbose=true
package doctor

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/introspect"
	"github.com/pthm/tablegate/internal/joingraph"
	"github.com/pthm/tablegate/internal/rules"
	"github.com/pthm/tablegate/schema"
)

// Status represents the result of a health check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a non-critical issue.
	StatusWarn
	// StatusFail indicates a critical issue that will cause failures.
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns a status indicator symbol for terminal output.
func (s Status) Symbol() string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusWarn:
		return "⚠"
	case StatusFail:
		return "✗"
	default:
		return "?"
	}
}

// CheckResult represents the outcome of a single health check.
type CheckResult struct {
	// Category groups related checks (e.g., "Schema", "Policies").
	Category string

	// Name is a short identifier for the check.
	Name string

	// Status is the check outcome.
	Status Status

	// Message is a human-readable description of the result.
	Message string

	// Details provides additional information for verbose output.
	Details string

	// FixHint suggests how to resolve issues.
	FixHint string
}

// Report contains all health check results.
type Report struct {
	Checks []CheckResult

	// Summary counts.
	Passed   int
	Warnings int
	Errors   int
}

// AddCheck adds a check result and updates summary counts.
func (r *Report) AddCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	switch check.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warnings++
	case StatusFail:
		r.Errors++
	}
}

// Print writes the report to the given writer.
func (r *Report) Print(w io.Writer, verbose bool) {
	categories := make(map[string][]CheckResult)
	var categoryOrder []string
	for _, check := range r.Checks {
		if _, exists := categories[check.Category]; !exists {
			categoryOrder = append(categoryOrder, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	for _, cat := range categoryOrder {
		_, _ = fmt.Fprintf(w, "\n%s\n", cat)
		for _, check := range categories[cat] {
			_, _ = fmt.Fprintf(w, "  %s %s\n", check.Status.Symbol(), check.Message)
			if verbose && check.Details != "" {
				for _, line := range strings.Split(check.Details, "\n") {
					_, _ = fmt.Fprintf(w, "      %s\n", line)
				}
			}
			if check.Status != StatusPass && check.FixHint != "" {
				_, _ = fmt.Fprintf(w, "      Fix: %s\n", check.FixHint)
			}
		}
	}

	_, _ = fmt.Fprintf(w, "\nSummary: %d passed, %d warnings, %d errors\n",
		r.Passed, r.Warnings, r.Errors)
}

// HasErrors returns true if any check failed.
func (r *Report) HasErrors() bool {
	return r.Errors > 0
}

// Doctor performs health checks on a schema and its policies.
type Doctor struct {
	catalog  *schema.Catalog
	graph    *joingraph.Graph
	policies map[string]any
	db       introspect.Querier
	prober   rules.Prober
	dbSchema string

	// Populated during Run
	valid map[string]*rules.Policy
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithDatabase enables the checks that compare the schema against the live
// database. schemaName is the PostgreSQL schema to read; empty means
// current_schema().
func WithDatabase(db introspect.Querier, schemaName string) Option {
	return func(d *Doctor) {
		d.db = db
		d.dbSchema = schemaName
	}
}

// WithProber enables probing every policy's forced filters, forced data
// and dynamic field filters against the database.
func WithProber(p rules.Prober) Option {
	return func(d *Doctor) {
		d.prober = p
	}
}

// New creates a new Doctor. A nil policies map means every table is
// unrestricted.
func New(c *schema.Catalog, policies map[string]any, opts ...Option) *Doctor {
	d := &Doctor{
		catalog:  c,
		graph:    joingraph.Build(c),
		policies: policies,
		valid:    make(map[string]*rules.Policy),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes all health checks and returns a report. An error is returned
// only when the database cannot be read; failed checks are reported.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	d.checkSchema(report)
	d.checkPolicies(report)
	d.checkNestedInserts(report)
	if d.prober != nil {
		d.checkProbes(ctx, report)
	}
	if d.db != nil {
		if err := d.checkDrift(ctx, report); err != nil {
			return nil, fmt.Errorf("checking schema drift: %w", err)
		}
	}

	return report, nil
}

// checkSchema reports catalog shape problems that make requests fail.
func (d *Doctor) checkSchema(report *Report) {
	tables := d.catalog.Tables()
	report.AddCheck(CheckResult{
		Category: "Schema",
		Name:     "loaded",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Schema loaded (%d tables, %d explicit joins)", len(tables), len(d.catalog.Joins())),
	})

	var noKey, isolated []string
	for _, t := range tables {
		if t.Kind.Writable() && len(t.PrimaryKey()) == 0 {
			noKey = append(noKey, t.Name)
		}
		if len(tables) > 1 && len(d.graph.Neighbors(t.Name)) == 0 {
			isolated = append(isolated, t.Name)
		}
	}

	if len(noKey) > 0 {
		report.AddCheck(CheckResult{
			Category: "Schema",
			Name:     "primary_keys",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d writable tables have no primary key", len(noKey)),
			Details:  strings.Join(noKey, "\n"),
			FixHint:  "Nested inserts cannot reference rows of these tables; add primary keys",
		})
	} else {
		report.AddCheck(CheckResult{
			Category: "Schema",
			Name:     "primary_keys",
			Status:   StatusPass,
			Message:  "Every writable table has a primary key",
		})
	}

	if len(isolated) > 0 {
		report.AddCheck(CheckResult{
			Category: "Schema",
			Name:     "joins",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d tables cannot be joined to any other table", len(isolated)),
			Details:  strings.Join(isolated, "\n"),
			FixHint:  "Declare foreign keys or explicit joins if these tables are used in joins or EXISTS filters",
		})
	}
}

// checkPolicies validates every configured policy against the catalog.
func (d *Doctor) checkPolicies(report *Report) {
	if d.policies == nil {
		report.AddCheck(CheckResult{
			Category: "Policies",
			Name:     "configured",
			Status:   StatusWarn,
			Message:  "No policies configured; every table is unrestricted",
			FixHint:  "Set 'policies' in tablegate.yaml",
		})
		for _, t := range d.catalog.Tables() {
			p, _ := rules.Validate(t, true)
			d.valid[t.Name] = p
		}
		return
	}

	names := d.catalog.TableNames()
	failed := 0
	for _, table := range sortedKeys(d.policies) {
		t, ok := d.catalog.Table(table)
		if !ok {
			failed++
			report.AddCheck(CheckResult{
				Category: "Policies",
				Name:     "table:" + table,
				Status:   StatusFail,
				Message:  fmt.Sprintf("Policy names unknown table %q", table),
				Details:  gateerr.SuggestSimilar(table, names),
				FixHint:  "Remove the policy or fix the table name",
			})
			continue
		}
		p, err := rules.Validate(t, d.policies[table])
		if err != nil {
			failed++
			report.AddCheck(CheckResult{
				Category: "Policies",
				Name:     "valid:" + table,
				Status:   StatusFail,
				Message:  fmt.Sprintf("Policy for %q is invalid", table),
				Details:  err.Error(),
			})
			continue
		}
		d.valid[table] = p
	}

	if failed == 0 {
		report.AddCheck(CheckResult{
			Category: "Policies",
			Name:     "valid",
			Status:   StatusPass,
			Message:  fmt.Sprintf("All %d policies are valid", len(d.policies)),
		})
	}

	var uncovered []string
	for _, name := range names {
		if _, ok := d.policies[name]; !ok {
			uncovered = append(uncovered, name)
		}
	}
	if len(uncovered) > 0 {
		report.AddCheck(CheckResult{
			Category: "Policies",
			Name:     "coverage",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d tables have no policy and reject every request", len(uncovered)),
			Details:  strings.Join(uncovered, "\n"),
		})
	}
}

// checkNestedInserts verifies that every table a rule allows nesting into
// can itself be inserted.
func (d *Doctor) checkNestedInserts(report *Report) {
	var problems []string
	for _, table := range sortedKeys(d.valid) {
		r, err := d.valid[table].Rule(schema.Insert)
		if err != nil {
			continue
		}
		for _, n := range r.AllowedNestedInserts {
			target, ok := d.valid[n.Table]
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("%s → %s: no valid policy", table, n.Table))
			case !target.Allows(schema.Insert):
				problems = append(problems, fmt.Sprintf("%s → %s: insert not allowed", table, n.Table))
			case !d.graph.Joinable(table, n.Table) && len(d.graph.LinksBetween(table, n.Table)) == 0:
				problems = append(problems, fmt.Sprintf("%s → %s: tables are not related", table, n.Table))
			}
		}
	}
	if len(problems) > 0 {
		report.AddCheck(CheckResult{
			Category: "Policies",
			Name:     "nested_inserts",
			Status:   StatusFail,
			Message:  fmt.Sprintf("%d allowed nested inserts can never succeed", len(problems)),
			Details:  strings.Join(problems, "\n"),
			FixHint:  "Allow insert on the target table or remove it from allowedNestedInserts",
		})
	}
}

// checkProbes runs the remote-policy probes of every valid policy.
func (d *Doctor) checkProbes(ctx context.Context, report *Report) {
	var failures []string
	for _, table := range sortedKeys(d.valid) {
		if err := rules.ProbeRemote(ctx, d.graph, d.valid[table], d.prober); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		report.AddCheck(CheckResult{
			Category: "Database",
			Name:     "probes",
			Status:   StatusFail,
			Message:  fmt.Sprintf("%d policies do not apply to the live tables", len(failures)),
			Details:  strings.Join(failures, "\n"),
			FixHint:  "Fix the forced filters or forced data, or regenerate the schema with 'tablegate introspect'",
		})
		return
	}
	report.AddCheck(CheckResult{
		Category: "Database",
		Name:     "probes",
		Status:   StatusPass,
		Message:  "Forced filters, forced data and dynamic fields apply to the live tables",
	})
}

// checkDrift compares the catalog with a fresh introspection of the
// database.
func (d *Doctor) checkDrift(ctx context.Context, report *Report) error {
	live, err := introspect.Load(ctx, d.db, introspect.Options{Schema: d.dbSchema})
	if err != nil {
		return err
	}

	var missing, changed []string
	for _, t := range d.catalog.Tables() {
		lt, ok := live.Table(t.Name)
		if !ok {
			missing = append(missing, t.Name)
			continue
		}
		for _, c := range t.Columns {
			lc, ok := lt.Column(c.Name)
			switch {
			case !ok:
				missing = append(missing, t.Name+"."+c.Name)
			case c.Type != "" && !strings.EqualFold(c.Type, lc.Type):
				changed = append(changed, fmt.Sprintf("%s.%s: %s in schema, %s in database", t.Name, c.Name, c.Type, lc.Type))
			}
		}
	}

	if len(missing) > 0 {
		report.AddCheck(CheckResult{
			Category: "Database",
			Name:     "drift",
			Status:   StatusFail,
			Message:  fmt.Sprintf("%d tables or columns in the schema do not exist in the database", len(missing)),
			Details:  strings.Join(missing, "\n"),
			FixHint:  "Run 'tablegate introspect' to regenerate the schema file",
		})
	} else {
		report.AddCheck(CheckResult{
			Category: "Database",
			Name:     "drift",
			Status:   StatusPass,
			Message:  "Every schema table and column exists in the database",
		})
	}
	if len(changed) > 0 {
		report.AddCheck(CheckResult{
			Category: "Database",
			Name:     "types",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d columns have a different type in the database", len(changed)),
			Details:  strings.Join(changed, "\n"),
		})
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
