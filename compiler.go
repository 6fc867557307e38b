package tablegate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/insert"
	"github.com/pthm/tablegate/internal/query"
	"github.com/pthm/tablegate/internal/rules"
)

// DefaultLimit caps root rows when neither the request nor the policy does.
const DefaultLimit = query.DefaultLimit

// Prober runs the single-value boolean queries used to check remote
// policies and resolve dynamic update fields.
type Prober = rules.Prober

// Compiler compiles requests against the current schema snapshot.
//
// Compilers are safe for concurrent use. Each call takes the store's
// current snapshot once and validates the policies it needs from scratch,
// so nothing is shared between requests beyond the immutable snapshot.
type Compiler struct {
	store              *Store
	policies           map[string]any
	logger             *slog.Logger
	prober             Prober
	defaultLimit       int
	remote             bool
	decision           Decision
	useContextDecision bool
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithPolicies sets the per-table policies every request is checked against.
// Tables without an entry allow nothing.
func WithPolicies(p map[string]any) Option {
	return func(c *Compiler) {
		c.policies = p
	}
}

// WithLogger sets the logger. Compiled SQL is logged at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compiler) {
		c.logger = l
	}
}

// WithProber sets the probe executor used for remote policies and dynamic
// update fields. DBProber adapts a database handle.
func WithProber(p Prober) Option {
	return func(c *Compiler) {
		c.prober = p
	}
}

// WithDefaultLimit overrides DefaultLimit. Zero or less means unlimited.
func WithDefaultLimit(n int) Option {
	return func(c *Compiler) {
		c.defaultLimit = n
	}
}

// WithRemotePolicies marks per-call policies as coming from an untrusted
// publisher. Their forced filters, forced data and dynamic field filters
// are checked against the database with zero-row probes before the
// compiled statement is returned.
func WithRemotePolicies() Option {
	return func(c *Compiler) {
		c.remote = true
	}
}

// WithDecision sets a decision override that bypasses policy evaluation.
func WithDecision(d Decision) Option {
	return func(c *Compiler) {
		c.decision = d
	}
}

// WithContextDecision enables context-based decision overrides.
//
// Decision precedence when enabled:
//  1. Context decision (via WithDecisionContext)
//  2. Compiler decision (via WithDecision)
//  3. Policies
func WithContextDecision() Option {
	return func(c *Compiler) {
		c.useContextDecision = true
	}
}

// New creates a compiler over store.
func New(store *Store, opts ...Option) *Compiler {
	c := &Compiler{
		store:        store,
		defaultLimit: DefaultLimit,
		decision:     DecisionUnset,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// request is the per-call state: one snapshot and the policies of one
// request.
type request struct {
	snap   *Snapshot
	access *rules.Set

	// policy is the per-call policy of the root table, if one was given.
	policy   *rules.Policy
	verified bool
}

func (c *Compiler) begin(ctx context.Context, table string, cmd Command, policy any) (*request, error) {
	snap := c.store.Current()
	if snap == nil {
		return nil, gateerr.SchemaMetadata("no schema loaded")
	}

	d := c.decision
	if c.useContextDecision {
		if cd := GetDecisionContext(ctx); cd != DecisionUnset {
			d = cd
		}
	}
	switch d {
	case DecisionDeny:
		return nil, gateerr.RuleViolation("%s on %q denied by decision override", cmd, table).
			WithTable(table).
			WithCommand(string(cmd))
	case DecisionAllow:
		return &request{snap: snap, access: rules.Unrestricted(snap.Catalog)}, nil
	}

	if c.policies == nil && policy == nil {
		return &request{snap: snap, access: rules.Unrestricted(snap.Catalog)}, nil
	}
	r := &request{snap: snap, access: rules.NewSet(snap.Catalog, c.policies)}
	if policy != nil {
		t, err := snap.Catalog.Lookup(table)
		if err != nil {
			return nil, err
		}
		p, err := rules.Validate(t, policy)
		if err != nil {
			return nil, err
		}
		r.access.WithPolicy(p)
		r.policy = p
	}
	return r, nil
}

// verify probes the per-call policy when policies are remote. It runs after
// compilation so a rejected request never reaches the database.
func (c *Compiler) verify(ctx context.Context, r *request) error {
	if !c.remote || r.policy == nil || r.verified {
		return nil
	}
	if err := rules.ProbeRemote(ctx, r.snap.Graph, r.policy, c.prober); err != nil {
		return err
	}
	r.verified = true
	return nil
}

func (c *Compiler) queries(r *request) *query.Compiler {
	return &query.Compiler{Graph: r.snap.Graph, Access: r.access, DefaultLimit: c.defaultLimit}
}

// Compile compiles a select, update or delete request on table.
//
// where is the raw filter object. params holds the command's parameters:
// for select the keys of query.ParseParams (select, orderBy, limit, offset,
// groupBy, having); for update "data" and "returning"; for delete
// "returning". policy, when not nil, replaces the configured policy of
// table for this call.
func (c *Compiler) Compile(ctx context.Context, table string, cmd Command, where any, params map[string]any, policy any) (*Statement, error) {
	switch cmd {
	case Select:
		return c.compileSelect(ctx, table, where, params, policy, false)
	case Update:
		if err := onlyKeys(params, "data", "returning"); err != nil {
			return nil, err
		}
		data, ok := params["data"].(map[string]any)
		if !ok {
			return nil, gateerr.Malformed("update data must be an object").WithTable(table)
		}
		return c.CompileUpdate(ctx, table, where, data, params["returning"], policy)
	case Delete:
		return c.compileDelete(ctx, table, where, params, policy)
	case Insert:
		return nil, gateerr.Malformed("insert requests are compiled with CompileInsert").WithTable(table)
	default:
		return nil, gateerr.Malformed("unknown command %q", cmd).
			WithSuggestion(string(cmd), []string{"select", "insert", "update", "delete"})
	}
}

// CompileCount compiles the count of rows a select request would return.
func (c *Compiler) CompileCount(ctx context.Context, table string, where any, params map[string]any, policy any) (*Statement, error) {
	return c.compileSelect(ctx, table, where, params, policy, true)
}

func (c *Compiler) compileSelect(ctx context.Context, table string, where any, params map[string]any, policy any, count bool) (*Statement, error) {
	r, err := c.begin(ctx, table, Select, policy)
	if err != nil {
		return nil, c.rejected(ctx, table, Select, err)
	}
	filter, err := filterObject(where)
	if err != nil {
		return nil, c.rejected(ctx, table, Select, err)
	}
	p, err := query.ParseParams(params)
	if err != nil {
		return nil, c.rejected(ctx, table, Select, err)
	}
	q := c.queries(r)
	var out *query.Query
	if count {
		out, err = q.Count(table, filter, p)
	} else {
		out, err = q.Select(table, filter, p)
	}
	if err != nil {
		return nil, c.rejected(ctx, table, Select, err)
	}
	return c.finish(ctx, r, table, Select, out)
}

func (c *Compiler) compileDelete(ctx context.Context, table string, where any, params map[string]any, policy any) (*Statement, error) {
	if err := onlyKeys(params, "returning"); err != nil {
		return nil, err
	}
	r, err := c.begin(ctx, table, Delete, policy)
	if err != nil {
		return nil, c.rejected(ctx, table, Delete, err)
	}
	filter, err := filterObject(where)
	if err != nil {
		return nil, c.rejected(ctx, table, Delete, err)
	}
	out, err := c.queries(r).Delete(table, filter, params["returning"])
	if err != nil {
		return nil, c.rejected(ctx, table, Delete, err)
	}
	return c.finish(ctx, r, table, Delete, out)
}

// CompileUpdate compiles an update of the rows of table matching where.
// The updatable fields come from the policy's dynamicFields entry matching
// every target row, when the policy has any, and otherwise from its fields.
// Resolving dynamic fields probes the database.
func (c *Compiler) CompileUpdate(ctx context.Context, table string, where any, data map[string]any, returning any, policy any) (*Statement, error) {
	r, err := c.begin(ctx, table, Update, policy)
	if err != nil {
		return nil, c.rejected(ctx, table, Update, err)
	}
	filter, err := filterObject(where)
	if err != nil {
		return nil, c.rejected(ctx, table, Update, err)
	}
	q := c.queries(r)
	target, err := q.Where(table, Update, filter)
	if err != nil {
		return nil, c.rejected(ctx, table, Update, err)
	}
	rule, err := r.access.Rule(table, Update)
	if err != nil {
		return nil, c.rejected(ctx, table, Update, err)
	}
	if err := c.verify(ctx, r); err != nil {
		return nil, c.rejected(ctx, table, Update, err)
	}
	fields, err := rules.ResolveDynamicFields(ctx, r.snap.Graph, rule, target.Expr, c.prober)
	if err != nil {
		return nil, c.rejected(ctx, table, Update, err)
	}
	out, err := q.Update(table, target, data, fields, returning)
	if err != nil {
		return nil, c.rejected(ctx, table, Update, err)
	}
	return c.finish(ctx, r, table, Update, out)
}

// CompileInsert plans the insert of payload (a row object or a list of
// them) into table. Rows may nest related rows; see InsertPlan.
func (c *Compiler) CompileInsert(ctx context.Context, table string, payload any, returning any, policy any) (*InsertPlan, error) {
	r, err := c.begin(ctx, table, Insert, policy)
	if err != nil {
		return nil, c.rejected(ctx, table, Insert, err)
	}
	res := &insert.Resolver{Graph: r.snap.Graph, Access: r.access}
	plan, err := res.Compile(table, payload, returning)
	if err != nil {
		return nil, c.rejected(ctx, table, Insert, err)
	}
	if err := c.verify(ctx, r); err != nil {
		return nil, c.rejected(ctx, table, Insert, err)
	}
	c.logger.DebugContext(ctx, "compiled insert",
		"table", table,
		"steps", len(plan.Steps),
		"nested", plan.Nested,
		"sql", strings.Join(plan.Statements(), "; "),
	)
	return plan, nil
}

// ExecInsert runs plan on db and returns the rows returned for the root
// table. Nested plans run in one transaction: one opened on db when db can
// begin one, otherwise the transaction db already is.
func (c *Compiler) ExecInsert(ctx context.Context, db insert.Querier, plan *InsertPlan) ([]map[string]any, error) {
	rows, err := insert.Exec(ctx, db, plan)
	if err != nil {
		c.logger.WarnContext(ctx, "insert failed", "table", plan.Table, "error", err)
		return nil, err
	}
	return rows, nil
}

// Columns returns the columns of table a request may use for cmd: the
// selectable columns for select, the insertable ones for insert and the
// returnable ones for delete. For update with a non-nil where, the fields
// come from the dynamicFields entry matching every target row, falling back
// to the policy's fields.
func (c *Compiler) Columns(ctx context.Context, table string, cmd Command, where any, policy any) ([]string, error) {
	r, err := c.begin(ctx, table, cmd, policy)
	if err != nil {
		return nil, err
	}
	rule, err := r.access.Rule(table, cmd)
	if err != nil {
		return nil, err
	}
	switch cmd {
	case Delete:
		return rule.ReturningFields, nil
	case Update:
		if where == nil || len(rule.DynamicFields) == 0 {
			return rule.Fields, nil
		}
		filter, err := filterObject(where)
		if err != nil {
			return nil, err
		}
		target, err := c.queries(r).Where(table, Update, filter)
		if err != nil {
			return nil, err
		}
		return rules.ResolveDynamicFields(ctx, r.snap.Graph, rule, target.Expr, c.prober)
	default:
		return rule.Fields, nil
	}
}

// ShortestPath returns the tables on the shortest join path from one table
// to another, both included.
func (c *Compiler) ShortestPath(from, to string) ([]string, bool) {
	snap := c.store.Current()
	if snap == nil {
		return nil, false
	}
	return snap.Graph.ShortestPath(from, to)
}

func (c *Compiler) finish(ctx context.Context, r *request, table string, cmd Command, q *query.Query) (*Statement, error) {
	if err := c.verify(ctx, r); err != nil {
		return nil, c.rejected(ctx, table, cmd, err)
	}
	c.logger.DebugContext(ctx, "compiled", "table", table, "command", string(cmd), "sql", q.SQL)
	return &Statement{SQL: q.SQL, Args: q.Args, Exists: q.Exists}, nil
}

func (c *Compiler) rejected(ctx context.Context, table string, cmd Command, err error) error {
	c.logger.DebugContext(ctx, "request rejected",
		"table", table,
		"command", string(cmd),
		"kind", string(gateerr.KindOf(err)),
		"error", err,
	)
	return err
}

func filterObject(where any) (map[string]any, error) {
	switch w := where.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return w, nil
	default:
		return nil, gateerr.Malformed("filter must be an object, got %T", where)
	}
}

func onlyKeys(params map[string]any, allowed ...string) error {
	for k := range params {
		if !slices.Contains(allowed, k) {
			return gateerr.Malformed("unknown parameter %q", k).WithSuggestion(k, allowed)
		}
	}
	return nil
}

// DBProber adapts a database handle to a Prober.
func DBProber(q Querier) Prober {
	return dbProber{q: q}
}

type dbProber struct {
	q Querier
}

func (p dbProber) Probe(ctx context.Context, stmt string) (bool, error) {
	var ok bool
	if err := p.q.QueryRowContext(ctx, stmt).Scan(&ok); err != nil {
		return false, mapProbeError(err)
	}
	return ok, nil
}

// mapProbeError names the common reasons a probe fails.
func mapProbeError(err error) error {
	switch sqlState(err) {
	case pgUndefinedTable:
		return fmt.Errorf("probe references an unknown table: %w", err)
	case pgUndefinedColumn:
		return fmt.Errorf("probe references an unknown column: %w", err)
	case pgUndefinedFunction:
		return fmt.Errorf("probe calls an unknown function: %w", err)
	}
	return fmt.Errorf("probe: %w", err)
}

// sqlState extracts the SQLSTATE code from a PostgreSQL error.
// Works with multiple drivers via interface detection:
//   - pgx/pgconn and lib/pq: SQLState() string
//   - other wrappers: Code() string
//
// Returns empty string if the error doesn't contain a SQLSTATE.
func sqlState(err error) string {
	type sqlStateErr interface{ SQLState() string }
	if e, ok := err.(sqlStateErr); ok {
		return e.SQLState()
	}

	type codeErr interface{ Code() string }
	if e, ok := err.(codeErr); ok {
		return e.Code()
	}

	// Format: "... (SQLSTATE 42P01)" or "SQLSTATE: 42P01"
	errStr := err.Error()
	for _, prefix := range []string{"SQLSTATE ", "SQLSTATE: "} {
		if idx := strings.Index(errStr, prefix); idx >= 0 {
			start := idx + len(prefix)
			if start+5 <= len(errStr) {
				return errStr[start : start+5]
			}
		}
	}
	return ""
}
