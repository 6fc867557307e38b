// Package tablegate compiles declarative table requests into PostgreSQL and
// enforces per-table access policies while doing so.
//
// # Requests
//
// A request names a table, a command and the raw, JSON-shaped pieces the
// caller sent: a filter, select parameters, an insert payload or update
// data. The Compiler validates every piece against the table's policy and
// the schema catalog, then renders SQL. Nothing is executed while
// compiling, except the zero-row probe queries that check remote policies
// (see WithRemotePolicies) and dynamic update fields.
//
//	store, _ := tablegate.LoadStore("schema.yaml")
//	c := tablegate.New(store, tablegate.WithPolicies(policies))
//	stmt, err := c.Compile(ctx, "users", tablegate.Select,
//	    map[string]any{"age": map[string]any{"$gte": 18}},
//	    map[string]any{"select": map[string]any{"id": 1, "posts": map[string]any{"title": 1}}},
//	    nil)
//
// # Policies
//
// A policy is the rule object of one table:
//
//	true                                       everything, default rules
//	{"select": {"fields": "id,name"}}          only select, two columns
//	{"update": {"fields": ["name"], "forcedFilter": {"owner_id": 7}}}
//
// Policies configured with WithPolicies cover every table a request reaches
// (join branches, EXISTS filters, nested inserts). A policy passed to a
// Compile call replaces the configured policy of the request's root table.
// A Compiler with no configured policies and no per-call policy is
// unrestricted.
//
// # Schema reload
//
// The Store holds the current catalog and join graph. Replace swaps both
// atomically; compilations already running keep the snapshot they started
// with.
//
// # Transaction Support
//
// Nested inserts run as several statements. ExecInsert opens a transaction
// when given a *sql.DB, or runs inside the caller's transaction when given
// a *sql.Tx:
//
//	tx, _ := db.BeginTx(ctx, nil)
//	rows, err := c.ExecInsert(ctx, tx, plan)
package tablegate

import (
	"context"
	"database/sql"

	"github.com/pthm/tablegate/internal/filter"
	"github.com/pthm/tablegate/internal/insert"
	"github.com/pthm/tablegate/schema"
)

// Command is a request command.
type Command = schema.Command

const (
	Select = schema.Select
	Insert = schema.Insert
	Update = schema.Update
	Delete = schema.Delete
)

// Querier executes queries against PostgreSQL.
// Implemented by *sql.DB, *sql.Tx, and *sql.Conn.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Statement is one compiled SQL statement. Args holds the values of $n
// parameters; filters inline their values as escaped literals, so select,
// count and delete statements have no Args.
type Statement struct {
	SQL  string
	Args []any

	// Exists lists the EXISTS filters the statement's WHERE clause uses,
	// for callers that track which tables a statement depends on.
	Exists []filter.ExistsConfig
}

// InsertPlan is the ordered list of statements for one insert payload.
type InsertPlan = insert.Plan

// InsertStep is one statement of an InsertPlan.
type InsertStep = insert.Step

// StepRef is an InsertStep argument taken from an earlier step's returned row.
type StepRef = insert.StepRef
