package insert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pthm/tablegate/internal/query"
)

// Querier runs a statement and returns its rows. *sql.DB, *sql.Tx and
// *sql.Conn implement it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxBeginner starts a transaction. *sql.DB and *sql.Conn implement it.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// ErrNoTransaction is returned for a nested plan whose handle can neither
// begin a transaction nor is one.
var ErrNoTransaction = errors.New("nested insert needs a handle that can begin a transaction or a *sql.Tx")

// runFunc executes one statement and returns the rows it produced.
type runFunc func(ctx context.Context, stmt string, args []any) ([]map[string]any, error)

// Exec runs the plan and returns the caller-visible rows of the root table,
// in payload order. A nested plan runs in a transaction opened on db when
// db can begin one; pass a *sql.Tx to run it inside an existing one. Any
// failure rolls the transaction back. Any other handle is refused for a
// nested plan.
func Exec(ctx context.Context, db Querier, p *Plan) ([]map[string]any, error) {
	if !p.Nested {
		return run(ctx, p, queryRunner(db))
	}
	if _, ok := db.(*sql.Tx); ok {
		return run(ctx, p, queryRunner(db))
	}
	b, ok := db.(TxBeginner)
	if !ok {
		return nil, fmt.Errorf("insert into %s: %w", p.Table, ErrNoTransaction)
	}
	tx, err := b.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin nested insert into %s: %w", p.Table, err)
	}
	rows, err := run(ctx, p, queryRunner(tx))
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit nested insert into %s: %w", p.Table, err)
	}
	return rows, nil
}

func queryRunner(db Querier) runFunc {
	return func(ctx context.Context, stmt string, args []any) ([]map[string]any, error) {
		rows, err := db.QueryContext(ctx, stmt, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanRows(rows)
	}
}

// run executes the steps in order, resolving step references from the
// rows returned by earlier steps.
func run(ctx context.Context, p *Plan, exec runFunc) ([]map[string]any, error) {
	results := make([][]map[string]any, len(p.Steps))
	var out []map[string]any
	for i, s := range p.Steps {
		args := make([]any, len(s.Args))
		for j, a := range s.Args {
			ref, ok := a.(StepRef)
			if !ok {
				args[j] = query.BindValue(a)
				continue
			}
			v, err := resolve(results, ref)
			if err != nil {
				return nil, fmt.Errorf("insert into %s: %w", s.Table, err)
			}
			args[j] = v
		}
		rows, err := exec(ctx, s.SQL, args)
		if err != nil {
			return nil, fmt.Errorf("insert into %s: %w", s.Table, err)
		}
		results[i] = rows
		if s.Root {
			for _, r := range rows {
				out = append(out, project(r, s.Output))
			}
		}
	}
	return out, nil
}

func resolve(results [][]map[string]any, ref StepRef) (any, error) {
	if ref.Step < 0 || ref.Step >= len(results) || len(results[ref.Step]) == 0 {
		return nil, fmt.Errorf("%s: step returned no row", ref)
	}
	v, ok := results[ref.Step][0][ref.Column]
	if !ok {
		return nil, fmt.Errorf("%s: column not returned", ref)
	}
	return v, nil
}

func project(row map[string]any, cols []string) map[string]any {
	out := make(map[string]any, len(cols))
	for _, c := range cols {
		out[c] = row[c]
	}
	return out
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
