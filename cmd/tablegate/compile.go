package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pthm/tablegate"
)

var (
	compileDB       string
	compileSchema   string
	compilePolicies string
	compileCommand  string
	compileRequest  string
	compileCount    bool
	compileColumns  bool
	compileJSON     bool
)

var compileCmd = &cobra.Command{
	Use:   "compile <table>",
	Short: "Compile a request to SQL",
	Long: `Compile a select, count, update or delete request on a table and print the SQL.

The request document is YAML or JSON. "where" holds the filter, "policy" an
optional per-request policy for the table, and every other key is a command
parameter (select, orderBy, limit, offset, groupBy, having for select; data
and returning for update; returning for delete).`,
	Example: `  # Select with a filter and a joined branch
  tablegate compile users --request req.yaml

  # Read the request from stdin
  echo '{"where": {"id": 7}, "select": "id, email"}' | tablegate compile users --request -

  # Count the rows a request would return
  tablegate compile users --request req.yaml --count

  # List the columns an update may set
  tablegate compile posts --command update --columns`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		table := args[0]

		req, err := readRequest(compileRequest)
		if err != nil {
			return err
		}

		db, err := optionalDB(ctx, compileDB)
		if err != nil {
			return err
		}
		if db != nil {
			defer func() { _ = db.Close() }()
		}

		c, err := loadCatalog(ctx, resolveString(compileSchema, cfg.Schema), db)
		if err != nil {
			return err
		}
		compiler, err := newCompiler(tablegate.NewStore(c), compilePolicies, db)
		if err != nil {
			return err
		}

		command := tablegate.Command(strings.ToLower(compileCommand))
		out := cmd.OutOrStdout()

		if compileColumns {
			cols, err := compiler.Columns(ctx, table, command, req.where, req.policy)
			if err != nil {
				return requestError(err)
			}
			for _, col := range cols {
				_, _ = fmt.Fprintln(out, col)
			}
			return nil
		}

		var stmt *tablegate.Statement
		if compileCount {
			stmt, err = compiler.CompileCount(ctx, table, req.where, req.params, req.policy)
		} else {
			stmt, err = compiler.Compile(ctx, table, command, req.where, req.params, req.policy)
		}
		if err != nil {
			return requestError(err)
		}
		return printStatement(out, stmt, compileJSON)
	},
}

func init() {
	f := compileCmd.Flags()
	f.StringVar(&compileDB, "db", "", "database URL (for introspection and probes)")
	f.StringVar(&compileSchema, "schema", "", "path to schema file")
	f.StringVar(&compilePolicies, "policies", "", "path to policies file")
	f.StringVarP(&compileCommand, "command", "c", "select", "request command: select, update or delete")
	f.StringVarP(&compileRequest, "request", "r", "", "request file, or - for stdin")
	f.BoolVar(&compileCount, "count", false, "compile the row count of a select request")
	f.BoolVar(&compileColumns, "columns", false, "list the columns the command may use instead of compiling")
	f.BoolVar(&compileJSON, "json", false, "print the statement as JSON")
}
