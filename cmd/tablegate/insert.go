package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/pthm/tablegate"
	"github.com/pthm/tablegate/internal/cli"
)

var (
	insertDB       string
	insertSchema   string
	insertPolicies string
	insertRequest  string
	insertExec     bool
)

var insertCmd = &cobra.Command{
	Use:   "insert <table>",
	Short: "Plan (or run) a nested insert",
	Long: `Plan the insert of a payload into a table and print the ordered statements.

The request document holds the row object (or list of rows) under "payload",
an optional "returning" selection and an optional per-request "policy".
Nested objects are inserted into related tables: referenced parents first,
then the row itself, then children and link-table rows.

With --exec the plan runs on the database in one transaction and the
returned rows are printed as YAML.`,
	Example: `  # Show the statements for a user with two posts
  tablegate insert users --request signup.yaml

  # Run them
  tablegate insert users --request signup.yaml --exec --db postgres://localhost/app`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		table := args[0]

		req, err := readRequest(insertRequest)
		if err != nil {
			return err
		}
		if req.payload == nil {
			return cli.ConfigError("request has no payload", nil)
		}

		flagDB := insertDB
		if insertExec && flagDB == "" {
			if flagDB, err = resolveDSN(""); err != nil {
				return err
			}
		}
		db, err := optionalDB(ctx, flagDB)
		if err != nil {
			return err
		}
		if db != nil {
			defer func() { _ = db.Close() }()
		}

		c, err := loadCatalog(ctx, resolveString(insertSchema, cfg.Schema), db)
		if err != nil {
			return err
		}
		compiler, err := newCompiler(tablegate.NewStore(c), insertPolicies, db)
		if err != nil {
			return err
		}

		plan, err := compiler.CompileInsert(ctx, table, req.payload, req.params["returning"], req.policy)
		if err != nil {
			return requestError(err)
		}

		out := cmd.OutOrStdout()
		if !insertExec {
			for i, step := range plan.Steps {
				_, _ = fmt.Fprintf(out, "-- step %d: %s\n", i, step.Table)
				if err := printStatement(out, &tablegate.Statement{SQL: step.SQL, Args: step.Args}, false); err != nil {
					return err
				}
			}
			return nil
		}

		rows, err := compiler.ExecInsert(ctx, db, plan)
		if err != nil {
			return cli.GeneralError("running insert", err)
		}
		data, err := yaml.Marshal(rows)
		if err != nil {
			return err
		}
		_, _ = out.Write(data)
		return nil
	},
}

func init() {
	f := insertCmd.Flags()
	f.StringVar(&insertDB, "db", "", "database URL")
	f.StringVar(&insertSchema, "schema", "", "path to schema file")
	f.StringVar(&insertPolicies, "policies", "", "path to policies file")
	f.StringVarP(&insertRequest, "request", "r", "-", "request file, or - for stdin")
	f.BoolVar(&insertExec, "exec", false, "run the plan and print the returned rows")
}
