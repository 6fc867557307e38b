package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/tablegate/internal/cli"
	"github.com/pthm/tablegate/internal/introspect"
	"github.com/pthm/tablegate/schema"
)

var (
	introspectDB     string
	introspectSchema string
	introspectTables []string
	introspectOutput string
)

var introspectCmd = &cobra.Command{
	Use:   "introspect",
	Short: "Write the schema of a live database",
	Long: `Read tables, views, columns, keys and the connecting role's column privileges
from PostgreSQL and write them as a schema file.`,
	Example: `  # Print the schema of the current search_path schema
  tablegate introspect --db postgres://localhost/app

  # Write the "app" schema to schema.yaml
  tablegate introspect --db postgres://localhost/app --pg-schema app --output schema.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		dsn, err := resolveDSN(introspectDB)
		if err != nil {
			return err
		}
		db, err := openDB(ctx, dsn)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		tables := introspectTables
		if len(tables) == 0 {
			tables = cfg.Introspect.Tables
		}
		c, err := introspect.Load(ctx, db, introspect.Options{
			Schema: cfg.ResolvedIntrospectSchema(introspectSchema),
			Tables: tables,
		})
		if err != nil {
			return cli.DBConnectError("introspecting schema", err)
		}

		data, err := schema.Marshal(c)
		if err != nil {
			return cli.GeneralError("rendering schema", err)
		}

		output := resolveString(introspectOutput, cfg.Introspect.Output)
		if output == "" {
			_, _ = cmd.OutOrStdout().Write(data)
			return nil
		}
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return cli.GeneralError(fmt.Sprintf("writing %s", output), err)
		}
		if !quiet {
			fmt.Printf("Wrote %d tables to %s\n", len(c.Tables()), output)
		}
		return nil
	},
}

func init() {
	f := introspectCmd.Flags()
	f.StringVar(&introspectDB, "db", "", "database URL")
	f.StringVar(&introspectSchema, "pg-schema", "", "PostgreSQL schema to read (default: current_schema())")
	f.StringSliceVar(&introspectTables, "tables", nil, "only these tables")
	f.StringVarP(&introspectOutput, "output", "o", "", "output file (default: stdout)")
}
