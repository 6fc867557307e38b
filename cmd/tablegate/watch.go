package main

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/pthm/tablegate"
	"github.com/pthm/tablegate/internal/cli"
	"github.com/pthm/tablegate/schema"
)

var (
	watchSchema   string
	watchPolicies string
	watchCommand  string
	watchRequest  string
)

var watchCmd = &cobra.Command{
	Use:   "watch [table]",
	Short: "Reload the schema file on change",
	Long: `Watch the schema file and reload it on every change.

Given a table and a request, the request is recompiled and printed after
every successful reload, which shows how a schema edit changes the SQL.
Files that fail to load are reported and the previous schema stays in use.`,
	Example: `  # Recompile a request whenever schema.yaml changes
  tablegate watch users --request req.yaml

  # Only log reloads
  tablegate watch -v`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := resolveString(watchSchema, cfg.Schema)

		store, err := tablegate.LoadStore(path)
		if err != nil {
			return cli.SchemaParseError("loading schema", err)
		}

		if len(args) == 0 {
			return ignoreCanceled(store.Watch(ctx, path, logger))
		}

		req, err := readRequest(watchRequest)
		if err != nil {
			return err
		}
		compiler, err := newCompiler(store, watchPolicies, nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		recompile := func() {
			compileAndPrint(ctx, out, compiler, args[0], req)
		}

		recompile()
		return ignoreCanceled(schema.Watch(ctx, path,
			func(c *schema.Catalog) {
				store.Replace(c)
				logger.Info("schema reloaded", "path", path, "tables", len(c.Tables()))
				recompile()
			},
			func(err error) {
				logger.Warn("schema reload failed", "path", path, "error", err)
			},
		))
	},
}

func init() {
	f := watchCmd.Flags()
	f.StringVar(&watchSchema, "schema", "", "path to schema file")
	f.StringVar(&watchPolicies, "policies", "", "path to policies file")
	f.StringVarP(&watchCommand, "command", "c", "select", "request command: select, update or delete")
	f.StringVarP(&watchRequest, "request", "r", "", "request file")
}

// compileAndPrint prints the compiled request, or the rejection. A rejected
// request does not stop the watch.
func compileAndPrint(ctx context.Context, out io.Writer, c *tablegate.Compiler, table string, req *request) {
	stmt, err := c.Compile(ctx, table, tablegate.Command(watchCommand), req.where, req.params, req.policy)
	if err != nil {
		logger.Error("request rejected", "table", table, "error", err)
		return
	}
	if err := printStatement(out, stmt, false); err != nil {
		logger.Error("printing statement", "error", err)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
