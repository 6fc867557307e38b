package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pthm/tablegate"
	"github.com/pthm/tablegate/internal/cli"
)

var (
	pathsDB     string
	pathsSchema string
)

var pathsCmd = &cobra.Command{
	Use:   "paths <from> <to>",
	Short: "Show the shortest join path between two tables",
	Long: `Show the shortest join path between two tables, the path a "**" wildcard
join or an implicit $existsJoined first hop resolves to.`,
	Example: `  tablegate paths comments users`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		db, err := optionalDB(ctx, pathsDB)
		if err != nil {
			return err
		}
		if db != nil {
			defer func() { _ = db.Close() }()
		}

		c, err := loadCatalog(ctx, resolveString(pathsSchema, cfg.Schema), db)
		if err != nil {
			return err
		}
		for _, name := range args {
			if _, err := c.Lookup(name); err != nil {
				return cli.SchemaParseError("unknown table", err)
			}
		}

		compiler := tablegate.New(tablegate.NewStore(c))
		path, ok := compiler.ShortestPath(args[0], args[1])
		if !ok {
			return cli.GeneralError(fmt.Sprintf("no join path from %s to %s", args[0], args[1]), nil)
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(path, " → "))
		return nil
	},
}

func init() {
	f := pathsCmd.Flags()
	f.StringVar(&pathsDB, "db", "", "database URL (introspected when no schema file exists)")
	f.StringVar(&pathsSchema, "schema", "", "path to schema file")
}
