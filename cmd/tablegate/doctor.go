package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/tablegate"
	"github.com/pthm/tablegate/internal/cli"
	"github.com/pthm/tablegate/internal/doctor"
)

var (
	doctorDB       string
	doctorSchema   string
	doctorPolicies string
	doctorVerbose  bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks",
	Long: `Run health checks on the schema and policies.

Without a database only the schema and policy files are checked. With one,
the policies' forced filters, forced data and dynamic fields are probed
against the live tables and the schema file is compared with the database.`,
	Example: `  # Check schema and policy files
  tablegate doctor

  # Include database checks, with verbose output
  tablegate doctor --db postgres://localhost/mydb --verbose`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		verboseFlag := resolveBool(doctorVerbose, cfg.Doctor.Verbose)

		db, err := optionalDB(ctx, doctorDB)
		if err != nil {
			return err
		}
		if db != nil {
			defer func() { _ = db.Close() }()
		}

		c, err := loadCatalog(ctx, resolveString(doctorSchema, cfg.Schema), db)
		if err != nil {
			return err
		}
		policies, err := cli.LoadPolicies(resolveString(doctorPolicies, cfg.Policies))
		if err != nil {
			return cli.ConfigError("loading policies", err)
		}

		var opts []doctor.Option
		if db != nil {
			opts = append(opts,
				doctor.WithDatabase(db, cfg.Introspect.Schema),
				doctor.WithProber(tablegate.DBProber(db)),
			)
		}

		if !quiet {
			fmt.Println("tablegate doctor - Health Check")
		}

		report, err := doctor.New(c, policies, opts...).Run(ctx)
		if err != nil {
			return cli.GeneralError("running doctor", err)
		}

		report.Print(os.Stdout, verboseFlag)

		if report.HasErrors() {
			return cli.GeneralError("health checks failed", nil)
		}

		return nil
	},
}

func init() {
	f := doctorCmd.Flags()
	f.StringVar(&doctorDB, "db", "", "database URL")
	f.StringVar(&doctorSchema, "schema", "", "path to schema file")
	f.StringVar(&doctorPolicies, "policies", "", "path to policies file")
	f.BoolVar(&doctorVerbose, "verbose", false, "show detailed output")
}
