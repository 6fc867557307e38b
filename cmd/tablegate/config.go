package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/pthm/tablegate/internal/cli"
)

var configShowSource bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration utilities",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long: `Show the effective configuration after merging defaults, config file, and
environment variables. Database passwords are masked.

With --source, also show the config file in use, where the schema and
policies files resolve to and which layer set them, and the database the
compile and introspect commands would connect to.`,
	Example: `  # Show effective configuration
  tablegate config show

  # Show where the schema and policies files come from
  tablegate config show --source`,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		if configShowSource {
			writeSources(w, cfg, configPath)
		}

		out, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprint(w, string(out))
		return nil
	},
}

func writeSources(w io.Writer, c *cli.Config, path string) {
	if path != "" {
		_, _ = fmt.Fprintf(w, "Config file: %s\n", path)
	} else {
		_, _ = fmt.Fprintln(w, "Config file: (none, using defaults)")
	}

	for _, f := range c.Files() {
		switch {
		case f.Value == "" && f.Key == "policies":
			_, _ = fmt.Fprintf(w, "Policies:    (none, every table unrestricted) [%s]\n", f.Origin)
		case f.Value == "":
			_, _ = fmt.Fprintf(w, "Schema:      (none, introspected from the database) [%s]\n", f.Origin)
		default:
			state := "found"
			if !f.Exists {
				state = "missing"
			}
			label := "Schema:"
			if f.Key == "policies" {
				label = "Policies:"
			}
			_, _ = fmt.Fprintf(w, "%-12s %s (%s) [%s]\n", label, f.Path, state, f.Origin)
		}
	}

	if dsn := c.RedactedDSN(); dsn != "" {
		_, _ = fmt.Fprintf(w, "Database:    %s\n", dsn)
	} else {
		_, _ = fmt.Fprintln(w, "Database:    (not configured)")
	}
	_, _ = fmt.Fprintf(w, "Compile:     default limit %d, remote policies %t\n\n",
		c.Compile.DefaultLimit, c.Compile.RemotePolicies)
}

func init() {
	configShowCmd.Flags().BoolVar(&configShowSource, "source", false, "show config file, schema and policies sources")
	configCmd.AddCommand(configShowCmd)
}
