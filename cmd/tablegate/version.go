package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/pthm/tablegate/internal/version"
)

func init() {
	// If the version wasn't set via ldflags, take it from module info. This
	// works when installed via "go install github.com/pthm/tablegate/cmd/tablegate@version".
	if version.Version != "dev" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		version.Version = info.Main.Version
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			version.Commit = setting.Value[:min(7, len(setting.Value))]
		case "vcs.time":
			version.Date = setting.Value
		}
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if quiet {
			fmt.Println(version.Short())
			return
		}
		fmt.Println(version.Info())
	},
}
