package cmd

import (
	"fmt"

	"github.com/EphiBL/sonnetbot/sonnetbot"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"sonnetbot version: %s (commit: %s) (build time: %s)\n",
			sonnetbot.Version,
			sonnetbot.CommitSHA,
			sonnetbot.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
