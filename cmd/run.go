package cmd

import (
	"log"

	"github.com/EphiBL/sonnetbot/sonnetbot"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot",
	Run: func(cmd *cobra.Command, args []string) {
		bot, err := sonnetbot.New(cfg)
		if err != nil {
			log.Fatalf("error creating bot: %v", err)
		}
		if err = bot.Run(cmd.Context()); err != nil {
			log.Fatalf("error running bot: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
