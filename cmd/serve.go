package cmd

import (
	"log"

	"github.com/attachebot/attache/attache"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve [flags]",
	Short: "Starts the backend endpoint and admin API without the Discord bot",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		cfg.Discord.Enabled = false

		bot, err := attache.New(cfg)
		if err != nil {
			log.Fatalf("error creating attache: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running attache: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
