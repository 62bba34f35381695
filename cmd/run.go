package cmd

import (
	"log"

	"github.com/attachebot/attache/attache"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Discord bot and the backend endpoint",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		cfg.Discord.Enabled = true
		if cfg.Discord.Token == "" {
			log.Fatal(
				"Environment variable ATTACHE_DISCORD_TOKEN not set " +
					"(a bot token is required to connect to the gateway)",
			)
		}
		if cfg.Endpoint.BaseURL == "" {
			log.Fatal(
				"Environment variable ATTACHE_ENDPOINT_BASE_URL not set " +
					"(e.g. http://127.0.0.1:5000/bot)",
			)
		}

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
	rootCmd.AddCommand(runCmd)
}
