package cmd

import (
	"fmt"

	"github.com/attachebot/attache/attache"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			attache.Version,
			attache.CommitSHA,
			attache.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
