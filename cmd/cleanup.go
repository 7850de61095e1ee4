package cmd

import (
	"github.com/spf13/cobra"

	tardis "github.com/tardis-backup/tardis/lib"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <config> <bytes>",
	Short: "Admit space in the database dump store and confirm physical headroom",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		result, err := tardis.RunCleanup(configDir, args[0], args[1])
		errorCheck(err)
		printResult(result)
	},
}
