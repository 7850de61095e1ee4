package cmd

import (
	"github.com/spf13/cobra"

	tardis "github.com/tardis-backup/tardis/lib"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <config> <dir-id>",
	Short: "Inspect the local audit journal for a tree",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		result, err := tardis.RunHistory(configDir, args[0], args[1], historyLimit)
		errorCheck(err)
		printResult(result)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of entries to show")
}
