package cmd

import (
	"github.com/spf13/cobra"

	tardis "github.com/tardis-backup/tardis/lib"
)

var marksnapshotCmd = &cobra.Command{
	Use:   "marksnapshot <config> <dir-id> <timestamp>",
	Short: "Stamp backup.0 with its completion timestamp",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		result, err := tardis.RunMarksnapshot(configDir, args[0], args[1], args[2])
		errorCheck(err)
		printResult(result)
	},
}
