package cmd

import (
	"github.com/spf13/cobra"

	tardis "github.com/tardis-backup/tardis/lib"
)

var incrementCmd = &cobra.Command{
	Use:   "increment <config> <dir-id> <bytes> <inodes>",
	Short: "Admit space for the next rsync and rotate the snapshot ring",
	Args:  cobra.ExactArgs(4),
	Run: func(cmd *cobra.Command, args []string) {
		result, err := tardis.RunIncrement(configDir, args[0], args[1], args[2], args[3])
		errorCheck(err)
		printResult(result)
	},
}
