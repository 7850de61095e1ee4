package cmd

import (
	"context"

	"github.com/spf13/cobra"

	tardis "github.com/tardis-backup/tardis/lib"
)

var dircontrolCmd = &cobra.Command{
	Use:   "dircontrol <config> <dir-id> mount|umount",
	Short: "Mount or unmount a tree's loop-mounted image",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		result, err := tardis.RunDircontrol(context.Background(), configDir, args[0], args[1], args[2])
		errorCheck(err)
		printResult(result)
	},
}
