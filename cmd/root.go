package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	tardis "github.com/tardis-backup/tardis/lib"
)

var (
	Version   = "No Version Provided"
	BuildHash = "No BuildHash Provided"
	BuildTime = "No BuildTime Provided"
)

var (
	configDir string
	debug     bool
)

var RootCmd = &cobra.Command{
	Use:   "tardis",
	Short: "Remote incremental backup server-side operations",
	Long: `Tardis drives the server side of a remote, incremental backup
system: image lifecycle, snapshot ring rotation and space reclaim, and
database dump retention. Each subcommand is a short-lived invocation
triggered from the backup client; there is no daemon.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the selected subcommand and maps its error, if any, to the
// wire-observable "ERROR: ..." stderr line plus the matching process
// exit code.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(tardis.ExitCode(err))
	}
}

func init() {
	cobra.OnInitialize(initConfigDir)
	cobra.OnInitialize(initLogger)

	RootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "directory holding named config files (default: install root's config/, falling back to ~/.tardis/config)")
	RootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable development-mode (console, debug-level) logging")
	viper.BindPFlag("config-dir", RootCmd.PersistentFlags().Lookup("config-dir"))
	viper.BindPFlag("debug", RootCmd.PersistentFlags().Lookup("debug"))
	viper.SetEnvPrefix("tardis")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	RootCmd.AddCommand(dircontrolCmd)
	RootCmd.AddCommand(incrementCmd)
	RootCmd.AddCommand(marksnapshotCmd)
	RootCmd.AddCommand(cleanupCmd)
	RootCmd.AddCommand(historyCmd)
	RootCmd.AddCommand(versionCmd)
}

// initConfigDir computes the fallback config directory passed down to
// lib.RunPreflightIn: "~/.tardis/config" by default, or an explicit
// --config-dir/TARDIS_CONFIG_DIR override. lib.RunPreflightIn only
// consults this value when the install-root "config/" lookup misses
// entirely; the install-root location always wins when both exist.
func initConfigDir() {
	if configDir != "" {
		return
	}
	if v := viper.GetString("config-dir"); v != "" {
		configDir = v
		return
	}

	home, err := homedir.Dir()
	if err != nil {
		return
	}
	configDir = filepath.Join(home, ".tardis", "config")
}

func initLogger() {
	if !debug && !viper.GetBool("debug") {
		return
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return
	}
	tardis.SetLogger(l)
}
