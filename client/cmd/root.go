package cmd

import (
	"os"

	"github.com/pixiserve/pixisync/client/lib"

	"github.com/spf13/cobra"
)

var (
	GROUP_ID_SYNC   string = "group_id_sync"
	GROUP_ID_CONFIG string = "group_id_config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pixisync",
	Short: "pixisync: offline-first photo and video backup",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{ID: GROUP_ID_SYNC, Title: "Syncing"})
	rootCmd.AddGroup(&cobra.Group{ID: GROUP_ID_CONFIG, Title: "Configuration"})
	rootCmd.Version = "v0." + lib.Version
}
