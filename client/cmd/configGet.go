package cmd

import (
	"fmt"
	"os"

	"github.com/pixiserve/pixisync/client/hctx"
	"github.com/pixiserve/pixisync/client/lib"

	"github.com/spf13/cobra"
)

var configGetCmd = &cobra.Command{
	Use:     "config-get",
	Short:   "Get the value of a config option",
	GroupID: GROUP_ID_CONFIG,
	Run: func(cmd *cobra.Command, args []string) {
		lib.CheckFatalError(cmd.Help())
		os.Exit(1)
	},
}

var getAutoSyncCmd = &cobra.Command{
	Use:   "auto-sync",
	Short: "Whether `pixisync watch` starts syncs on its own",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		fmt.Println(hctx.GetConf(ctx).Settings.AutoSync)
	},
}

var getWifiOnlyCmd = &cobra.Command{
	Use:   "wifi-only",
	Short: "Whether syncing pauses on cellular networks",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		fmt.Println(hctx.GetConf(ctx).Settings.WifiOnly)
	},
}

var getSyncVideosCmd = &cobra.Command{
	Use:   "sync-videos",
	Short: "Whether videos are backed up",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		fmt.Println(hctx.GetConf(ctx).Settings.SyncVideos)
	},
}

var getSyncScreenshotsCmd = &cobra.Command{
	Use:   "sync-screenshots",
	Short: "Whether screenshots are backed up",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		fmt.Println(hctx.GetConf(ctx).Settings.SyncScreenshots)
	},
}

var getLibraryRootCmd = &cobra.Command{
	Use:   "library-root",
	Short: "The directory that is backed up",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		fmt.Println(hctx.GetConf(ctx).LibraryRoot)
	},
}

var getServerUrlCmd = &cobra.Command{
	Use:   "server-url",
	Short: "The pixisync server this device syncs with",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		fmt.Println(hctx.GetConf(ctx).ServerURL)
	},
}

var getUploadConcurrencyCmd = &cobra.Command{
	Use:   "upload-concurrency",
	Short: "The maximum number of uploads running at once",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		fmt.Println(hctx.GetConf(ctx).UploadConcurrency)
	},
}

var getCheckBatchSizeCmd = &cobra.Command{
	Use:   "check-batch-size",
	Short: "How many fingerprints are checked against the server per request",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		fmt.Println(hctx.GetConf(ctx).CheckBatchSize)
	},
}

func init() {
	rootCmd.AddCommand(configGetCmd)
	configGetCmd.AddCommand(getAutoSyncCmd)
	configGetCmd.AddCommand(getWifiOnlyCmd)
	configGetCmd.AddCommand(getSyncVideosCmd)
	configGetCmd.AddCommand(getSyncScreenshotsCmd)
	configGetCmd.AddCommand(getLibraryRootCmd)
	configGetCmd.AddCommand(getServerUrlCmd)
	configGetCmd.AddCommand(getUploadConcurrencyCmd)
	configGetCmd.AddCommand(getCheckBatchSizeCmd)
}
