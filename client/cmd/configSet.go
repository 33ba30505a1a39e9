package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pixiserve/pixisync/client/hctx"
	"github.com/pixiserve/pixisync/client/lib"
	"github.com/pixiserve/pixisync/shared"

	"github.com/spf13/cobra"
)

var configSetCmd = &cobra.Command{
	Use:     "config-set",
	Short:   "Set the value of a config option",
	GroupID: GROUP_ID_CONFIG,
	Run: func(cmd *cobra.Command, args []string) {
		lib.CheckFatalError(cmd.Help())
		os.Exit(1)
	},
}

// setBool returns a Run func that stores a true/false argument into the field picked by get.
func setBool(get func(config *hctx.ClientConfig) *bool) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		val := args[0]
		if val != "true" && val != "false" {
			printErr("Unexpected config value %s, must be one of: true, false", val)
			os.Exit(1)
		}
		ctx := hctx.MakeContext()
		config := hctx.GetConf(ctx)
		*get(config) = (val == "true")
		lib.CheckFatalError(hctx.SetConfig(config))
	}
}

func printErr(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
}

var setAutoSyncCmd = &cobra.Command{
	Use:       "auto-sync",
	Short:     "Whether `pixisync watch` starts syncs on its own",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"true", "false"},
	Run:       setBool(func(c *hctx.ClientConfig) *bool { return &c.Settings.AutoSync }),
}

var setWifiOnlyCmd = &cobra.Command{
	Use:       "wifi-only",
	Short:     "Whether syncing pauses on cellular networks",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"true", "false"},
	Run:       setBool(func(c *hctx.ClientConfig) *bool { return &c.Settings.WifiOnly }),
}

var setSyncVideosCmd = &cobra.Command{
	Use:       "sync-videos",
	Short:     "Whether videos are backed up",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"true", "false"},
	Run:       setBool(func(c *hctx.ClientConfig) *bool { return &c.Settings.SyncVideos }),
}

var setSyncScreenshotsCmd = &cobra.Command{
	Use:       "sync-screenshots",
	Short:     "Whether screenshots are backed up",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"true", "false"},
	Run:       setBool(func(c *hctx.ClientConfig) *bool { return &c.Settings.SyncScreenshots }),
}

var setLibraryRootCmd = &cobra.Command{
	Use:   "library-root",
	Short: "The directory that is backed up",
	Long:  "Changing the library resets the sync checkpoint so that the next sync scans the new library in full.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		root, err := filepath.Abs(args[0])
		lib.CheckFatalError(err)
		info, err := os.Stat(root)
		lib.CheckFatalError(err)
		if !info.IsDir() {
			printErr("%s is not a directory", root)
			os.Exit(1)
		}
		ctx := hctx.MakeContext()
		config := hctx.GetConf(ctx)
		if config.LibraryRoot != root {
			config.LibraryRoot = root
			config.SyncCursor = ""
		}
		lib.CheckFatalError(hctx.SetConfig(config))
	},
}

var setServerUrlCmd = &cobra.Command{
	Use:   "server-url",
	Short: "The pixisync server this device syncs with",
	Long:  "Run `pixisync register` afterwards so that the new server knows this device.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		config := hctx.GetConf(ctx)
		config.ServerURL = strings.TrimSuffix(args[0], "/")
		config.ChangesCursor = ""
		lib.CheckFatalError(hctx.SetConfig(config))
	},
}

var setUploadConcurrencyCmd = &cobra.Command{
	Use:   "upload-concurrency",
	Short: "The maximum number of uploads running at once",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			printErr("upload-concurrency must be a positive number, got %#v", args[0])
			os.Exit(1)
		}
		ctx := hctx.MakeContext()
		config := hctx.GetConf(ctx)
		config.UploadConcurrency = n
		lib.CheckFatalError(hctx.SetConfig(config))
	},
}

var setCheckBatchSizeCmd = &cobra.Command{
	Use:   "check-batch-size",
	Short: "How many fingerprints are checked against the server per request",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > shared.MaxCheckBatchSize {
			printErr("check-batch-size must be between 1 and %d, got %#v", shared.MaxCheckBatchSize, args[0])
			os.Exit(1)
		}
		ctx := hctx.MakeContext()
		config := hctx.GetConf(ctx)
		config.CheckBatchSize = n
		lib.CheckFatalError(hctx.SetConfig(config))
	},
}

func init() {
	rootCmd.AddCommand(configSetCmd)
	configSetCmd.AddCommand(setAutoSyncCmd)
	configSetCmd.AddCommand(setWifiOnlyCmd)
	configSetCmd.AddCommand(setSyncVideosCmd)
	configSetCmd.AddCommand(setSyncScreenshotsCmd)
	configSetCmd.AddCommand(setLibraryRootCmd)
	configSetCmd.AddCommand(setServerUrlCmd)
	configSetCmd.AddCommand(setUploadConcurrencyCmd)
	configSetCmd.AddCommand(setCheckBatchSizeCmd)
}
