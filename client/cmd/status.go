package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pixiserve/pixisync/client/data"
	"github.com/pixiserve/pixisync/client/hctx"
	"github.com/pixiserve/pixisync/client/lib"
	"github.com/rodaine/table"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	verbose    *bool
	configFlag *bool
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "View the sync status of this device",
	GroupID: GROUP_ID_SYNC,
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		config := hctx.GetConf(ctx)
		fmt.Printf("pixisync: v0.%s\n", lib.Version)
		if !config.IsRegistered() {
			fmt.Println("Device: not registered, run `pixisync register`")
		} else {
			fmt.Printf("Device: %s (%s)\n", config.DeviceName, config.DeviceId)
			fmt.Printf("Server: %s\n", config.ServerURL)
		}
		fmt.Printf("Library: %s\n", orNone(config.LibraryRoot))
		if config.LastSyncAt != nil {
			fmt.Printf("Last Sync: %s\n", config.LastSyncAt.Local().Format("Jan 2 2006 15:04:05 MST"))
		} else {
			fmt.Println("Last Sync: never")
		}
		if config.LastSessionError != "" {
			color.Red("Sync Status: Error (%s)", config.LastSessionError)
		} else {
			color.Green("Sync Status: OK")
		}
		lib.CheckFatalError(printLastSession(ctx))
		if *verbose && config.IsRegistered() {
			printServerStatus(ctx, config)
		}
		fmt.Printf("Commit Hash: %s\n", lib.GitCommit)
		if *configFlag {
			y, err := yaml.Marshal(config)
			if err != nil {
				lib.CheckFatalError(fmt.Errorf("failed to marshal config to yaml: %w", err))
			}
			indented := "\t" + strings.ReplaceAll(string(y), "\n", "\n\t")
			fmt.Printf("Full Config:\n%s\n", indented)
		}
	},
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func printLastSession(ctx context.Context) error {
	records, err := data.LatestSessionRecords(ctx, hctx.GetDb(ctx))
	if err != nil {
		return err
	}
	summary := lib.SummarizeSession(records)
	if summary == nil {
		return nil
	}
	fmt.Printf("Last Session: %d uploaded (%s), %d already on the server, %d failed\n", summary.Done, humanBytes(summary.Bytes), summary.Duplicate, summary.Failed)
	if summary.Failed == 0 {
		return nil
	}
	headerFmt := color.New(color.FgGreen, color.Underline).SprintfFunc()
	tbl := table.New("File", "Attempts", "Reason")
	tbl.WithHeaderFormatter(headerFmt)
	for _, r := range summary.Failures {
		tbl.AddRow(r.LocalId, r.Attempts, r.Reason)
	}
	tbl.Print()
	return nil
}

func printServerStatus(ctx context.Context, config *hctx.ClientConfig) {
	b, err := lib.MakeBackend(config)
	lib.CheckFatalError(err)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	status, err := b.Status(ctx, config.DeviceId)
	if err != nil {
		color.Yellow("Server Status: unreachable (%v)", err)
		return
	}
	fmt.Printf("Server Assets: %d (%d since this device's last sync)\n", status.TotalAssets, status.AssetsSinceCursor)
	fmt.Printf("Server Cursor: %s\n", orNone(status.SyncCursor))
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(statusCmd)
	verbose = statusCmd.Flags().BoolP("verbose", "v", false, "Also query the server for this device's status")
	configFlag = statusCmd.Flags().Bool("full-config", false, "Display pixisync's full config")
}
