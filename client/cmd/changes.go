package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/pixiserve/pixisync/client/feed"
	"github.com/pixiserve/pixisync/client/hctx"
	"github.com/pixiserve/pixisync/client/lib"
	"github.com/pixiserve/pixisync/shared"
	"github.com/rodaine/table"

	"github.com/spf13/cobra"
)

var (
	changesFromStart *bool
	changesLimit     *int
	changesSince     *string
)

var changesCmd = &cobra.Command{
	Use:     "changes",
	Short:   "List media uploaded by any of your devices since the last time you looked",
	GroupID: GROUP_ID_SYNC,
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		config := hctx.GetConf(ctx)
		var since time.Time
		if *changesSince != "" {
			t, err := lib.ParseTimeGenerously(*changesSince)
			lib.CheckFatalError(err)
			since = t
		}
		b, err := lib.MakeBackend(config)
		lib.CheckFatalError(err)

		headerFmt := color.New(color.FgGreen, color.Underline).SprintfFunc()
		tbl := table.New("Seq", "Filename", "Kind", "Size", "Captured", "Uploaded")
		tbl.WithHeaderFormatter(headerFmt)
		shown := 0
		puller := feed.NewPuller(b, config, hctx.SetConfig, hctx.GetLogger())
		read, err := puller.Pull(context.Background(), feed.PullOptions{MaxItems: *changesLimit, FromStart: *changesFromStart}, func(items []shared.AssetRecord) error {
			for _, item := range items {
				if !since.IsZero() && item.CreatedAt.Before(since) {
					continue
				}
				captured := ""
				if item.CapturedAt != nil {
					captured = item.CapturedAt.Local().Format("Jan 2 2006 15:04")
				}
				tbl.AddRow(item.Seq, item.Filename, item.Kind, humanBytes(item.Size), captured, item.CreatedAt.Local().Format("Jan 2 2006 15:04:05"))
				shown++
			}
			return nil
		})
		if shown > 0 {
			tbl.Print()
		}
		lib.CheckFatalError(err)
		if read == 0 {
			fmt.Println("No new media")
		}
	},
}

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Short:   "List the devices registered to your account",
	GroupID: GROUP_ID_SYNC,
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		config := hctx.GetConf(ctx)
		b, err := lib.MakeBackend(config)
		lib.CheckFatalError(err)
		devices, err := b.ListDevices(context.Background())
		lib.CheckFatalError(err)

		headerFmt := color.New(color.FgGreen, color.Underline).SprintfFunc()
		tbl := table.New("", "Name", "Type", "Version", "Uploaded", "Last Sync")
		tbl.WithHeaderFormatter(headerFmt)
		for _, d := range devices {
			current := ""
			if d.DeviceId == config.DeviceId {
				current = "*"
			}
			lastSync := "never"
			if d.LastSyncAt != nil {
				lastSync = d.LastSyncAt.Local().Format("Jan 2 2006 15:04:05")
			}
			tbl.AddRow(current, d.DeviceName, d.DeviceType, d.AppVersion, fmt.Sprintf("%d (%s)", d.TotalUploaded, humanBytes(d.TotalBytesUploaded)), lastSync)
		}
		tbl.Print()
	},
}

func init() {
	rootCmd.AddCommand(changesCmd)
	rootCmd.AddCommand(devicesCmd)
	changesFromStart = changesCmd.Flags().Bool("from-start", false, "List the whole feed instead of only what is new")
	changesLimit = changesCmd.Flags().Int("limit", 0, "Stop after roughly this many items (0 for no limit)")
	changesSince = changesCmd.Flags().String("since", "", "Only show media uploaded after this time, e.g. '2024-03-01' or 'Mar 1 2024 10:00'")
}
