package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pixiserve/pixisync/client/hctx"
	"github.com/pixiserve/pixisync/client/lib"
	"github.com/rjeczalik/notify"

	"github.com/spf13/cobra"
)

var (
	watchInterval *time.Duration
	watchDebounce *time.Duration
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Keep the library backed up, syncing whenever it changes",
	Long:    "Requires auto-sync to be enabled. Runs until interrupted.",
	GroupID: GROUP_ID_SYNC,
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		config := hctx.GetConf(ctx)
		if !config.Settings.AutoSync {
			printErr("auto-sync is disabled, enable it with `pixisync config-set auto-sync true`")
			os.Exit(1)
		}
		e, closer, err := lib.BuildEngine(ctx)
		lib.CheckFatalError(err)
		defer closer()

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		triggers, err := watchLibrary(ctx, config.LibraryRoot)
		lib.CheckFatalError(err)
		fmt.Printf("Watching %s, press Ctrl-C to stop\n", config.LibraryRoot)
		lib.CheckFatalError(e.Watch(ctx, triggers, *watchInterval, *watchDebounce))
	},
}

// watchLibrary turns filesystem events under root into triggers. Events on hidden files are ignored.
func watchLibrary(ctx context.Context, root string) (<-chan struct{}, error) {
	events := make(chan notify.EventInfo, 100)
	if err := notify.Watch(filepath.Join(root, "..."), events, notify.Create, notify.Write, notify.Rename); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}
	triggers := make(chan struct{}, 1)
	go func() {
		defer notify.Stop(events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if strings.HasPrefix(filepath.Base(ev.Path()), ".") {
					continue
				}
				hctx.GetLogger().Debugf("Library change: %s %s", ev.Event(), ev.Path())
				select {
				case triggers <- struct{}{}:
				default:
				}
			}
		}
	}()
	return triggers, nil
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchInterval = watchCmd.Flags().Duration("interval", time.Hour, "Also sync this often even without changes")
	watchDebounce = watchCmd.Flags().Duration("debounce", 10*time.Second, "Wait for the library to be quiet this long before syncing")
}
