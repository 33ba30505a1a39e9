package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/pixiserve/pixisync/client/engine"
	"github.com/pixiserve/pixisync/client/hctx"
	"github.com/pixiserve/pixisync/client/lib"
	"github.com/pixiserve/pixisync/client/syncstate"
	"github.com/schollz/progressbar/v3"

	"github.com/spf13/cobra"
)

var syncQuiet *bool

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Back up new photos and videos now",
	Long:    "Scans the library, skips everything the server already has and uploads the rest. Interrupting a sync is safe: the next one picks up where this one stopped.",
	GroupID: GROUP_ID_SYNC,
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := hctx.MakeContext()
		lib.CheckFatalError(runSync(ctx, !*syncQuiet))
	},
}

func runSync(ctx context.Context, showProgress bool) error {
	e, closer, err := lib.BuildEngine(ctx)
	if err != nil {
		return err
	}
	defer closer()

	var observer *progressObserver
	if showProgress {
		observer = &progressObserver{}
		if err := e.Machine().Subscribe(observer.observe); err != nil {
			return err
		}
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	report, err := e.Run(ctx)
	if observer != nil {
		observer.finish()
	}
	if report != nil {
		printReport(report)
	}
	if errors.Is(err, context.Canceled) {
		fmt.Println("Sync interrupted, the next sync resumes from the last completed one")
		return nil
	}
	return err
}

func printReport(report *engine.Report) {
	s := report.Snapshot
	fmt.Printf("Scanned %d items: %d uploaded, %d already backed up", s.Scanned, s.Synced, s.AlreadyPresent)
	if s.Skipped > 0 {
		fmt.Printf(", %d unreadable", s.Skipped)
	}
	fmt.Println()
	if s.Failed > 0 {
		color.Red("%d uploads failed, run `pixisync status` for details", s.Failed)
	}
	if s.Status == syncstate.StatusError {
		color.Red("Sync stopped: %s", s.Reason)
	}
}

// progressObserver renders state machine snapshots as a progress bar on stderr.
type progressObserver struct {
	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	uploading bool
}

func newBar(max int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func (o *progressObserver) observe(s syncstate.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch s.Status {
	case syncstate.StatusScanning:
		if o.bar == nil {
			o.bar = newBar(-1, "Scanning")
		}
		_ = o.bar.Set(s.Scanned)
	case syncstate.StatusSyncing:
		if !o.uploading {
			if o.bar != nil {
				_ = o.bar.Finish()
			}
			o.bar = newBar(s.Total, "Uploading")
			o.uploading = true
		}
		o.bar.Describe("Uploading " + s.CurrentItem)
		o.bar.ChangeMax(max(s.Total, 1))
		_ = o.bar.Set(s.Synced)
	case syncstate.StatusPaused:
		if o.bar != nil {
			o.bar.Describe("Paused: " + s.Reason)
		}
	}
}

func (o *progressObserver) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.bar != nil {
		_ = o.bar.Finish()
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncQuiet = syncCmd.Flags().BoolP("quiet", "q", false, "Don't show a progress bar")
}
