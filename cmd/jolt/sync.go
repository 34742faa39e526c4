package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joltapp/jolt-sync/internal/engine"
	"github.com/joltapp/jolt-sync/internal/logging"
	"github.com/joltapp/jolt-sync/internal/queue"
	"github.com/joltapp/jolt-sync/internal/reachability"
	"github.com/joltapp/jolt-sync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Stay connected and keep this device in sync (foreground)",
	Long: `Run the sync engine in the foreground until interrupted.

The engine replays queued changes whenever the network comes back, follows
changes made on other devices and prints a line for each. Changes queued by
other jolt commands while this runs are picked up and sent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cfg.Server.Token == "" {
			return fmt.Errorf("no token configured, run 'jolt config init' or set JOLT_SERVER_TOKEN")
		}

		monitor := reachability.NewMonitor(logging.Component(logger, "reachability"))
		s, err := openSession(monitor)
		if err != nil {
			return err
		}
		defer s.close()

		go monitor.Run(ctx, reachability.DialProber{Addr: cfg.ProbeTarget()}, reachability.Options{
			Interval: cfg.Reachability.Interval,
			Settle:   cfg.Reachability.Settle,
		})

		if fs, ok := s.slot.(*queue.FileSlot); ok {
			sw, err := fs.Watch()
			if err != nil {
				logger.Printf("WARNING: not following queue changes from other commands: %v", err)
			} else {
				defer sw.Stop()
				go s.queue.Follow(ctx, sw, func() {
					if err := s.engine.ProcessQueue(ctx); err != nil {
						logger.Printf("WARNING: replay after external change stopped: %v", err)
					}
				})
			}
		}

		fmt.Printf("%s Syncing as device %s with %s\n", ui.RenderAccent("⇅"), cfg.Server.DeviceID, cfg.Server.URL)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if !connectUntilDone(ctx, s.engine, monitor) {
			fmt.Println("\nStopped")
			return nil
		}
		if u := s.engine.CurrentUser(); u != nil {
			fmt.Printf("%s Connected as %s\n", ui.RenderPass("✓"), u.Email)
		} else {
			fmt.Printf("%s Connected\n", ui.RenderPass("✓"))
		}

		changes, stop := s.engine.Observe()
		defer stop()
		last := s.engine.Status()
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nStopped")
				return nil
			case n := <-s.engine.Notices():
				fmt.Printf("%s %s  %s\n", ui.RenderAccent("●"), n.Message, ui.RenderMuted(n.At.Local().Format("15:04:05")))
			case <-changes:
				st := s.engine.Status()
				printStatusChange(last, st)
				last = st
			}
		}
	},
}

// connectUntilDone retries the initial connect each time the network
// becomes available, and on every probe interval otherwise. It returns false
// if ctx ends first.
func connectUntilDone(ctx context.Context, e *engine.Engine, monitor *reachability.Monitor) bool {
	events, unsubscribe := monitor.Subscribe()
	defer unsubscribe()
	ticker := time.NewTicker(cfg.Reachability.Interval)
	defer ticker.Stop()

	for {
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := e.Connect(cctx)
		cancel()
		if err == nil {
			return true
		}
		fmt.Printf("%s Offline (%v), %d change(s) queued\n", ui.RenderWarn("⚠"), err, e.PendingCount())

		select {
		case <-ctx.Done():
			return false
		case <-events:
		case <-ticker.C:
		}
	}
}

func printStatusChange(before, after engine.Status) {
	switch {
	case before.Online && !after.Online:
		fmt.Printf("%s Network lost, changes will queue\n", ui.RenderWarn("⚠"))
	case !before.Online && after.Online:
		fmt.Printf("%s Back online\n", ui.RenderPass("✓"))
	}
	if before.IsSyncing && !after.IsSyncing {
		if after.Pending == 0 {
			fmt.Printf("%s All changes synced\n", ui.RenderPass("✓"))
		} else {
			fmt.Printf("%s %d change(s) still queued\n", ui.RenderWarn("⚠"), after.Pending)
		}
	}
	if after.SyncError != nil && (before.SyncError == nil || before.SyncError.Error() != after.SyncError.Error()) {
		fmt.Printf("%s %v\n", ui.RenderFail("✗"), after.SyncError)
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
