package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joltapp/jolt-sync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show account, connection and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openConnected(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		st := s.engine.Status()
		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("⇅"))
		fmt.Printf("Server:  %s\n", cfg.Server.URL)
		fmt.Printf("Device:  %s\n", cfg.Server.DeviceID)
		if cfg.File != "" {
			fmt.Printf("Config:  %s\n", cfg.File)
		}

		if st.State.String() == "connected" {
			fmt.Printf("State:   %s\n", ui.RenderPass(st.State.String()))
		} else {
			fmt.Printf("State:   %s\n", ui.RenderWarn("offline"))
		}
		if u := s.engine.CurrentUser(); u != nil {
			plan := "free"
			if u.IsPremium {
				plan = "premium"
			}
			fmt.Printf("Account: %s (%s)\n", u.Email, plan)
		}
		if st.LastSyncAt != nil {
			fmt.Printf("Synced:  %s\n", st.LastSyncAt.Local().Format(time.DateTime))
		}

		switch n := st.Pending; n {
		case 0:
			fmt.Printf("Queue:   %s\n", ui.RenderPass("empty"))
		default:
			fmt.Printf("Queue:   %s (%s backend, see 'jolt queue')\n", ui.RenderWarn(fmt.Sprintf("%d pending", n)), cfg.Queue.Backend)
		}
		if st.SyncError != nil {
			fmt.Printf("Error:   %s\n", ui.RenderFail(st.SyncError.Error()))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
