package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joltapp/jolt-sync/internal/loadtest"
	"github.com/joltapp/jolt-sync/internal/logging"
	"github.com/joltapp/jolt-sync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "admin",
	Short:   "Load-test a throwaway sync server with simulated devices",
	Long: `Start a sync server on a temporary database, connect many simulated
devices to one account, and measure:

  writes  - round-trip latency of create and update requests made
            concurrently by every device, then check each landed once
  fanout  - how many change events reach the other devices, and how fast

Examples:
  jolt bench
  jolt bench --devices 50 --writes 40
  jolt bench --listeners 20 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		devices, _ := cmd.Flags().GetInt("devices")
		writes, _ := cmd.Flags().GetInt("writes")
		listeners, _ := cmd.Flags().GetInt("listeners")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		if devices <= 0 || writes <= 0 || listeners <= 0 {
			return fmt.Errorf("--devices, --writes and --listeners must be positive")
		}

		dir, err := os.MkdirTemp("", "jolt-bench-")
		if err != nil {
			return fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(dir)

		h, err := loadtest.NewHarness(ctx, dir, logging.Component(logger, "bench"))
		if err != nil {
			return err
		}
		defer h.Close()

		if !jsonOutput {
			fmt.Printf("%s Running %d devices x %d writes against %s\n\n", ui.RenderAccent("⇅"), devices, writes, h.Server.URL())
		}
		writeStats, err := h.RunConcurrentWrites(ctx, devices, writes)
		if err != nil {
			return err
		}
		convergeErr := h.VerifyConvergence(ctx, devices*writes)

		fanout, err := h.MeasureFanout(ctx, listeners, writes, 10*time.Second)
		if err != nil {
			return err
		}

		if jsonOutput {
			out := map[string]any{
				"writes":    writeStats,
				"converged": convergeErr == nil,
				"fanout":    fanout,
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return convergeErr
		}

		writeStats.Print(os.Stdout)
		if convergeErr != nil {
			fmt.Printf("\n%s Convergence: %v\n", ui.RenderFail("✗"), convergeErr)
		} else {
			fmt.Printf("\n%s Convergence: %d reminders, each written exactly once\n", ui.RenderPass("✓"), devices*writes)
		}

		fmt.Printf("\nFan-out (%d listeners, %d writes):\n", fanout.Listeners, fanout.Writes)
		mark := ui.RenderPass("✓")
		if fanout.Delivered < fanout.Expected {
			mark = ui.RenderWarn("⚠")
		}
		fmt.Printf("  %s Delivered %d/%d events (%.1f%%)\n", mark, fanout.Delivered, fanout.Expected, fanout.DeliveryRate()*100)
		if fanout.Latency.TotalRequests > 0 {
			fmt.Printf("  P50 %v  P95 %v  Max %v\n", fanout.Latency.P50, fanout.Latency.P95, fanout.Latency.Max)
		}
		return convergeErr
	},
}

func init() {
	benchCmd.Flags().Int("devices", 10, "number of devices writing concurrently")
	benchCmd.Flags().Int("writes", 20, "reminders each device creates")
	benchCmd.Flags().Int("listeners", 5, "devices listening for change events")
	benchCmd.Flags().Bool("json", false, "output results as JSON")
	rootCmd.AddCommand(benchCmd)
}
