package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joltapp/jolt-sync/internal/config"
	"github.com/joltapp/jolt-sync/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *log.Logger
	logSink io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "jolt",
	Short: "Offline-first reminders that stay in sync across devices",
	Long: `jolt manages reminders and lists. Changes made while offline are queued
locally and replayed in order once the server is reachable again.

Run "jolt serve" to start a reference server, "jolt user add" to create an
account on it, and "jolt config init" to point this device at it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("url") {
			loaded.Server.URL, _ = flags.GetString("url")
		}
		if flags.Changed("token") {
			loaded.Server.Token, _ = flags.GetString("token")
		}
		if flags.Changed("device") {
			loaded.Server.DeviceID, _ = flags.GetString("device")
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		verbose, _ := flags.GetBool("verbose")
		if verbose || cfg.Log.File != "" {
			logger, logSink = logging.New(cfg.Log)
		} else {
			logger = logging.Discard()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logSink != nil {
			_ = logSink.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "reminders", Title: "Reminders:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "admin", Title: "Server and setup:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default $JOLT_HOME/config.toml or ~/.jolt/config.toml)")
	pf.String("url", "", "server websocket URL")
	pf.String("token", "", "account token")
	pf.String("device", "", "device id stamped on this device's changes")
	pf.BoolP("verbose", "v", false, "log sync activity to stderr")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
