package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joltapp/jolt-sync/internal/logging"
	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/server"
	"github.com/joltapp/jolt-sync/internal/store"
	"github.com/joltapp/jolt-sync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "admin",
	Short:   "Run the reference sync server",
	Long: `Run a sync server that clients connect to over websockets.

Data lives in a local SQLite file (serve.dsn). Builds tagged "libsql" can
also use a remote Turso database:
  jolt serve --dsn "libsql://<db>.turso.io?authToken=<token>"

Endpoints:
  ws://<addr>/ws       client connections
  http://<addr>/health health check

Create accounts with "jolt user add".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		addr, _ := cmd.Flags().GetString("addr")
		dsn, _ := cmd.Flags().GetString("dsn")
		if !cmd.Flags().Changed("addr") {
			addr = cfg.Serve.Addr
		}
		if !cmd.Flags().Changed("dsn") {
			dsn = cfg.Serve.DSN
		}

		// The server always logs; -v only matters for client commands.
		base := logger
		if logSink == nil {
			base, logSink = logging.New(cfg.Log)
		}

		st, err := store.Open(ctx, dsn, store.Options{PremiumListLimit: cfg.Serve.PremiumListLimit})
		if err != nil {
			return err
		}
		defer st.Close()

		srv, err := server.New(server.Config{
			Addr:         addr,
			Store:        st,
			WakeInterval: cfg.Serve.WakeInterval,
			Logger:       logging.Component(base, "server"),
		})
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}

		fmt.Printf("%s Sync server started on %s\n", ui.RenderPass("✓"), srv.Addr())
		fmt.Printf("   WebSocket endpoint: %s\n", srv.URL())
		fmt.Printf("   Health check: http://%s/health\n", srv.Addr())
		if store.IsRemote(dsn) {
			fmt.Printf("   Database: remote libSQL\n")
		} else {
			fmt.Printf("   Database: %s\n", dsn)
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down sync server...")
		if err := srv.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Println("Sync server stopped")
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:     "user",
	GroupID: "admin",
	Short:   "Manage accounts on the local server database",
}

var userAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Create an account and print its token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name, _ := cmd.Flags().GetString("name")
		premium, _ := cmd.Flags().GetBool("premium")
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			token = uuid.NewString()
		}

		st, err := store.Open(ctx, cfg.Serve.DSN, store.Options{PremiumListLimit: cfg.Serve.PremiumListLimit})
		if err != nil {
			return err
		}
		defer st.Close()

		u, err := st.CreateUser(ctx, model.User{Email: args[0], DisplayName: name, IsPremium: premium}, token)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s Created %s (%s)\n", ui.RenderPass("✓"), u.Email, u.ID)
		fmt.Println(token)
		return nil
	},
}

var userPremiumCmd = &cobra.Command{
	Use:   "premium <token> <on|off>",
	Short: "Turn premium on or off for the account holding token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var on bool
		switch args[1] {
		case "on":
			on = true
		case "off":
		default:
			return fmt.Errorf("want on or off, got %q", args[1])
		}

		st, err := store.Open(ctx, cfg.Serve.DSN, store.Options{PremiumListLimit: cfg.Serve.PremiumListLimit})
		if err != nil {
			return err
		}
		defer st.Close()

		u, err := st.UserByToken(ctx, args[0])
		if err != nil {
			return err
		}
		if err := st.SetPremium(ctx, u.ID, on); err != nil {
			return err
		}
		fmt.Printf("%s %s premium: %s\n", ui.RenderPass("✓"), u.Email, args[1])
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default serve.addr)")
	serveCmd.Flags().String("dsn", "", "database file or libsql:// URL (default serve.dsn)")

	userAddCmd.Flags().String("name", "", "display name")
	userAddCmd.Flags().Bool("premium", false, "create a premium account")
	userAddCmd.Flags().String("token", "", "use this token instead of a generated one")

	userCmd.AddCommand(userAddCmd, userPremiumCmd)
	rootCmd.AddCommand(serveCmd, userCmd)
}
