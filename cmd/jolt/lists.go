package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/ui"
)

var listsCmd = &cobra.Command{
	Use:     "lists",
	GroupID: "reminders",
	Short:   "Show and manage reminder lists",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openConnected(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		for _, l := range s.engine.ReminderLists() {
			fmt.Printf("%s  %s\n", ui.ListHeader(l), ui.RenderMuted(ui.ShortID(l.ID)))
		}
		if u := s.engine.CurrentUser(); u != nil && !u.IsPremium {
			fmt.Printf("\n%s\n", ui.RenderMuted("Free plan: custom lists are limited."))
		}
		return nil
	},
}

var listsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		color, _ := cmd.Flags().GetString("color")
		icon, _ := cmd.Flags().GetString("icon")

		ctx := cmd.Context()
		s, err := openConnected(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		l, err := s.engine.CreateList(ctx, model.CreateListInput{Name: args[0], ColorHex: color, IconName: icon})
		if err != nil {
			return err
		}
		fmt.Printf("%s Created %s\n", ui.RenderPass("✓"), ui.ListHeader(l))
		s.flush(ctx)
		return nil
	},
}

var listsRmCmd = &cobra.Command{
	Use:   "rm <list>",
	Short: "Delete a list, moving its reminders to the default list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openConnected(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		l, err := s.findList(args[0])
		if err != nil {
			return err
		}
		if err := s.engine.DeleteList(ctx, l.ID); err != nil {
			return err
		}
		fmt.Printf("%s Deleted list %q\n", ui.RenderPass("✓"), l.Name)
		s.flush(ctx)
		return nil
	},
}

var listsReorderCmd = &cobra.Command{
	Use:   "reorder <list>...",
	Short: "Set the display order of lists",
	Long: `Set the display order of lists. Every list must be named exactly once,
by name or id.

Example:
  jolt lists reorder Work Reminders Home`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openConnected(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		ids := make([]string, 0, len(args))
		for _, key := range args {
			l, err := s.findList(key)
			if err != nil {
				return err
			}
			ids = append(ids, l.ID)
		}
		if err := s.engine.ReorderLists(ctx, ids); err != nil {
			return err
		}
		for i, l := range s.engine.ReminderLists() {
			fmt.Printf("%d. %s\n", i+1, ui.ListHeader(l))
		}
		s.flush(ctx)
		return nil
	},
}

func init() {
	listsAddCmd.Flags().String("color", "", "color as #RRGGBB")
	listsAddCmd.Flags().String("icon", "", "icon name")

	listsCmd.AddCommand(listsAddCmd, listsRmCmd, listsReorderCmd)
	rootCmd.AddCommand(listsCmd)
}
