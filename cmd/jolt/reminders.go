package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add [title]",
	GroupID: "reminders",
	Short:   "Create a reminder",
	Long: `Create a reminder. Without a title on a terminal, an interactive form asks
for the details.

Due dates accept ISO dates ("2026-04-01", "2026-04-01 08:30") or natural
language ("tomorrow 9am", "next friday", "in 2 hours").

Examples:
  jolt add "Call the dentist" --due "tomorrow 10am"
  jolt add "Pay rent" --due 2026-05-01 --repeat FREQ=MONTHLY --list Home
  jolt add`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openConnected(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		in, err := addInput(cmd, args, s)
		if err != nil {
			return err
		}
		r, err := s.engine.CreateReminder(ctx, in)
		if err != nil {
			return err
		}
		fmt.Printf("%s Added %s\n", ui.RenderPass("✓"), ui.ReminderLine(r, time.Now()))
		s.flush(ctx)
		return nil
	},
}

func addInput(cmd *cobra.Command, args []string, s *session) (model.CreateReminderInput, error) {
	var in model.CreateReminderInput
	flags := cmd.Flags()
	dueText, _ := flags.GetString("due")
	priorityText, _ := flags.GetString("priority")
	notes, _ := flags.GetString("notes")
	listKey, _ := flags.GetString("list")
	repeat, _ := flags.GetString("repeat")

	if len(args) == 0 {
		if !ui.IsTerminal(os.Stdin) {
			return in, errors.New("a title is required when not running in a terminal")
		}
		form := reminderForm(s, &in.Title, &dueText, &priorityText, &listKey, &notes)
		if err := form.Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return in, errors.New("cancelled")
			}
			return in, err
		}
	} else {
		in.Title = args[0]
	}

	priority, err := model.ParsePriority(priorityText)
	if err != nil {
		return in, err
	}
	in.Priority = priority
	if strings.TrimSpace(dueText) != "" {
		due, allDay, err := parseDue(dueText, time.Now())
		if err != nil {
			return in, err
		}
		in.DueAt = &due
		in.AllDay = allDay
	}
	if notes != "" {
		in.Notes = &notes
	}
	if repeat != "" {
		rule, err := model.ParseRule(repeat)
		if err != nil {
			return in, err
		}
		text := rule.String()
		in.RecurrenceRule = &text
	}
	if listKey != "" {
		l, err := s.findList(listKey)
		if err != nil {
			return in, err
		}
		in.ListID = &l.ID
	}
	return in, nil
}

func reminderForm(s *session, title, due, priority, listKey, notes *string) *huh.Form {
	lists := s.engine.ReminderLists()
	listOptions := make([]huh.Option[string], 0, len(lists)+1)
	listOptions = append(listOptions, huh.NewOption("Default list", ""))
	for _, l := range lists {
		if !l.IsDefault {
			listOptions = append(listOptions, huh.NewOption(l.Name, l.ID))
		}
	}
	if *priority == "" {
		*priority = model.PriorityNone.String()
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Title").
				Value(title).
				Validate(model.ValidateTitle),
			huh.NewInput().
				Title("Due").
				Description("Optional: tomorrow 9am, next friday, 2026-04-01").
				Value(due).
				Validate(func(v string) error {
					if strings.TrimSpace(v) == "" {
						return nil
					}
					_, _, err := parseDue(v, time.Now())
					return err
				}),
			huh.NewSelect[string]().
				Title("Priority").
				Options(huh.NewOptions("none", "low", "normal", "high")...).
				Value(priority),
			huh.NewSelect[string]().
				Title("List").
				Options(listOptions...).
				Value(listKey),
			huh.NewText().
				Title("Notes").
				Value(notes),
		),
	)
}

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	GroupID: "reminders",
	Short:   "List reminders grouped by list",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openConnected(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		all, _ := cmd.Flags().GetBool("all")
		listKey, _ := cmd.Flags().GetString("list")
		snap := s.engine.Snapshot()

		lists := snap.Lists
		if listKey != "" {
			l, err := s.findList(listKey)
			if err != nil {
				return err
			}
			lists = []model.ReminderList{l}
		}

		now := time.Now()
		shown := 0
		for _, l := range lists {
			var rows []string
			for _, r := range snap.Reminders {
				if !inList(r, l) || (!all && !isOpen(r.Status)) {
					continue
				}
				rows = append(rows, "  "+ui.ReminderLine(r, now))
			}
			fmt.Println(ui.ListHeader(l))
			for _, row := range rows {
				fmt.Println(row)
			}
			fmt.Println()
			shown += len(rows)
		}

		// Reminders whose list is not known yet, e.g. created offline
		// before the first fetch.
		if listKey == "" {
			var orphans []string
			for _, r := range snap.Reminders {
				if (all || isOpen(r.Status)) && !hasList(r, snap.Lists) {
					orphans = append(orphans, "  "+ui.ReminderLine(r, now))
				}
			}
			if len(orphans) > 0 {
				fmt.Println(ui.RenderMuted("Unsynced"))
				for _, row := range orphans {
					fmt.Println(row)
				}
				fmt.Println()
				shown += len(orphans)
			}
		}

		if shown == 0 {
			fmt.Println(ui.RenderMuted("Nothing to do."))
		}
		return nil
	},
}

func isOpen(s model.Status) bool {
	return s == model.StatusActive || s == model.StatusSnoozed
}

// inList treats a reminder without a list as belonging to the default list.
func inList(r model.Reminder, l model.ReminderList) bool {
	if r.ListID == nil {
		return l.IsDefault
	}
	return l.Matches(*r.ListID)
}

func hasList(r model.Reminder, lists []model.ReminderList) bool {
	for _, l := range lists {
		if inList(r, l) {
			return true
		}
	}
	return false
}

// reminderAction builds done, dismiss and rm, which share their shape.
func reminderAction(use, short, verb string, act func(ctx context.Context, s *session, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:     use + " <id>",
		GroupID: "reminders",
		Short:   short,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openConnected(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			r, err := s.findReminder(args[0])
			if err != nil {
				return err
			}
			if err := act(ctx, s, r.ID); err != nil {
				return err
			}
			fmt.Printf("%s %s %q\n", ui.RenderPass("✓"), verb, r.Title)
			s.flush(ctx)
			return nil
		},
	}
}

var doneCmd = reminderAction("done", "Complete a reminder (recurring ones move to their next date)", "Completed",
	func(ctx context.Context, s *session, id string) error { return s.engine.CompleteReminder(ctx, id) })

var dismissCmd = reminderAction("dismiss", "Dismiss a reminder without completing it", "Dismissed",
	func(ctx context.Context, s *session, id string) error { return s.engine.DismissReminder(ctx, id) })

var rmCmd = reminderAction("rm", "Delete a reminder", "Deleted",
	func(ctx context.Context, s *session, id string) error { return s.engine.DeleteReminder(ctx, id) })

var snoozeCmd = &cobra.Command{
	Use:     "snooze <id> [duration]",
	GroupID: "reminders",
	Short:   "Snooze a reminder (default 15m)",
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d := 15 * time.Minute
		if len(args) == 2 {
			var err error
			if d, err = time.ParseDuration(args[1]); err != nil {
				return fmt.Errorf("invalid duration %q: %w", args[1], err)
			}
		}
		minutes := int(d / time.Minute)
		if minutes < 1 {
			return fmt.Errorf("snooze for at least one minute")
		}

		ctx := cmd.Context()
		s, err := openConnected(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		r, err := s.findReminder(args[0])
		if err != nil {
			return err
		}
		if err := s.engine.SnoozeReminder(ctx, r.ID, minutes); err != nil {
			return err
		}
		fmt.Printf("%s Snoozed %q until %s\n", ui.RenderPass("✓"), r.Title,
			time.Now().Add(time.Duration(minutes)*time.Minute).Format("15:04"))
		s.flush(ctx)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "reminders",
	Short:   "Change a reminder's fields",
	Long: `Change a reminder's fields. Only the flags given are changed.

Examples:
  jolt edit 5f2c --title "Call the dentist back"
  jolt edit 5f2c --due "friday 4pm" --priority high
  jolt edit 5f2c --no-due --repeat ""`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openConnected(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		r, err := s.findReminder(args[0])
		if err != nil {
			return err
		}
		patch, err := editPatch(cmd, s)
		if err != nil {
			return err
		}
		if patch.IsEmpty() {
			return errors.New("nothing to change, pass at least one flag")
		}
		if err := s.engine.UpdateReminder(ctx, r.ID, patch); err != nil {
			return err
		}
		updated, _ := s.engine.Snapshot().Reminder(r.ID)
		fmt.Printf("%s Updated %s\n", ui.RenderPass("✓"), ui.ReminderLine(updated, time.Now()))
		s.flush(ctx)
		return nil
	},
}

func editPatch(cmd *cobra.Command, s *session) (model.ReminderPatch, error) {
	var patch model.ReminderPatch
	flags := cmd.Flags()

	if flags.Changed("title") {
		v, _ := flags.GetString("title")
		patch.Title = &v
	}
	if flags.Changed("notes") {
		v, _ := flags.GetString("notes")
		patch.Notes = &v
	}
	if flags.Changed("priority") {
		v, _ := flags.GetString("priority")
		p, err := model.ParsePriority(v)
		if err != nil {
			return patch, err
		}
		patch.Priority = &p
	}
	if flags.Changed("due") {
		v, _ := flags.GetString("due")
		due, allDay, err := parseDue(v, time.Now())
		if err != nil {
			return patch, err
		}
		patch.DueAt = &due
		patch.AllDay = &allDay
	}
	if noDue, _ := flags.GetBool("no-due"); noDue {
		if patch.DueAt != nil {
			return patch, errors.New("--due and --no-due are mutually exclusive")
		}
		patch.ClearDueAt = true
	}
	if flags.Changed("repeat") {
		v, _ := flags.GetString("repeat")
		if v != "" {
			rule, err := model.ParseRule(v)
			if err != nil {
				return patch, err
			}
			v = rule.String()
		}
		patch.RecurrenceRule = &v
	}
	if flags.Changed("list") {
		v, _ := flags.GetString("list")
		l, err := s.findList(v)
		if err != nil {
			return patch, err
		}
		patch.ListID = &l.ID
	}
	return patch, nil
}

func init() {
	addCmd.Flags().String("due", "", "due date")
	addCmd.Flags().StringP("priority", "p", "", "none, low, normal or high")
	addCmd.Flags().String("notes", "", "notes")
	addCmd.Flags().StringP("list", "l", "", "list name or id (default list when omitted)")
	addCmd.Flags().String("repeat", "", "recurrence rule, e.g. FREQ=WEEKLY;INTERVAL=2")

	lsCmd.Flags().BoolP("all", "a", false, "include completed and dismissed reminders")
	lsCmd.Flags().StringP("list", "l", "", "only this list")

	editCmd.Flags().String("title", "", "new title")
	editCmd.Flags().String("notes", "", "new notes")
	editCmd.Flags().StringP("priority", "p", "", "none, low, normal or high")
	editCmd.Flags().String("due", "", "new due date")
	editCmd.Flags().Bool("no-due", false, "remove the due date")
	editCmd.Flags().String("repeat", "", "new recurrence rule, empty to stop repeating")
	editCmd.Flags().StringP("list", "l", "", "move to this list")

	rootCmd.AddCommand(addCmd, lsCmd, doneCmd, dismissCmd, rmCmd, snoozeCmd, editCmd)
}
