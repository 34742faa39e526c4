package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/joltapp/jolt-sync/internal/model"
)

// StatusMark is the one-character marker printed before a reminder.
func StatusMark(s model.Status) string {
	switch s {
	case model.StatusCompleted:
		return RenderPass("✓")
	case model.StatusSnoozed:
		return RenderWarn("z")
	case model.StatusDismissed:
		return RenderMuted("-")
	default:
		return "○"
	}
}

// Swatch renders a dot in the list's color.
func Swatch(colorHex string) string {
	if colorHex == "" {
		return "●"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(colorHex)).Render("●")
}

// DueText describes a due date relative to now and reports whether it has
// passed. All-day reminders are overdue only once their day is over.
func DueText(due time.Time, allDay bool, now time.Time) (string, bool) {
	due = due.In(now.Location())
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	day := time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, now.Location())
	days := int(day.Sub(today).Hours() / 24)

	var when string
	switch {
	case days == 0:
		when = "today"
	case days == 1:
		when = "tomorrow"
	case days == -1:
		when = "yesterday"
	case days > 1 && days < 7:
		when = due.Format("Mon")
	case due.Year() == now.Year():
		when = due.Format("Jan 2")
	default:
		when = due.Format("Jan 2 2006")
	}
	if !allDay {
		when += " " + due.Format("15:04")
	}

	overdue := due.Before(now)
	if allDay {
		overdue = days < 0
	}
	return when, overdue
}

// ReminderLine formats one row of "jolt ls".
func ReminderLine(r model.Reminder, now time.Time) string {
	var b strings.Builder
	b.WriteString(StatusMark(r.Status))
	b.WriteString(" ")
	if r.Priority == model.PriorityHigh {
		b.WriteString(RenderFail("!") + " ")
	}
	title := r.Title
	if r.Status == model.StatusCompleted || r.Status == model.StatusDismissed {
		title = RenderMuted(title)
	}
	b.WriteString(title)

	if r.DueAt != nil {
		text, overdue := DueText(*r.DueAt, r.AllDay, now)
		if overdue && r.Status == model.StatusActive {
			text = RenderFail(text)
		} else {
			text = RenderAccent(text)
		}
		b.WriteString("  " + text)
	}
	if r.RecurrenceRule != nil {
		b.WriteString(" " + RenderMuted("↻"))
	}
	if r.Status == model.StatusSnoozed && r.SnoozedUntil != nil {
		b.WriteString("  " + RenderWarn("until "+r.SnoozedUntil.In(now.Location()).Format("15:04")))
	}
	if r.IsPending() {
		b.WriteString("  " + RenderMuted("(not synced)"))
	}
	b.WriteString("  " + RenderMuted(ShortID(r.ID)))
	return b.String()
}

// ListHeader formats a list's heading line.
func ListHeader(l model.ReminderList) string {
	name := RenderBold(l.Name)
	if l.IsDefault {
		name += RenderMuted(" (default)")
	}
	return fmt.Sprintf("%s %s  %s", Swatch(l.ColorHex), name, RenderMuted(fmt.Sprintf("%d open", l.ReminderCount)))
}

// ShortID trims an id to a prefix long enough to type back.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
