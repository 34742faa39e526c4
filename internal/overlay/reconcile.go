package overlay

import (
	"github.com/joltapp/jolt-sync/internal/model"
)

// Snapshot is the state presented to the application.
type Snapshot struct {
	Reminders []model.Reminder
	Lists     []model.ReminderList
	User      *model.User

	pending map[string]bool
}

// IsPending reports whether an effect touched the entity with this id.
func (s Snapshot) IsPending(id string) bool {
	return s.pending[id]
}

// Reminder returns the visible reminder matching key (id or local id).
func (s Snapshot) Reminder(key string) (model.Reminder, bool) {
	for _, r := range s.Reminders {
		if r.Matches(key) {
			return r, true
		}
	}
	return model.Reminder{}, false
}

// List returns the visible list matching key.
func (s Snapshot) List(key string) (model.ReminderList, bool) {
	for _, l := range s.Lists {
		if l.Matches(key) {
			return l, true
		}
	}
	return model.ReminderList{}, false
}

// Reconcile layers effects, in order, over base. Neither argument is
// modified. Effects whose target is not visible are skipped.
func Reconcile(base Base, effects []Effect) Snapshot {
	snap := Snapshot{
		Reminders: make([]model.Reminder, len(base.Reminders)),
		Lists:     make([]model.ReminderList, len(base.Lists)),
		pending:   make(map[string]bool),
	}
	for i, r := range base.Reminders {
		snap.Reminders[i] = r.Clone()
	}
	for i, l := range base.Lists {
		snap.Lists[i] = l.Clone()
	}
	if base.User != nil {
		u := *base.User
		snap.User = &u
	}

	for _, e := range effects {
		switch e.Kind {
		case UpsertReminder:
			if e.Reminder == nil {
				continue
			}
			r := e.Reminder.Clone()
			if i := snap.reminderIndex(e.Key); i >= 0 {
				snap.Reminders[i] = r
			} else {
				snap.Reminders = append(snap.Reminders, r)
			}
			snap.pending[r.ID] = true

		case PatchReminder, CompleteReminder, SnoozeReminder, DismissReminder:
			i := snap.reminderIndex(e.Key)
			if i < 0 {
				continue
			}
			applyReminderEffect(&snap.Reminders[i], e)
			snap.pending[snap.Reminders[i].ID] = true

		case DeleteReminder:
			if i := snap.reminderIndex(e.Key); i >= 0 {
				snap.Reminders = append(snap.Reminders[:i:i], snap.Reminders[i+1:]...)
			}

		case UpsertList:
			if e.List == nil {
				continue
			}
			l := e.List.Clone()
			if i := snap.listIndex(e.Key); i >= 0 {
				snap.Lists[i] = l
			} else {
				snap.Lists = append(snap.Lists, l)
			}
			snap.pending[l.ID] = true

		case DeleteList:
			i := snap.listIndex(e.Key)
			if i < 0 || snap.Lists[i].IsDefault {
				continue
			}
			removed := snap.Lists[i]
			snap.Lists = append(snap.Lists[:i:i], snap.Lists[i+1:]...)
			snap.moveToDefault(removed)

		case ReorderLists:
			for pos, key := range e.ListOrder {
				if i := snap.listIndex(key); i >= 0 {
					snap.Lists[i].SortOrder = pos
					snap.pending[snap.Lists[i].ID] = true
				}
			}
		}
	}

	model.SortLists(snap.Lists)
	return snap
}

func applyReminderEffect(r *model.Reminder, e Effect) {
	switch e.Kind {
	case PatchReminder:
		if e.Patch != nil {
			e.Patch.Apply(r)
		}
	case CompleteReminder:
		if r.RecurrenceRule != nil && r.DueAt != nil {
			if rule, err := model.ParseRule(*r.RecurrenceRule); err == nil {
				next := rule.Next(*r.DueAt, e.At)
				r.DueAt = &next
				r.Status = model.StatusActive
				return
			}
		}
		r.Status = model.StatusCompleted
	case SnoozeReminder:
		until := e.SnoozeUntil
		r.Status = model.StatusSnoozed
		r.SnoozedUntil = &until
		r.SnoozeCount++
	case DismissReminder:
		r.Status = model.StatusDismissed
	}
	if !e.At.IsZero() {
		r.UpdatedAt = e.At
	}
}

// moveToDefault reassigns reminders of a deleted list the way the server does.
func (s *Snapshot) moveToDefault(removed model.ReminderList) {
	var def *string
	for _, l := range s.Lists {
		if l.IsDefault {
			id := l.ID
			def = &id
			break
		}
	}
	for i := range s.Reminders {
		if lid := s.Reminders[i].ListID; lid != nil && removed.Matches(*lid) {
			if def == nil {
				s.Reminders[i].ListID = nil
			} else {
				s.Reminders[i].ListID = model.StringPtr(*def)
			}
		}
	}
}

func (s *Snapshot) reminderIndex(key string) int {
	for i := range s.Reminders {
		if s.Reminders[i].Matches(key) {
			return i
		}
	}
	return -1
}

func (s *Snapshot) listIndex(key string) int {
	for i := range s.Lists {
		if s.Lists[i].Matches(key) {
			return i
		}
	}
	return -1
}
