// Package overlay merges pending local writes over the last confirmed server
// state.
//
// Base is the server-derived state. Effects are the optimistic results of
// mutations that have not been acknowledged yet. Reconcile is a pure function
// of the two, so the merge can be tested without a transport.
package overlay

import (
	"github.com/joltapp/jolt-sync/internal/model"
)

// Base is the last confirmed server state. Methods return a new Base and
// never modify the receiver's slices.
//
// Versions never go backwards: when an incoming entity has a lower version
// than the copy already held, the held copy is kept. This protects against
// a slow query response landing after a fresher mutation response.
type Base struct {
	Reminders []model.Reminder
	Lists     []model.ReminderList
	User      *model.User
}

// Advance merges next into b. Reminders and lists present in next replace
// the held set (entities missing from next are gone from the server), except
// that an entity is never replaced by an older version of itself. A nil
// slice in next leaves that part of b untouched.
func (b Base) Advance(next Base) Base {
	if next.Reminders != nil {
		b = b.WithReminders(next.Reminders)
	}
	if next.Lists != nil {
		b = b.WithLists(next.Lists)
	}
	if next.User != nil {
		b = b.WithUser(*next.User)
	}
	return b
}

// WithReminders replaces the reminder set, keeping newer held versions.
func (b Base) WithReminders(rs []model.Reminder) Base {
	held := make(map[string]model.Reminder, len(b.Reminders))
	for _, r := range b.Reminders {
		held[r.ID] = r
	}
	out := make([]model.Reminder, 0, len(rs))
	for _, r := range rs {
		if cur, ok := held[r.ID]; ok && cur.Version > r.Version {
			out = append(out, cur)
			continue
		}
		out = append(out, r.Clone())
	}
	b.Reminders = out
	return b
}

// WithLists replaces the list set, keeping newer held versions.
func (b Base) WithLists(ls []model.ReminderList) Base {
	held := make(map[string]model.ReminderList, len(b.Lists))
	for _, l := range b.Lists {
		held[l.ID] = l
	}
	out := make([]model.ReminderList, 0, len(ls))
	for _, l := range ls {
		if cur, ok := held[l.ID]; ok && cur.Version > l.Version {
			out = append(out, cur)
			continue
		}
		out = append(out, l.Clone())
	}
	model.SortLists(out)
	b.Lists = out
	return b
}

// WithUser replaces the current user.
func (b Base) WithUser(u model.User) Base {
	b.User = &u
	return b
}

// ObserveReminder folds a single authoritative reminder (for example a
// mutation response) into the base. It is ignored if an equal or newer
// version is already held.
func (b Base) ObserveReminder(r model.Reminder) Base {
	out := make([]model.Reminder, 0, len(b.Reminders)+1)
	found := false
	for _, cur := range b.Reminders {
		if cur.ID == r.ID {
			found = true
			if cur.Version >= r.Version {
				return b
			}
			out = append(out, r.Clone())
			continue
		}
		out = append(out, cur)
	}
	if !found {
		out = append(out, r.Clone())
	}
	b.Reminders = out
	return b
}

// ObserveList is ObserveReminder for lists.
func (b Base) ObserveList(l model.ReminderList) Base {
	out := make([]model.ReminderList, 0, len(b.Lists)+1)
	found := false
	for _, cur := range b.Lists {
		if cur.ID == l.ID {
			found = true
			if cur.Version >= l.Version {
				return b
			}
			out = append(out, l.Clone())
			continue
		}
		out = append(out, cur)
	}
	if !found {
		out = append(out, l.Clone())
	}
	model.SortLists(out)
	b.Lists = out
	return b
}

// Forget removes an entity the server reported deleted.
func (b Base) Forget(id string) Base {
	rs := make([]model.Reminder, 0, len(b.Reminders))
	for _, r := range b.Reminders {
		if r.ID != id {
			rs = append(rs, r)
		}
	}
	ls := make([]model.ReminderList, 0, len(b.Lists))
	for _, l := range b.Lists {
		if l.ID != id {
			ls = append(ls, l)
		}
	}
	b.Reminders, b.Lists = rs, ls
	return b
}

// Reminder returns the held reminder matching key (id or local id).
func (b Base) Reminder(key string) (model.Reminder, bool) {
	for _, r := range b.Reminders {
		if r.Matches(key) {
			return r, true
		}
	}
	return model.Reminder{}, false
}
