package overlay

import (
	"sync"
	"time"

	"github.com/joltapp/jolt-sync/internal/model"
)

// Kind is what an effect does to the visible state.
type Kind int

const (
	// UpsertReminder inserts Reminder, or replaces the reminder matching Key.
	UpsertReminder Kind = iota
	// PatchReminder applies Patch to the reminder matching Key.
	PatchReminder
	// CompleteReminder marks the reminder completed, or advances the due
	// date of a recurring one.
	CompleteReminder
	// SnoozeReminder snoozes the reminder until SnoozeUntil.
	SnoozeReminder
	// DismissReminder marks the reminder dismissed.
	DismissReminder
	// DeleteReminder hides the reminder.
	DeleteReminder
	// UpsertList inserts List, or replaces the list matching Key.
	UpsertList
	// DeleteList hides the list.
	DeleteList
	// ReorderLists assigns sort orders by position in ListOrder.
	ReorderLists
)

func (k Kind) String() string {
	switch k {
	case UpsertReminder:
		return "upsert-reminder"
	case PatchReminder:
		return "patch-reminder"
	case CompleteReminder:
		return "complete-reminder"
	case SnoozeReminder:
		return "snooze-reminder"
	case DismissReminder:
		return "dismiss-reminder"
	case DeleteReminder:
		return "delete-reminder"
	case UpsertList:
		return "upsert-list"
	case DeleteList:
		return "delete-list"
	case ReorderLists:
		return "reorder-lists"
	default:
		return "unknown"
	}
}

// Effect is the optimistic result of one mutation. Key is the entity id, or
// the local id for entities the server has not acknowledged.
type Effect struct {
	MutationID  string
	Kind        Kind
	Key         string
	Reminder    *model.Reminder
	Patch       *model.ReminderPatch
	List        *model.ReminderList
	ListOrder   []string
	SnoozeUntil time.Time
	At          time.Time
}

// Overlay holds the ordered effects of unacknowledged mutations. It is safe
// for concurrent use.
type Overlay struct {
	mu      sync.Mutex
	effects []Effect
}

// New returns an empty overlay.
func New() *Overlay {
	return &Overlay{}
}

// Apply records e after any existing effects. An effect with the same
// MutationID replaces the earlier one in place.
func (o *Overlay) Apply(e Effect) {
	o.mu.Lock()
	defer o.mu.Unlock()

	next := make([]Effect, 0, len(o.effects)+1)
	replaced := false
	for _, cur := range o.effects {
		if cur.MutationID == e.MutationID {
			next = append(next, e)
			replaced = true
			continue
		}
		next = append(next, cur)
	}
	if !replaced {
		next = append(next, e)
	}
	o.effects = next
}

// Discard drops the effect of a mutation. It reports whether one was held.
func (o *Overlay) Discard(mutationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	next := make([]Effect, 0, len(o.effects))
	for _, cur := range o.effects {
		if cur.MutationID != mutationID {
			next = append(next, cur)
		}
	}
	found := len(next) != len(o.effects)
	o.effects = next
	return found
}

// Prune drops every effect whose mutation keep rejects and returns how many
// were dropped.
func (o *Overlay) Prune(keep func(mutationID string) bool) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	next := make([]Effect, 0, len(o.effects))
	for _, cur := range o.effects {
		if keep(cur.MutationID) {
			next = append(next, cur)
		}
	}
	dropped := len(o.effects) - len(next)
	o.effects = next
	return dropped
}

// Effects returns the held effects in application order. The slice is not
// modified afterwards.
func (o *Overlay) Effects() []Effect {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.effects
}

// Len returns the number of held effects.
func (o *Overlay) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.effects)
}
