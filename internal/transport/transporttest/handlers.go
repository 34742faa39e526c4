package transporttest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/transport"
)

type mutationEnvelope struct {
	MutationID string `json:"mutationId"`
}

// handleLocked executes op and returns the response data and the queries
// whose results changed.
func (f *Fake) handleLocked(op transport.Operation, raw json.RawMessage) (json.RawMessage, []transport.Query, error) {
	var env mutationEnvelope
	_ = json.Unmarshal(raw, &env)
	if env.MutationID != "" {
		if data, ok := f.applied[env.MutationID]; ok {
			return data, nil, nil
		}
	}

	result, changed, event, err := f.dispatchLocked(op, raw)
	if err != nil {
		return nil, nil, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", transport.ErrServer, err)
	}
	if env.MutationID != "" {
		f.applied[env.MutationID] = data
	}
	if event != nil {
		event.Origin = f.DeviceID
		event.Timestamp = time.Now()
		f.pushLocked(*event)
	}
	return data, changed, nil
}

func (f *Fake) dispatchLocked(op transport.Operation, raw json.RawMessage) (any, []transport.Query, *transport.Event, error) {
	reminders := []transport.Query{transport.QueryReminders, transport.QueryLists}
	lists := []transport.Query{transport.QueryLists}

	switch op {
	case transport.OpReminders:
		out := make([]model.Reminder, len(f.reminders))
		for i, r := range f.reminders {
			out[i] = r.Clone()
		}
		return out, nil, nil, nil

	case transport.OpReminderLists:
		return f.listsLocked(), nil, nil, nil

	case transport.OpCurrentUser:
		return f.user, nil, nil, nil

	case transport.OpCreateReminder:
		var in model.CreateReminderInput
		if err := decode(raw, &in); err != nil {
			return nil, nil, nil, err
		}
		if err := in.Validate(); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
		}
		if existing := f.findReminderLocked(in.LocalID); existing != nil {
			return existing.Clone(), nil, nil, nil
		}
		now := time.Now().UTC()
		listID := in.ListID
		if listID == nil {
			listID = model.StringPtr(f.lists[0].ID)
		}
		r := model.Reminder{
			ID: newID(), ListID: listID, Title: in.Title, Notes: in.Notes, Priority: in.Priority,
			DueAt: in.DueAt, AllDay: in.AllDay, RecurrenceRule: in.RecurrenceRule,
			Status: model.StatusActive, LocalID: model.StringPtr(in.LocalID), Version: 1,
			CreatedAt: now, UpdatedAt: now,
		}
		f.reminders = append(f.reminders, r)
		return r.Clone(), reminders, reminderEvent(transport.ActionCreated, r), nil

	case transport.OpUpdateReminder:
		var in model.UpdateReminderInput
		if err := decode(raw, &in); err != nil {
			return nil, nil, nil, err
		}
		if err := in.Patch.Validate(); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
		}
		r, err := f.checkLocked(in.ID, in.ExpectedVersion)
		if err != nil {
			return nil, nil, nil, err
		}
		in.Patch.Apply(r)
		bump(r)
		return r.Clone(), reminders, reminderEvent(transport.ActionUpdated, *r), nil

	case transport.OpDeleteReminder:
		var in model.ReminderRef
		if err := decode(raw, &in); err != nil {
			return nil, nil, nil, err
		}
		r, err := f.checkLocked(in.ID, in.ExpectedVersion)
		if err != nil {
			return nil, nil, nil, err
		}
		id := r.ID
		for i := range f.reminders {
			if f.reminders[i].ID == id {
				f.reminders = append(f.reminders[:i:i], f.reminders[i+1:]...)
				break
			}
		}
		ev := &transport.Event{Topic: transport.TopicReminders, Action: transport.ActionDeleted, EntityID: id}
		return model.DeletedEntity{ID: id}, reminders, ev, nil

	case transport.OpCompleteRem, transport.OpDismissRem:
		var in model.ReminderRef
		if err := decode(raw, &in); err != nil {
			return nil, nil, nil, err
		}
		r, err := f.checkLocked(in.ID, in.ExpectedVersion)
		if err != nil {
			return nil, nil, nil, err
		}
		switch {
		case op == transport.OpDismissRem:
			r.Status = model.StatusDismissed
		case r.RecurrenceRule != nil && r.DueAt != nil:
			rule, err := model.ParseRule(*r.RecurrenceRule)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
			}
			next := rule.Next(*r.DueAt, time.Now())
			r.DueAt = &next
			r.Status = model.StatusActive
		default:
			r.Status = model.StatusCompleted
		}
		bump(r)
		return r.Clone(), reminders, reminderEvent(transport.ActionUpdated, *r), nil

	case transport.OpSnoozeReminder:
		var in model.SnoozeReminderInput
		if err := decode(raw, &in); err != nil {
			return nil, nil, nil, err
		}
		if err := in.Validate(); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
		}
		r, err := f.checkLocked(in.ID, in.ExpectedVersion)
		if err != nil {
			return nil, nil, nil, err
		}
		until := time.Now().UTC().Add(time.Duration(in.Minutes) * time.Minute)
		r.Status = model.StatusSnoozed
		r.SnoozedUntil = &until
		r.SnoozeCount++
		bump(r)
		return r.Clone(), reminders, reminderEvent(transport.ActionUpdated, *r), nil

	case transport.OpCreateList:
		var in model.CreateListInput
		if err := decode(raw, &in); err != nil {
			return nil, nil, nil, err
		}
		if err := in.Validate(); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
		}
		if existing := f.findListLocked(in.LocalID); existing != nil {
			return existing.Clone(), nil, nil, nil
		}
		l := model.ReminderList{
			ID: newID(), LocalID: model.StringPtr(in.LocalID), Name: in.Name,
			ColorHex: in.ColorHex, IconName: in.IconName, SortOrder: len(f.lists), Version: 1,
		}
		l.SetDefaults()
		f.lists = append(f.lists, l)
		return l.Clone(), lists, listEvent(transport.ActionCreated, l), nil

	case transport.OpDeleteList:
		var in model.DeleteListInput
		if err := decode(raw, &in); err != nil {
			return nil, nil, nil, err
		}
		l := f.findListLocked(in.ID)
		if l == nil {
			return nil, nil, nil, fmt.Errorf("list %s: %w", in.ID, transport.ErrNotFound)
		}
		if l.IsDefault {
			return nil, nil, nil, fmt.Errorf("%w: the default list cannot be deleted", transport.ErrInvalidInput)
		}
		id := l.ID
		for i := range f.reminders {
			if f.reminders[i].ListID != nil && *f.reminders[i].ListID == id {
				f.reminders[i].ListID = model.StringPtr(f.lists[0].ID)
				bump(&f.reminders[i])
			}
		}
		for i := range f.lists {
			if f.lists[i].ID == id {
				f.lists = append(f.lists[:i:i], f.lists[i+1:]...)
				break
			}
		}
		ev := &transport.Event{Topic: transport.TopicLists, Action: transport.ActionDeleted, EntityID: id}
		return model.DeletedEntity{ID: id}, reminders, ev, nil

	case transport.OpReorderLists:
		var in model.ReorderListsInput
		if err := decode(raw, &in); err != nil {
			return nil, nil, nil, err
		}
		if err := in.Validate(); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
		}
		for i, id := range in.IDs {
			l := f.findListLocked(id)
			if l == nil {
				return nil, nil, nil, fmt.Errorf("list %s: %w", id, transport.ErrNotFound)
			}
			l.SortOrder = i
			l.Version++
		}
		return f.listsLocked(), lists, nil, nil

	default:
		return nil, nil, nil, fmt.Errorf("%w: unknown operation %q", transport.ErrInvalidInput, op)
	}
}

func (f *Fake) checkLocked(id string, expected int64) (*model.Reminder, error) {
	r := f.findReminderLocked(id)
	if r == nil {
		return nil, fmt.Errorf("reminder %s: %w", id, transport.ErrNotFound)
	}
	if expected > 0 && expected != r.Version {
		return nil, &transport.ConflictError{EntityID: r.ID, ServerVersion: r.Version, LocalVersion: expected}
	}
	return r, nil
}

func (f *Fake) findReminderLocked(key string) *model.Reminder {
	for i := range f.reminders {
		if f.reminders[i].Matches(key) {
			return &f.reminders[i]
		}
	}
	return nil
}

func (f *Fake) findListLocked(key string) *model.ReminderList {
	for i := range f.lists {
		if f.lists[i].Matches(key) {
			return &f.lists[i]
		}
	}
	return nil
}

func (f *Fake) listsLocked() []model.ReminderList {
	out := make([]model.ReminderList, len(f.lists))
	for i, l := range f.lists {
		l = l.Clone()
		l.ReminderCount = 0
		for _, r := range f.reminders {
			if r.ListID != nil && *r.ListID == l.ID && r.Status != model.StatusCompleted {
				l.ReminderCount++
			}
		}
		out[i] = l
	}
	model.SortLists(out)
	return out
}

func bump(r *model.Reminder) {
	r.Version++
	r.UpdatedAt = time.Now().UTC()
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
	}
	return nil
}

func reminderEvent(action transport.Action, r model.Reminder) *transport.Event {
	data, _ := json.Marshal(r)
	return &transport.Event{Topic: transport.TopicReminders, Action: action, EntityID: r.ID, Entity: data}
}

func listEvent(action transport.Action, l model.ReminderList) *transport.Event {
	data, _ := json.Marshal(l)
	return &transport.Event{Topic: transport.TopicLists, Action: action, EntityID: l.ID, Entity: data}
}
