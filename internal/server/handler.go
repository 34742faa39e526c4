package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/store"
	"github.com/joltapp/jolt-sync/internal/transport"
)

// Handler executes request frames against the store and turns successful
// writes into change events.
type Handler struct {
	store  *store.Store
	logger *log.Logger
}

// NewHandler creates a handler.
func NewHandler(st *store.Store, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{store: st, logger: logger}
}

// Handle answers one request frame and returns the change events the write
// caused, stamped with deviceID. Errors travel in the response. The caller
// sends the response before broadcasting, so the writer sees its answer
// before the echo of its own change.
func (h *Handler) Handle(ctx context.Context, user model.User, deviceID string, req transport.Frame) (transport.Frame, []transport.Event) {
	resp := transport.Frame{Type: transport.FrameResponse, ID: req.ID}

	data, events, err := h.dispatch(ctx, user, req.Op, req.Vars)
	if err != nil {
		if !transport.IsPermanent(err) && !transport.IsAuth(err) {
			h.logger.Printf("%s for %s failed: %v", req.Op, user.Email, err)
		}
		resp.Error = transport.ToWire(err)
		return resp, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		resp.Error = transport.ToWire(fmt.Errorf("%w: failed to encode %s result: %v", transport.ErrServer, req.Op, err))
		return resp, nil
	}
	resp.Data = raw

	now := time.Now().UTC()
	for i := range events {
		events[i].Origin = deviceID
		events[i].Timestamp = now
	}
	return resp, events
}

func (h *Handler) dispatch(ctx context.Context, user model.User, op transport.Operation, vars json.RawMessage) (any, []transport.Event, error) {
	st := h.store
	uid := user.ID

	switch op {
	case transport.OpReminders:
		out, err := st.Reminders(ctx, uid)
		return out, nil, err

	case transport.OpReminderLists:
		out, err := st.Lists(ctx, uid)
		return out, nil, err

	case transport.OpCurrentUser:
		out, err := st.User(ctx, uid)
		return out, nil, err

	case transport.OpCreateReminder:
		var in model.CreateReminderInput
		if err := decode(vars, &in); err != nil {
			return nil, nil, err
		}
		r, err := st.CreateReminder(ctx, uid, in)
		return r, reminderChanged(transport.ActionCreated, r), err

	case transport.OpUpdateReminder:
		var in model.UpdateReminderInput
		if err := decode(vars, &in); err != nil {
			return nil, nil, err
		}
		r, err := st.UpdateReminder(ctx, uid, in)
		return r, reminderChanged(transport.ActionUpdated, r), err

	case transport.OpDeleteReminder:
		var in model.ReminderRef
		if err := decode(vars, &in); err != nil {
			return nil, nil, err
		}
		d, err := st.DeleteReminder(ctx, uid, in)
		return d, []transport.Event{deletedEvent(transport.TopicReminders, d.ID)}, err

	case transport.OpCompleteRem, transport.OpDismissRem:
		var in model.ReminderRef
		if err := decode(vars, &in); err != nil {
			return nil, nil, err
		}
		var r model.Reminder
		var err error
		if op == transport.OpCompleteRem {
			r, err = st.CompleteReminder(ctx, uid, in)
		} else {
			r, err = st.DismissReminder(ctx, uid, in)
		}
		return r, reminderChanged(transport.ActionUpdated, r), err

	case transport.OpSnoozeReminder:
		var in model.SnoozeReminderInput
		if err := decode(vars, &in); err != nil {
			return nil, nil, err
		}
		r, err := st.SnoozeReminder(ctx, uid, in)
		return r, reminderChanged(transport.ActionUpdated, r), err

	case transport.OpCreateList:
		var in model.CreateListInput
		if err := decode(vars, &in); err != nil {
			return nil, nil, err
		}
		l, err := st.CreateList(ctx, uid, in)
		return l, []transport.Event{listEvent(transport.ActionCreated, l)}, err

	case transport.OpDeleteList:
		var in model.DeleteListInput
		if err := decode(vars, &in); err != nil {
			return nil, nil, err
		}
		res, err := st.DeleteList(ctx, uid, in)
		if err != nil {
			return nil, nil, err
		}
		events := []transport.Event{deletedEvent(transport.TopicLists, res.Deleted.ID)}
		for _, r := range res.Moved {
			events = append(events, reminderEvent(transport.ActionUpdated, r))
		}
		return res.Deleted, events, nil

	case transport.OpReorderLists:
		var in model.ReorderListsInput
		if err := decode(vars, &in); err != nil {
			return nil, nil, err
		}
		lists, err := st.ReorderLists(ctx, uid, in)
		if err != nil {
			return nil, nil, err
		}
		events := make([]transport.Event, 0, len(lists))
		for _, l := range lists {
			events = append(events, listEvent(transport.ActionUpdated, l))
		}
		return lists, events, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown operation %q", transport.ErrInvalidInput, op)
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing variables", transport.ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
	}
	return nil
}

func reminderChanged(action transport.Action, r model.Reminder) []transport.Event {
	return []transport.Event{reminderEvent(action, r)}
}

func reminderEvent(action transport.Action, r model.Reminder) transport.Event {
	entity, _ := json.Marshal(r)
	return transport.Event{Topic: transport.TopicReminders, Action: action, EntityID: r.ID, Entity: entity}
}

func listEvent(action transport.Action, l model.ReminderList) transport.Event {
	entity, _ := json.Marshal(l)
	return transport.Event{Topic: transport.TopicLists, Action: action, EntityID: l.ID, Entity: entity}
}

func deletedEvent(topic transport.Topic, id string) transport.Event {
	return transport.Event{Topic: topic, Action: transport.ActionDeleted, EntityID: id}
}
