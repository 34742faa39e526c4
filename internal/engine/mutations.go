package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/overlay"
	"github.com/joltapp/jolt-sync/internal/transport"
)

// CreateReminder creates a reminder and returns it. While offline the
// returned reminder is the optimistic copy: its ID is the local id and its
// version is 0. MutationID and LocalID in in are assigned by the engine.
func (e *Engine) CreateReminder(ctx context.Context, in model.CreateReminderInput) (model.Reminder, error) {
	if err := in.Validate(); err != nil {
		return model.Reminder{}, fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
	}
	in.MutationID = uuid.NewString()
	in.LocalID = uuid.NewString()
	if in.RecurrenceRule != nil && *in.RecurrenceRule == "" {
		in.RecurrenceRule = nil
	}

	m, err := e.newMutation(in.MutationID, model.OpCreate, model.EntityReminder, "", in.LocalID, in)
	if err != nil {
		return model.Reminder{}, err
	}
	if err := e.submit(ctx, m); err != nil {
		return model.Reminder{}, err
	}
	snap := e.Snapshot()
	if r, ok := snap.Reminder(in.LocalID); ok {
		return r, nil
	}
	return model.Reminder{}, fmt.Errorf("created reminder %s is not visible", in.LocalID)
}

// UpdateReminder applies patch to the reminder identified by id (server id
// or local id).
func (e *Engine) UpdateReminder(ctx context.Context, id string, patch model.ReminderPatch) error {
	if err := patch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
	}
	r, err := e.visibleReminder(id)
	if err != nil {
		return err
	}
	in := model.UpdateReminderInput{
		MutationID:      uuid.NewString(),
		ID:              r.ID,
		ExpectedVersion: e.expectedVersion(r.ID, r.Version),
		Patch:           patch,
	}
	m, err := e.newMutation(in.MutationID, model.OpUpdate, model.EntityReminder, r.ID, localID(r.LocalID), in)
	if err != nil {
		return err
	}
	return e.submit(ctx, m)
}

// DeleteReminder deletes a reminder.
func (e *Engine) DeleteReminder(ctx context.Context, id string) error {
	return e.reminderRefOp(ctx, id, model.OpDelete)
}

// CompleteReminder completes a reminder. A recurring reminder stays active
// with its due date advanced to the next occurrence.
func (e *Engine) CompleteReminder(ctx context.Context, id string) error {
	return e.reminderRefOp(ctx, id, model.OpComplete)
}

// DismissReminder dismisses a reminder.
func (e *Engine) DismissReminder(ctx context.Context, id string) error {
	return e.reminderRefOp(ctx, id, model.OpDismiss)
}

// SnoozeReminder snoozes a reminder for the given number of minutes.
func (e *Engine) SnoozeReminder(ctx context.Context, id string, minutes int) error {
	r, err := e.visibleReminder(id)
	if err != nil {
		return err
	}
	in := model.SnoozeReminderInput{
		MutationID:      uuid.NewString(),
		ID:              r.ID,
		ExpectedVersion: e.expectedVersion(r.ID, r.Version),
		Minutes:         minutes,
	}
	if err := in.Validate(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
	}
	m, err := e.newMutation(in.MutationID, model.OpSnooze, model.EntityReminder, r.ID, localID(r.LocalID), in)
	if err != nil {
		return err
	}
	return e.submit(ctx, m)
}

func (e *Engine) reminderRefOp(ctx context.Context, id string, op model.OperationType) error {
	r, err := e.visibleReminder(id)
	if err != nil {
		return err
	}
	in := model.ReminderRef{
		MutationID:      uuid.NewString(),
		ID:              r.ID,
		ExpectedVersion: e.expectedVersion(r.ID, r.Version),
	}
	m, err := e.newMutation(in.MutationID, op, model.EntityReminder, r.ID, localID(r.LocalID), in)
	if err != nil {
		return err
	}
	return e.submit(ctx, m)
}

// CreateList creates a list and returns it (optimistic while offline).
func (e *Engine) CreateList(ctx context.Context, in model.CreateListInput) (model.ReminderList, error) {
	if err := in.Validate(); err != nil {
		return model.ReminderList{}, fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
	}
	in.MutationID = uuid.NewString()
	in.LocalID = uuid.NewString()

	m, err := e.newMutation(in.MutationID, model.OpCreate, model.EntityList, "", in.LocalID, in)
	if err != nil {
		return model.ReminderList{}, err
	}
	if err := e.submit(ctx, m); err != nil {
		return model.ReminderList{}, err
	}
	snap := e.Snapshot()
	if l, ok := snap.List(in.LocalID); ok {
		return l, nil
	}
	return model.ReminderList{}, fmt.Errorf("created list %s is not visible", in.LocalID)
}

// DeleteList deletes a list. Its reminders move to the default list. The
// default list cannot be deleted.
func (e *Engine) DeleteList(ctx context.Context, id string) error {
	snap := e.Snapshot()
	l, ok := snap.List(id)
	if !ok {
		return fmt.Errorf("list %s: %w", id, transport.ErrNotFound)
	}
	if l.IsDefault {
		return fmt.Errorf("%w: the default list cannot be deleted", transport.ErrInvalidInput)
	}
	in := model.DeleteListInput{MutationID: uuid.NewString(), ID: l.ID}
	m, err := e.newMutation(in.MutationID, model.OpDelete, model.EntityList, l.ID, localID(l.LocalID), in)
	if err != nil {
		return err
	}
	return e.submit(ctx, m)
}

// ReorderLists sets the list order to ids. Lists not named keep their
// relative order after the named ones.
func (e *Engine) ReorderLists(ctx context.Context, ids []string) error {
	in := model.ReorderListsInput{MutationID: uuid.NewString(), IDs: ids}
	if err := in.Validate(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
	}
	snap := e.Snapshot()
	resolved := make([]string, len(ids))
	for i, id := range ids {
		l, ok := snap.List(id)
		if !ok {
			return fmt.Errorf("list %s: %w", id, transport.ErrNotFound)
		}
		resolved[i] = l.ID
	}
	in.IDs = resolved

	m, err := e.newMutation(in.MutationID, model.OpReorder, model.EntityList, "", "", in)
	if err != nil {
		return err
	}
	return e.submit(ctx, m)
}

func (e *Engine) visibleReminder(id string) (model.Reminder, error) {
	snap := e.Snapshot()
	r, ok := snap.Reminder(id)
	if !ok {
		return model.Reminder{}, fmt.Errorf("reminder %s: %w", id, transport.ErrNotFound)
	}
	return r, nil
}

// expectedVersion is the version a new mutation asserts. Only the first
// pending mutation for an entity asserts one; mutations chained behind a
// queued or in-flight write send 0 because the version they would assert
// does not exist yet.
func (e *Engine) expectedVersion(key string, visible int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range e.inflight {
		if k == key {
			return 0
		}
	}
	if e.queue.Has(key) {
		return 0
	}
	return visible
}

func (e *Engine) newMutation(id string, op model.OperationType, entity model.EntityType, entityID, local string, payload any) (model.QueuedMutation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.QueuedMutation{}, fmt.Errorf("failed to encode %s %s: %w", op, entity, err)
	}
	m := model.QueuedMutation{
		ID:            id,
		OperationType: op,
		EntityType:    entity,
		Payload:       raw,
		CreatedAt:     e.opts.Now().UTC(),
	}
	if entityID != "" {
		m.EntityID = model.StringPtr(entityID)
	}
	if local != "" {
		m.LocalID = model.StringPtr(local)
	}
	return m, nil
}

// submit applies the optimistic effect of m, then either sends it or queues
// it. Connectivity failures are absorbed into the queue and reported as
// success; everything else rolls the effect back and is returned.
func (e *Engine) submit(ctx context.Context, m model.QueuedMutation) error {
	eff, err := effectFor(m)
	if err != nil {
		return err
	}
	op, err := operationFor(m)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.overlay.Apply(eff)
	e.inflight[m.ID] = m.EntityKey()
	e.publishLocked()
	e.mu.Unlock()

	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	if e.queue.Len() > 0 {
		// Never overtake queued writes.
		e.enqueue(m)
		e.kickReplay()
		return nil
	}

	var resp json.RawMessage
	err = e.client.Request(ctx, op, m.Payload, &resp)
	switch classify(m, err) {
	case outcomeSuccess:
		e.acknowledge(m, resp)
		return nil

	case outcomeRetry, outcomeOffline:
		e.logger.Printf("Queued %s %s %s: %v", m.OperationType, m.EntityType, m.EntityKey(), err)
		e.enqueue(m)
		return nil

	case outcomeConflict:
		e.rollback(m)
		e.refetchAsync()
		return fmt.Errorf("%s %s %s: %w", m.OperationType, m.EntityType, m.EntityKey(), err)

	case outcomeAuth:
		e.rollback(m)
		e.mu.Lock()
		e.syncErr = err
		e.publishLocked()
		e.mu.Unlock()
		return err

	default:
		e.rollback(m)
		return err
	}
}

// enqueue moves an in-flight mutation into the queue. The effect stays.
func (e *Engine) enqueue(m model.QueuedMutation) {
	if err := e.queue.Enqueue(m); err != nil {
		e.logger.Printf("WARNING: %v", err)
	}
	e.mu.Lock()
	delete(e.inflight, m.ID)
	e.publishLocked()
	e.mu.Unlock()
}

// acknowledge folds a successful response into the base and drops the effect.
func (e *Engine) acknowledge(m model.QueuedMutation, resp json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.observeLocked(m, resp); err != nil {
		e.logger.Printf("WARNING: could not apply response for %s: %v", m.ID, err)
	}
	e.overlay.Discard(m.ID)
	delete(e.inflight, m.ID)
	now := e.opts.Now()
	e.lastSyncAt = &now
	e.publishLocked()
}

// rollback drops the optimistic effect of a mutation that will not apply.
func (e *Engine) rollback(m model.QueuedMutation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overlay.Discard(m.ID)
	delete(e.inflight, m.ID)
	e.publishLocked()
}

// observeLocked folds the server's response to m into the base.
func (e *Engine) observeLocked(m model.QueuedMutation, resp json.RawMessage) error {
	empty := len(resp) == 0 || string(resp) == "null"
	if m.OperationType == model.OpDelete {
		// A delete answered with not-found carries no body.
		id := m.EntityKey()
		if !empty {
			var d model.DeletedEntity
			if err := json.Unmarshal(resp, &d); err != nil {
				return err
			}
			id = d.ID
		}
		e.base = e.base.Forget(id)
		return nil
	}
	if empty {
		return nil
	}

	switch {

	case m.EntityType == model.EntityReminder:
		var r model.Reminder
		if err := json.Unmarshal(resp, &r); err != nil {
			return err
		}
		e.base = e.base.ObserveReminder(r)

	case m.OperationType == model.OpReorder:
		var ls []model.ReminderList
		if err := json.Unmarshal(resp, &ls); err != nil {
			return err
		}
		for _, l := range ls {
			e.base = e.base.ObserveList(l)
		}

	default:
		var l model.ReminderList
		if err := json.Unmarshal(resp, &l); err != nil {
			return err
		}
		e.base = e.base.ObserveList(l)
	}
	return nil
}

// kickReplay starts a replay in the background when connected. If one is
// already running it is asked to make another pass for the new work.
func (e *Engine) kickReplay() {
	if e.processing.Load() {
		e.replayAgain.Store(true)
		return
	}
	// wg.Add happens under mu while Connected, so it is ordered before the
	// Wait in Disconnect, which flips the state under the same lock.
	e.mu.Lock()
	if e.state != Connected {
		e.mu.Unlock()
		return
	}
	ctx := e.runCtx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if err := e.ProcessQueue(ctx); err != nil {
			e.logger.Printf("WARNING: background replay stopped: %v", err)
		}
	}()
}

// refetchAsync refreshes every live query in the background.
func (e *Engine) refetchAsync() {
	e.mu.Lock()
	if e.state != Connected {
		e.mu.Unlock()
		return
	}
	ctx := e.runCtx
	watchers := e.watchers
	e.wg.Add(len(watchers))
	e.mu.Unlock()

	for _, w := range watchers {
		go func() {
			defer e.wg.Done()
			if err := w.Refetch(ctx); err != nil && ctx.Err() == nil {
				e.logger.Printf("WARNING: %v", err)
			}
		}()
	}
}

// effectFor derives the optimistic effect of a mutation from its payload.
// It is used at submission time and to rebuild the overlay from a persisted
// queue.
func effectFor(m model.QueuedMutation) (overlay.Effect, error) {
	eff := overlay.Effect{MutationID: m.ID, Key: m.EntityKey(), At: m.CreatedAt}

	switch {
	case m.EntityType == model.EntityReminder && m.OperationType == model.OpCreate:
		var in model.CreateReminderInput
		if err := m.DecodePayload(&in); err != nil {
			return eff, err
		}
		r := model.Reminder{
			ID: in.LocalID, LocalID: model.StringPtr(in.LocalID), ListID: in.ListID,
			Title: in.Title, Notes: in.Notes, Priority: in.Priority, DueAt: in.DueAt,
			AllDay: in.AllDay, RecurrenceRule: in.RecurrenceRule, Status: model.StatusActive,
			CreatedAt: m.CreatedAt, UpdatedAt: m.CreatedAt,
		}
		eff.Kind, eff.Key, eff.Reminder = overlay.UpsertReminder, in.LocalID, &r

	case m.EntityType == model.EntityReminder && m.OperationType == model.OpUpdate:
		var in model.UpdateReminderInput
		if err := m.DecodePayload(&in); err != nil {
			return eff, err
		}
		eff.Kind, eff.Patch = overlay.PatchReminder, &in.Patch

	case m.EntityType == model.EntityReminder && m.OperationType == model.OpSnooze:
		var in model.SnoozeReminderInput
		if err := m.DecodePayload(&in); err != nil {
			return eff, err
		}
		eff.Kind = overlay.SnoozeReminder
		eff.SnoozeUntil = m.CreatedAt.Add(time.Duration(in.Minutes) * time.Minute)

	case m.EntityType == model.EntityReminder && m.OperationType == model.OpComplete:
		eff.Kind = overlay.CompleteReminder

	case m.EntityType == model.EntityReminder && m.OperationType == model.OpDismiss:
		eff.Kind = overlay.DismissReminder

	case m.EntityType == model.EntityReminder && m.OperationType == model.OpDelete:
		eff.Kind = overlay.DeleteReminder

	case m.EntityType == model.EntityList && m.OperationType == model.OpCreate:
		var in model.CreateListInput
		if err := m.DecodePayload(&in); err != nil {
			return eff, err
		}
		l := model.ReminderList{
			ID: in.LocalID, LocalID: model.StringPtr(in.LocalID), Name: in.Name,
			ColorHex: in.ColorHex, IconName: in.IconName, SortOrder: 1 << 30,
		}
		l.SetDefaults()
		eff.Kind, eff.Key, eff.List = overlay.UpsertList, in.LocalID, &l

	case m.EntityType == model.EntityList && m.OperationType == model.OpDelete:
		eff.Kind = overlay.DeleteList

	case m.EntityType == model.EntityList && m.OperationType == model.OpReorder:
		var in model.ReorderListsInput
		if err := m.DecodePayload(&in); err != nil {
			return eff, err
		}
		eff.Kind, eff.ListOrder = overlay.ReorderLists, in.IDs

	default:
		return eff, fmt.Errorf("unsupported mutation %s %s", m.OperationType, m.EntityType)
	}
	return eff, nil
}

// operationFor maps a mutation to the remote operation that performs it.
func operationFor(m model.QueuedMutation) (transport.Operation, error) {
	if m.EntityType == model.EntityList {
		switch m.OperationType {
		case model.OpCreate:
			return transport.OpCreateList, nil
		case model.OpDelete:
			return transport.OpDeleteList, nil
		case model.OpReorder:
			return transport.OpReorderLists, nil
		}
	} else {
		switch m.OperationType {
		case model.OpCreate:
			return transport.OpCreateReminder, nil
		case model.OpUpdate:
			return transport.OpUpdateReminder, nil
		case model.OpDelete:
			return transport.OpDeleteReminder, nil
		case model.OpComplete:
			return transport.OpCompleteRem, nil
		case model.OpSnooze:
			return transport.OpSnoozeReminder, nil
		case model.OpDismiss:
			return transport.OpDismissRem, nil
		}
	}
	return "", errors.New("no remote operation for " + string(m.OperationType) + " " + string(m.EntityType))
}

func localID(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
