package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/transport"
)

// ProcessQueue replays queued mutations oldest-first.
//
// Only one replay runs at a time; calling ProcessQueue while one is running
// returns nil immediately. Mutations queued while a replay runs are picked
// up by that replay before it returns. Each mutation is attempted at most
// once per call.
//
// The returned error is non-nil only when the replay stopped early because
// the connection was lost, the context ended or the session is no longer
// authorized. Per-mutation failures are reported through Status.
func (e *Engine) ProcessQueue(ctx context.Context) error {
	if !e.processing.CompareAndSwap(false, true) {
		return nil
	}
	attempted := make(map[string]bool)

	for {
		e.replayAgain.Store(false)
		err := e.replay(ctx, attempted)
		e.processing.Store(false)
		if err != nil {
			return err
		}
		// A kick that landed after the pass read the queue.
		if !e.replayAgain.Load() || !e.hasUnattempted(attempted) {
			return nil
		}
		if !e.processing.CompareAndSwap(false, true) {
			return nil
		}
	}
}

func (e *Engine) hasUnattempted(attempted map[string]bool) bool {
	for _, m := range e.queue.List() {
		if !attempted[m.ID] {
			return true
		}
	}
	return false
}

// replay makes passes over the queue until a pass finds nothing new.
func (e *Engine) replay(ctx context.Context, attempted map[string]bool) error {
	e.setSyncing(true)
	defer e.setSyncing(false)

	conflicted := make(map[string]bool)
	refetch := false
	defer func() {
		if refetch {
			e.refetchAsync()
		}
	}()

	for {
		progressed := false
		// Entities whose earlier mutation is still queued. Later writes to
		// them wait so the server sees them in order.
		blocked := make(map[string]bool)

		for _, m := range e.queue.List() {
			key := m.EntityKey()
			if attempted[m.ID] {
				if key != "" {
					blocked[key] = true
				}
				continue
			}
			if key != "" && blocked[key] {
				continue
			}
			if _, ok := e.queue.Get(m.ID); !ok {
				continue
			}
			attempted[m.ID] = true
			progressed = true

			if key != "" && conflicted[key] {
				e.logger.Printf("Dropping %s %s %s: superseded by server state", m.OperationType, m.EntityType, key)
				e.finish(m, nil)
				continue
			}

			op, err := operationFor(m)
			if err != nil {
				e.finish(m, err)
				continue
			}

			// In flight until acknowledged, so a write submitted meanwhile
			// chains behind it instead of asserting the old version.
			e.mu.Lock()
			e.inflight[m.ID] = key
			e.mu.Unlock()

			var resp json.RawMessage
			err = e.client.Request(ctx, op, m.Payload, &resp)
			res := classify(m, err)
			if res != outcomeSuccess || ctx.Err() != nil {
				e.mu.Lock()
				delete(e.inflight, m.ID)
				e.mu.Unlock()
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			switch res {
			case outcomeSuccess:
				if err := e.queue.Dequeue(m.ID); err != nil {
					e.logger.Printf("WARNING: %v", err)
				}
				e.acknowledge(m, resp)

			case outcomeConflict:
				e.logger.Printf("Conflict replaying %s %s %s, keeping server version: %v", m.OperationType, m.EntityType, key, err)
				if key != "" {
					conflicted[key] = true
				}
				refetch = true
				e.finish(m, nil)

			case outcomePermanent:
				e.logger.Printf("WARNING: dropping %s %s %s: %v", m.OperationType, m.EntityType, key, err)
				e.finish(m, err)

			case outcomeRetry:
				failed := m.WithFailure(err)
				if failed.RetryCount >= e.opts.MaxRetries {
					e.logger.Printf("WARNING: giving up on %s %s %s after %d attempts: %v",
						m.OperationType, m.EntityType, key, failed.RetryCount, err)
					e.finish(m, fmt.Errorf("%s %s failed after %d attempts: %w", m.OperationType, m.EntityType, failed.RetryCount, err))
					continue
				}
				if err := e.queue.Replace(failed); err != nil {
					e.logger.Printf("WARNING: %v", err)
				}
				if key != "" {
					blocked[key] = true
				}

			case outcomeOffline, outcomeAuth:
				// Not this mutation's fault: it is not charged an attempt.
				delete(attempted, m.ID)
				e.mu.Lock()
				e.syncErr = err
				e.publishLocked()
				e.mu.Unlock()
				return fmt.Errorf("replay stopped (%s): %w", res, err)
			}
		}

		if !progressed {
			break
		}
	}

	e.mu.Lock()
	if errors.Is(e.syncErr, transport.ErrOffline) {
		e.syncErr = nil
	}
	now := e.opts.Now()
	e.lastSyncAt = &now
	e.publishLocked()
	e.mu.Unlock()
	return nil
}

// finish removes a mutation that will never apply and rolls back its
// optimistic effect. A non-nil err is surfaced as the sync error.
func (e *Engine) finish(m model.QueuedMutation, err error) {
	if derr := e.queue.Dequeue(m.ID); derr != nil {
		e.logger.Printf("WARNING: %v", derr)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overlay.Discard(m.ID)
	if err != nil {
		e.syncErr = err
	}
	e.publishLocked()
}

func (e *Engine) setSyncing(v bool) {
	e.syncing.Store(v)
	e.mu.Lock()
	e.publishLocked()
	e.mu.Unlock()
}
