package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joltapp/jolt-sync/internal/config"
	"github.com/joltapp/jolt-sync/internal/engine"
	"github.com/joltapp/jolt-sync/internal/logging"
	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/queue"
	"github.com/joltapp/jolt-sync/internal/reachability"
	"github.com/joltapp/jolt-sync/internal/transport/ws"
	"github.com/joltapp/jolt-sync/internal/ui"
)

const (
	connectTimeout = 5 * time.Second
	settleTimeout  = 10 * time.Second
)

// session is one command's view of the account: the persisted queue, the
// transport and the engine over both.
type session struct {
	engine    *engine.Engine
	queue     *queue.Store
	slot      queue.Slot
	connected bool
	close     func()
}

// openQueue opens the configured queue backend.
func openQueue(c *config.Config) (*queue.Store, queue.Slot, func(), error) {
	var (
		slot    queue.Slot
		release = func() {}
	)
	switch c.Queue.Backend {
	case config.BackendSQLite:
		s, err := queue.OpenSQLiteSlot(c.Queue.Path, c.Queue.Slot)
		if err != nil {
			return nil, nil, nil, err
		}
		slot = s
		release = func() { _ = s.Close() }
	default:
		slot = queue.NewFileSlot(c.Queue.Path)
	}

	q, err := queue.New(slot, queue.Options{
		MaxSize: c.Queue.MaxSize,
		Logger:  logging.Component(logger, "queue"),
	})
	if err != nil {
		release()
		return nil, nil, nil, fmt.Errorf("failed to open queue: %w", err)
	}
	return q, slot, release, nil
}

// openSession builds the engine without connecting. A nil monitor means
// replays are driven only by connects and writes.
func openSession(monitor *reachability.Monitor) (*session, error) {
	q, slot, release, err := openQueue(cfg)
	if err != nil {
		return nil, err
	}
	client := ws.New(ws.Options{
		URL:      cfg.Server.URL,
		Token:    cfg.Server.Token,
		DeviceID: cfg.Server.DeviceID,
		Logger:   logging.Component(logger, "ws"),
	})
	e := engine.New(client, q, engine.Options{
		DeviceID:     cfg.Server.DeviceID,
		MaxRetries:   cfg.Engine.MaxRetries,
		Reachability: monitor,
		Logger:       logging.Component(logger, "engine"),
	})

	s := &session{engine: e, queue: q, slot: slot}
	s.close = func() {
		if err := e.Disconnect(); err != nil {
			logger.Printf("WARNING: %v", err)
		}
		release()
	}
	return s, nil
}

// connect tries the server once. Being offline is not an error: writes
// queue locally and the caller is told through the returned bool.
func (s *session) connect(ctx context.Context) bool {
	if cfg.Server.Token == "" {
		fmt.Fprintf(os.Stderr, "%s No token configured, working offline (see 'jolt config init')\n", ui.RenderWarn("⚠"))
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := s.engine.Connect(cctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s Offline: %v\n", ui.RenderWarn("⚠"), err)
		return false
	}
	s.connected = true
	return true
}

// openConnected is openSession followed by connect and, when online, a wait
// for the first full fetch.
func openConnected(ctx context.Context) (*session, error) {
	s, err := openSession(nil)
	if err != nil {
		return nil, err
	}
	if s.connect(ctx) {
		if err := s.awaitFetch(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v, showing local state\n", ui.RenderWarn("⚠"), err)
		}
	}
	return s, nil
}

// awaitFetch blocks until reminders, lists and the account have all arrived.
func (s *session) awaitFetch(ctx context.Context) error {
	return s.await(ctx, "initial fetch", func() bool {
		st := s.engine.Status()
		return st.LastSyncAt != nil && s.engine.CurrentUser() != nil && len(s.engine.ReminderLists()) > 0
	})
}

// flush waits for the queue to drain, so a one-shot command does not exit
// while its write is still in flight.
func (s *session) flush(ctx context.Context) {
	if !s.connected {
		if n := s.engine.PendingCount(); n > 0 {
			fmt.Printf("   %s\n", ui.RenderMuted(fmt.Sprintf("%d change(s) queued until the server is reachable", n)))
		}
		return
	}
	if err := s.engine.ProcessQueue(ctx); err != nil {
		logger.Printf("WARNING: replay stopped: %v", err)
	}
	if err := s.await(ctx, "sync", func() bool { return s.engine.PendingCount() == 0 }); err != nil {
		fmt.Printf("   %s\n", ui.RenderMuted(fmt.Sprintf("%d change(s) still queued", s.engine.PendingCount())))
	}
	if st := s.engine.Status(); st.SyncError != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), st.SyncError)
	}
}

func (s *session) await(ctx context.Context, what string, done func() bool) error {
	changes, stop := s.engine.Observe()
	defer stop()

	timer := time.NewTimer(settleTimeout)
	defer timer.Stop()
	for !done() {
		select {
		case <-changes:
		case <-timer.C:
			return fmt.Errorf("timed out waiting for %s", what)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// findReminder resolves an id, local id or unambiguous id prefix against
// the visible reminders.
func (s *session) findReminder(key string) (model.Reminder, error) {
	snap := s.engine.Snapshot()
	if r, ok := snap.Reminder(key); ok {
		return r, nil
	}
	var found []model.Reminder
	for _, r := range snap.Reminders {
		if strings.HasPrefix(r.ID, key) {
			found = append(found, r)
		}
	}
	switch len(found) {
	case 0:
		return model.Reminder{}, fmt.Errorf("no reminder matches %q", key)
	case 1:
		return found[0], nil
	default:
		return model.Reminder{}, fmt.Errorf("%q matches %d reminders, use more characters", key, len(found))
	}
}

// findList resolves an id, id prefix or case-insensitive name.
func (s *session) findList(key string) (model.ReminderList, error) {
	snap := s.engine.Snapshot()
	if l, ok := snap.List(key); ok {
		return l, nil
	}
	var found []model.ReminderList
	for _, l := range snap.Lists {
		if strings.EqualFold(l.Name, key) || strings.HasPrefix(l.ID, key) {
			found = append(found, l)
		}
	}
	switch len(found) {
	case 0:
		return model.ReminderList{}, fmt.Errorf("no list matches %q", key)
	case 1:
		return found[0], nil
	default:
		return model.ReminderList{}, fmt.Errorf("%q matches %d lists, use the id", key, len(found))
	}
}
