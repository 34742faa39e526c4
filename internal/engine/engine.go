package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/overlay"
	"github.com/joltapp/jolt-sync/internal/queue"
	"github.com/joltapp/jolt-sync/internal/reachability"
	"github.com/joltapp/jolt-sync/internal/relay"
	"github.com/joltapp/jolt-sync/internal/transport"
	"github.com/joltapp/jolt-sync/internal/watch"
)

// DefaultMaxRetries is the replay attempt ceiling for retryable failures.
const DefaultMaxRetries = 3

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("engine is not connected")

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configures an Engine.
type Options struct {
	// DeviceID identifies this device in change events.
	DeviceID string
	// MaxRetries is the replay ceiling for retryable failures. Default 3.
	MaxRetries int
	// Reachability, when set, triggers a replay on every "became available"
	// event while connected.
	Reachability *reachability.Monitor
	// Logger defaults to stderr with an [engine] prefix.
	Logger *log.Logger
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Status is the published sync status.
type Status struct {
	State      State
	Online     bool
	IsSyncing  bool
	LastSyncAt *time.Time
	SyncError  error
	Pending    int
}

// Engine keeps the local view of reminders and lists converged with the
// server. Construct one per account with New; it holds no global state.
type Engine struct {
	client  transport.Client
	queue   *queue.Store
	overlay *overlay.Overlay
	opts    Options
	logger  *log.Logger

	// submitMu serializes remote writes so the server sees them in
	// submission order.
	submitMu sync.Mutex

	mu         sync.Mutex
	state      State
	base       overlay.Base
	inflight   map[string]string // mutation id -> entity key
	syncErr    error
	lastSyncAt *time.Time
	watchers   map[transport.Query]*watch.Watcher
	relay      *relay.Relay
	runCtx     context.Context
	cancel     context.CancelFunc
	observers  map[int]chan struct{}
	nextObs    int

	wg          sync.WaitGroup
	processing  atomic.Bool
	replayAgain atomic.Bool
	syncing     atomic.Bool
	snapshot    atomic.Pointer[overlay.Snapshot]
	notices     chan relay.Notice
}

// New creates a disconnected engine over client and q. Effects of mutations
// already in q are rebuilt so the first snapshot shows them.
func New(client transport.Client, q *queue.Store, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		client:    client,
		queue:     q,
		overlay:   overlay.New(),
		opts:      opts,
		logger:    opts.Logger,
		inflight:  make(map[string]string),
		observers: make(map[int]chan struct{}),
		notices:   make(chan relay.Notice, 32),
	}

	for _, m := range q.List() {
		eff, err := effectFor(m)
		if err != nil {
			e.logger.Printf("WARNING: no optimistic effect for queued mutation %s: %v", m.ID, err)
			continue
		}
		e.overlay.Apply(eff)
	}

	e.mu.Lock()
	e.publishLocked()
	e.mu.Unlock()
	return e
}

// Connect opens the connection, starts the live queries and the change
// relay, and replays the queue if it is not empty. Calling Connect while
// connecting or connected is a no-op.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.state != Disconnected {
		e.logger.Printf("Connect called while %s, ignoring", e.state)
		e.mu.Unlock()
		return nil
	}
	e.state = Connecting
	e.publishLocked()
	e.mu.Unlock()

	if err := e.client.Connect(ctx); err != nil {
		e.mu.Lock()
		e.state = Disconnected
		e.publishLocked()
		e.mu.Unlock()
		return fmt.Errorf("failed to connect: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	watchers := make(map[transport.Query]*watch.Watcher, 3)
	teardown := func() {
		cancel()
		for _, w := range watchers {
			w.Cancel()
		}
	}

	for _, q := range []transport.Query{transport.QueryReminders, transport.QueryLists, transport.QueryCurrentUser} {
		w, err := watch.Start(runCtx, e.client, q, e.logger)
		if err != nil {
			teardown()
			e.abortConnect()
			return fmt.Errorf("failed to start watchers: %w", err)
		}
		watchers[q] = w
	}

	rl, err := relay.Start(runCtx, e.client, relay.Options{
		DeviceID:  e.opts.DeviceID,
		Reminders: watchers[transport.QueryReminders],
		Lists:     watchers[transport.QueryLists],
		Logger:    e.logger,
	})
	if err != nil {
		teardown()
		e.abortConnect()
		return fmt.Errorf("failed to start change relay: %w", err)
	}

	e.mu.Lock()
	if e.state != Connecting {
		// Disconnect ran while we were connecting.
		e.mu.Unlock()
		rl.Stop()
		teardown()
		return nil
	}
	e.state = Connected
	e.watchers = watchers
	e.relay = rl
	e.runCtx = runCtx
	e.cancel = cancel

	for _, w := range watchers {
		e.wg.Add(1)
		go e.consume(w)
	}
	e.wg.Add(1)
	go e.forwardNotices(rl)
	if e.opts.Reachability != nil {
		events, unsubscribe := e.opts.Reachability.Subscribe()
		e.wg.Add(1)
		go e.followReachability(runCtx, events, unsubscribe)
	}
	e.publishLocked()
	e.mu.Unlock()

	e.logger.Printf("Connected")

	if e.queue.Len() > 0 {
		if err := e.ProcessQueue(ctx); err != nil {
			e.logger.Printf("WARNING: replay on connect stopped: %v", err)
		}
	}
	return nil
}

func (e *Engine) abortConnect() {
	e.mu.Lock()
	if e.state == Connecting {
		e.state = Disconnected
	}
	e.publishLocked()
	e.mu.Unlock()
	if err := e.client.Disconnect(); err != nil {
		e.logger.Printf("WARNING: disconnect after failed connect: %v", err)
	}
}

// Disconnect cancels the live queries and the push subscription and closes
// the connection. It is safe to call in any state.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	cancel := e.cancel
	watchers := e.watchers
	rl := e.relay
	wasConnected := e.state != Disconnected
	e.state = Disconnected
	e.cancel = nil
	e.watchers = nil
	e.relay = nil
	e.runCtx = nil
	e.publishLocked()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, w := range watchers {
		w.Cancel()
	}
	if rl != nil {
		rl.Stop()
	}
	e.wg.Wait()

	if !wasConnected {
		return nil
	}
	if err := e.client.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	e.logger.Printf("Disconnected")
	return nil
}

// Refetch replays the queue and then forces every live query to refresh.
func (e *Engine) Refetch(ctx context.Context) error {
	e.mu.Lock()
	watchers := e.watchers
	connected := e.state == Connected
	e.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	if err := e.ProcessQueue(ctx); err != nil {
		return err
	}
	var errs []error
	for _, w := range watchers {
		if err := w.Refetch(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PerformSync is Refetch.
func (e *Engine) PerformSync(ctx context.Context) error {
	return e.Refetch(ctx)
}

// consume folds watcher results into the base until the watcher closes.
func (e *Engine) consume(w *watch.Watcher) {
	defer e.wg.Done()
	for r := range w.Results() {
		e.applyResult(r)
	}
}

func (e *Engine) applyResult(r transport.Result) {
	if r.Err != nil {
		e.logger.Printf("WARNING: %s query failed: %v", r.Query, r.Err)
		if transport.IsAuth(r.Err) {
			e.mu.Lock()
			e.syncErr = r.Err
			e.publishLocked()
			e.mu.Unlock()
		}
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch r.Query {
	case transport.QueryReminders:
		e.base = e.base.WithReminders(r.Reminders)
	case transport.QueryLists:
		e.base = e.base.WithLists(r.Lists)
	case transport.QueryCurrentUser:
		if r.User != nil {
			e.base = e.base.WithUser(*r.User)
		}
	}
	if r.Query != transport.QueryCurrentUser {
		at := r.FetchedAt
		if at.IsZero() {
			at = e.opts.Now()
		}
		e.lastSyncAt = &at
	}

	if n := e.overlay.Prune(e.keepEffectLocked); n > 0 {
		e.logger.Printf("Cleared %d acknowledged optimistic effects", n)
	}
	e.publishLocked()
}

// keepEffectLocked reports whether a mutation is still queued or in flight.
func (e *Engine) keepEffectLocked(mutationID string) bool {
	if _, ok := e.inflight[mutationID]; ok {
		return true
	}
	_, ok := e.queue.Get(mutationID)
	return ok
}

func (e *Engine) forwardNotices(rl *relay.Relay) {
	defer e.wg.Done()
	for n := range rl.Notices() {
		select {
		case e.notices <- n:
		default:
			e.logger.Printf("WARNING: notice dropped, nobody is reading: %s", n.Message)
		}
	}
}

func (e *Engine) followReachability(ctx context.Context, events <-chan reachability.Event, unsubscribe func()) {
	defer e.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.mu.Lock()
			e.publishLocked()
			e.mu.Unlock()
			if ev.Kind != reachability.BecameAvailable {
				continue
			}
			if err := e.ProcessQueue(ctx); err != nil {
				e.logger.Printf("WARNING: replay after network returned stopped: %v", err)
			}
		}
	}
}

// publishLocked recomputes the visible snapshot and wakes observers.
func (e *Engine) publishLocked() {
	snap := overlay.Reconcile(e.base, e.overlay.Effects())
	e.snapshot.Store(&snap)
	for _, ch := range e.observers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Snapshot returns the current visible state. It never blocks on writers.
func (e *Engine) Snapshot() overlay.Snapshot {
	return *e.snapshot.Load()
}

// Reminders returns the visible reminders.
func (e *Engine) Reminders() []model.Reminder {
	return e.snapshot.Load().Reminders
}

// ReminderLists returns the visible lists ordered by sort order.
func (e *Engine) ReminderLists() []model.ReminderList {
	return e.snapshot.Load().Lists
}

// CurrentUser returns the signed-in user, or nil before the first result.
func (e *Engine) CurrentUser() *model.User {
	return e.snapshot.Load().User
}

// Observe returns a channel that receives a value after the snapshot or
// status changes. Notifications coalesce; read Snapshot or Status for the
// current value. The returned function unsubscribes.
func (e *Engine) Observe() (<-chan struct{}, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextObs
	e.nextObs++
	ch := make(chan struct{}, 1)
	e.observers[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	}
}

// Notices delivers changes made on other devices while connected. The
// channel is never closed.
func (e *Engine) Notices() <-chan relay.Notice {
	return e.notices
}

// Status returns the current sync status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	online := e.state == Connected
	if e.opts.Reachability != nil {
		online = online && e.opts.Reachability.IsAvailable()
	}
	return Status{
		State:      e.state,
		Online:     online,
		IsSyncing:  e.syncing.Load(),
		LastSyncAt: e.lastSyncAt,
		SyncError:  e.syncErr,
		Pending:    e.queue.Len(),
	}
}

// ClearSyncError forgets the last surfaced sync error.
func (e *Engine) ClearSyncError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncErr = nil
	e.publishLocked()
}

// PendingMutations returns the queued mutations oldest-first.
func (e *Engine) PendingMutations() []model.QueuedMutation {
	return e.queue.List()
}

// HasPendingMutations reports whether anything is queued.
func (e *Engine) HasPendingMutations() bool {
	return e.queue.Len() > 0
}

// PendingCount returns the number of queued mutations.
func (e *Engine) PendingCount() int {
	return e.queue.Len()
}
