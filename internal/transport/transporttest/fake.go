// Package transporttest provides an in-memory transport.Client for tests.
//
// Fake behaves like a small server: it keeps reminders and lists, enforces
// expected versions, remembers applied mutation ids, and feeds live queries
// through a transport.Cache the way the websocket client does. Tests can take
// it offline, inject failures per operation and block requests with a hook.
package transporttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joltapp/jolt-sync/internal/model"
	"github.com/joltapp/jolt-sync/internal/transport"
)

// Call records one Request.
type Call struct {
	Op   transport.Operation
	Vars json.RawMessage
}

// Fake is an in-memory transport.Client.
type Fake struct {
	DeviceID string

	mu        sync.Mutex
	connected bool
	offline   bool
	user      model.User
	reminders []model.Reminder
	lists     []model.ReminderList
	applied   map[string]json.RawMessage
	failures  map[transport.Operation][]error
	calls     []Call
	refetches map[transport.Query]int
	evicted   []string
	hook      func(transport.Operation)
	subs      map[*fakeSub]struct{}

	cache *transport.Cache
}

var _ transport.Client = (*Fake)(nil)

// New returns a disconnected fake with a default list and a free user.
func New() *Fake {
	return &Fake{
		DeviceID: "test-device",
		user:     model.User{ID: "u1", Email: "test@example.com", DisplayName: "Test"},
		lists: []model.ReminderList{{
			ID: "list-default", Name: model.DefaultListName, ColorHex: model.DefaultListColor,
			IconName: model.DefaultListIcon, IsDefault: true, Version: 1,
		}},
		applied:   make(map[string]json.RawMessage),
		failures:  make(map[transport.Operation][]error),
		refetches: make(map[transport.Query]int),
		subs:      make(map[*fakeSub]struct{}),
		cache:     transport.NewCache(),
	}
}

// SetOffline simulates losing (true) or regaining (false) the network. While
// offline every Request and Connect fails with transport.ErrOffline.
func (f *Fake) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// SetHook installs fn to run before every Request is handled, outside the lock.
func (f *Fake) SetHook(fn func(transport.Operation)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = fn
}

// FailNext makes the next len(errs) calls of op fail with errs in order.
func (f *Fake) FailNext(op transport.Operation, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// SeedReminder stores r as if the server had it. Version defaults to 1.
func (f *Fake) SeedReminder(r model.Reminder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Version == 0 {
		r.Version = 1
	}
	if r.Status == "" {
		r.Status = model.StatusActive
	}
	f.reminders = append(f.reminders, r)
}

// ServerEdit changes a reminder behind the client's back, bumping its
// version. Nothing is pushed.
func (f *Fake) ServerEdit(id string, fn func(*model.Reminder)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r := f.findReminderLocked(id); r != nil {
		fn(r)
		r.Version++
	}
}

// Reminder returns the server copy of a reminder.
func (f *Fake) Reminder(id string) (model.Reminder, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r := f.findReminderLocked(id); r != nil {
		return r.Clone(), true
	}
	return model.Reminder{}, false
}

// ServerReminders returns the server copies of all reminders.
func (f *Fake) ServerReminders() []model.Reminder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Reminder, len(f.reminders))
	for i, r := range f.reminders {
		out[i] = r.Clone()
	}
	return out
}

// Calls returns how many requests of op were received, failed ones included.
func (f *Fake) Calls(op transport.Operation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// CallLog returns every request in arrival order.
func (f *Fake) CallLog() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Refetches returns how many times q was refetched through a watch handle.
func (f *Fake) Refetches(q transport.Query) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refetches[q]
}

// Evicted returns the ids passed to Evict.
func (f *Fake) Evicted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.evicted...)
}

// Push delivers ev to every subscription registered for its topic.
func (f *Fake) Push(ev transport.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushLocked(ev)
}

// Connect implements transport.Client.
func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.offline {
		f.mu.Unlock()
		return fmt.Errorf("failed to dial: %w", transport.ErrOffline)
	}
	f.connected = true
	f.mu.Unlock()

	for _, q := range []transport.Query{transport.QueryReminders, transport.QueryLists, transport.QueryCurrentUser} {
		f.publish(q)
	}
	return nil
}

// Disconnect implements transport.Client.
func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// Request implements transport.Client.
func (f *Fake) Request(ctx context.Context, op transport.Operation, vars any, out any) error {
	raw, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrInvalidInput, err)
	}

	f.mu.Lock()
	if !f.connected || f.offline {
		f.mu.Unlock()
		return transport.ErrOffline
	}
	f.calls = append(f.calls, Call{Op: op, Vars: raw})
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(op)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrNetwork, err)
	}

	f.mu.Lock()
	if errs := f.failures[op]; len(errs) > 0 {
		f.failures[op] = errs[1:]
		f.mu.Unlock()
		return errs[0]
	}
	data, changed, err := f.handleLocked(op, raw)
	f.mu.Unlock()
	if err != nil {
		return err
	}

	for _, q := range changed {
		f.publish(q)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: failed to decode response: %v", transport.ErrServer, err)
		}
	}
	return nil
}

// Watch implements transport.Client.
func (f *Fake) Watch(ctx context.Context, q transport.Query) (transport.WatchHandle, error) {
	ch, cancel := f.cache.Subscribe(q)
	h := &fakeWatch{fake: f, query: q, ch: ch, cancel: cancel}

	f.mu.Lock()
	connected := f.connected && !f.offline
	f.mu.Unlock()
	if _, ok := f.cache.Get(q); !ok && connected {
		f.publish(q)
	}
	return h, nil
}

// Subscribe implements transport.Client.
func (f *Fake) Subscribe(ctx context.Context, topics ...transport.Topic) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{fake: f, ch: make(chan transport.Event, 64), topics: make(map[transport.Topic]bool)}
	for _, t := range topics {
		sub.topics[t] = true
	}
	f.subs[sub] = struct{}{}
	return sub, nil
}

// Evict implements transport.Client.
func (f *Fake) Evict(entityID string) {
	f.mu.Lock()
	f.evicted = append(f.evicted, entityID)
	f.mu.Unlock()
	f.cache.Evict(entityID)
}

// publish writes the server's current data for q into the cache.
func (f *Fake) publish(q transport.Query) {
	seq := f.cache.NextSeq()
	f.mu.Lock()
	res := transport.Result{Query: q, Seq: seq, FetchedAt: time.Now()}
	switch q {
	case transport.QueryReminders:
		res.Reminders = make([]model.Reminder, len(f.reminders))
		for i, r := range f.reminders {
			res.Reminders[i] = r.Clone()
		}
	case transport.QueryLists:
		res.Lists = f.listsLocked()
	case transport.QueryCurrentUser:
		u := f.user
		res.User = &u
	}
	f.mu.Unlock()
	f.cache.Put(res)
}

func (f *Fake) pushLocked(ev transport.Event) {
	for sub := range f.subs {
		if !sub.topics[ev.Topic] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

type fakeWatch struct {
	fake   *Fake
	query  transport.Query
	ch     <-chan transport.Result
	cancel func()
}

func (w *fakeWatch) C() <-chan transport.Result { return w.ch }

func (w *fakeWatch) Refetch(ctx context.Context) error {
	f := w.fake
	f.mu.Lock()
	f.refetches[w.query]++
	connected := f.connected && !f.offline
	f.mu.Unlock()

	if !connected {
		f.cache.Put(transport.Result{Query: w.query, Err: transport.ErrOffline})
		return transport.ErrOffline
	}
	f.publish(w.query)
	return nil
}

func (w *fakeWatch) Cancel() { w.cancel() }

type fakeSub struct {
	fake   *Fake
	ch     chan transport.Event
	topics map[transport.Topic]bool
	once   sync.Once
}

func (s *fakeSub) C() <-chan transport.Event { return s.ch }

func (s *fakeSub) Cancel() {
	s.once.Do(func() {
		s.fake.mu.Lock()
		defer s.fake.mu.Unlock()
		delete(s.fake.subs, s)
		close(s.ch)
	})
}

func newID() string {
	return uuid.NewString()
}
